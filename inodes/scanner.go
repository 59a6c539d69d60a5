/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 09:05:33 2019 mstenber
 * Last modified: Tue May 21 15:48:02 2019 mstenber
 * Edit time:     203 min
 *
 */

// inodes holds the file content scanner and inode manager: it
// collapses hardlinks and duplicate-content files into unique files,
// assigns the regular-file portion of the inode space, and hands
// representatives to the block manager in the configured order.
package inodes

import (
	"hash"
	"io"

	"github.com/cespare/xxhash/v2"
	sha256 "github.com/minio/sha256-simd"
	"github.com/pkg/errors"

	"github.com/fingon/go-dwarfs/entry"
	"github.com/fingon/go-dwarfs/mlog"
	"github.com/fingon/go-dwarfs/progress"
	"github.com/fingon/go-dwarfs/util"
)

// File is one distinct source file object. Hardlinked entries share a
// File; duplicate-content Files later share a content group.
type File struct {
	Entries []entry.ID
	Path    string
	Size    uint64
	Mtime   int64

	digest     string
	similarity uint32
	lsh        [lshBytes]byte

	// Ino and UniqueID are valid after Finalize.
	Ino      uint32
	UniqueID uint32
}

type sourceKey struct {
	dev, ino uint64
}

// Scanner ingests files during the tree walk; hashing runs on the
// worker group. Finalize partitions the file inode range.
type Scanner struct {
	Source   entry.Source
	WG       *util.WorkerGroup
	Progress *progress.Progress

	// HashAlgorithm is "xxh64", "sha256" or "" (dedup by source
	// identity only).
	HashAlgorithm string

	WithSimilarity bool
	WithNilsimsa   bool

	// Cache, if set, short-circuits digest computation for files
	// whose (path, size, mtime) has been seen in an earlier build.
	Cache DigestCache

	lock     util.MutexLocked
	files    []*File
	bySource map[sourceKey]int32

	// after Finalize
	numUnique uint32
	reps      []*File
	shared    []uint32
}

func (self Scanner) Init() *Scanner {
	self.bySource = make(map[sourceKey]int32)
	return &self
}

func newHasher(name string) (hash.Hash, error) {
	switch name {
	case "xxh64":
		return xxhash.New(), nil
	case "sha256":
		return sha256.New(), nil
	}
	return nil, errors.Errorf("unknown file hash algorithm: %s", name)
}

// ValidHashAlgorithm reports whether name can be used as
// HashAlgorithm ("" is valid and disables hashing).
func ValidHashAlgorithm(name string) bool {
	if name == "" {
		return true
	}
	_, err := newHasher(name)
	return err == nil
}

// Scan registers one regular file entry. Returns the file index for
// the entry; hardlinked entries get the index of the File they alias.
// Called synchronously from the tree walk.
func (self *Scanner) Scan(id entry.ID, path string, a *entry.Attr) int32 {
	defer self.lock.Locked()()

	key := sourceKey{a.Dev, a.Ino}
	if a.Nlink > 1 {
		if idx, ok := self.bySource[key]; ok {
			f := self.files[idx]
			f.Entries = append(f.Entries, id)
			self.Progress.Hardlinks.Add(1)
			self.Progress.HardlinkSize.AddInt(int(a.Size))
			self.Progress.FilesScanned.Add(1)
			mlog.Printf2("inodes/scanner", "hardlink %q -> %q", path, f.Path)
			return idx
		}
	}

	f := &File{Entries: []entry.ID{id}, Path: path, Size: a.Size, Mtime: a.Mtime}
	idx := int32(len(self.files))
	self.files = append(self.files, f)
	if a.Nlink > 1 {
		self.bySource[key] = idx
	}
	self.Progress.OriginalSize.AddInt(int(a.Size))

	if self.HashAlgorithm != "" || self.WithSimilarity || self.WithNilsimsa {
		self.WG.AddJob(func() {
			self.scanContent(f)
		})
	} else {
		self.Progress.FilesScanned.Add(1)
	}
	return idx
}

// DigestCache persists content digests between builds so unchanged
// files need not be re-read.
type DigestCache interface {
	Get(path string, size uint64, mtime int64) ([]byte, bool)
	Put(path string, size uint64, mtime int64, digest []byte)
}

func (self *Scanner) scanContent(f *File) {
	if self.Cache != nil && self.HashAlgorithm != "" &&
		!self.WithSimilarity && !self.WithNilsimsa {
		if d, ok := self.Cache.Get(f.Path, f.Size, f.Mtime); ok {
			defer self.lock.Locked()()
			f.digest = string(d)
			self.Progress.FilesScanned.Add(1)
			return
		}
	}

	data := self.readAll(f)

	var digest string
	if self.HashAlgorithm != "" {
		h, err := newHasher(self.HashAlgorithm)
		if err != nil {
			// validated before the scan started
			panic(err)
		}
		h.Write(data)
		digest = string(h.Sum(nil))
		self.Progress.HashScans.Add(1)
		self.Progress.HashBytes.AddInt(len(data))
		if self.Cache != nil {
			self.Cache.Put(f.Path, f.Size, f.Mtime, []byte(digest))
		}
	}

	var sim uint32
	var lsh [lshBytes]byte
	if self.WithSimilarity {
		sim = similarityHash(data)
	}
	if self.WithNilsimsa {
		lsh = localityHash(data)
	}

	defer self.lock.Locked()()
	f.digest = digest
	f.similarity = sim
	f.lsh = lsh
	self.Progress.FilesScanned.Add(1)
}

func (self *Scanner) readAll(f *File) []byte {
	if f.Size == 0 {
		return nil
	}
	r, err := self.Source.Open(f.Path)
	if err != nil {
		mlog.Printf2("inodes/scanner", "cannot open %q: %v", f.Path, err)
		return nil
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		mlog.Printf2("inodes/scanner", "cannot read %q: %v", f.Path, err)
		return nil
	}
	return data
}

// Finalize groups files by content and assigns inode numbers
// [first, first+n). Unique-content files come first in discovery
// order; members of shared-content groups occupy the tail, grouped
// and ordered by unique file id so the shared-files vector is
// non-decreasing. The caller must have waited for the worker group.
func (self *Scanner) Finalize(first uint32) (last uint32) {
	type group struct {
		files []*File
	}
	type contentKey struct {
		digest string
		size   uint64
	}
	var groups []*group
	byDigest := map[contentKey]*group{}

	for _, f := range self.files {
		if self.HashAlgorithm == "" {
			groups = append(groups, &group{files: []*File{f}})
			continue
		}
		g := byDigest[contentKey{f.digest, f.Size}]
		if g == nil {
			g = &group{}
			byDigest[contentKey{f.digest, f.Size}] = g
			groups = append(groups, g)
		}
		g.files = append(g.files, f)
	}

	var singles, sharedGroups []*group
	for _, g := range groups {
		if len(g.files) == 1 {
			singles = append(singles, g)
		} else {
			sharedGroups = append(sharedGroups, g)
		}
	}

	self.numUnique = uint32(len(singles))
	self.reps = make([]*File, 0, len(singles)+len(sharedGroups))

	for i, g := range singles {
		f := g.files[0]
		f.UniqueID = uint32(i)
		f.Ino = first + uint32(i)
		self.reps = append(self.reps, f)
		self.Progress.InodesScanned.Add(1)
	}

	ino := first + self.numUnique
	for gi, g := range sharedGroups {
		ufi := self.numUnique + uint32(gi)
		for i, f := range g.files {
			f.UniqueID = ufi
			f.Ino = ino
			ino++
			self.shared = append(self.shared, ufi-self.numUnique)
			if i > 0 {
				self.Progress.DuplicateFiles.Add(1)
				self.Progress.SavedByDeduplication.AddInt(int(f.Size))
			}
		}
		self.reps = append(self.reps, g.files[0])
		self.Progress.InodesScanned.Add(1)
	}

	mlog.Printf2("inodes/scanner", "finalized %d files: %d unique, %d shared groups",
		len(self.files), self.numUnique, len(sharedGroups))
	return ino
}

// NumUnique is the number of unique-content files outside any shared
// group.
func (self *Scanner) NumUnique() uint32 {
	return self.numUnique
}

// Count is the number of chunk owners (unique files plus one per
// shared group); the chunk table has Count()+1 entries.
func (self *Scanner) Count() int {
	return len(self.reps)
}

// Representative returns the chunk owner for a unique file id.
func (self *Scanner) Representative(ufi uint32) *File {
	return self.reps[ufi]
}

// SharedFiles is the unpacked shared-files vector: for each inode in
// the shared tail, unique_file_id - num_unique. Non-decreasing.
func (self *Scanner) SharedFiles() []uint32 {
	return self.shared
}

// File returns the file record for an index handed out by Scan.
func (self *Scanner) File(idx int32) *File {
	return self.files[idx]
}
