/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Created:       Thu Mar 21 09:12:40 2019 mstenber
 * Last modified: Fri Jun  7 15:55:02 2019 mstenber
 * Edit time:     231 min
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 */

// fs is the read path: it opens an image, reconstructs the frozen
// metadata views, and serves lookup/stat/readdir/readlink/read
// against the immutable mapped region.
package fs

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/fingon/go-dwarfs/image"
	"github.com/fingon/go-dwarfs/metadata"
	"github.com/fingon/go-dwarfs/mlog"
	"github.com/fingon/go-dwarfs/util"
)

const (
	modeFmt  = 0170000
	fmtDir   = 0040000
	fmtLink  = 0120000
	fmtReg   = 0100000
	fmtChar  = 0020000
	fmtBlock = 0060000
)

type Options struct {
	// EnableNlink derives link counts by counting references to
	// each file inode; statvfs then counts hardlinked content once
	// instead of once per name.
	EnableNlink bool

	// CheckConsistency runs the full metadata invariant suite on
	// open.
	CheckConsistency bool
}

type Stat struct {
	Ino   uint32
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Nlink uint32
	Rdev  uint64
	Atime int64
	Mtime int64
	Ctime int64
}

type Statvfs struct {
	Bsize   uint64
	Blocks  uint64
	Files   uint64
	NameMax uint64
	// Readonly is always true; the image cannot be mutated.
	Readonly bool
}

// Filesystem serves a single opened image. Safe for concurrent use.
type Filesystem struct {
	img  *image.Reader
	meta *metadata.Reader
	opts Options

	offsets [6]uint32
	nlink   []uint32

	cacheLock util.MutexLocked
	cache     map[uint32][]byte
}

// Open maps an image file and validates it.
func Open(path string, opts Options) (*Filesystem, error) {
	img, err := image.Open(path)
	if err != nil {
		return nil, err
	}
	return setup(img, opts)
}

// NewFromBytes opens an in-memory image.
func NewFromBytes(data []byte, opts Options) (*Filesystem, error) {
	img, err := image.NewReaderBytes(data)
	if err != nil {
		return nil, err
	}
	return setup(img, opts)
}

func setup(img *image.Reader, opts Options) (*Filesystem, error) {
	schema, err := img.Schema()
	if err != nil {
		img.Close()
		return nil, err
	}
	data, err := img.Metadata()
	if err != nil {
		img.Close()
		return nil, err
	}
	meta, err := metadata.NewReader(schema, data, opts.CheckConsistency)
	if err != nil {
		img.Close()
		return nil, err
	}
	self := &Filesystem{
		img:     img,
		meta:    meta,
		opts:    opts,
		offsets: meta.Offsets(),
		cache:   make(map[uint32][]byte),
	}
	if opts.EnableNlink {
		self.countNlinks()
	}
	mlog.Printf2("fs/fs", "opened image: %d inodes", meta.NumInodes())
	return self, nil
}

func (self *Filesystem) countNlinks() {
	numFiles := self.offsets[3] - self.offsets[2]
	self.nlink = make([]uint32, numFiles)
	for e := uint32(0); e < uint32(self.meta.NumDirEntries()); e++ {
		ino := self.meta.DirEntryInode(e)
		if ino >= self.offsets[2] && ino < self.offsets[3] {
			self.nlink[ino-self.offsets[2]]++
		}
	}
}

func (self *Filesystem) Close() {
	self.img.Close()
}

func (self *Filesystem) RootInode() uint32 {
	return 0
}

func (self *Filesystem) NumInodes() int {
	return self.meta.NumInodes()
}

func (self *Filesystem) isDir(ino uint32) bool {
	return ino < self.offsets[1]
}

// Lookup finds a child by name; binary search over the parent's
// name-sorted dir entry range.
func (self *Filesystem) Lookup(parent uint32, name string) (uint32, error) {
	if !self.isDir(parent) {
		return 0, errors.Errorf("inode %d is not a directory", parent)
	}
	beg := self.meta.DirFirstEntry(parent)
	end := self.meta.DirFirstEntry(parent + 1)
	n := int(end - beg)
	i := sort.Search(n, func(i int) bool {
		return string(self.meta.DirEntryNameBytes(beg+uint32(i))) >= name
	})
	if i < n {
		e := beg + uint32(i)
		if string(self.meta.DirEntryNameBytes(e)) == name {
			return self.meta.DirEntryInode(e), nil
		}
	}
	return 0, errors.Errorf("%q not found in inode %d", name, parent)
}

// Find resolves a /-separated path from the root. The empty path and
// "/" mean the root itself.
func (self *Filesystem) Find(path string) (uint32, error) {
	ino := uint32(0)
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		var err error
		if ino, err = self.Lookup(ino, part); err != nil {
			return 0, err
		}
	}
	return ino, nil
}

func (self *Filesystem) Stat(ino uint32) (Stat, error) {
	if ino >= uint32(self.meta.NumInodes()) {
		return Stat{}, errors.Errorf("inode %d out of range", ino)
	}
	mode := self.meta.InodeMode(ino)
	st := Stat{
		Ino:   ino,
		Mode:  mode,
		Uid:   self.meta.InodeUid(ino),
		Gid:   self.meta.InodeGid(ino),
		Nlink: 1,
	}
	st.Atime, st.Mtime, st.Ctime = self.meta.InodeTimes(ino)

	switch mode & modeFmt {
	case fmtReg:
		local := ino - self.offsets[2]
		st.Size = self.meta.FileSize(self.meta.ChunkOwner(local))
		if self.nlink != nil {
			st.Nlink = self.nlink[local]
		}
	case fmtLink:
		st.Size = uint64(len(self.meta.SymlinkTargetBytes(ino - self.offsets[1])))
	case fmtChar, fmtBlock:
		st.Rdev = self.meta.DeviceRdev(ino - self.offsets[3])
	}
	return st, nil
}

type DirEntry struct {
	Name  string
	Inode uint32
}

// Dirsize is the number of entries Readdir yields, "." and ".."
// included.
func (self *Filesystem) Dirsize(ino uint32) (int, error) {
	if !self.isDir(ino) {
		return 0, errors.Errorf("inode %d is not a directory", ino)
	}
	return int(self.meta.DirFirstEntry(ino+1)-self.meta.DirFirstEntry(ino)) + 2, nil
}

// Readdir lists a directory. "." and ".." are synthesized, ".."
// through the parent entry of the directory.
func (self *Filesystem) Readdir(ino uint32) ([]DirEntry, error) {
	if !self.isDir(ino) {
		return nil, errors.Errorf("inode %d is not a directory", ino)
	}
	beg := self.meta.DirFirstEntry(ino)
	end := self.meta.DirFirstEntry(ino + 1)
	out := make([]DirEntry, 0, end-beg+2)
	out = append(out, DirEntry{Name: ".", Inode: ino})
	out = append(out, DirEntry{Name: "..", Inode: self.parentInode(ino)})
	for e := beg; e < end; e++ {
		out = append(out, DirEntry{
			Name:  string(self.meta.DirEntryNameBytes(e)),
			Inode: self.meta.DirEntryInode(e),
		})
	}
	return out, nil
}

func (self *Filesystem) parentInode(ino uint32) uint32 {
	if ino == 0 {
		return 0
	}
	return self.meta.DirEntryInode(self.meta.DirParentEntry(ino))
}

func (self *Filesystem) Readlink(ino uint32) (string, error) {
	if ino < self.offsets[1] || ino >= self.offsets[2] {
		return "", errors.Errorf("inode %d is not a symlink", ino)
	}
	return string(self.meta.SymlinkTargetBytes(ino - self.offsets[1])), nil
}

func (self *Filesystem) block(i uint32) ([]byte, error) {
	self.cacheLock.Lock()
	b, ok := self.cache[i]
	self.cacheLock.Unlock()
	if ok {
		return b, nil
	}
	b, err := self.img.Block(int(i))
	if err != nil {
		return nil, err
	}
	self.cacheLock.Lock()
	self.cache[i] = b
	self.cacheLock.Unlock()
	return b, nil
}

// Read returns up to length bytes of a regular file starting at
// offset, honoring chunk boundaries exactly. Reads past EOF return
// the available prefix.
func (self *Filesystem) Read(ino uint32, offset uint64, length int) ([]byte, error) {
	if ino < self.offsets[2] || ino >= self.offsets[3] {
		return nil, errors.Errorf("inode %d is not a regular file", ino)
	}
	owner := self.meta.ChunkOwner(ino - self.offsets[2])
	out := make([]byte, 0, length)
	for _, c := range self.meta.FileChunks(owner) {
		if length <= 0 {
			break
		}
		if offset >= uint64(c.Size) {
			offset -= uint64(c.Size)
			continue
		}
		b, err := self.block(c.Block)
		if err != nil {
			return nil, err
		}
		beg := uint64(c.Offset) + offset
		end := uint64(c.Offset) + uint64(c.Size)
		offset = 0
		if end-beg > uint64(length) {
			end = beg + uint64(length)
		}
		out = append(out, b[beg:end]...)
		length -= int(end - beg)
	}
	return out, nil
}

func (self *Filesystem) StatvfsInfo() Statvfs {
	blocks := self.meta.TotalFsSize()
	if !self.opts.EnableNlink {
		blocks += self.meta.TotalHardlinkSize()
	}
	return Statvfs{
		Bsize:    uint64(self.meta.BlockSize()),
		Blocks:   blocks,
		Files:    uint64(self.meta.NumInodes()),
		NameMax:  metadata.MaxNameLen,
		Readonly: true,
	}
}

// Walk visits every dir entry depth-first starting from (and
// including) the root, with its path relative to the root.
func (self *Filesystem) Walk(visit func(path string, ino uint32)) {
	var rec func(prefix string, ino uint32)
	rec = func(prefix string, ino uint32) {
		beg := self.meta.DirFirstEntry(ino)
		end := self.meta.DirFirstEntry(ino + 1)
		for e := beg; e < end; e++ {
			name := string(self.meta.DirEntryNameBytes(e))
			child := self.meta.DirEntryInode(e)
			path := name
			if prefix != "" {
				path = prefix + "/" + name
			}
			visit(path, child)
			if self.isDir(child) {
				rec(path, child)
			}
		}
	}
	visit("", 0)
	rec("", 0)
}

// Version is the builder version string embedded in the image.
func (self *Filesystem) Version() string {
	return self.meta.Version()
}

// BlockSize is the uncompressed block size of the image.
func (self *Filesystem) BlockSize() uint32 {
	return self.meta.BlockSize()
}
