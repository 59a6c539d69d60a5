/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar  7 11:21:37 2019 mstenber
 * Last modified: Thu May 16 16:40:12 2019 mstenber
 * Edit time:     188 min
 *
 */

package entry

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/fingon/go-dwarfs/mlog"
	"github.com/fingon/go-dwarfs/progress"
)

// Filter decides whether an entry is kept; it sees the entry after
// transform has run. Returning false drops the entry and, for
// directories, everything below it.
type Filter func(path string, a *Attr) bool

// Transform may rewrite entry attributes in place during scan.
type Transform func(path string, a *Attr)

// Walker builds an entry tree from a Source. FileSeen is invoked for
// every kept regular file so the file scanner can pick it up while
// the walk is still in progress.
type Walker struct {
	Source    Source
	Filter    Filter
	Transform Transform

	WithDevices  bool
	WithSpecials bool

	UidOverride       *uint32
	GidOverride       *uint32
	TimestampOverride *int64

	Progress *progress.Progress

	// FileSeen is invoked synchronously for every kept regular
	// file; it returns the file scanner's index for the entry.
	FileSeen func(id ID, path string, a *Attr) int32
}

// ScanTree walks the whole source tree depth-first, parents before
// children: all entries of a directory are added before its
// subdirectories are read, and those subdirectories are read before
// the directory's later siblings. A directory read error is contained
// to that single directory.
func (self *Walker) ScanTree() (*Tree, error) {
	t, err := self.scanRoot()
	if err != nil {
		return nil, err
	}

	queue := []ID{0}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		path := t.Path(parent)

		names, err := self.Source.ReadDir(path)
		if err != nil {
			mlog.Printf2("entry/scan", "cannot open directory %q: %v", path, err)
			self.Progress.Errors.Add(1)
			continue
		}

		var subdirs []ID
		for _, name := range names {
			if name == "." || name == ".." {
				continue
			}
			if id, ok := self.addEntry(t, parent, name); ok {
				if t.At(id).Kind == KindDir {
					subdirs = append(subdirs, id)
				}
			}
		}
		queue = append(subdirs, queue...)
		self.Progress.DirsScanned.Add(1)
	}

	return t, nil
}

// ScanList materializes only the listed paths (and their ancestor
// directories). Filters cannot be used in this mode; an unresolvable
// path is fatal.
func (self *Walker) ScanList(list []string) (*Tree, error) {
	if self.Filter != nil {
		return nil, errors.New("cannot use filters with file lists")
	}

	t, err := self.scanRoot()
	if err != nil {
		return nil, err
	}
	self.Progress.DirsScanned.Add(1)

	dirCache := map[string]ID{"": 0}

	var ensureDir func(path string) (ID, error)
	ensureDir = func(path string) (ID, error) {
		if id, ok := dirCache[path]; ok {
			return id, nil
		}
		parentPath, name := "", path
		if i := strings.LastIndexByte(path, '/'); i >= 0 {
			parentPath, name = path[:i], path[i+1:]
		}
		parent, err := ensureDir(parentPath)
		if err != nil {
			return NoID, err
		}
		if id, ok := self.findChild(t, parent, name); ok {
			return id, nil
		}
		id, ok := self.addEntry(t, parent, name)
		if !ok || t.At(id).Kind != KindDir {
			return NoID, errors.Errorf("invalid path %q", path)
		}
		self.Progress.DirsScanned.Add(1)
		dirCache[path] = id
		return id, nil
	}

	for _, p := range list {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		parentPath, name := "", p
		if i := strings.LastIndexByte(p, '/'); i >= 0 {
			parentPath, name = p[:i], p[i+1:]
		}
		parent, err := ensureDir(parentPath)
		if err != nil {
			return nil, err
		}
		if _, ok := self.findChild(t, parent, name); ok {
			continue
		}
		if id, ok := self.addEntry(t, parent, name); !ok {
			return nil, errors.Errorf("invalid path %q", p)
		} else if t.At(id).Kind == KindDir {
			self.Progress.DirsScanned.Add(1)
			dirCache[p] = id
		}
	}

	return t, nil
}

func (self *Walker) scanRoot() (*Tree, error) {
	a, err := self.Source.Lstat("")
	if err != nil {
		return nil, errors.Wrap(err, "lstat root")
	}
	if KindFromMode(a.Mode) != KindDir {
		return nil, errors.New("input must be a directory")
	}
	self.override(&a)
	if self.Transform != nil {
		self.Transform("", &a)
	}

	t := &Tree{}
	t.Add(self.newEntry("", NoID, &a))
	self.Progress.DirsFound.Add(1)
	return t, nil
}

func (self *Walker) findChild(t *Tree, parent ID, name string) (ID, bool) {
	for _, c := range t.At(parent).Children {
		if t.At(c).Name == name {
			return c, true
		}
	}
	return NoID, false
}

func (self *Walker) addEntry(t *Tree, parent ID, name string) (ID, bool) {
	path := t.Path(parent)
	if path != "" {
		path += "/"
	}
	path += name

	a, err := self.Source.Lstat(path)
	if err != nil {
		mlog.Printf2("entry/scan", "error reading entry %q: %v", path, err)
		self.Progress.Errors.Add(1)
		return NoID, false
	}

	self.override(&a)
	if self.Transform != nil {
		self.Transform(path, &a)
	}
	if self.Filter != nil && !self.Filter(path, &a) {
		mlog.Printf2("entry/scan", "excluding %q", path)
		return NoID, false
	}

	kind := KindFromMode(a.Mode)
	switch kind {
	case KindFile:
		if err := self.Source.Access(path); err != nil {
			mlog.Printf2("entry/scan", "cannot access %q, creating empty file: %v", path, err)
			a.Size = 0
			self.Progress.Errors.Add(1)
		}
	case KindDevice:
		if !self.WithDevices {
			return NoID, false
		}
	case KindOther:
		if !self.WithSpecials {
			return NoID, false
		}
	}

	e := self.newEntry(name, parent, &a)

	switch kind {
	case KindDir:
		self.Progress.DirsFound.Add(1)
	case KindFile:
		self.Progress.FilesFound.Add(1)
	case KindLink:
		self.Progress.SymlinksFound.Add(1)
		target, err := self.Source.Readlink(path)
		if err != nil {
			mlog.Printf2("entry/scan", "cannot readlink %q: %v", path, err)
			self.Progress.Errors.Add(1)
			return NoID, false
		}
		e.Target = target
		e.Size = uint64(len(target))
		self.Progress.SymlinkSize.AddInt(len(target))
		self.Progress.OriginalSize.AddInt(len(target))
		self.Progress.SymlinksScanned.Add(1)
	case KindDevice, KindOther:
		self.Progress.SpecialsFound.Add(1)
	}

	id := t.Add(e)
	if kind == KindFile && self.FileSeen != nil {
		t.At(id).FileIndex = self.FileSeen(id, path, &a)
	}
	return id, true
}

func (self *Walker) newEntry(name string, parent ID, a *Attr) Entry {
	return Entry{
		Kind:      KindFromMode(a.Mode),
		Name:      name,
		Parent:    parent,
		Mode:      a.Mode,
		Uid:       a.Uid,
		Gid:       a.Gid,
		Atime:     a.Atime,
		Mtime:     a.Mtime,
		Ctime:     a.Ctime,
		Size:      a.Size,
		Rdev:      a.Rdev,
		FileIndex: NoFile,
	}
}

func (self *Walker) override(a *Attr) {
	if self.UidOverride != nil {
		a.Uid = *self.UidOverride
	}
	if self.GidOverride != nil {
		a.Gid = *self.GidOverride
	}
	if self.TimestampOverride != nil {
		a.Atime = *self.TimestampOverride
		a.Mtime = *self.TimestampOverride
		a.Ctime = *self.TimestampOverride
	}
}
