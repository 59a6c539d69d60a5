/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar  8 14:40:28 2019 mstenber
 * Last modified: Mon May 20 10:12:55 2019 mstenber
 * Edit time:     96 min
 *
 */

// fstest provides an in-memory entry.Source so builder and reader
// tests can use trees containing devices, fifos and hardlinks
// without touching the real filesystem.
package fstest

import (
	"bytes"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fingon/go-dwarfs/entry"
)

type Node struct {
	Attr       entry.Attr
	Target     string
	Content    []byte
	AccessFail bool
}

type MemSource struct {
	nodes    map[string]*Node
	children map[string][]string
	nextIno  uint64
}

func (self MemSource) Init() *MemSource {
	self.nodes = map[string]*Node{}
	self.children = map[string][]string{}
	self.nextIno = 1
	self.Add("", entry.Attr{Mode: entry.FmtDir | 0755, Atime: 1, Mtime: 2, Ctime: 3})
	return &self
}

// Add registers a node. Parent directories must exist already; ""
// is the root. Returns the node for further tweaking.
func (self *MemSource) Add(path string, a entry.Attr) *Node {
	if a.Dev == 0 {
		a.Dev = 1
	}
	if a.Ino == 0 {
		a.Ino = self.nextIno
		self.nextIno++
	}
	if a.Nlink == 0 {
		a.Nlink = 1
	}
	n := &Node{Attr: a}
	self.nodes[path] = n
	if path != "" {
		parent := ""
		if i := strings.LastIndexByte(path, '/'); i >= 0 {
			parent = path[:i]
		}
		self.children[parent] = append(self.children[parent], baseName(path))
	}
	return n
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (self *MemSource) AddDir(path string, mtime int64) *Node {
	return self.Add(path, entry.Attr{Mode: entry.FmtDir | 0755, Uid: 1000, Gid: 100,
		Atime: mtime - 1, Mtime: mtime, Ctime: mtime + 1})
}

func (self *MemSource) AddFile(path string, content []byte, mtime int64) *Node {
	n := self.Add(path, entry.Attr{Mode: entry.FmtReg | 0644, Uid: 1000, Gid: 100,
		Size: uint64(len(content)), Atime: mtime - 1, Mtime: mtime, Ctime: mtime + 1})
	n.Content = content
	return n
}

func (self *MemSource) AddLink(path, target string, mtime int64) *Node {
	n := self.Add(path, entry.Attr{Mode: entry.FmtLink | 0777, Uid: 1000, Gid: 100,
		Size: uint64(len(target)), Atime: mtime - 1, Mtime: mtime, Ctime: mtime + 1})
	n.Target = target
	return n
}

func (self *MemSource) AddCharDevice(path string, rdev uint64, mtime int64) *Node {
	return self.Add(path, entry.Attr{Mode: entry.FmtChar | 0644, Rdev: rdev,
		Atime: mtime - 1, Mtime: mtime, Ctime: mtime + 1})
}

func (self *MemSource) AddFifo(path string, mtime int64) *Node {
	return self.Add(path, entry.Attr{Mode: entry.FmtFifo | 0644, Uid: 1000, Gid: 100,
		Atime: mtime - 1, Mtime: mtime, Ctime: mtime + 1})
}

// AddHardlink registers path as another name for an existing file:
// same source inode, shared content.
func (self *MemSource) AddHardlink(path, existing string) *Node {
	old := self.nodes[existing]
	a := old.Attr
	a.Nlink++
	old.Attr.Nlink++
	n := self.Add(path, a)
	// Add keeps the copied nonzero ino; hardlinks share one.
	n.Attr.Ino = old.Attr.Ino
	n.Attr.Nlink = old.Attr.Nlink
	n.Content = old.Content
	return n
}

func (self *MemSource) SetAccessFail(path string) {
	self.nodes[path].AccessFail = true
}

func (self *MemSource) Lstat(path string) (entry.Attr, error) {
	n, ok := self.nodes[path]
	if !ok {
		return entry.Attr{}, os.ErrNotExist
	}
	return n.Attr, nil
}

func (self *MemSource) ReadDir(path string) ([]string, error) {
	n, ok := self.nodes[path]
	if !ok || entry.KindFromMode(n.Attr.Mode) != entry.KindDir {
		return nil, os.ErrNotExist
	}
	names := append([]string(nil), self.children[path]...)
	sort.Strings(names)
	return names, nil
}

func (self *MemSource) Readlink(path string) (string, error) {
	n, ok := self.nodes[path]
	if !ok {
		return "", os.ErrNotExist
	}
	return n.Target, nil
}

func (self *MemSource) Open(path string) (io.ReadCloser, error) {
	n, ok := self.nodes[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	if n.AccessFail {
		return nil, os.ErrPermission
	}
	return io.NopCloser(bytes.NewReader(n.Content)), nil
}

func (self *MemSource) Access(path string) error {
	n, ok := self.nodes[path]
	if !ok {
		return os.ErrNotExist
	}
	if n.AccessFail {
		return os.ErrPermission
	}
	return nil
}
