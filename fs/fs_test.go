/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 21 14:02:29 2019 mstenber
 * Last modified: Tue Jun 11 10:44:36 2019 mstenber
 * Edit time:     197 min
 *
 */

package fs

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stvp/assert"

	"github.com/fingon/go-dwarfs/builder"
	"github.com/fingon/go-dwarfs/entry"
	"github.com/fingon/go-dwarfs/fstest"
	"github.com/fingon/go-dwarfs/inodes"
)

func testSource() *fstest.MemSource {
	ms := fstest.MemSource{}.Init()
	foo := fstest.LoremIpsum(23456)
	n := ms.AddFile("foo.pl", foo, 4002)
	n.Attr.Uid = 1337
	n.Attr.Gid = 0
	ms.AddHardlink("bar.pl", "foo.pl")
	ms.AddFile("baz.pl", foo, 5002)
	ms.AddFile("copy.pl", foo, 5102)
	ms.AddFile("blob.dat", fstest.LoremIpsum(4444), 5202)
	ms.AddLink("somelink", "somedir/ipsum.py", 2002)
	ms.AddDir("somedir", 3002)
	ms.AddFile("somedir/ipsum.py", fstest.LoremIpsum(10000), 6002)
	ms.AddLink("somedir/bad", "../foo", 7002)
	ms.AddFile("somedir/empty", nil, 8002)
	ms.AddFile("empty.dat", nil, 8052)
	ms.AddCharDevice("somedir/null", 259, 9002)
	ms.AddCharDevice("somedir/zero", 261, 9102)
	ms.AddFifo("somedir/pipe", 8002)
	return ms
}

func buildImage(t *testing.T, ms *fstest.MemSource, mutate func(o *builder.Options)) []byte {
	opts := builder.Defaults()
	opts.Compression = "zstd:level=1"
	opts.BlockSizeBits = 16
	opts.BlockhashWindowSize = 64
	opts.WithDevices = true
	opts.WithSpecials = true
	opts.KeepAllTimes = true
	opts.NoCreateTimestamp = true
	if mutate != nil {
		mutate(&opts)
	}
	var buf bytes.Buffer
	err := builder.Build(ms, &buf, opts, nil)
	assert.Nil(t, err)
	return buf.Bytes()
}

func open(t *testing.T, img []byte, opts Options) *Filesystem {
	opts.CheckConsistency = true
	fs, err := NewFromBytes(img, opts)
	assert.Nil(t, err)
	return fs
}

func TestEndToEnd(t *testing.T) {
	img := buildImage(t, testSource(), nil)
	fs := open(t, img, Options{})
	defer fs.Close()

	ino, err := fs.Find("/foo.pl")
	assert.Nil(t, err)
	st, err := fs.Stat(ino)
	assert.Nil(t, err)
	assert.Equal(t, st.Size, uint64(23456))
	assert.Equal(t, st.Uid, uint32(1337))
	assert.Equal(t, st.Gid, uint32(0))
	assert.Equal(t, st.Atime, int64(4001))
	assert.Equal(t, st.Mtime, int64(4002))
	assert.Equal(t, st.Ctime, int64(4003))

	data, err := fs.Read(ino, 0, int(st.Size))
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(data, fstest.LoremIpsum(23456)))

	// offset read crossing chunk boundaries
	data, err = fs.Read(ino, 10000, 5000)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(data, fstest.LoremIpsum(23456)[10000:15000]))

	// read past EOF yields the available prefix
	data, err = fs.Read(ino, 23000, 10000)
	assert.Nil(t, err)
	assert.Equal(t, len(data), 456)

	// hardlinks share the inode
	bar, err := fs.Find("/bar.pl")
	assert.Nil(t, err)
	assert.Equal(t, ino, bar)

	// duplicates do not, but share content
	baz, err := fs.Find("/baz.pl")
	assert.Nil(t, err)
	assert.True(t, baz != ino)
	data, err = fs.Read(baz, 100, 200)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(data, fstest.LoremIpsum(23456)[100:300]))

	// symlinks
	ln, err := fs.Find("/somelink")
	assert.Nil(t, err)
	st, err = fs.Stat(ln)
	assert.Nil(t, err)
	assert.Equal(t, st.Size, uint64(16))
	target, err := fs.Readlink(ln)
	assert.Nil(t, err)
	assert.Equal(t, target, "somedir/ipsum.py")

	bad, err := fs.Find("/somedir/bad")
	assert.Nil(t, err)
	target, err = fs.Readlink(bad)
	assert.Nil(t, err)
	assert.Equal(t, target, "../foo")

	// devices
	null, err := fs.Find("/somedir/null")
	assert.Nil(t, err)
	st, err = fs.Stat(null)
	assert.Nil(t, err)
	assert.Equal(t, st.Rdev, uint64(259))
	assert.Equal(t, st.Mode&0170000, uint32(0020000))

	zero, err := fs.Find("/somedir/zero")
	assert.Nil(t, err)
	st, err = fs.Stat(zero)
	assert.Nil(t, err)
	assert.Equal(t, st.Rdev, uint64(261))

	pipe, err := fs.Find("/somedir/pipe")
	assert.Nil(t, err)
	st, err = fs.Stat(pipe)
	assert.Nil(t, err)
	assert.Equal(t, st.Mode&0170000, uint32(0010000))
	assert.Equal(t, st.Size, uint64(0))

	// lookup miss
	_, err = fs.Find("/somedir/nope")
	assert.True(t, err != nil)

	// readdir of root: 8 children plus . and ..
	n, err := fs.Dirsize(0)
	assert.Nil(t, err)
	assert.Equal(t, n, 10)

	somedir, err := fs.Find("/somedir")
	assert.Nil(t, err)
	entries, err := fs.Readdir(somedir)
	assert.Nil(t, err)
	var names []string
	for _, de := range entries {
		names = append(names, de.Name)
	}
	assert.Equal(t, names, []string{".", "..", "bad", "empty", "ipsum.py",
		"null", "pipe", "zero"})
	// ".." resolves to the root
	assert.Equal(t, entries[1].Inode, uint32(0))
}

func TestNlink(t *testing.T) {
	img := buildImage(t, testSource(), nil)

	fs := open(t, img, Options{EnableNlink: true})
	foo, err := fs.Find("/foo.pl")
	assert.Nil(t, err)
	bar, _ := fs.Find("/bar.pl")
	st1, err := fs.Stat(foo)
	assert.Nil(t, err)
	st2, err := fs.Stat(bar)
	assert.Nil(t, err)
	assert.Equal(t, st1.Nlink, uint32(2))
	assert.Equal(t, st2.Nlink, uint32(2))
	assert.Equal(t, st1.Ino, st2.Ino)

	baz, _ := fs.Find("/baz.pl")
	st3, err := fs.Stat(baz)
	assert.Nil(t, err)
	assert.Equal(t, st3.Nlink, uint32(1))
	fs.Close()

	fs = open(t, img, Options{})
	st1, err = fs.Stat(foo)
	assert.Nil(t, err)
	assert.Equal(t, st1.Nlink, uint32(1))
	fs.Close()
}

func TestStatvfs(t *testing.T) {
	img := buildImage(t, testSource(), nil)
	wantSize := uint64(23456*3 + 4444 + 10000 + 16 + 6)

	fs := open(t, img, Options{EnableNlink: true})
	sv := fs.StatvfsInfo()
	assert.Equal(t, sv.Bsize, uint64(1<<16))
	assert.Equal(t, sv.Blocks, wantSize)
	assert.Equal(t, sv.Files, uint64(14))
	assert.True(t, sv.Readonly)
	fs.Close()

	fs = open(t, img, Options{})
	sv = fs.StatvfsInfo()
	assert.Equal(t, sv.Blocks, wantSize+23456)
	fs.Close()
}

func TestMtimeOnly(t *testing.T) {
	img := buildImage(t, testSource(), func(o *builder.Options) {
		o.KeepAllTimes = false
	})
	fs := open(t, img, Options{})
	defer fs.Close()
	ino, err := fs.Find("/foo.pl")
	assert.Nil(t, err)
	st, err := fs.Stat(ino)
	assert.Nil(t, err)
	assert.Equal(t, st.Atime, int64(4002))
	assert.Equal(t, st.Mtime, int64(4002))
	assert.Equal(t, st.Ctime, int64(4002))
}

func TestOverrides(t *testing.T) {
	uid := uint32(0)
	gid := uint32(0)
	ts := int64(4711)
	img := buildImage(t, testSource(), func(o *builder.Options) {
		o.Uid = &uid
		o.Gid = &gid
		o.Timestamp = &ts
	})
	fs := open(t, img, Options{})
	defer fs.Close()
	ino, err := fs.Find("/foo.pl")
	assert.Nil(t, err)
	st, err := fs.Stat(ino)
	assert.Nil(t, err)
	assert.Equal(t, st.Uid, uint32(0))
	assert.Equal(t, st.Gid, uint32(0))
	assert.Equal(t, st.Atime, int64(4711))
	assert.Equal(t, st.Mtime, int64(4711))
	assert.Equal(t, st.Ctime, int64(4711))
}

func TestAccessFailEndToEnd(t *testing.T) {
	ms := testSource()
	ms.SetAccessFail("somedir/ipsum.py")
	img := buildImage(t, ms, nil)
	fs := open(t, img, Options{})
	defer fs.Close()
	ino, err := fs.Find("/somedir/ipsum.py")
	assert.Nil(t, err)
	st, err := fs.Stat(ino)
	assert.Nil(t, err)
	assert.Equal(t, st.Size, uint64(0))
}

func TestWithoutDevicesAndSpecials(t *testing.T) {
	img := buildImage(t, testSource(), func(o *builder.Options) {
		o.WithDevices = false
		o.WithSpecials = false
	})
	fs := open(t, img, Options{})
	defer fs.Close()
	_, err := fs.Find("/somedir/null")
	assert.True(t, err != nil)
	_, err = fs.Find("/somedir/pipe")
	assert.True(t, err != nil)
	somedir, err := fs.Find("/somedir")
	assert.Nil(t, err)
	n, err := fs.Dirsize(somedir)
	assert.Nil(t, err)
	assert.Equal(t, n, 5)
}

// every combination of the seven packing flags over the minimal
// filesystem
func TestEmptyFilesystemAllPackings(t *testing.T) {
	ms := fstest.MemSource{}.Init()
	for mask := 0; mask < 1<<7; mask++ {
		img := buildImage(t, ms, func(o *builder.Options) {
			o.PackChunkTable = mask&1 != 0
			o.PackDirectories = mask&2 != 0
			o.PackSharedFilesTable = mask&4 != 0
			o.PackNames = mask&8 != 0
			o.PackNamesIndex = mask&16 != 0
			o.PackSymlinks = mask&32 != 0
			o.PackSymlinksIndex = mask&64 != 0
			o.ForcePackStringTables = true
		})
		fs := open(t, img, Options{})
		sv := fs.StatvfsInfo()
		assert.Equal(t, sv.Files, uint64(1))
		assert.Equal(t, sv.Blocks, uint64(0))
		count := 0
		fs.Walk(func(path string, ino uint32) {
			count++
		})
		assert.Equal(t, count, 1)
		fs.Close()
	}
}

func TestFullTreeAllPackings(t *testing.T) {
	for mask := 0; mask < 8; mask++ {
		img := buildImage(t, testSource(), func(o *builder.Options) {
			o.PackChunkTable = mask&1 != 0
			o.PackDirectories = mask&2 != 0
			o.PackSharedFilesTable = mask&4 != 0
			o.PackNamesIndex = true
			o.PackSymlinksIndex = true
			o.ForcePackStringTables = true
		})
		fs := open(t, img, Options{})
		ino, err := fs.Find("/somedir/ipsum.py")
		assert.Nil(t, err)
		data, err := fs.Read(ino, 0, 10000)
		assert.Nil(t, err)
		assert.True(t, bytes.Equal(data, fstest.LoremIpsum(10000)))
		fs.Close()
	}
}

func TestPlainStringTables(t *testing.T) {
	img := buildImage(t, testSource(), func(o *builder.Options) {
		o.PlainNamesTable = true
		o.PlainSymlinksTable = true
	})
	fs := open(t, img, Options{})
	defer fs.Close()
	ln, err := fs.Find("/somelink")
	assert.Nil(t, err)
	target, err := fs.Readlink(ln)
	assert.Nil(t, err)
	assert.Equal(t, target, "somedir/ipsum.py")
}

func TestPathListImage(t *testing.T) {
	img := buildImage(t, testSource(), func(o *builder.Options) {
		o.PathList = []string{"somedir/ipsum.py", "foo.pl"}
	})
	fs := open(t, img, Options{})
	defer fs.Close()

	var paths []string
	fs.Walk(func(path string, ino uint32) {
		paths = append(paths, path)
	})
	assert.Equal(t, paths, []string{"", "foo.pl", "somedir", "somedir/ipsum.py"})
}

func TestWalkFullTree(t *testing.T) {
	img := buildImage(t, testSource(), nil)
	fs := open(t, img, Options{})
	defer fs.Close()
	seen := map[string]bool{}
	fs.Walk(func(path string, ino uint32) {
		seen[path] = true
	})
	assert.Equal(t, len(seen), 15)
	assert.True(t, seen["somedir/bad"])
	assert.True(t, seen["foo.pl"])
}

func TestOrderingModes(t *testing.T) {
	for _, mode := range []string{"none", "path", "similarity", "nilsimsa"} {
		m, err := inodes.OrderModeForString(mode)
		assert.Nil(t, err)
		img := buildImage(t, testSource(), func(o *builder.Options) {
			o.FileOrder = m
		})
		fs := open(t, img, Options{})
		ino, err := fs.Find("/baz.pl")
		assert.Nil(t, err)
		data, err := fs.Read(ino, 0, 23456)
		assert.Nil(t, err)
		assert.True(t, bytes.Equal(data, fstest.LoremIpsum(23456)))
		fs.Close()
	}
}

func TestTimeResolution(t *testing.T) {
	img := buildImage(t, testSource(), func(o *builder.Options) {
		o.TimeResolutionSec = 100
	})
	fs := open(t, img, Options{})
	defer fs.Close()
	ino, err := fs.Find("/foo.pl")
	assert.Nil(t, err)
	st, err := fs.Stat(ino)
	assert.Nil(t, err)
	assert.Equal(t, st.Mtime, int64(4000))
}

func fsWalkPaths(fs *Filesystem) []string {
	var paths []string
	fs.Walk(func(path string, ino uint32) {
		paths = append(paths, path)
	})
	return paths
}

func TestRemoveEmptyDirsEndToEnd(t *testing.T) {
	ms := testSource()
	ms.AddDir("emptydir", 100)
	ms.AddDir("emptydir/nested", 101)
	img := buildImage(t, ms, func(o *builder.Options) {
		o.RemoveEmptyDirs = true
	})
	fs := open(t, img, Options{})
	defer fs.Close()
	for _, p := range fsWalkPaths(fs) {
		assert.True(t, p != "emptydir")
		assert.True(t, p != "emptydir/nested")
	}
}

func TestFilter(t *testing.T) {
	img := buildImage(t, testSource(), func(o *builder.Options) {
		o.Filter = func(path string, a *entry.Attr) bool {
			return path != "blob.dat"
		}
	})
	fs := open(t, img, Options{})
	defer fs.Close()
	_, err := fs.Find("/blob.dat")
	assert.True(t, err != nil)
	_, err = fs.Find("/foo.pl")
	assert.Nil(t, err)
}

func TestLargeGrid(t *testing.T) {
	ms := fstest.MemSource{}.Init()
	for i := 0; i < 40; i++ {
		d := fmt.Sprintf("d%02d", i)
		ms.AddDir(d, int64(100+i))
		for j := 0; j < 10; j++ {
			ms.AddFile(fmt.Sprintf("%s/f%02d", d, j),
				fstest.LoremIpsum((i+1)*(j+1)), int64(200+j))
		}
	}
	img := buildImage(t, ms, nil)
	fs := open(t, img, Options{})
	defer fs.Close()
	assert.Equal(t, fs.StatvfsInfo().Files, uint64(1+40+40*10))

	ino, err := fs.Find("/d39/f09")
	assert.Nil(t, err)
	data, err := fs.Read(ino, 0, 400)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(data, fstest.LoremIpsum(400)))
}
