/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 16:20:40 2019 mstenber
 * Last modified: Mon Jun 17 11:12:03 2019 mstenber
 * Edit time:     91 min
 *
 */

package inodes

import (
	"testing"

	"github.com/stvp/assert"

	"github.com/fingon/go-dwarfs/entry"
	"github.com/fingon/go-dwarfs/fstest"
	"github.com/fingon/go-dwarfs/progress"
	"github.com/fingon/go-dwarfs/util"
)

func newTestWG() *util.WorkerGroup {
	return util.WorkerGroup{}.Init("test", 2, 64)
}

func testScanner(ms *fstest.MemSource, algo string) (*Scanner, *progress.Progress, func()) {
	prog := &progress.Progress{}
	wg := newTestWG()
	s := Scanner{
		Source:        ms,
		WG:            wg,
		Progress:      prog,
		HashAlgorithm: algo,
	}.Init()
	return s, prog, func() { wg.Close() }
}

func scan(t *testing.T, s *Scanner, ms *fstest.MemSource, path string) int32 {
	a, err := ms.Lstat(path)
	assert.Nil(t, err)
	return s.Scan(entry.ID(0), path, &a)
}

func TestDedup(t *testing.T) {
	ms := fstest.MemSource{}.Init()
	content := fstest.LoremIpsum(1000)
	ms.AddFile("a", content, 100)
	ms.AddFile("b", content, 101)
	ms.AddFile("c", []byte("different"), 102)

	s, prog, done := testScanner(ms, "xxh64")
	scan(t, s, ms, "a")
	scan(t, s, ms, "b")
	scan(t, s, ms, "c")
	s.WG.Wait()
	last := s.Finalize(10)
	done()

	assert.Equal(t, last, uint32(13))
	assert.Equal(t, s.NumUnique(), uint32(1))
	assert.Equal(t, s.Count(), 2)
	assert.Equal(t, prog.DuplicateFiles.GetInt(), 1)
	assert.Equal(t, prog.SavedByDeduplication.GetInt(), 1000)
	assert.Equal(t, prog.HashScans.GetInt(), 3)
	assert.Equal(t, prog.HashBytes.GetInt(), 2009)

	// unique first ("c"), then the shared pair
	assert.Equal(t, s.File(2).Ino, uint32(10))
	assert.Equal(t, s.File(0).Ino, uint32(11))
	assert.Equal(t, s.File(1).Ino, uint32(12))
	assert.Equal(t, s.SharedFiles(), []uint32{0, 0})
}

func TestHardlinks(t *testing.T) {
	ms := fstest.MemSource{}.Init()
	ms.AddFile("a", []byte("content"), 100)
	ms.AddHardlink("b", "a")

	s, prog, done := testScanner(ms, "xxh64")
	ia := scan(t, s, ms, "a")
	ib := scan(t, s, ms, "b")
	s.WG.Wait()
	last := s.Finalize(0)
	done()

	assert.Equal(t, ia, ib)
	assert.Equal(t, last, uint32(1))
	assert.Equal(t, prog.Hardlinks.GetInt(), 1)
	assert.Equal(t, prog.HardlinkSize.GetInt(), 7)
	assert.Equal(t, prog.DuplicateFiles.GetInt(), 0)
	assert.Equal(t, prog.OriginalSize.GetInt(), 7)
}

func TestNoHashingNoDedup(t *testing.T) {
	ms := fstest.MemSource{}.Init()
	content := []byte("same")
	ms.AddFile("a", content, 100)
	ms.AddFile("b", content, 101)

	s, prog, done := testScanner(ms, "")
	scan(t, s, ms, "a")
	scan(t, s, ms, "b")
	s.WG.Wait()
	last := s.Finalize(0)
	done()

	assert.Equal(t, last, uint32(2))
	assert.Equal(t, s.NumUnique(), uint32(2))
	assert.Equal(t, prog.DuplicateFiles.GetInt(), 0)
	assert.Equal(t, prog.HashScans.GetInt(), 0)
	assert.Equal(t, len(s.SharedFiles()), 0)
}

func TestValidHashAlgorithm(t *testing.T) {
	assert.True(t, ValidHashAlgorithm(""))
	assert.True(t, ValidHashAlgorithm("xxh64"))
	assert.True(t, ValidHashAlgorithm("sha256"))
	assert.True(t, !ValidHashAlgorithm("md5ish"))
}

func TestOrderModes(t *testing.T) {
	ms := fstest.MemSource{}.Init()
	ms.AddFile("zz", []byte("2222"), 100)
	ms.AddFile("aa", []byte("1111"), 101)
	ms.AddFile("mm", []byte("3333"), 102)

	s, _, done := testScanner(ms, "xxh64")
	scan(t, s, ms, "zz")
	scan(t, s, ms, "aa")
	scan(t, s, ms, "mm")
	s.WG.Wait()
	s.Finalize(0)
	defer done()

	collect := func(mode OrderMode, fn OrderFunc) []string {
		var paths []string
		err := s.OrderInodes(mode, fn, func(f *File) {
			paths = append(paths, f.Path)
		})
		assert.Nil(t, err)
		return paths
	}

	assert.Equal(t, collect(OrderNone, nil), []string{"zz", "aa", "mm"})
	assert.Equal(t, collect(OrderPath, nil), []string{"aa", "mm", "zz"})

	perm := collect(OrderScript, func(paths []string) []int {
		return []int{2, 0, 1}
	})
	assert.Equal(t, perm, []string{"mm", "zz", "aa"})

	// deterministic regardless of mode
	assert.Equal(t, collect(OrderNilsimsa, nil), collect(OrderNilsimsa, nil))
	assert.Equal(t, collect(OrderSimilarity, nil), collect(OrderSimilarity, nil))
}

func TestOrderScriptValidation(t *testing.T) {
	ms := fstest.MemSource{}.Init()
	ms.AddFile("a", []byte("x"), 100)
	s, _, done := testScanner(ms, "")
	scan(t, s, ms, "a")
	s.WG.Wait()
	s.Finalize(0)
	defer done()

	err := s.OrderInodes(OrderScript, nil, func(f *File) {})
	assert.True(t, err != nil)
	err = s.OrderInodes(OrderScript, func(paths []string) []int { return []int{0, 0} }, func(f *File) {})
	assert.True(t, err != nil)
	err = s.OrderInodes(OrderScript, func(paths []string) []int { return []int{5} }, func(f *File) {})
	assert.True(t, err != nil)
}

type mapCache struct {
	m map[string][]byte
}

func (self *mapCache) Get(path string, size uint64, mtime int64) ([]byte, bool) {
	d, ok := self.m[path]
	return d, ok
}

func (self *mapCache) Put(path string, size uint64, mtime int64, digest []byte) {
	self.m[path] = digest
}

func TestDigestCache(t *testing.T) {
	ms := fstest.MemSource{}.Init()
	content := fstest.LoremIpsum(500)
	ms.AddFile("a", content, 100)
	ms.AddFile("b", content, 101)

	cache := &mapCache{m: map[string][]byte{}}

	s, prog, done := testScanner(ms, "xxh64")
	s.Cache = cache
	scan(t, s, ms, "a")
	scan(t, s, ms, "b")
	s.WG.Wait()
	s.Finalize(0)
	done()
	assert.Equal(t, prog.HashScans.GetInt(), 2)
	assert.Equal(t, len(cache.m), 2)

	// second run: all hits, no hashing
	s2, prog2, done2 := testScanner(ms, "xxh64")
	s2.Cache = cache
	scan(t, s2, ms, "a")
	scan(t, s2, ms, "b")
	s2.WG.Wait()
	s2.Finalize(0)
	done2()
	assert.Equal(t, prog2.HashScans.GetInt(), 0)
	assert.Equal(t, prog2.DuplicateFiles.GetInt(), 1)
}
