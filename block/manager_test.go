/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 18 15:12:48 2019 mstenber
 * Last modified: Fri May 31 15:33:10 2019 mstenber
 * Edit time:     58 min
 *
 */

package block

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stvp/assert"

	"github.com/fingon/go-dwarfs/codec"
	"github.com/fingon/go-dwarfs/fstest"
	"github.com/fingon/go-dwarfs/image"
	"github.com/fingon/go-dwarfs/inodes"
	"github.com/fingon/go-dwarfs/progress"
	"github.com/fingon/go-dwarfs/util"
)

type env struct {
	ms   *fstest.MemSource
	mgr  *Manager
	prog *progress.Progress
	wg   *util.WorkerGroup
	out  *bytes.Buffer
	w    *image.Writer
}

func newEnv(t *testing.T, cfg Config) *env {
	c, ct, err := codec.ForString("null")
	assert.Nil(t, err)
	e := &env{
		ms:   fstest.MemSource{}.Init(),
		prog: &progress.Progress{},
		wg:   util.WorkerGroup{}.Init("compress", 2, 16),
		out:  &bytes.Buffer{},
	}
	e.w = image.Writer{Codec: c, Compression: ct, WG: e.wg, Progress: e.prog}.Init(e.out)
	e.mgr = Manager{Config: cfg, Source: e.ms, Writer: e.w, Progress: e.prog}.Init()
	return e
}

func (self *env) finish(t *testing.T) *image.Reader {
	self.mgr.FinishBlocks()
	err := self.w.WriteMetadata([]byte("s"), []byte("m"))
	assert.Nil(t, err)
	self.wg.Close()
	r, err := image.NewReaderBytes(self.out.Bytes())
	assert.Nil(t, err)
	return r
}

func (self *env) reassemble(t *testing.T, r *image.Reader, ufi uint32) []byte {
	var out []byte
	for _, c := range self.mgr.ChunksFor(ufi) {
		b, err := r.Block(int(c.Block))
		assert.Nil(t, err)
		out = append(out, b[c.Offset:c.Offset+c.Size]...)
	}
	return out
}

func TestChunkCoverage(t *testing.T) {
	e := newEnv(t, Config{BlockSizeBits: 12})
	content := fstest.LoremIpsum(10000)
	e.ms.AddFile("a", content, 100)

	f := &inodes.File{Path: "a", Size: uint64(len(content)), UniqueID: 0}
	e.mgr.AddInode(f)
	r := e.finish(t)

	// 10000 bytes over 4 KiB blocks: 3 blocks, chunks cover all
	assert.Equal(t, r.NumBlocks(), 3)
	total := uint32(0)
	for _, c := range e.mgr.ChunksFor(0) {
		assert.True(t, c.Offset+c.Size <= 1<<12)
		total += c.Size
	}
	assert.Equal(t, total, uint32(len(content)))
	assert.True(t, bytes.Equal(e.reassemble(t, r, 0), content))
}

func TestEmptyFileHasNoChunks(t *testing.T) {
	e := newEnv(t, Config{BlockSizeBits: 12})
	e.ms.AddFile("empty", nil, 100)
	f := &inodes.File{Path: "empty", Size: 0, UniqueID: 0}
	e.mgr.AddInode(f)
	e.mgr.FinishBlocks()
	assert.Equal(t, len(e.mgr.ChunksFor(0)), 0)
	assert.Equal(t, e.prog.BlockCount.GetInt(), 0)
}

func TestSegmentationSavesRepeats(t *testing.T) {
	seed := make([]byte, 1024)
	_, err := rand.Read(seed)
	assert.Nil(t, err)
	content := bytes.Repeat(seed, 16)

	e := newEnv(t, Config{BlockSizeBits: 16, BlockhashWindowSize: 256})
	e.ms.AddFile("rep", content, 100)
	f := &inodes.File{Path: "rep", Size: uint64(len(content)), UniqueID: 0}
	e.mgr.AddInode(f)
	r := e.finish(t)

	assert.True(t, e.prog.SavedBySegmentation.GetInt() >= 14*1024)
	assert.True(t, bytes.Equal(e.reassemble(t, r, 0), content))
}

func TestSegmentationAcrossFiles(t *testing.T) {
	seed := make([]byte, 2048)
	_, err := rand.Read(seed)
	assert.Nil(t, err)

	e := newEnv(t, Config{BlockSizeBits: 16, BlockhashWindowSize: 512})
	e.ms.AddFile("a", seed, 100)
	b := append(append([]byte(nil), seed...), []byte("trailer")...)
	e.ms.AddFile("b", b, 101)

	e.mgr.AddInode(&inodes.File{Path: "a", Size: uint64(len(seed)), UniqueID: 0})
	e.mgr.AddInode(&inodes.File{Path: "b", Size: uint64(len(b)), UniqueID: 1})
	r := e.finish(t)

	assert.True(t, e.prog.SavedBySegmentation.GetInt() >= 2048)
	assert.True(t, bytes.Equal(e.reassemble(t, r, 0), seed))
	assert.True(t, bytes.Equal(e.reassemble(t, r, 1), b))
	assert.Equal(t, r.NumBlocks(), 1)
}

func TestNoSegmentationWithoutWindow(t *testing.T) {
	seed := bytes.Repeat([]byte("x"), 4096)
	e := newEnv(t, Config{BlockSizeBits: 16})
	e.ms.AddFile("a", seed, 100)
	e.mgr.AddInode(&inodes.File{Path: "a", Size: uint64(len(seed)), UniqueID: 0})
	e.mgr.FinishBlocks()
	assert.Equal(t, e.prog.SavedBySegmentation.GetInt(), 0)
	chunks := e.mgr.ChunksFor(0)
	assert.Equal(t, len(chunks), 1)
	assert.Equal(t, chunks[0].Size, uint32(4096))
}
