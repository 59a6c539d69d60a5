/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 18 09:33:20 2019 mstenber
 * Last modified: Fri May 31 14:27:44 2019 mstenber
 * Edit time:     176 min
 *
 */

// block holds the block manager: it consumes ordered inodes, packs
// their content into fixed-size blocks, reuses byte ranges already
// present in the open block when the segmenter window finds them,
// and hands finished blocks to the image writer for compression.
package block

import (
	"bytes"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/fingon/go-dwarfs/entry"
	"github.com/fingon/go-dwarfs/image"
	"github.com/fingon/go-dwarfs/inodes"
	"github.com/fingon/go-dwarfs/metadata"
	"github.com/fingon/go-dwarfs/mlog"
	"github.com/fingon/go-dwarfs/progress"
)

type Config struct {
	// BlockSizeBits is log2 of the block size; must be >= 10.
	BlockSizeBits uint

	// BlockhashWindowSize is the segmenter window; 0 disables
	// segmentation entirely.
	BlockhashWindowSize int
}

const MinBlockSizeBits = 10

// Manager is single-threaded by contract: the blockify worker is the
// only caller of AddInode, and FinishBlocks is called once that worker
// has been closed.
type Manager struct {
	Config   Config
	Source   entry.Source
	Writer   *image.Writer
	Progress *progress.Progress

	blockSize int
	cur       []byte
	curIndex  uint32
	hashes    map[uint64][]int32
	indexed   int

	chunks map[uint32][]metadata.Chunk
}

func (self Manager) Init() *Manager {
	self.blockSize = 1 << self.Config.BlockSizeBits
	self.hashes = make(map[uint64][]int32)
	self.chunks = make(map[uint32][]metadata.Chunk)
	self.cur = make([]byte, 0, self.blockSize)
	return &self
}

// AddInode reads one chunk owner's content and appends it to the
// open block, reusing already-present ranges where the window
// matches.
func (self *Manager) AddInode(f *inodes.File) {
	data := self.read(f)
	chunks := self.append(data)
	self.chunks[f.UniqueID] = chunks
	self.Progress.ChunkCount.AddInt(len(chunks))
}

func (self *Manager) read(f *inodes.File) []byte {
	if f.Size == 0 {
		return nil
	}
	r, err := self.Source.Open(f.Path)
	if err != nil {
		mlog.Printf2("block/manager", "cannot open %q: %v", f.Path, err)
		return nil
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		mlog.Printf2("block/manager", "cannot read %q: %v", f.Path, err)
		return nil
	}
	return data
}

func (self *Manager) append(data []byte) (chunks []metadata.Chunk) {
	window := self.Config.BlockhashWindowSize
	pos := 0
	for pos < len(data) {
		if window > 0 && len(data)-pos >= window {
			if ref, l := self.findMatch(data[pos:]); l > 0 {
				chunks = addChunk(chunks, metadata.Chunk{
					Block: self.curIndex, Offset: uint32(ref), Size: uint32(l)})
				self.Progress.SavedBySegmentation.AddInt(l)
				pos += l
				continue
			}
		}

		n := len(data) - pos
		if window > 0 && n > window {
			n = window
		}
		if room := self.blockSize - len(self.cur); n > room {
			n = room
		}
		start := len(self.cur)
		self.cur = append(self.cur, data[pos:pos+n]...)
		self.indexNew(window)
		chunks = addChunk(chunks, metadata.Chunk{
			Block: self.curIndex, Offset: uint32(start), Size: uint32(n)})
		pos += n

		if len(self.cur) == self.blockSize {
			self.flush()
		}
	}
	return
}

// findMatch looks for the window prefix of data inside the open
// block and extends a hit greedily. Returns (offset, length) or
// (0, 0).
func (self *Manager) findMatch(data []byte) (int, int) {
	window := self.Config.BlockhashWindowSize
	h := xxhash.Sum64(data[:window])
	for _, cand := range self.hashes[h] {
		c := int(cand)
		if !bytes.Equal(self.cur[c:c+window], data[:window]) {
			continue
		}
		l := window
		for c+l < len(self.cur) && l < len(data) && self.cur[c+l] == data[l] {
			l++
		}
		return c, l
	}
	return 0, 0
}

// indexNew registers window-aligned positions of the open block that
// became complete since the last call.
func (self *Manager) indexNew(window int) {
	if window <= 0 {
		return
	}
	for self.indexed+window <= len(self.cur) {
		h := xxhash.Sum64(self.cur[self.indexed : self.indexed+window])
		self.hashes[h] = append(self.hashes[h], int32(self.indexed))
		self.indexed += window
	}
}

func addChunk(chunks []metadata.Chunk, c metadata.Chunk) []metadata.Chunk {
	if n := len(chunks); n > 0 {
		last := &chunks[n-1]
		if last.Block == c.Block && last.Offset+last.Size == c.Offset {
			last.Size += c.Size
			return chunks
		}
	}
	return append(chunks, c)
}

func (self *Manager) flush() {
	mlog.Printf2("block/manager", "flushing block %d (%d b)", self.curIndex, len(self.cur))
	self.Progress.BlockCount.Add(1)
	self.Progress.FilesystemSize.AddInt(len(self.cur))
	block := make([]byte, len(self.cur))
	copy(block, self.cur)
	self.Writer.WriteBlock(block)
	self.cur = self.cur[:0]
	self.hashes = make(map[uint64][]int32)
	self.indexed = 0
	self.curIndex++
}

// FinishBlocks flushes the open block, if any.
func (self *Manager) FinishBlocks() {
	if len(self.cur) > 0 {
		self.flush()
	}
}

// ChunksFor returns the chunk list of a chunk owner; empty files
// have none.
func (self *Manager) ChunksFor(ufi uint32) []metadata.Chunk {
	return self.chunks[ufi]
}
