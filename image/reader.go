/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 14:21:50 2019 mstenber
 * Last modified: Thu May 30 15:07:13 2019 mstenber
 * Edit time:     88 min
 *
 */

package image

import (
	"os"

	"github.com/pkg/errors"

	"github.com/fingon/go-dwarfs/codec"
	"github.com/fingon/go-dwarfs/mlog"
)

type section struct {
	header  Header
	payload []byte
}

// Reader walks the section stream of a mapped image and serves
// decompressed section payloads. The mapping is read-only and safe
// to share between goroutines.
type Reader struct {
	data   []byte
	unmap  func()
	blocks []section
	schema *section
	meta   *section
}

// NewReaderBytes parses an in-memory image.
func NewReaderBytes(data []byte) (*Reader, error) {
	self := &Reader{data: data}
	if err := self.walk(); err != nil {
		return nil, err
	}
	return self, nil
}

// Open maps an image file. Falls back to reading the file into
// memory when mapping is not possible.
func Open(path string) (*Reader, error) {
	data, unmap, err := mapFile(path)
	if err != nil {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		unmap = nil
	}
	self := &Reader{data: data, unmap: unmap}
	if err := self.walk(); err != nil {
		self.Close()
		return nil, err
	}
	return self, nil
}

func (self *Reader) walk() error {
	off := 0
	for off < len(self.data) {
		h, payload, next, err := parseSection(self.data, off)
		if err != nil {
			return errors.Wrap(err, "corrupt image")
		}
		s := section{header: h, payload: payload}
		switch h.Type {
		case SectionBlock:
			self.blocks = append(self.blocks, s)
		case SectionMetadataV2Schema:
			sc := s
			self.schema = &sc
		case SectionMetadataV2:
			sc := s
			self.meta = &sc
		default:
			return errors.Errorf("corrupt image: unknown section type %d", h.Type)
		}
		off = next
	}
	if self.schema == nil || self.meta == nil {
		return errors.New("corrupt image: missing metadata sections")
	}
	mlog.Printf2("image/reader", "walked image: %d blocks", len(self.blocks))
	return nil
}

func decompress(s *section) ([]byte, error) {
	c, err := codec.ForCompression(s.header.Compression)
	if err != nil {
		return nil, err
	}
	data, err := c.DecodeBytes(s.payload, int(s.header.UncompressedSize))
	if err != nil {
		return nil, errors.Wrapf(err, "decompress section %d", s.header.Number)
	}
	if uint64(len(data)) != s.header.UncompressedSize {
		return nil, errors.Errorf("section %d decompressed to %d bytes, expected %d",
			s.header.Number, len(data), s.header.UncompressedSize)
	}
	return data, nil
}

func (self *Reader) NumBlocks() int {
	return len(self.blocks)
}

// Block decompresses block i. The caller caches; this always does
// the work.
func (self *Reader) Block(i int) ([]byte, error) {
	if i < 0 || i >= len(self.blocks) {
		return nil, errors.Errorf("block %d out of range", i)
	}
	return decompress(&self.blocks[i])
}

// BlockCompression tells how block i is stored on disk.
func (self *Reader) BlockCompression(i int) codec.CompressionType {
	return self.blocks[i].header.Compression
}

func (self *Reader) Schema() ([]byte, error) {
	return decompress(self.schema)
}

func (self *Reader) Metadata() ([]byte, error) {
	return decompress(self.meta)
}

func (self *Reader) Close() {
	if self.unmap != nil {
		self.unmap()
		self.unmap = nil
	}
	self.data = nil
}
