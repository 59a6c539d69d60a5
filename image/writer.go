/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 11:10:32 2019 mstenber
 * Last modified: Thu May 30 13:28:56 2019 mstenber
 * Edit time:     126 min
 *
 */

package image

import (
	"io"

	"github.com/fingon/go-dwarfs/codec"
	"github.com/fingon/go-dwarfs/mlog"
	"github.com/fingon/go-dwarfs/progress"
	"github.com/fingon/go-dwarfs/util"
)

type compressed struct {
	ctype   codec.CompressionType
	payload []byte
	raw     int
}

// Writer emits the section stream: BLOCK sections as the block
// manager finishes them, then the metadata schema and data sections.
// Block compression runs on the worker group; a single writer
// goroutine streams the results out in submission order regardless
// of compression completion order.
type Writer struct {
	Codec       codec.Codec
	Compression codec.CompressionType
	WG          *util.WorkerGroup
	Progress    *progress.Progress

	w      io.Writer
	err    error
	fifo   chan chan compressed
	done   chan struct{}
	next   uint64
	queued util.AtomicInt
}

func (self Writer) Init(w io.Writer) *Writer {
	self.w = w
	self.fifo = make(chan chan compressed, 1<<16)
	self.done = make(chan struct{})
	go self.writeLoop()
	return &self
}

func (self *Writer) writeLoop() {
	for ch := range self.fifo {
		c := <-ch
		self.writeSection(SectionBlock, c)
		self.queued.Add(-1)
		self.Progress.BlocksWritten.Add(1)
	}
	close(self.done)
}

// compress runs the codec and decides whether the compressed form is
// actually worth storing; incompressible payloads fall back to NONE.
func (self *Writer) compress(data []byte) compressed {
	if self.Compression == codec.CompressionNone {
		return compressed{ctype: codec.CompressionNone, payload: data, raw: len(data)}
	}
	enc, err := self.Codec.EncodeBytes(data)
	if err != nil || len(enc) >= len(data) {
		return compressed{ctype: codec.CompressionNone, payload: data, raw: len(data)}
	}
	return compressed{ctype: self.Compression, payload: enc, raw: len(data)}
}

// WriteBlock queues one block for compression. Blocks are numbered
// and written in call order.
func (self *Writer) WriteBlock(data []byte) {
	ch := make(chan compressed, 1)
	self.queued.Add(1)
	self.fifo <- ch
	self.WG.AddJob(func() {
		ch <- self.compress(data)
	})
}

// QueueFill is the number of blocks queued but not yet written; used
// by the ordering worker to pace itself.
func (self *Writer) QueueFill() int {
	return self.queued.GetInt()
}

func (self *Writer) writeSection(st SectionType, c compressed) {
	if self.err != nil {
		return
	}
	h := Header{
		Type:             st,
		Compression:      c.ctype,
		Number:           self.next,
		UncompressedSize: uint64(c.raw),
	}
	self.next++
	out := encodeSection(h, c.payload)
	mlog.Printf2("image/writer", "writing section %v #%d: %d -> %d b (%v)",
		st, h.Number, c.raw, len(c.payload), c.ctype)
	if _, err := self.w.Write(out); err != nil {
		self.err = err
		return
	}
	self.Progress.CompressedSize.AddInt(len(out))
}

// WriteMetadata waits for the pending blocks to stream out, then
// appends the schema and metadata sections, completing the stream.
func (self *Writer) WriteMetadata(schema, data []byte) error {
	close(self.fifo)
	<-self.done
	self.writeSection(SectionMetadataV2Schema, self.compress(schema))
	self.writeSection(SectionMetadataV2, self.compress(data))
	return self.err
}

// Abort drains the writer without completing the stream; for error
// paths that will not produce a valid image anyway.
func (self *Writer) Abort() {
	close(self.fifo)
	<-self.done
}
