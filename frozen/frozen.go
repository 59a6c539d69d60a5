/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 12 08:44:21 2019 mstenber
 * Last modified: Thu May 23 14:19:40 2019 mstenber
 * Edit time:     214 min
 *
 */

// frozen implements schema-driven freezing: a logical record of
// unsigned arrays, record arrays and byte buffers becomes two blobs.
// The data blob packs every integer at the minimum bit-width that
// fits its observed range; the schema blob is a CBOR description of
// the layout (tags, kinds, offsets, widths), so a reader can
// interpret the data blob without any field names embedded in it.
// Views index directly into the mapped data blob without copying.
package frozen

import (
	"math/bits"

	"github.com/pkg/errors"
	ucodec "github.com/ugorji/go/codec"
)

const (
	KindUints byte = iota
	KindStruct
	KindBytes
)

// SchemaVersion is bumped whenever the layout semantics change.
const SchemaVersion = 1

type Field struct {
	Tag    uint16 `codec:"t"`
	Kind   byte   `codec:"k"`
	Offset uint64 `codec:"o"`
	Count  uint64 `codec:"n"`
	Widths []byte `codec:"w"`
}

type Schema struct {
	Version uint16  `codec:"v"`
	Fields  []Field `codec:"f"`
}

func cborHandle() *ucodec.CborHandle {
	var h ucodec.CborHandle
	h.Canonical = true
	return &h
}

// Writer accumulates fields and produces the two blobs. Field order
// is the call order; every tag may be added at most once.
type Writer struct {
	data   []byte
	fields []Field
	tags   map[uint16]bool
}

func (self Writer) Init() *Writer {
	self.tags = make(map[uint16]bool)
	return &self
}

func (self *Writer) claim(tag uint16) {
	if self.tags[tag] {
		panic(errors.Errorf("frozen: duplicate tag %d", tag))
	}
	self.tags[tag] = true
}

func bitWidth(max uint64) byte {
	return byte(bits.Len64(max))
}

func maxValue(values []uint64) (max uint64) {
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return
}

// AddUints appends an array of unsigned values stored at the minimum
// width that fits the largest one. An all-zero array has width 0 and
// occupies no data bytes at all.
func (self *Writer) AddUints(tag uint16, values []uint64) {
	self.claim(tag)
	width := bitWidth(maxValue(values))
	f := Field{
		Tag:    tag,
		Kind:   KindUints,
		Offset: uint64(len(self.data)),
		Count:  uint64(len(values)),
		Widths: []byte{width},
	}
	self.appendPacked(values, []byte{width})
	self.fields = append(self.fields, f)
}

// AddScalar stores a single value as a one-element array.
func (self *Writer) AddScalar(tag uint16, v uint64) {
	self.AddUints(tag, []uint64{v})
}

// AddStruct appends an array of records given as parallel lanes; each
// lane gets its own width and records are packed back to back.
func (self *Writer) AddStruct(tag uint16, lanes ...[]uint64) {
	self.claim(tag)
	count := 0
	if len(lanes) > 0 {
		count = len(lanes[0])
	}
	widths := make([]byte, len(lanes))
	for i, lane := range lanes {
		if len(lane) != count {
			panic(errors.Errorf("frozen: lane %d length %d != %d", i, len(lane), count))
		}
		widths[i] = bitWidth(maxValue(lane))
	}
	f := Field{
		Tag:    tag,
		Kind:   KindStruct,
		Offset: uint64(len(self.data)),
		Count:  uint64(count),
		Widths: widths,
	}
	interleaved := make([]uint64, 0, count*len(lanes))
	for i := 0; i < count; i++ {
		for _, lane := range lanes {
			interleaved = append(interleaved, lane[i])
		}
	}
	self.appendPacked(interleaved, widths)
	self.fields = append(self.fields, f)
}

// AddBytes appends a raw buffer.
func (self *Writer) AddBytes(tag uint16, b []byte) {
	self.claim(tag)
	f := Field{
		Tag:    tag,
		Kind:   KindBytes,
		Offset: uint64(len(self.data)),
		Count:  uint64(len(b)),
		Widths: []byte{8},
	}
	self.data = append(self.data, b...)
	self.fields = append(self.fields, f)
}

// appendPacked writes values using widths cyclically (one width per
// lane), starting at a byte boundary.
func (self *Writer) appendPacked(values []uint64, widths []byte) {
	totalBits := 0
	for i := range values {
		totalBits += int(widths[i%len(widths)])
	}
	buf := make([]byte, (totalBits+7)/8)
	bitoff := 0
	for i, v := range values {
		w := int(widths[i%len(widths)])
		putBits(buf, bitoff, w, v)
		bitoff += w
	}
	self.data = append(self.data, buf...)
}

// Freeze emits the schema and data blobs.
func (self *Writer) Freeze() (schema []byte, data []byte, err error) {
	s := Schema{Version: SchemaVersion, Fields: self.fields}
	enc := ucodec.NewEncoderBytes(&schema, cborHandle())
	if err = enc.Encode(s); err != nil {
		return
	}
	data = self.data
	return
}

func putBits(buf []byte, bitoff, width int, v uint64) {
	n := 0
	for n < width {
		byi := (bitoff + n) >> 3
		sh := (bitoff + n) & 7
		take := 8 - sh
		if take > width-n {
			take = width - n
		}
		chunk := byte((v >> uint(n)) & ((1 << uint(take)) - 1))
		buf[byi] |= chunk << uint(sh)
		n += take
	}
}

func getBits(buf []byte, bitoff, width int) uint64 {
	var v uint64
	n := 0
	for n < width {
		byi := (bitoff + n) >> 3
		sh := (bitoff + n) & 7
		take := 8 - sh
		if take > width-n {
			take = width - n
		}
		chunk := uint64(buf[byi]>>uint(sh)) & ((1 << uint(take)) - 1)
		v |= chunk << uint(n)
		n += take
	}
	return v
}
