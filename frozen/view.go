/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 12 11:30:55 2019 mstenber
 * Last modified: Thu May 23 15:02:12 2019 mstenber
 * Edit time:     127 min
 *
 */

package frozen

import (
	"github.com/pkg/errors"
	ucodec "github.com/ugorji/go/codec"
)

// View interprets a data blob through its schema. The underlying
// bytes are borrowed, not copied; field accessors hand out sub-views
// that extract bits on demand.
type View struct {
	data  []byte
	byTag map[uint16]*Field
}

func NewView(schemaBlob, data []byte) (*View, error) {
	var s Schema
	dec := ucodec.NewDecoderBytes(schemaBlob, cborHandle())
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decode schema")
	}
	if s.Version != SchemaVersion {
		return nil, errors.Errorf("unsupported schema version %d", s.Version)
	}
	v := &View{data: data, byTag: make(map[uint16]*Field, len(s.Fields))}
	for i := range s.Fields {
		f := &s.Fields[i]
		if _, ok := v.byTag[f.Tag]; ok {
			return nil, errors.Errorf("duplicate field tag %d", f.Tag)
		}
		if len(f.Widths) == 0 {
			return nil, errors.Errorf("field %d without widths", f.Tag)
		}
		stride := 0
		for _, w := range f.Widths {
			if w > 64 {
				return nil, errors.Errorf("field %d width %d out of range", f.Tag, w)
			}
			stride += int(w)
		}
		size := (uint64(stride)*f.Count + 7) / 8
		if f.Kind == KindBytes {
			size = f.Count
		}
		if f.Offset+size < f.Offset || f.Offset+size > uint64(len(data)) {
			return nil, errors.Errorf("field %d extends past data blob", f.Tag)
		}
		v.byTag[f.Tag] = f
	}
	return v, nil
}

func (self *View) Has(tag uint16) bool {
	_, ok := self.byTag[tag]
	return ok
}

func (self *View) field(tag uint16, kind byte) (*Field, error) {
	f, ok := self.byTag[tag]
	if !ok {
		return nil, errors.Errorf("missing field tag %d", tag)
	}
	if f.Kind != kind {
		return nil, errors.Errorf("field tag %d has kind %d, want %d", tag, f.Kind, kind)
	}
	return f, nil
}

// UintsView is a packed array of unsigned values.
type UintsView struct {
	data  []byte
	off   uint64
	width int
	count int
}

func (self *View) Uints(tag uint16) (UintsView, error) {
	f, err := self.field(tag, KindUints)
	if err != nil {
		return UintsView{}, err
	}
	return UintsView{data: self.data, off: f.Offset, width: int(f.Widths[0]), count: int(f.Count)}, nil
}

func (self UintsView) Len() int {
	return self.count
}

func (self UintsView) At(i int) uint64 {
	if self.width == 0 {
		return 0
	}
	return getBits(self.data[self.off:], i*self.width, self.width)
}

// Slice decodes the whole array; used for small tables that are
// cheaper to materialize than to re-extract.
func (self UintsView) Slice() []uint64 {
	l := make([]uint64, self.count)
	for i := range l {
		l[i] = self.At(i)
	}
	return l
}

// Scalar reads a one-element array.
func (self *View) Scalar(tag uint16) (uint64, error) {
	uv, err := self.Uints(tag)
	if err != nil {
		return 0, err
	}
	if uv.Len() != 1 {
		return 0, errors.Errorf("field tag %d is not scalar (%d elements)", tag, uv.Len())
	}
	return uv.At(0), nil
}

// StructView is a packed array of records.
type StructView struct {
	data    []byte
	off     uint64
	widths  []byte
	laneOff []int
	stride  int
	count   int
}

func (self *View) Struct(tag uint16) (StructView, error) {
	f, err := self.field(tag, KindStruct)
	if err != nil {
		return StructView{}, err
	}
	laneOff := make([]int, len(f.Widths))
	stride := 0
	for i, w := range f.Widths {
		laneOff[i] = stride
		stride += int(w)
	}
	return StructView{data: self.data, off: f.Offset, widths: f.Widths,
		laneOff: laneOff, stride: stride, count: int(f.Count)}, nil
}

func (self StructView) Len() int {
	return self.count
}

func (self StructView) Lanes() int {
	return len(self.widths)
}

func (self StructView) At(i, lane int) uint64 {
	w := int(self.widths[lane])
	if w == 0 {
		return 0
	}
	return getBits(self.data[self.off:], i*self.stride+self.laneOff[lane], w)
}

func (self *View) Bytes(tag uint16) ([]byte, error) {
	f, err := self.field(tag, KindBytes)
	if err != nil {
		return nil, err
	}
	return self.data[f.Offset : f.Offset+f.Count], nil
}
