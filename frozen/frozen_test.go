/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 12 16:05:48 2019 mstenber
 * Last modified: Thu May 23 15:31:27 2019 mstenber
 * Edit time:     52 min
 *
 */

package frozen

import (
	"bytes"
	"testing"

	"github.com/stvp/assert"
)

func freezeView(t *testing.T, fill func(w *Writer)) *View {
	w := Writer{}.Init()
	fill(w)
	schema, data, err := w.Freeze()
	assert.Nil(t, err)
	v, err := NewView(schema, data)
	assert.Nil(t, err)
	return v
}

func TestUintsRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 2, 3, 1000, 7, 0, 12345678}
	v := freezeView(t, func(w *Writer) {
		w.AddUints(1, values)
	})
	uv, err := v.Uints(1)
	assert.Nil(t, err)
	assert.Equal(t, uv.Len(), len(values))
	for i, x := range values {
		assert.Equal(t, uv.At(i), x)
	}
}

func TestZeroWidth(t *testing.T) {
	values := make([]uint64, 100)
	v := freezeView(t, func(w *Writer) {
		w.AddUints(1, values)
		w.AddScalar(2, 42)
	})
	uv, err := v.Uints(1)
	assert.Nil(t, err)
	assert.Equal(t, uv.Len(), 100)
	assert.Equal(t, uv.At(57), uint64(0))
	s, err := v.Scalar(2)
	assert.Nil(t, err)
	assert.Equal(t, s, uint64(42))
}

func TestStructRoundTrip(t *testing.T) {
	a := []uint64{1, 2, 3, 4, 5}
	b := []uint64{0, 0, 0, 0, 0}
	c := []uint64{1 << 40, 17, 0, 3, 1 << 33}
	v := freezeView(t, func(w *Writer) {
		w.AddStruct(7, a, b, c)
	})
	sv, err := v.Struct(7)
	assert.Nil(t, err)
	assert.Equal(t, sv.Len(), 5)
	assert.Equal(t, sv.Lanes(), 3)
	for i := range a {
		assert.Equal(t, sv.At(i, 0), a[i])
		assert.Equal(t, sv.At(i, 1), b[i])
		assert.Equal(t, sv.At(i, 2), c[i])
	}
}

func TestBytes(t *testing.T) {
	payload := []byte("hello frozen world")
	v := freezeView(t, func(w *Writer) {
		w.AddBytes(3, payload)
		w.AddUints(4, []uint64{9, 8, 7})
	})
	b, err := v.Bytes(3)
	assert.Nil(t, err)
	assert.Equal(t, b, payload)
	assert.True(t, v.Has(4))
	assert.True(t, !v.Has(5))
}

func TestScalar64Bit(t *testing.T) {
	v := freezeView(t, func(w *Writer) {
		w.AddScalar(1, ^uint64(0))
	})
	s, err := v.Scalar(1)
	assert.Nil(t, err)
	assert.Equal(t, s, ^uint64(0))
}

func TestDeterministicFreeze(t *testing.T) {
	freeze := func() ([]byte, []byte) {
		w := Writer{}.Init()
		w.AddUints(1, []uint64{5, 4, 3})
		w.AddStruct(2, []uint64{1, 2}, []uint64{3, 4})
		w.AddBytes(3, []byte("x"))
		schema, data, err := w.Freeze()
		assert.Nil(t, err)
		return schema, data
	}
	s1, d1 := freeze()
	s2, d2 := freeze()
	assert.True(t, bytes.Equal(s1, s2))
	assert.True(t, bytes.Equal(d1, d2))
}

func TestTruncatedDataRejected(t *testing.T) {
	w := Writer{}.Init()
	w.AddUints(1, []uint64{1 << 30, 1 << 30, 1 << 30})
	schema, data, err := w.Freeze()
	assert.Nil(t, err)
	_, err = NewView(schema, data[:len(data)-1])
	assert.True(t, err != nil)
}

func TestMissingFieldErrors(t *testing.T) {
	v := freezeView(t, func(w *Writer) {
		w.AddUints(1, []uint64{1})
	})
	_, err := v.Uints(2)
	assert.True(t, err != nil)
	_, err = v.Bytes(1)
	assert.True(t, err != nil)
}
