/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 13 10:31:47 2019 mstenber
 * Last modified: Mon May 27 12:20:08 2019 mstenber
 * Edit time:     74 min
 *
 */

package metadata

// PackStringsOptions control the compact string table form.
// PackIndex stores per-item lengths instead of cumulative offsets;
// small tables lose to that unless Force overrides the threshold.
type PackStringsOptions struct {
	PackIndex bool
	Force     bool
}

// Tables below this total payload size keep the plain cumulative
// index; length packing only pays off once the offsets get wide.
const packIndexThreshold = 1024

// PackStrings builds the compact form of a string list.
func PackStrings(l []string, opts PackStringsOptions) *StringTable {
	total := 0
	for _, s := range l {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	packIndex := opts.PackIndex && (opts.Force || total >= packIndexThreshold)

	st := &StringTable{PackedIndex: packIndex}
	if packIndex {
		st.Index = make([]uint32, 0, len(l))
		for _, s := range l {
			buf = append(buf, s...)
			st.Index = append(st.Index, uint32(len(s)))
		}
	} else {
		st.Index = make([]uint32, 0, len(l)+1)
		st.Index = append(st.Index, 0)
		for _, s := range l {
			buf = append(buf, s...)
			st.Index = append(st.Index, uint32(len(buf)))
		}
	}
	st.Buffer = buf
	return st
}

// UnpackStrings materializes the string list back from a compact
// table; the inverse of PackStrings.
func UnpackStrings(st *StringTable) []string {
	n := st.Len()
	l := make([]string, 0, n)
	if st.PackedIndex {
		off := uint32(0)
		for _, size := range st.Index {
			l = append(l, string(st.Buffer[off:off+size]))
			off += size
		}
		return l
	}
	for i := 0; i < n; i++ {
		l = append(l, string(st.Buffer[st.Index[i]:st.Index[i+1]]))
	}
	return l
}

// PlainStrings builds the plain (non-compact) table representation:
// same buffer layout, always cumulative offsets.
func PlainStrings(l []string) *StringTable {
	return PackStrings(l, PackStringsOptions{})
}
