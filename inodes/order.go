/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 13:26:17 2019 mstenber
 * Last modified: Wed May 22 09:55:36 2019 mstenber
 * Edit time:     88 min
 *
 */

package inodes

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"

	"github.com/fingon/go-dwarfs/mlog"
)

type OrderMode int

const (
	OrderNone OrderMode = iota
	OrderPath
	OrderSimilarity
	OrderNilsimsa
	OrderScript
)

func (self OrderMode) String() string {
	switch self {
	case OrderNone:
		return "none"
	case OrderPath:
		return "path"
	case OrderSimilarity:
		return "similarity"
	case OrderNilsimsa:
		return "nilsimsa"
	case OrderScript:
		return "script"
	}
	return "?"
}

func OrderModeForString(s string) (OrderMode, error) {
	for _, m := range []OrderMode{OrderNone, OrderPath, OrderSimilarity, OrderNilsimsa, OrderScript} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, errors.Errorf("unknown file order mode: %s", s)
}

// OrderFunc is the user-supplied total order for OrderScript: it
// returns the processing order as a permutation of indices into
// paths.
type OrderFunc func(paths []string) []int

// OrderInodes emits every chunk owner exactly once, in the order the
// block packer should see them. The order is deterministic for a
// fixed input and mode.
func (self *Scanner) OrderInodes(mode OrderMode, script OrderFunc, emit func(f *File)) error {
	files := append([]*File(nil), self.reps...)

	switch mode {
	case OrderNone:
	case OrderPath:
		sort.Slice(files, func(i, j int) bool {
			return files[i].Path < files[j].Path
		})
	case OrderSimilarity:
		sort.SliceStable(files, func(i, j int) bool {
			if files[i].similarity != files[j].similarity {
				return files[i].similarity < files[j].similarity
			}
			return files[i].Path < files[j].Path
		})
	case OrderNilsimsa:
		sort.SliceStable(files, func(i, j int) bool {
			if c := bytes.Compare(files[i].lsh[:], files[j].lsh[:]); c != 0 {
				return c < 0
			}
			return files[i].Path < files[j].Path
		})
	case OrderScript:
		if script == nil {
			return errors.New("script order requires an order function")
		}
		paths := make([]string, len(files))
		for i, f := range files {
			paths[i] = f.Path
		}
		perm := script(paths)
		if len(perm) != len(files) {
			return errors.Errorf("order function returned %d indices for %d files", len(perm), len(files))
		}
		ordered := make([]*File, 0, len(files))
		seen := make([]bool, len(files))
		for _, i := range perm {
			if i < 0 || i >= len(files) || seen[i] {
				return errors.Errorf("order function returned invalid permutation")
			}
			seen[i] = true
			ordered = append(ordered, files[i])
		}
		files = ordered
	default:
		return errors.Errorf("unknown order mode: %d", mode)
	}

	mlog.Printf2("inodes/order", "ordering %d inodes by %v", len(files), mode)
	for _, f := range files {
		emit(f)
	}
	return nil
}

// similarityHash is a coarse, order-insensitive content score: files
// with similar byte distributions sort near each other.
func similarityHash(data []byte) uint32 {
	var hist [64]uint32
	for _, b := range data {
		hist[b>>2]++
	}
	var best, bestIdx uint32
	for i, n := range hist {
		if n > best {
			best = n
			bestIdx = uint32(i)
		}
	}
	if len(data) == 0 {
		return 0
	}
	// dominant byte class in the high bits, fill ratio below
	return bestIdx<<26 | uint32((uint64(best)*0x3ffffff)/uint64(len(data)))
}

const lshBytes = 32

// localityHash is a nilsimsa-style locality-sensitive digest:
// trigram counts are bucketed into 256 accumulators and thresholded
// against the mean, so similar content yields nearby digests.
func localityHash(data []byte) (digest [lshBytes]byte) {
	if len(data) < 3 {
		return
	}
	var acc [256]uint32
	for i := 0; i+2 < len(data); i++ {
		h := uint32(data[i])*49 + uint32(data[i+1])*53 + uint32(data[i+2])*59
		acc[h&0xff]++
	}
	total := uint32(len(data) - 2)
	mean := total / 256
	for i, n := range acc {
		if n > mean {
			digest[i>>3] |= 1 << (uint(i) & 7)
		}
	}
	return
}
