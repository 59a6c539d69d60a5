/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar  8 09:10:05 2019 mstenber
 * Last modified: Fri May 17 12:33:29 2019 mstenber
 * Edit time:     121 min
 *
 */

package entry

import (
	"sort"
)

// GlobalEntryData deduplicates names, symlink targets, uids, gids and
// modes across the whole tree and assigns each distinct value a dense
// index once Index() has run. Timestamps are stored as deltas from a
// common base, optionally truncated to TimeResolutionSec.
type GlobalEntryData struct {
	// KeepAllTimes stores atime and ctime in addition to mtime.
	KeepAllTimes bool

	// TimeResolutionSec truncates stored timestamps; 0 and 1 both
	// mean full second resolution.
	TimeResolutionSec uint32

	names    map[string]uint32
	symlinks map[string]uint32
	uids     map[uint32]uint32
	gids     map[uint32]uint32
	modes    map[uint32]uint32

	timestampBase int64
	haveTimestamp bool
	indexed       bool

	sortedNames    []string
	sortedSymlinks []string
	sortedUids     []uint32
	sortedGids     []uint32
	sortedModes    []uint32
}

func (self GlobalEntryData) Init() *GlobalEntryData {
	self.names = make(map[string]uint32)
	self.symlinks = make(map[string]uint32)
	self.uids = make(map[uint32]uint32)
	self.gids = make(map[uint32]uint32)
	self.modes = make(map[uint32]uint32)
	return &self
}

func (self *GlobalEntryData) resolution() int64 {
	if self.TimeResolutionSec > 1 {
		return int64(self.TimeResolutionSec)
	}
	return 1
}

func (self *GlobalEntryData) truncate(t int64) int64 {
	res := self.resolution()
	return (t / res) * res
}

func (self *GlobalEntryData) AddName(name string) {
	self.names[name] = 0
}

func (self *GlobalEntryData) AddLink(target string) {
	self.symlinks[target] = 0
}

// Add accumulates the numeric attributes of one entry. Names and
// symlink targets are added separately since the root has no name.
func (self *GlobalEntryData) Add(e *Entry) {
	self.uids[e.Uid]++
	self.gids[e.Gid]++
	self.modes[e.Mode]++
	self.addTime(e.Mtime)
	if self.KeepAllTimes {
		self.addTime(e.Atime)
		self.addTime(e.Ctime)
	}
}

func (self *GlobalEntryData) addTime(t int64) {
	t = self.truncate(t)
	if !self.haveTimestamp || t < self.timestampBase {
		self.timestampBase = t
		self.haveTimestamp = true
	}
}

// Index sorts and freezes the dictionaries. Names and symlink
// targets sort by length descending then lexicographic, which packs
// better; numeric tables sort by frequency descending then value.
func (self *GlobalEntryData) Index() {
	if self.indexed {
		panic("GlobalEntryData.Index called twice")
	}
	self.indexed = true

	self.sortedNames = sortStrings(self.names)
	self.sortedSymlinks = sortStrings(self.symlinks)
	self.sortedUids = sortNumeric(self.uids)
	self.sortedGids = sortNumeric(self.gids)
	self.sortedModes = sortNumeric(self.modes)
}

func sortStrings(m map[string]uint32) []string {
	l := make([]string, 0, len(m))
	for s := range m {
		l = append(l, s)
	}
	sort.Slice(l, func(i, j int) bool {
		if len(l[i]) != len(l[j]) {
			return len(l[i]) > len(l[j])
		}
		return l[i] < l[j]
	})
	for i, s := range l {
		m[s] = uint32(i)
	}
	return l
}

func sortNumeric(m map[uint32]uint32) []uint32 {
	type kv struct{ value, freq uint32 }
	l := make([]kv, 0, len(m))
	for v, f := range m {
		l = append(l, kv{v, f})
	}
	sort.Slice(l, func(i, j int) bool {
		if l[i].freq != l[j].freq {
			return l[i].freq > l[j].freq
		}
		return l[i].value < l[j].value
	})
	values := make([]uint32, len(l))
	for i, e := range l {
		values[i] = e.value
		m[e.value] = uint32(i)
	}
	return values
}

func (self *GlobalEntryData) NameIndex(name string) uint32 {
	return self.names[name]
}

func (self *GlobalEntryData) SymlinkIndex(target string) uint32 {
	return self.symlinks[target]
}

func (self *GlobalEntryData) UidIndex(uid uint32) uint32 {
	return self.uids[uid]
}

func (self *GlobalEntryData) GidIndex(gid uint32) uint32 {
	return self.gids[gid]
}

func (self *GlobalEntryData) ModeIndex(mode uint32) uint32 {
	return self.modes[mode]
}

// TimeOffset converts an absolute timestamp to its stored delta.
func (self *GlobalEntryData) TimeOffset(t int64) uint64 {
	d := self.truncate(t) - self.timestampBase
	if d < 0 {
		return 0
	}
	return uint64(d / self.resolution())
}

func (self *GlobalEntryData) TimestampBase() int64 {
	return self.timestampBase
}

func (self *GlobalEntryData) Names() []string {
	return self.sortedNames
}

func (self *GlobalEntryData) Symlinks() []string {
	return self.sortedSymlinks
}

func (self *GlobalEntryData) Uids() []uint32 {
	return self.sortedUids
}

func (self *GlobalEntryData) Gids() []uint32 {
	return self.sortedGids
}

func (self *GlobalEntryData) Modes() []uint32 {
	return self.sortedModes
}
