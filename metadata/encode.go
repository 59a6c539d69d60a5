/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 13 11:02:33 2019 mstenber
 * Last modified: Tue May 28 09:17:26 2019 mstenber
 * Edit time:     189 min
 *
 */

package metadata

import (
	"github.com/pkg/errors"

	"github.com/fingon/go-dwarfs/frozen"
	"github.com/fingon/go-dwarfs/mlog"
)

// PackDirectories applies the directory packing transform in place:
// FirstEntry becomes a delta from the previous row (row 0 stays
// absolute) and ParentEntry is zeroed; the reader reconstructs both.
func PackDirectories(dirs []Directory) {
	last := uint32(0)
	for i := range dirs {
		d := &dirs[i]
		d.ParentEntry = 0
		delta := d.FirstEntry - last
		last = d.FirstEntry
		d.FirstEntry = delta
	}
}

// PackChunkTable replaces the chunk table with successive
// differences, first value kept absolute.
func PackChunkTable(ct []uint32) {
	last := uint32(0)
	for i := range ct {
		delta := ct[i] - last
		last = ct[i]
		ct[i] = delta
	}
}

// UnpackChunkTable is the inverse of PackChunkTable.
func UnpackChunkTable(ct []uint32) {
	sum := uint32(0)
	for i := range ct {
		sum += ct[i]
		ct[i] = sum
	}
}

// PackSharedFiles run-length-encodes a non-decreasing shared-files
// vector: one count-2 value per run. Every run must have length >= 2;
// anything else means the vector was not built correctly.
func PackSharedFiles(v []uint32) ([]uint32, error) {
	if len(v) == 0 {
		return nil, nil
	}
	packed := make([]uint32, 0, v[len(v)-1]+1)
	index := uint32(0)
	count := uint32(0)
	for _, i := range v {
		switch {
		case i == index:
			count++
		case i == index+1:
			if count < 2 {
				return nil, errors.New("unique file in shared files vector")
			}
			packed = append(packed, count-2)
			index++
			count = 1
		default:
			return nil, errors.New("inconsistent shared files vector")
		}
	}
	if count < 2 {
		return nil, errors.New("unique file in shared files vector")
	}
	packed = append(packed, count-2)
	return packed, nil
}

// UnpackSharedFiles is the inverse of PackSharedFiles.
func UnpackSharedFiles(packed []uint32) []uint32 {
	n := 0
	for _, c := range packed {
		n += int(c) + 2
	}
	v := make([]uint32, 0, n)
	for g, c := range packed {
		for i := uint32(0); i < c+2; i++ {
			v = append(v, uint32(g))
		}
	}
	return v
}

func u64s(v []uint32) []uint64 {
	l := make([]uint64, len(v))
	for i, x := range v {
		l[i] = uint64(x)
	}
	return l
}

func (self *Metadata) optionBits() uint64 {
	var b uint64
	if self.Options.MtimeOnly {
		b |= optMtimeOnly
	}
	if self.Options.PackedChunkTable {
		b |= optPackedChunkTable
	}
	if self.Options.PackedDirectories {
		b |= optPackedDirectories
	}
	if self.Options.PackedSharedFilesTable {
		b |= optPackedSharedFiles
	}
	if self.CompactNames != nil && self.CompactNames.PackedIndex {
		b |= optPackedNamesIndex
	}
	if self.CompactSymlinks != nil && self.CompactSymlinks.PackedIndex {
		b |= optPackedSymlinksIndex
	}
	return b
}

// Freeze serializes the record into a schema blob and a data blob.
// Packing transforms must already have been applied; Freeze itself
// is a pure layout step and is deterministic.
func Freeze(m *Metadata) (schema, data []byte, err error) {
	w := frozen.Writer{}.Init()

	mode := make([]uint64, len(m.Inodes))
	owner := make([]uint64, len(m.Inodes))
	group := make([]uint64, len(m.Inodes))
	atime := make([]uint64, len(m.Inodes))
	mtime := make([]uint64, len(m.Inodes))
	ctime := make([]uint64, len(m.Inodes))
	for i := range m.Inodes {
		ino := &m.Inodes[i]
		mode[i] = uint64(ino.ModeIndex)
		owner[i] = uint64(ino.OwnerIndex)
		group[i] = uint64(ino.GroupIndex)
		atime[i] = ino.AtimeOffset
		mtime[i] = ino.MtimeOffset
		ctime[i] = ino.CtimeOffset
	}
	w.AddStruct(tagInodes, mode, owner, group, atime, mtime, ctime)

	first := make([]uint64, len(m.Directories))
	parent := make([]uint64, len(m.Directories))
	for i := range m.Directories {
		first[i] = uint64(m.Directories[i].FirstEntry)
		parent[i] = uint64(m.Directories[i].ParentEntry)
	}
	w.AddStruct(tagDirectories, first, parent)

	names := make([]uint64, len(m.DirEntries))
	inos := make([]uint64, len(m.DirEntries))
	for i := range m.DirEntries {
		names[i] = uint64(m.DirEntries[i].NameIndex)
		inos[i] = uint64(m.DirEntries[i].InodeNum)
	}
	w.AddStruct(tagDirEntries, names, inos)

	w.AddUints(tagChunkTable, u64s(m.ChunkTable))

	blocks := make([]uint64, len(m.Chunks))
	offs := make([]uint64, len(m.Chunks))
	sizes := make([]uint64, len(m.Chunks))
	for i := range m.Chunks {
		blocks[i] = uint64(m.Chunks[i].Block)
		offs[i] = uint64(m.Chunks[i].Offset)
		sizes[i] = uint64(m.Chunks[i].Size)
	}
	w.AddStruct(tagChunks, blocks, offs, sizes)

	w.AddUints(tagSymlinkTable, u64s(m.SymlinkTable))
	w.AddUints(tagUids, u64s(m.Uids))
	w.AddUints(tagGids, u64s(m.Gids))
	w.AddUints(tagModes, u64s(m.Modes))

	if len(m.Devices) > 0 {
		w.AddUints(tagDevices, m.Devices)
	}
	if m.HasSharedFiles {
		w.AddUints(tagSharedFiles, u64s(m.SharedFiles))
	}

	addStrings := func(bufTag, idxTag uint16, st *StringTable) {
		w.AddBytes(bufTag, st.Buffer)
		w.AddUints(idxTag, u64s(st.Index))
	}
	switch {
	case m.CompactNames != nil:
		addStrings(tagCompactNamesBuffer, tagCompactNamesIndex, m.CompactNames)
	default:
		addStrings(tagNamesBuffer, tagNamesIndex, PlainStrings(m.Names))
	}
	switch {
	case m.CompactSymlinks != nil:
		addStrings(tagCompactSymlinksBuffer, tagCompactSymlinksIndex, m.CompactSymlinks)
	default:
		addStrings(tagSymlinksBuffer, tagSymlinksIndex, PlainStrings(m.Symlinks))
	}

	w.AddScalar(tagOptions, m.optionBits())
	w.AddScalar(tagTimeResolution, uint64(m.Options.TimeResolutionSec))
	w.AddScalar(tagTimestampBase, uint64(m.TimestampBase))
	w.AddScalar(tagBlockSize, uint64(m.BlockSize))
	w.AddScalar(tagTotalFsSize, m.TotalFsSize)
	w.AddScalar(tagTotalHardlinkSize, m.TotalHardlinkSize)
	if m.HasCreateTimestamp {
		w.AddScalar(tagCreateTimestamp, m.CreateTimestamp)
	}
	w.AddBytes(tagVersion, []byte(m.Version))

	schema, data, err = w.Freeze()
	if err == nil {
		mlog.Printf2("metadata/encode", "froze metadata: %d b schema, %d b data", len(schema), len(data))
	}
	return
}
