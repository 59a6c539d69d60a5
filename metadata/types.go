/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 13 08:50:02 2019 mstenber
 * Last modified: Mon May 27 11:43:19 2019 mstenber
 * Edit time:     166 min
 *
 */

// metadata holds the frozen description of the directory tree: the
// logical Metadata record, the packing transforms, the freeze to a
// (schema, data) blob pair, and the reader that serves lookups
// straight from the mapped blobs.
package metadata

// Chunk addresses a contiguous byte slice of a block.
type Chunk struct {
	Block  uint32
	Offset uint32
	Size   uint32
}

// InodeData is one row of the inode table. Indices refer to the
// modes/uids/gids dictionaries; times are deltas from TimestampBase
// in TimeResolutionSec units.
type InodeData struct {
	ModeIndex   uint32
	OwnerIndex  uint32
	GroupIndex  uint32
	AtimeOffset uint64
	MtimeOffset uint64
	CtimeOffset uint64
}

// DirEntry is one (name, inode) record. Entry 0 is the root's own
// entry with name index 0 and inode 0.
type DirEntry struct {
	NameIndex uint32
	InodeNum  uint32
}

// Directory row; the table has one row per directory inode plus a
// sentinel whose FirstEntry is the total dir entry count.
// ParentEntry is the dir-entry index referencing the parent
// directory.
type Directory struct {
	FirstEntry  uint32
	ParentEntry uint32
}

// StringTable is the compact string table form: concatenated Buffer
// plus either cumulative offsets (len+1 entries, PackedIndex false)
// or per-item lengths (len entries, PackedIndex true).
type StringTable struct {
	Buffer      []byte
	Index       []uint32
	PackedIndex bool
}

func (self *StringTable) Len() int {
	if self.PackedIndex {
		return len(self.Index)
	}
	if len(self.Index) == 0 {
		return 0
	}
	return len(self.Index) - 1
}

// Options records which packing transforms were applied, mirrored in
// the reader so it can invert them.
type Options struct {
	MtimeOnly              bool
	TimeResolutionSec      uint32
	PackedChunkTable       bool
	PackedDirectories      bool
	PackedSharedFilesTable bool
}

// Metadata is the logical, unfrozen metadata record.
type Metadata struct {
	Inodes      []InodeData
	Directories []Directory
	DirEntries  []DirEntry

	ChunkTable []uint32
	Chunks     []Chunk

	SymlinkTable []uint32

	Uids  []uint32
	Gids  []uint32
	Modes []uint32

	Devices []uint64

	SharedFiles    []uint32
	HasSharedFiles bool

	Names        []string
	CompactNames *StringTable

	Symlinks        []string
	CompactSymlinks *StringTable

	Options Options

	TimestampBase      int64
	BlockSize          uint32
	TotalFsSize        uint64
	TotalHardlinkSize  uint64
	CreateTimestamp    uint64
	HasCreateTimestamp bool
	Version            string
}

// Field tags of the frozen layout. The schema blob only carries
// these, never names.
const (
	tagInodes uint16 = iota + 1
	tagDirectories
	tagDirEntries
	tagChunkTable
	tagChunks
	tagSymlinkTable
	tagUids
	tagGids
	tagModes
	tagDevices
	tagSharedFiles
	tagNamesBuffer
	tagNamesIndex
	tagCompactNamesBuffer
	tagCompactNamesIndex
	tagSymlinksBuffer
	tagSymlinksIndex
	tagCompactSymlinksBuffer
	tagCompactSymlinksIndex
	tagOptions
	tagTimeResolution
	tagTimestampBase
	tagBlockSize
	tagTotalFsSize
	tagTotalHardlinkSize
	tagCreateTimestamp
	tagVersion
)

// Options bitmask bits (tagOptions scalar).
const (
	optMtimeOnly = 1 << iota
	optPackedChunkTable
	optPackedDirectories
	optPackedSharedFiles
	optPackedNamesIndex
	optPackedSymlinksIndex
)

// Limits enforced by the consistency checks. Names are capped at 512
// rather than 255 to allow worst-case 2x expansion from FSST-style
// string compressors.
const (
	MaxNameLen    = 512
	MaxSymlinkLen = 4096
)

func modeRank(mode uint32) int {
	switch mode & 0170000 {
	case 0040000: // dir
		return 0
	case 0120000: // symlink
		return 1
	case 0100000: // regular
		return 2
	case 0020000, 0060000: // char/block device
		return 3
	default:
		return 4
	}
}
