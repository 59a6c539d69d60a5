/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 14 09:21:14 2019 mstenber
 * Last modified: Wed May 29 16:50:41 2019 mstenber
 * Edit time:     248 min
 *
 */

package metadata

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/fingon/go-dwarfs/frozen"
	"github.com/fingon/go-dwarfs/mlog"
)

// stringsReader serves a frozen string table. The buffer is borrowed
// from the mapped data blob; a packed (per-item length) index gets
// its prefix sums materialized on first use.
type stringsReader struct {
	buffer []byte
	index  frozen.UintsView
	packed bool

	once    sync.Once
	offsets []uint32
}

func (self *stringsReader) Len() int {
	if self.packed {
		return self.index.Len()
	}
	if self.index.Len() == 0 {
		return 0
	}
	return self.index.Len() - 1
}

func (self *stringsReader) materialize() {
	offsets := make([]uint32, self.index.Len()+1)
	for i := 0; i < self.index.Len(); i++ {
		offsets[i+1] = offsets[i] + uint32(self.index.At(i))
	}
	self.offsets = offsets
}

func (self *stringsReader) At(i int) []byte {
	if self.packed {
		self.once.Do(self.materialize)
		return self.buffer[self.offsets[i]:self.offsets[i+1]]
	}
	return self.buffer[self.index.At(i):self.index.At(i+1)]
}

// Reader serves the frozen metadata without copying the large
// tables. A packed chunk table, shared-files table or directory table
// is inverted once, in NewReader; a packed string index is expanded on
// first use; everything else stays a view into the data blob.
type Reader struct {
	opts Options

	inodes     frozen.StructView
	dirEntries frozen.StructView
	chunks     frozen.StructView

	// materialized
	chunkTable []uint32
	uids       []uint64
	gids       []uint64
	modes      []uint64
	shared     []uint32
	hasShared  bool

	// directories: view when stored plain, materialized when the
	// packed transform has to be inverted
	dirsView     frozen.StructView
	dirsUnpacked []Directory
	numDirs      int

	symlinkTable frozen.UintsView
	devices      frozen.UintsView
	hasDevices   bool

	names    stringsReader
	symlinks stringsReader

	timestampBase     int64
	blockSize         uint32
	totalFsSize       uint64
	totalHardlinkSize uint64
	createTimestamp   uint64
	hasCreate         bool
	version           string

	offsets   [6]uint32
	numUnique uint32
}

// NewReader builds the table views over the frozen blobs and, when
// checkConsistency is set, runs the full invariant suite before
// anything is served. Any violation is fatal with a specific reason.
func NewReader(schemaBlob, dataBlob []byte, checkConsistency bool) (*Reader, error) {
	v, err := frozen.NewView(schemaBlob, dataBlob)
	if err != nil {
		return nil, errors.Wrap(err, "corrupt metadata")
	}

	self := &Reader{}
	if err := self.load(v); err != nil {
		return nil, err
	}
	if checkConsistency {
		if err := self.check(v); err != nil {
			return nil, errors.Wrap(err, "metadata consistency check failed")
		}
	}
	if err := self.unpack(v); err != nil {
		return nil, err
	}
	if err := self.partition(checkConsistency); err != nil {
		return nil, err
	}
	if checkConsistency {
		if err := self.checkCounts(); err != nil {
			return nil, errors.Wrap(err, "metadata consistency check failed")
		}
	}
	mlog.Printf2("metadata/reader", "opened metadata: %d inodes, %d dirs", self.NumInodes(), self.numDirs)
	return self, nil
}

func (self *Reader) load(v *frozen.View) (err error) {
	bits, err := v.Scalar(tagOptions)
	if err != nil {
		return
	}
	res, err := v.Scalar(tagTimeResolution)
	if err != nil {
		return
	}
	self.opts = Options{
		MtimeOnly:              bits&optMtimeOnly != 0,
		TimeResolutionSec:      uint32(res),
		PackedChunkTable:       bits&optPackedChunkTable != 0,
		PackedDirectories:      bits&optPackedDirectories != 0,
		PackedSharedFilesTable: bits&optPackedSharedFiles != 0,
	}

	if self.inodes, err = v.Struct(tagInodes); err != nil {
		return
	}
	if self.inodes.Lanes() != 6 {
		return errors.New("corrupt metadata: inode table lane count")
	}
	if self.dirsView, err = v.Struct(tagDirectories); err != nil {
		return
	}
	if self.dirsView.Lanes() != 2 {
		return errors.New("corrupt metadata: directory table lane count")
	}
	self.numDirs = self.dirsView.Len() - 1
	if self.dirEntries, err = v.Struct(tagDirEntries); err != nil {
		return
	}
	if self.dirEntries.Lanes() != 2 {
		return errors.New("corrupt metadata: dir entry table lane count")
	}
	if self.chunks, err = v.Struct(tagChunks); err != nil {
		return
	}
	if self.chunks.Lanes() != 3 {
		return errors.New("corrupt metadata: chunk table lane count")
	}

	ct, err := v.Uints(tagChunkTable)
	if err != nil {
		return
	}
	self.chunkTable = make([]uint32, ct.Len())
	for i := range self.chunkTable {
		self.chunkTable[i] = uint32(ct.At(i))
	}

	if self.symlinkTable, err = v.Uints(tagSymlinkTable); err != nil {
		return
	}
	uv, err := v.Uints(tagUids)
	if err != nil {
		return
	}
	self.uids = uv.Slice()
	gv, err := v.Uints(tagGids)
	if err != nil {
		return
	}
	self.gids = gv.Slice()
	mv, err := v.Uints(tagModes)
	if err != nil {
		return
	}
	self.modes = mv.Slice()

	if v.Has(tagDevices) {
		if self.devices, err = v.Uints(tagDevices); err != nil {
			return
		}
		self.hasDevices = true
	}
	if v.Has(tagSharedFiles) {
		sv, err2 := v.Uints(tagSharedFiles)
		if err2 != nil {
			return err2
		}
		self.shared = make([]uint32, sv.Len())
		for i := range self.shared {
			self.shared[i] = uint32(sv.At(i))
		}
		self.hasShared = true
	}

	loadStrings := func(bufTag, idxTag uint16, packed bool, dst *stringsReader) error {
		buf, err := v.Bytes(bufTag)
		if err != nil {
			return err
		}
		idx, err := v.Uints(idxTag)
		if err != nil {
			return err
		}
		dst.buffer = buf
		dst.index = idx
		dst.packed = packed
		return nil
	}
	switch {
	case v.Has(tagCompactNamesBuffer):
		err = loadStrings(tagCompactNamesBuffer, tagCompactNamesIndex, bits&optPackedNamesIndex != 0, &self.names)
	default:
		err = loadStrings(tagNamesBuffer, tagNamesIndex, false, &self.names)
	}
	if err != nil {
		return
	}
	switch {
	case v.Has(tagCompactSymlinksBuffer):
		err = loadStrings(tagCompactSymlinksBuffer, tagCompactSymlinksIndex, bits&optPackedSymlinksIndex != 0, &self.symlinks)
	default:
		err = loadStrings(tagSymlinksBuffer, tagSymlinksIndex, false, &self.symlinks)
	}
	if err != nil {
		return
	}

	ts, err := v.Scalar(tagTimestampBase)
	if err != nil {
		return
	}
	self.timestampBase = int64(ts)
	bs, err := v.Scalar(tagBlockSize)
	if err != nil {
		return
	}
	self.blockSize = uint32(bs)
	if self.totalFsSize, err = v.Scalar(tagTotalFsSize); err != nil {
		return
	}
	if self.totalHardlinkSize, err = v.Scalar(tagTotalHardlinkSize); err != nil {
		return
	}
	if v.Has(tagCreateTimestamp) {
		if self.createTimestamp, err = v.Scalar(tagCreateTimestamp); err != nil {
			return
		}
		self.hasCreate = true
	}
	ver, err := v.Bytes(tagVersion)
	if err != nil {
		return
	}
	self.version = string(ver)
	return nil
}

// unpack inverts the packed table transforms.
func (self *Reader) unpack(v *frozen.View) error {
	if self.opts.PackedChunkTable {
		UnpackChunkTable(self.chunkTable)
	}
	if self.hasShared && self.opts.PackedSharedFilesTable {
		self.shared = UnpackSharedFiles(self.shared)
	}

	groups := uint32(0)
	if self.hasShared && len(self.shared) > 0 {
		groups = self.shared[len(self.shared)-1] + 1
	}
	self.numUnique = uint32(len(self.chunkTable)-1) - groups

	if !self.opts.PackedDirectories {
		return nil
	}

	n := self.dirsView.Len()
	dirs := make([]Directory, n)
	sum := uint32(0)
	for i := 0; i < n; i++ {
		sum += uint32(self.dirsView.At(i, 0))
		dirs[i].FirstEntry = sum
	}

	// recover parent entries breadth-first from the root
	queue := []uint32{0}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		pIno := uint32(self.dirEntries.At(int(parent), 1))
		beg := dirs[pIno].FirstEntry
		end := dirs[pIno+1].FirstEntry
		for e := beg; e < end; e++ {
			if eIno := uint32(self.dirEntries.At(int(e), 1)); int(eIno) < self.numDirs {
				dirs[eIno].ParentEntry = parent
				queue = append(queue, e)
			}
		}
	}
	self.dirsUnpacked = dirs
	mlog.Printf2("metadata/reader", "unpacked %d directories", self.numDirs)
	return nil
}

// partition locates the five inode ranges and optionally verifies
// the rank ordering along the way.
func (self *Reader) partition(check bool) error {
	n := self.inodes.Len()
	prev := 0
	for r := 1; r < 6; r++ {
		self.offsets[r] = uint32(n)
	}
	for i := 0; i < n; i++ {
		mi := self.inodes.At(i, 0)
		if mi >= uint64(len(self.modes)) {
			return errors.New("corrupt metadata: mode_index out of range")
		}
		r := modeRank(uint32(self.modes[mi]))
		if r < prev {
			if check {
				return errors.New("inode table inconsistency")
			}
			continue
		}
		for k := prev + 1; k <= r; k++ {
			self.offsets[k] = uint32(i)
		}
		prev = r
	}
	return nil
}

func (self *Reader) Options() Options {
	return self.opts
}

func (self *Reader) NumInodes() int {
	return self.inodes.Len()
}

func (self *Reader) NumDirectories() int {
	return self.numDirs
}

func (self *Reader) NumDirEntries() int {
	return self.dirEntries.Len()
}

// Offsets are the cumulative partition boundaries of the inode
// space: [0]=0, dirs end at [1], links at [2], files at [3], devices
// at [4], everything at [5].
func (self *Reader) Offsets() [6]uint32 {
	return self.offsets
}

func (self *Reader) BlockSize() uint32 {
	return self.blockSize
}

func (self *Reader) TotalFsSize() uint64 {
	return self.totalFsSize
}

func (self *Reader) TotalHardlinkSize() uint64 {
	return self.totalHardlinkSize
}

func (self *Reader) CreateTimestamp() (uint64, bool) {
	return self.createTimestamp, self.hasCreate
}

func (self *Reader) Version() string {
	return self.version
}

func (self *Reader) NumUnique() uint32 {
	return self.numUnique
}

// SharedFiles returns the unpacked shared-files vector (nil when the
// table is absent).
func (self *Reader) SharedFiles() []uint32 {
	return self.shared
}

func (self *Reader) InodeMode(ino uint32) uint32 {
	return uint32(self.modes[self.inodes.At(int(ino), 0)])
}

func (self *Reader) InodeUid(ino uint32) uint32 {
	return uint32(self.uids[self.inodes.At(int(ino), 1)])
}

func (self *Reader) InodeGid(ino uint32) uint32 {
	return uint32(self.gids[self.inodes.At(int(ino), 2)])
}

func (self *Reader) resolution() int64 {
	if self.opts.TimeResolutionSec > 1 {
		return int64(self.opts.TimeResolutionSec)
	}
	return 1
}

// InodeTimes returns absolute (atime, mtime, ctime). With MtimeOnly
// all three are the stored mtime.
func (self *Reader) InodeTimes(ino uint32) (atime, mtime, ctime int64) {
	res := self.resolution()
	i := int(ino)
	mtime = self.timestampBase + int64(self.inodes.At(i, 4))*res
	if self.opts.MtimeOnly {
		return mtime, mtime, mtime
	}
	atime = self.timestampBase + int64(self.inodes.At(i, 3))*res
	ctime = self.timestampBase + int64(self.inodes.At(i, 5))*res
	return
}

func (self *Reader) DirFirstEntry(d uint32) uint32 {
	if self.dirsUnpacked != nil {
		return self.dirsUnpacked[d].FirstEntry
	}
	return uint32(self.dirsView.At(int(d), 0))
}

func (self *Reader) DirParentEntry(d uint32) uint32 {
	if self.dirsUnpacked != nil {
		return self.dirsUnpacked[d].ParentEntry
	}
	return uint32(self.dirsView.At(int(d), 1))
}

func (self *Reader) DirEntryNameBytes(e uint32) []byte {
	return self.names.At(int(self.dirEntries.At(int(e), 0)))
}

func (self *Reader) DirEntryInode(e uint32) uint32 {
	return uint32(self.dirEntries.At(int(e), 1))
}

// SymlinkTargetBytes maps a link-local index (ino - offsets[1]) to
// the target string.
func (self *Reader) SymlinkTargetBytes(linkLocal uint32) []byte {
	return self.symlinks.At(int(self.symlinkTable.At(int(linkLocal))))
}

// DeviceRdev maps a device-local index (ino - offsets[3]) to rdev.
func (self *Reader) DeviceRdev(devLocal uint32) uint64 {
	if !self.hasDevices {
		return 0
	}
	return self.devices.At(int(devLocal))
}

// ChunkOwner maps a file-local index (ino - offsets[2]) to the chunk
// owner (unique file) index.
func (self *Reader) ChunkOwner(fileLocal uint32) uint32 {
	if fileLocal < self.numUnique {
		return fileLocal
	}
	return self.numUnique + self.shared[fileLocal-self.numUnique]
}

// FileChunks returns the chunk list of a chunk owner.
func (self *Reader) FileChunks(owner uint32) []Chunk {
	beg := self.chunkTable[owner]
	end := self.chunkTable[owner+1]
	chunks := make([]Chunk, 0, end-beg)
	for i := beg; i < end; i++ {
		chunks = append(chunks, Chunk{
			Block:  uint32(self.chunks.At(int(i), 0)),
			Offset: uint32(self.chunks.At(int(i), 1)),
			Size:   uint32(self.chunks.At(int(i), 2)),
		})
	}
	return chunks
}

// FileSize is the summed chunk size of a chunk owner.
func (self *Reader) FileSize(owner uint32) (size uint64) {
	beg := self.chunkTable[owner]
	end := self.chunkTable[owner+1]
	for i := beg; i < end; i++ {
		size += self.chunks.At(int(i), 2)
	}
	return
}
