/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 14 13:44:31 2019 mstenber
 * Last modified: Wed May 29 17:29:58 2019 mstenber
 * Edit time:     171 min
 *
 */

package metadata

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/fingon/go-dwarfs/frozen"
)

// check runs the raw-form invariant suite: everything that can be
// verified before packed tables are inverted.
func (self *Reader) check(v *frozen.View) error {
	if err := self.checkEmptyTables(); err != nil {
		return err
	}
	if err := self.checkIndexRange(); err != nil {
		return err
	}
	if err := self.checkPackedTables(); err != nil {
		return err
	}
	if err := self.checkStringTables(); err != nil {
		return err
	}
	return self.checkChunks()
}

func (self *Reader) checkEmptyTables() error {
	if self.inodes.Len() == 0 {
		return errors.New("empty inodes table")
	}
	if self.dirsView.Len() == 0 {
		return errors.New("empty directories table")
	}
	if len(self.chunkTable) == 0 {
		return errors.New("empty chunk_table table")
	}
	if self.dirEntries.Len() == 0 {
		return errors.New("empty dir_entries table")
	}
	if len(self.modes) == 0 {
		return errors.New("empty modes table")
	}
	return nil
}

func (self *Reader) checkIndexRange() error {
	numModes := len(self.modes)
	numUids := len(self.uids)
	numGids := len(self.gids)
	numInodes := self.inodes.Len()

	if numModes >= math.MaxUint16 {
		return errors.New("invalid number of modes")
	}
	if numUids >= math.MaxUint16 {
		return errors.New("invalid number of uids")
	}
	if numGids >= math.MaxUint16 {
		return errors.New("invalid number of gids")
	}
	if numInodes >= math.MaxUint32 {
		return errors.New("invalid number of inodes")
	}

	for i := 0; i < numInodes; i++ {
		if self.inodes.At(i, 0) >= uint64(numModes) {
			return errors.New("mode_index out of range")
		}
		if x := self.inodes.At(i, 1); x >= uint64(numUids) && x > 0 {
			return errors.New("owner_index out of range")
		}
		if x := self.inodes.At(i, 2); x >= uint64(numGids) && x > 0 {
			return errors.New("group_index out of range")
		}
	}

	if self.dirEntries.Len() >= math.MaxUint32 {
		return errors.New("invalid number of dir_entries")
	}
	numNames := self.names.Len()
	for e := 0; e < self.dirEntries.Len(); e++ {
		if x := self.dirEntries.At(e, 0); x >= uint64(numNames) && x > 0 {
			return errors.New("name_index out of range")
		}
		if self.dirEntries.At(e, 1) >= uint64(numInodes) {
			return errors.New("inode_num out of range")
		}
	}
	return nil
}

func (self *Reader) checkPackedTables() error {
	if self.dirsView.Len() >= math.MaxUint32 {
		return errors.New("invalid number of directories")
	}
	if len(self.chunkTable) >= math.MaxUint32 {
		return errors.New("invalid number of chunk_table entries")
	}

	numEntries := uint64(self.dirEntries.Len())
	if self.opts.PackedDirectories {
		sum := uint64(0)
		for i := 0; i < self.dirsView.Len(); i++ {
			if self.dirsView.At(i, 1) != 0 {
				return errors.New("parent_entry set in packed directory")
			}
			sum += self.dirsView.At(i, 0)
		}
		if sum != numEntries {
			return errors.New("first_entry inconsistency in packed directories")
		}
	} else {
		last := uint64(0)
		for i := 0; i < self.dirsView.Len(); i++ {
			first := self.dirsView.At(i, 0)
			if first < last {
				return errors.New("first_entry inconsistency")
			}
			last = first
			if first > numEntries {
				return errors.New("first_entry out of range")
			}
			if self.dirsView.At(i, 1) >= numEntries {
				return errors.New("parent_entry out of range")
			}
		}
	}

	numChunks := uint64(self.chunks.Len())
	if self.opts.PackedChunkTable {
		sum := uint64(0)
		for _, d := range self.chunkTable {
			sum += uint64(d)
		}
		if sum != numChunks {
			return errors.New("packed chunk_table inconsistency")
		}
	} else {
		if !sort.SliceIsSorted(self.chunkTable, func(i, j int) bool {
			return self.chunkTable[i] < self.chunkTable[j]
		}) || uint64(self.chunkTable[len(self.chunkTable)-1]) != numChunks {
			return errors.New("chunk_table inconsistency")
		}
	}

	if self.hasShared && !self.opts.PackedSharedFilesTable {
		if !sort.SliceIsSorted(self.shared, func(i, j int) bool {
			return self.shared[i] < self.shared[j]
		}) {
			return errors.New("unpacked shared_files_table is not sorted")
		}
	}
	return nil
}

func (self *Reader) checkStringTables() error {
	numNames := 0
	if self.dirEntries.Len() > 1 {
		for e := 0; e < self.dirEntries.Len(); e++ {
			if x := int(self.dirEntries.At(e, 0)); x+1 > numNames {
				numNames = x + 1
			}
		}
	}
	if err := checkStrings(&self.names, numNames, MaxNameLen, "names"); err != nil {
		return err
	}

	numSymlinkStrings := 0
	for i := 0; i < self.symlinkTable.Len(); i++ {
		if x := int(self.symlinkTable.At(i)); x+1 > numSymlinkStrings {
			numSymlinkStrings = x + 1
		}
	}
	return checkStrings(&self.symlinks, numSymlinkStrings, MaxSymlinkLen, "symlink strings")
}

func checkStrings(sr *stringsReader, expectedNum, maxItemLen int, what string) error {
	if sr.Len() != expectedNum {
		return errors.Errorf("unexpected number of %s", what)
	}

	expectedDataSize := uint64(0)
	longest := uint64(0)
	if sr.index.Len() > 0 {
		if sr.packed {
			for i := 0; i < sr.index.Len(); i++ {
				x := sr.index.At(i)
				expectedDataSize += x
				if x > longest {
					longest = x
				}
			}
		} else {
			last := uint64(0)
			for i := 0; i < sr.index.Len(); i++ {
				x := sr.index.At(i)
				if x < last {
					return errors.Errorf("inconsistent index for %s", what)
				}
				if x-last > longest {
					longest = x - last
				}
				last = x
			}
			expectedDataSize = last
		}
	}
	if uint64(len(sr.buffer)) != expectedDataSize {
		return errors.Errorf("data size mismatch for %s", what)
	}
	if longest > uint64(maxItemLen) {
		return errors.Errorf("invalid item length in %s: %d > %d", what, longest, maxItemLen)
	}
	return nil
}

func (self *Reader) checkChunks() error {
	bs := uint64(self.blockSize)
	if bs == 0 || bs&(bs-1) != 0 {
		return errors.New("invalid block size")
	}
	if self.chunks.Len() >= math.MaxUint32 {
		return errors.New("invalid number of chunks")
	}
	for i := 0; i < self.chunks.Len(); i++ {
		off := self.chunks.At(i, 1)
		size := self.chunks.At(i, 2)
		if off >= bs || size > bs {
			return errors.New("chunk offset/size out of range")
		}
		if off+size > bs {
			return errors.New("chunk end outside of block")
		}
	}
	return nil
}

// checkCounts cross-checks the partition offsets against the other
// tables; it runs after the packed tables have been inverted.
func (self *Reader) checkCounts() error {
	numDir := uint32(self.numDirs)
	numLnk := uint32(self.symlinkTable.Len())
	numRegShared := uint32(len(self.shared))
	numRegUnique := self.numUnique
	numDev := uint32(0)
	if self.hasDevices {
		numDev = uint32(self.devices.Len())
	}

	if numDir != self.offsets[1] {
		return errors.New("wrong number of directories")
	}
	if numLnk != self.offsets[2]-self.offsets[1] {
		return errors.New("wrong number of links")
	}
	if numRegUnique+numRegShared != self.offsets[3]-self.offsets[2] {
		return errors.New("wrong number of files")
	}
	if numDev != self.offsets[4]-self.offsets[3] {
		return errors.New("wrong number of devices")
	}
	return nil
}
