/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 19 08:47:50 2019 mstenber
 * Last modified: Mon Jun  3 09:30:18 2019 mstenber
 * Edit time:     54 min
 *
 */

package builder

import (
	"github.com/pkg/errors"

	"github.com/fingon/go-dwarfs/block"
	"github.com/fingon/go-dwarfs/entry"
	"github.com/fingon/go-dwarfs/inodes"
)

const DefaultBlockSizeBits = 20
const DefaultWorkers = 4

// Options configure one build. The zero value is not usable; start
// from Defaults().
type Options struct {
	BlockSizeBits       uint
	BlockhashWindowSize int

	Compression string

	FileOrder inodes.OrderMode
	OrderFunc inodes.OrderFunc

	// FileHashAlgorithm names the content digest ("xxh64",
	// "sha256"); empty disables content deduplication.
	FileHashAlgorithm string

	WithDevices  bool
	WithSpecials bool

	Uid       *uint32
	Gid       *uint32
	Timestamp *int64

	KeepAllTimes      bool
	TimeResolutionSec uint32

	PackChunkTable       bool
	PackDirectories      bool
	PackSharedFilesTable bool

	// PackNames/PackSymlinks reserve the string-data compression
	// toggle; the current compact form stores the buffer verbatim,
	// so only the index packing has an on-disk effect.
	PackNames         bool
	PackNamesIndex    bool
	PackSymlinks      bool
	PackSymlinksIndex bool

	PlainNamesTable       bool
	PlainSymlinksTable    bool
	ForcePackStringTables bool

	RemoveEmptyDirs   bool
	NoCreateTimestamp bool

	Filter    entry.Filter
	Transform entry.Transform

	// PathList switches to path-list mode; filters are then
	// forbidden.
	PathList []string

	DigestCache inodes.DigestCache

	Workers int
}

func Defaults() Options {
	return Options{
		BlockSizeBits:     DefaultBlockSizeBits,
		Compression:       "zstd",
		FileHashAlgorithm: "xxh64",
		Workers:           DefaultWorkers,
	}
}

func (self *Options) validate() error {
	if self.BlockSizeBits < block.MinBlockSizeBits {
		return errors.Errorf("block size bits %d below minimum %d",
			self.BlockSizeBits, block.MinBlockSizeBits)
	}
	if self.BlockSizeBits > 30 {
		return errors.Errorf("block size bits %d unreasonably large", self.BlockSizeBits)
	}
	if !inodes.ValidHashAlgorithm(self.FileHashAlgorithm) {
		return errors.Errorf("unknown file hash algorithm: %s", self.FileHashAlgorithm)
	}
	if self.FileOrder == inodes.OrderScript && self.OrderFunc == nil {
		return errors.New("script file order requires an order function")
	}
	if self.PathList != nil && self.Filter != nil {
		return errors.New("cannot use filters with file lists")
	}
	if self.Workers < 1 {
		return errors.New("need at least one worker")
	}
	return nil
}
