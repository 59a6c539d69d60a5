/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar  6 11:04:52 2019 mstenber
 * Last modified: Tue Apr 23 17:51:09 2019 mstenber
 * Edit time:     19 min
 *
 */

// progress holds the counters the build pipeline maintains. All
// fields are atomics so scan workers, the segmenter and the
// compression workers can bump them without further locking.
package progress

import "github.com/fingon/go-dwarfs/util"

type Progress struct {
	FilesFound      util.AtomicInt
	FilesScanned    util.AtomicInt
	DirsFound       util.AtomicInt
	DirsScanned     util.AtomicInt
	SymlinksFound   util.AtomicInt
	SymlinksScanned util.AtomicInt
	SpecialsFound   util.AtomicInt
	DuplicateFiles  util.AtomicInt
	Hardlinks       util.AtomicInt
	HardlinkSize    util.AtomicInt
	SymlinkSize     util.AtomicInt
	Errors          util.AtomicInt

	OriginalSize         util.AtomicInt
	SavedByDeduplication util.AtomicInt
	SavedBySegmentation  util.AtomicInt
	FilesystemSize       util.AtomicInt
	CompressedSize       util.AtomicInt

	InodesScanned util.AtomicInt
	InodesWritten util.AtomicInt
	BlocksWritten util.AtomicInt
	BlockCount    util.AtomicInt
	ChunkCount    util.AtomicInt
	HashScans     util.AtomicInt
	HashBytes     util.AtomicInt

	BlockifyQueue util.AtomicInt
	CompressQueue util.AtomicInt
}
