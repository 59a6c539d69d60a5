/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 19 09:21:33 2019 mstenber
 * Last modified: Wed Jun  5 17:42:51 2019 mstenber
 * Edit time:     266 min
 *
 */

// builder drives the whole build: scan the input tree, number the
// inodes in partition order, pack file content into blocks, and
// freeze the metadata into the output image.
package builder

import (
	"io"
	"time"

	"github.com/fingon/go-dwarfs/block"
	"github.com/fingon/go-dwarfs/codec"
	"github.com/fingon/go-dwarfs/entry"
	"github.com/fingon/go-dwarfs/image"
	"github.com/fingon/go-dwarfs/inodes"
	"github.com/fingon/go-dwarfs/metadata"
	"github.com/fingon/go-dwarfs/mlog"
	"github.com/fingon/go-dwarfs/progress"
	"github.com/fingon/go-dwarfs/util"
)

const versionString = "go-dwarfs 0.1.0"

// Once the synthetic load (500 per queued block + 1 per queued file)
// reaches this, the ordering worker pauses to let the segmenter and
// the compressors catch up.
const maxQueuedLoad = 4000

// Build scans src and writes a complete image to w. Progress may be
// nil. Scan-time I/O errors are counted in prog.Errors and produce
// empty placeholders; everything else aborts the build.
func Build(src entry.Source, w io.Writer, opts Options, prog *progress.Progress) error {
	if prog == nil {
		prog = &progress.Progress{}
	}
	if err := opts.validate(); err != nil {
		return err
	}
	cdc, ctype, err := codec.ForString(opts.Compression)
	if err != nil {
		return err
	}

	wg := util.WorkerGroup{}.Init("worker", opts.Workers, 1<<10)
	defer wg.Close()

	fsc := inodes.Scanner{
		Source:         src,
		WG:             wg,
		Progress:       prog,
		HashAlgorithm:  opts.FileHashAlgorithm,
		WithSimilarity: opts.FileOrder == inodes.OrderSimilarity,
		WithNilsimsa:   opts.FileOrder == inodes.OrderNilsimsa,
		Cache:          opts.DigestCache,
	}.Init()

	walker := &entry.Walker{
		Source:            src,
		Filter:            opts.Filter,
		Transform:         opts.Transform,
		WithDevices:       opts.WithDevices,
		WithSpecials:      opts.WithSpecials,
		UidOverride:       opts.Uid,
		GidOverride:       opts.Gid,
		TimestampOverride: opts.Timestamp,
		Progress:          prog,
		FileSeen:          fsc.Scan,
	}

	var tree *entry.Tree
	if opts.PathList != nil {
		tree, err = walker.ScanList(opts.PathList)
	} else {
		tree, err = walker.ScanTree()
	}
	if err != nil {
		return err
	}

	if opts.RemoveEmptyDirs {
		n := tree.RemoveEmptyDirs()
		mlog.Printf2("builder/builder", "removed %d empty directories", n)
	}
	tree.SortChildren()

	// Inode numbering passes: directories (preorder), then links.
	// File inodes follow once the content scans are in; devices
	// and other specials take the tail.
	var ino uint32
	tree.Walk(func(id entry.ID, e *entry.Entry) {
		if e.Kind == entry.KindDir {
			e.Ino = ino
			ino++
		}
	})
	firstLink := ino
	tree.Walk(func(id entry.ID, e *entry.Entry) {
		if e.Kind == entry.KindLink {
			e.Ino = ino
			ino++
		}
	})
	firstFile := ino

	mlog.Printf2("builder/builder", "waiting for background scanners")
	wg.Wait()

	firstDevice := fsc.Finalize(firstFile)
	tree.Walk(func(id entry.ID, e *entry.Entry) {
		if e.Kind == entry.KindFile {
			e.Ino = fsc.File(e.FileIndex).Ino
		}
	})

	ino = firstDevice
	var devices []uint64
	tree.Walk(func(id entry.ID, e *entry.Entry) {
		if e.Kind == entry.KindDevice {
			e.Ino = ino
			ino++
			devices = append(devices, e.Rdev)
		}
	})
	tree.Walk(func(id entry.ID, e *entry.Entry) {
		if e.Kind == entry.KindOther {
			e.Ino = ino
			ino++
		}
	})
	last := ino

	// Dictionary building runs on the worker group while the
	// blocks are being packed.
	ged := entry.GlobalEntryData{
		KeepAllTimes:      opts.KeepAllTimes,
		TimeResolutionSec: opts.TimeResolutionSec,
	}.Init()
	symlinkTable := make([]uint32, firstFile-firstLink)
	wg.AddJob(func() {
		tree.Walk(func(id entry.ID, e *entry.Entry) {
			if id != 0 {
				ged.AddName(e.Name)
			}
			if e.Kind == entry.KindLink {
				ged.AddLink(e.Target)
			}
			ged.Add(e)
		})
		ged.Index()
		tree.Walk(func(id entry.ID, e *entry.Entry) {
			if e.Kind == entry.KindLink {
				symlinkTable[e.Ino-firstLink] = ged.SymlinkIndex(e.Target)
			}
		})
	})

	iw := image.Writer{Codec: cdc, Compression: ctype, WG: wg, Progress: prog}.Init(w)
	bm := block.Manager{
		Config: block.Config{
			BlockSizeBits:       opts.BlockSizeBits,
			BlockhashWindowSize: opts.BlockhashWindowSize,
		},
		Source:   src,
		Writer:   iw,
		Progress: prog,
	}.Init()

	blockify := util.WorkerGroup{}.Init("blockify", 1, 1<<16)
	ordering := util.WorkerGroup{}.Init("ordering", 1, 4)

	var orderErr error
	ordering.AddJob(func() {
		orderErr = fsc.OrderInodes(opts.FileOrder, opts.OrderFunc, func(f *inodes.File) {
			blockify.AddJob(func() {
				bm.AddInode(f)
				prog.InodesWritten.Add(1)
			})
			for {
				queuedBlocks := iw.QueueFill()
				queuedFiles := blockify.QueueSize()
				prog.CompressQueue.Set(int64(queuedBlocks))
				prog.BlockifyQueue.Set(int64(queuedFiles))
				if int64(500)*int64(queuedBlocks)+int64(queuedFiles) < maxQueuedLoad {
					break
				}
				time.Sleep(time.Millisecond)
			}
		})
	})
	ordering.Close()
	blockify.Close()
	if orderErr != nil {
		iw.Abort()
		return orderErr
	}
	bm.FinishBlocks()
	wg.Wait()

	m := assemble(tree, fsc, bm, ged, opts, prog, assembleState{
		firstLink:    firstLink,
		firstFile:    firstFile,
		last:         last,
		devices:      devices,
		symlinkTable: symlinkTable,
	})

	schema, data, err := metadata.Freeze(m)
	if err != nil {
		return err
	}
	return iw.WriteMetadata(schema, data)
}

type assembleState struct {
	firstLink    uint32
	firstFile    uint32
	last         uint32
	devices      []uint64
	symlinkTable []uint32
}

func assemble(tree *entry.Tree, fsc *inodes.Scanner, bm *block.Manager,
	ged *entry.GlobalEntryData, opts Options, prog *progress.Progress,
	st assembleState) *metadata.Metadata {
	numDirs := st.firstLink

	rows := make([]metadata.InodeData, st.last)
	filled := make([]bool, st.last)
	inoEntry := make([]entry.ID, st.last)
	tree.Walk(func(id entry.ID, e *entry.Entry) {
		if filled[e.Ino] {
			return
		}
		filled[e.Ino] = true
		inoEntry[e.Ino] = id
		row := metadata.InodeData{
			ModeIndex:   ged.ModeIndex(e.Mode),
			OwnerIndex:  ged.UidIndex(e.Uid),
			GroupIndex:  ged.GidIndex(e.Gid),
			MtimeOffset: ged.TimeOffset(e.Mtime),
		}
		if opts.KeepAllTimes {
			row.AtimeOffset = ged.TimeOffset(e.Atime)
			row.CtimeOffset = ged.TimeOffset(e.Ctime)
		}
		rows[e.Ino] = row
	})

	dirEntries := []metadata.DirEntry{{NameIndex: 0, InodeNum: 0}}
	entryIndexOfDir := make([]uint32, numDirs)
	dirs := make([]metadata.Directory, numDirs+1)
	for d := uint32(0); d < numDirs; d++ {
		id := inoEntry[d]
		e := tree.At(id)
		dirs[d].FirstEntry = uint32(len(dirEntries))
		parentIno := uint32(0)
		if id != 0 {
			parentIno = tree.At(e.Parent).Ino
		}
		dirs[d].ParentEntry = entryIndexOfDir[parentIno]
		for _, c := range tree.LiveChildren(id) {
			ce := tree.At(c)
			idx := uint32(len(dirEntries))
			dirEntries = append(dirEntries, metadata.DirEntry{
				NameIndex: ged.NameIndex(ce.Name),
				InodeNum:  ce.Ino,
			})
			if ce.Kind == entry.KindDir {
				entryIndexOfDir[ce.Ino] = idx
			}
		}
	}
	dirs[numDirs] = metadata.Directory{FirstEntry: uint32(len(dirEntries))}

	count := fsc.Count()
	ct := make([]uint32, count+1)
	var chunks []metadata.Chunk
	for ufi := 0; ufi < count; ufi++ {
		ct[ufi] = uint32(len(chunks))
		chunks = append(chunks, bm.ChunksFor(uint32(ufi))...)
	}
	ct[count] = uint32(len(chunks))

	m := &metadata.Metadata{
		Inodes:       rows,
		Directories:  dirs,
		DirEntries:   dirEntries,
		ChunkTable:   ct,
		Chunks:       chunks,
		SymlinkTable: st.symlinkTable,
		Uids:         ged.Uids(),
		Gids:         ged.Gids(),
		Modes:        ged.Modes(),
		Devices:      st.devices,
		Options: metadata.Options{
			MtimeOnly:              !opts.KeepAllTimes,
			TimeResolutionSec:      opts.TimeResolutionSec,
			PackedChunkTable:       opts.PackChunkTable,
			PackedDirectories:      opts.PackDirectories,
			PackedSharedFilesTable: opts.PackSharedFilesTable,
		},
		TimestampBase:     ged.TimestampBase(),
		BlockSize:         1 << opts.BlockSizeBits,
		TotalFsSize:       uint64(prog.OriginalSize.Get()),
		TotalHardlinkSize: uint64(prog.HardlinkSize.Get()),
		Version:           versionString,
	}

	if shared := fsc.SharedFiles(); len(shared) > 0 {
		m.HasSharedFiles = true
		if opts.PackSharedFilesTable {
			packed, err := metadata.PackSharedFiles(shared)
			if err != nil {
				// the scanner built this vector; it cannot
				// be malformed
				panic(err)
			}
			m.SharedFiles = packed
		} else {
			m.SharedFiles = shared
		}
	} else {
		m.Options.PackedSharedFilesTable = false
	}

	if opts.PlainNamesTable {
		m.Names = ged.Names()
	} else {
		m.CompactNames = metadata.PackStrings(ged.Names(), metadata.PackStringsOptions{
			PackIndex: opts.PackNamesIndex,
			Force:     opts.ForcePackStringTables,
		})
	}
	if opts.PlainSymlinksTable {
		m.Symlinks = ged.Symlinks()
	} else {
		m.CompactSymlinks = metadata.PackStrings(ged.Symlinks(), metadata.PackStringsOptions{
			PackIndex: opts.PackSymlinksIndex,
			Force:     opts.ForcePackStringTables,
		})
	}

	if !opts.NoCreateTimestamp {
		m.CreateTimestamp = uint64(time.Now().Unix())
		m.HasCreateTimestamp = true
	}

	if opts.PackDirectories {
		metadata.PackDirectories(m.Directories)
	}
	if opts.PackChunkTable {
		metadata.PackChunkTable(m.ChunkTable)
	}
	return m
}
