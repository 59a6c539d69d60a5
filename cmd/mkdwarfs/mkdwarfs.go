/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Jun 13 09:15:44 2019 mstenber
 * Last modified: Thu Jun 13 12:40:28 2019 mstenber
 * Edit time:     57 min
 *
 */

package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
	"strings"

	"github.com/fingon/go-dwarfs/builder"
	"github.com/fingon/go-dwarfs/entry"
	"github.com/fingon/go-dwarfs/hashdb"
	"github.com/fingon/go-dwarfs/inodes"
	"github.com/fingon/go-dwarfs/progress"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s [options] INPUTDIR OUTPUT\n", os.Args[0])
		flag.PrintDefaults()
	}
	blockSizeBits := flag.Uint("block-size-bits", builder.DefaultBlockSizeBits, "log2 of block size")
	windowSize := flag.Int("blockhash-window-size", 0, "segmenter window size (0 disables)")
	compression := flag.String("compression", "zstd", "block compression (null, lz4, lz4hc, zstd[:level=N], snappy)")
	order := flag.String("file-order", "none", "file order (none, path, similarity, nilsimsa)")
	hashAlgo := flag.String("file-hash", "xxh64", "content hash algorithm (xxh64, sha256, none)")
	withDevices := flag.Bool("with-devices", false, "include block/char devices")
	withSpecials := flag.Bool("with-specials", false, "include pipes and sockets")
	uid := flag.Int("uid", -1, "override uid for all entries")
	gid := flag.Int("gid", -1, "override gid for all entries")
	timestamp := flag.Int64("timestamp", -1, "override timestamp for all entries")
	keepAllTimes := flag.Bool("keep-all-times", false, "store atime and ctime, not just mtime")
	timeResolution := flag.Uint("time-resolution", 0, "timestamp resolution in seconds")
	packAll := flag.Bool("pack-metadata", true, "pack metadata tables")
	forcePack := flag.Bool("force-pack-string-tables", false, "bypass string table packing heuristics")
	plainNames := flag.Bool("plain-names-table", false, "store the names table uncompacted")
	plainSymlinks := flag.Bool("plain-symlinks-table", false, "store the symlinks table uncompacted")
	removeEmptyDirs := flag.Bool("remove-empty-dirs", false, "drop directories that end up empty")
	noCreateTimestamp := flag.Bool("no-create-timestamp", false, "omit the image creation timestamp")
	listFile := flag.String("list", "", "build only the paths listed in this file")
	hashDB := flag.String("hashdb", "", "bolt database caching content digests between builds")
	workers := flag.Int("workers", builder.DefaultWorkers, "scan/compress worker count")
	cpuprofile := flag.String("cpuprofile", "", "CPU profile file")

	flag.Parse()
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(1)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	opts := builder.Defaults()
	opts.BlockSizeBits = *blockSizeBits
	opts.BlockhashWindowSize = *windowSize
	opts.Compression = *compression
	opts.WithDevices = *withDevices
	opts.WithSpecials = *withSpecials
	opts.KeepAllTimes = *keepAllTimes
	opts.TimeResolutionSec = uint32(*timeResolution)
	opts.PackChunkTable = *packAll
	opts.PackDirectories = *packAll
	opts.PackSharedFilesTable = *packAll
	opts.PackNamesIndex = *packAll
	opts.PackSymlinksIndex = *packAll
	opts.ForcePackStringTables = *forcePack
	opts.PlainNamesTable = *plainNames
	opts.PlainSymlinksTable = *plainSymlinks
	opts.RemoveEmptyDirs = *removeEmptyDirs
	opts.NoCreateTimestamp = *noCreateTimestamp
	opts.Workers = *workers

	mode, err := inodes.OrderModeForString(*order)
	if err != nil {
		log.Fatal(err)
	}
	opts.FileOrder = mode

	if *hashAlgo == "none" {
		opts.FileHashAlgorithm = ""
	} else {
		opts.FileHashAlgorithm = *hashAlgo
	}
	if *uid >= 0 {
		v := uint32(*uid)
		opts.Uid = &v
	}
	if *gid >= 0 {
		v := uint32(*gid)
		opts.Gid = &v
	}
	if *timestamp >= 0 {
		opts.Timestamp = timestamp
	}

	if *listFile != "" {
		f, err := os.Open(*listFile)
		if err != nil {
			log.Fatal(err)
		}
		s := bufio.NewScanner(f)
		for s.Scan() {
			if line := strings.TrimSpace(s.Text()); line != "" {
				opts.PathList = append(opts.PathList, line)
			}
		}
		f.Close()
		if err := s.Err(); err != nil {
			log.Fatal(err)
		}
	}

	if *hashDB != "" && opts.FileHashAlgorithm != "" {
		db, err := hashdb.Open(*hashDB, opts.FileHashAlgorithm)
		if err != nil {
			log.Fatal(err)
		}
		defer db.Close()
		opts.DigestCache = db
	}

	input := flag.Arg(0)
	output := flag.Arg(1)

	out, err := os.Create(output)
	if err != nil {
		log.Fatal(err)
	}

	prog := &progress.Progress{}
	err = builder.Build(entry.OsSource{Root: input}, out, opts, prog)
	if err != nil {
		out.Close()
		os.Remove(output)
		log.Fatal(err)
	}
	if err = out.Close(); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("scanned %d files, %d dirs, %d symlinks (%d errors)\n",
		prog.FilesFound.Get(), prog.DirsFound.Get(), prog.SymlinksFound.Get(),
		prog.Errors.Get())
	fmt.Printf("%d duplicate files, %d hardlinks\n",
		prog.DuplicateFiles.Get(), prog.Hardlinks.Get())
	fmt.Printf("compressed %d to %d bytes (saved %d by dedup, %d by segmentation)\n",
		prog.OriginalSize.Get(), prog.CompressedSize.Get(),
		prog.SavedByDeduplication.Get(), prog.SavedBySegmentation.Get())
}
