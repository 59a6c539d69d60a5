/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Jun 13 13:02:19 2019 mstenber
 * Last modified: Thu Jun 13 13:38:46 2019 mstenber
 * Edit time:     22 min
 *
 */

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fingon/go-dwarfs/fs"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s [options] IMAGE\n", os.Args[0])
		flag.PrintDefaults()
	}
	listFiles := flag.Bool("l", false, "list filesystem contents")

	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	f, err := fs.Open(flag.Arg(0), fs.Options{CheckConsistency: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
	defer f.Close()

	sv := f.StatvfsInfo()
	fmt.Printf("%s: OK (%s)\n", flag.Arg(0), f.Version())
	fmt.Printf("%d inodes, block size %d, %d bytes\n", sv.Files, sv.Bsize, sv.Blocks)

	if *listFiles {
		f.Walk(func(path string, ino uint32) {
			if path == "" {
				path = "/"
			}
			st, err := f.Stat(ino)
			if err != nil {
				fmt.Fprintf(os.Stderr, "stat %s: %v\n", path, err)
				return
			}
			fmt.Printf("%07o %10d %s\n", st.Mode, st.Size, path)
		})
	}
}
