/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 15:40:19 2019 mstenber
 * Last modified: Fri Mar 15 16:02:47 2019 mstenber
 * Edit time:     14 min
 *
 */

package image

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps a file read-only. The returned cleanup unmaps it.
func mapFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if fi.Size() == 0 {
		return nil, func() {}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	return data, func() {
		unix.Munmap(data)
	}, nil
}
