/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar  8 15:31:09 2019 mstenber
 * Last modified: Fri Mar  8 15:40:51 2019 mstenber
 * Edit time:     6 min
 *
 */

package fstest

const lorem = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. "

// LoremIpsum returns size bytes of deterministic, compressible
// filler.
func LoremIpsum(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = lorem[i%len(lorem)]
	}
	return b
}
