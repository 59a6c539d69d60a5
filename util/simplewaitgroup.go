/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar  5 09:55:41 2019 mstenber
 * Last modified: Tue Mar  5 09:57:12 2019 mstenber
 * Edit time:     2 min
 *
 */

package util

import "sync"

type SimpleWaitGroup struct {
	sync.WaitGroup
}

func (self *SimpleWaitGroup) Go(cb func()) {
	self.Add(1)
	go func() {
		defer self.Done()
		cb()
	}()
}
