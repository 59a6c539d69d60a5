/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar  5 09:52:10 2019 mstenber
 * Last modified: Wed Mar  6 18:20:33 2019 mstenber
 * Edit time:     9 min
 *
 */

package util

import "sync/atomic"

type AtomicInt int64

func (self *AtomicInt) Get() int64 {
	return atomic.LoadInt64((*int64)(self))
}

func (self *AtomicInt) GetInt() int {
	return int(self.Get())
}

func (self *AtomicInt) Add(value int64) {
	atomic.AddInt64((*int64)(self), value)
}

func (self *AtomicInt) AddInt(value int) {
	self.Add(int64(value))
}

func (self *AtomicInt) Set(value int64) {
	atomic.StoreInt64((*int64)(self), value)
}
