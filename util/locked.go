/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar  5 09:40:18 2019 mstenber
 * Last modified: Tue Mar  5 09:48:51 2019 mstenber
 * Edit time:     7 min
 *
 */

package util

import "sync"

// MutexLocked is a mutex with a convenience feature: just
// defer x.Locked()().
type MutexLocked sync.Mutex

func (self *MutexLocked) Lock() {
	(*sync.Mutex)(self).Lock()
}

func (self *MutexLocked) Unlock() {
	(*sync.Mutex)(self).Unlock()
}

func (self *MutexLocked) Locked() (unlock func()) {
	self.Lock()
	return func() {
		self.Unlock()
	}
}
