/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar  6 10:11:09 2019 mstenber
 * Last modified: Mon Apr 15 11:38:47 2019 mstenber
 * Edit time:     44 min
 *
 */

package util

import (
	"sync"

	"github.com/fingon/go-dwarfs/mlog"
)

// WorkerGroup runs jobs on a fixed set of goroutines with a bounded
// queue. AddJob blocks once the queue is full, which gives natural
// backpressure to producers. Wait blocks until every job added so far
// has finished; the group stays usable after Wait so it can fence
// multiple pipeline phases.
type WorkerGroup struct {
	Name string

	jobs    chan func()
	pending int
	lock    MutexLocked
	idle    *sync.Cond
	closed  bool
}

func (self WorkerGroup) Init(name string, workers, queueSize int) *WorkerGroup {
	self.Name = name
	self.jobs = make(chan func(), queueSize)
	self.idle = sync.NewCond(&self.lock)
	for i := 0; i < workers; i++ {
		go self.run()
	}
	return &self
}

func (self *WorkerGroup) run() {
	for cb := range self.jobs {
		cb()
		self.lock.Lock()
		self.pending--
		if self.pending == 0 {
			self.idle.Broadcast()
		}
		self.lock.Unlock()
	}
}

func (self *WorkerGroup) AddJob(cb func()) {
	self.lock.Lock()
	if self.closed {
		self.lock.Unlock()
		panic("AddJob on closed WorkerGroup")
	}
	self.pending++
	self.lock.Unlock()
	self.jobs <- cb
}

// QueueSize is the number of jobs waiting for a worker.
func (self *WorkerGroup) QueueSize() int {
	return len(self.jobs)
}

func (self *WorkerGroup) Wait() {
	mlog.Printf2("util/workergroup", "wg[%s].Wait", self.Name)
	self.lock.Lock()
	for self.pending > 0 {
		self.idle.Wait()
	}
	self.lock.Unlock()
}

func (self *WorkerGroup) Close() {
	self.Wait()
	self.lock.Lock()
	if !self.closed {
		self.closed = true
		close(self.jobs)
	}
	self.lock.Unlock()
}
