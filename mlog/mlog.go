/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar  5 09:12:41 2019 mstenber
 * Last modified: Thu Apr 11 10:02:17 2019 mstenber
 * Edit time:     61 min
 *
 */

// mlog is maybe-log, a small wrapper of standard 'log' with two
// improvements:
//
// - environment-variable-based and 'flag' options for choosing what
// to print; what is not printed does not cause overhead either (by
// default, everything is off)
//
// - call stack depth is used to determine indentation automatically,
// which makes tracing a build or a read pipeline much easier on the
// eyes
package mlog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fingon/go-dwarfs/util/gid"
)

var logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateDisabled
	stateEnabled
)

var status int32 = stateUninitialized

var mutex sync.Mutex

// Everything below must be used only with mutex held
var flagPattern *string
var pattern string
var patternRegexp *regexp.Regexp
var file2Debug map[string]*bool
var minDepth int
var callers []uintptr

const maxDepth = 100

func init() {
	flagPattern = flag.String("mlog", "", "Enable logging based on the given file/line regular expression")
	minDepth = maxDepth
	callers = make([]uintptr, maxDepth)
}

// IsEnabled can be used to check if mlog is in use at all before
// doing something expensive just to produce log arguments.
func IsEnabled() bool {
	return atomic.LoadInt32(&status) != stateDisabled
}

// SetLogger overrides the logger used as output when mlog actually
// wants to forward Printf somewhere. The returned undo function
// changes the logger back to the old one.
func SetLogger(l *log.Logger) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	oldLogger := logger
	logger = l
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = oldLogger
	}
}

// SetPattern sets the mlog pattern by hand, overriding the
// environment variable-provided value. The returned undo function
// restores the old state.
func SetPattern(p string) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	oldPattern := pattern
	initializeWithPattern(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		initializeWithPattern(oldPattern)
	}
}

func initializeWithPattern(p string) {
	if p == "" {
		atomic.StoreInt32(&status, stateDisabled)
		pattern = p
		return
	}
	patternRegexp = regexp.MustCompile(p)
	file2Debug = make(map[string]*bool)
	atomic.StoreInt32(&status, stateEnabled)
	pattern = p
}

func initialize() {
	if !atomic.CompareAndSwapInt32(&status, stateUninitialized, stateInitializing) {
		return
	}
	pattern := os.Getenv("MLOG")
	if *flagPattern != "" {
		pattern = *flagPattern
	}
	initializeWithPattern(pattern)
}

// Printf is drop-in replacement of log.Printf. It still does
// runtime.Caller() if MLOG is enabled at all, so Printf2 is preferred
// in hot paths.
func Printf(format string, args ...interface{}) {
	if atomic.LoadInt32(&status) == stateDisabled {
		return
	}
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return
	}
	Printf2(file, format, args...)
}

// Printf2 is the premier choice instead of Printf. It is supplied
// with the name of the file, and therefore has no runtime penalty to
// speak of when using only partial MLOG match.
func Printf2(file string, format string, args ...interface{}) {
	st := atomic.LoadInt32(&status)
	if st == stateDisabled {
		return
	}
	mutex.Lock()
	defer mutex.Unlock()
	if st < stateDisabled {
		initialize()
		st = atomic.LoadInt32(&status)
		if st <= stateDisabled {
			return
		}
	}
	debugp := file2Debug[file]
	var debug bool
	if debugp == nil {
		debug = patternRegexp.FindString(file) != ""
		file2Debug[file] = &debug
	} else {
		debug = *debugp
	}
	if !debug {
		return
	}
	depth := runtime.Callers(1, callers)
	if depth < minDepth {
		minDepth = depth
	}
	depth -= minDepth
	if depth > 0 {
		format = fmt.Sprint(strings.Repeat(".", depth), format)
	}
	format = fmt.Sprintf("%8d %s", gid.GetGoroutineID(), format)
	logger.Printf(format, args...)
}
