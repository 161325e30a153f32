/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Apr  9 10:02:11 2018 mstenber
 * Last modified: Wed Apr 25 11:40:32 2018 mstenber
 * Edit time:     41 min
 *
 */

// mlog is maybe-log. It is a small wrapper of standard 'log' (mlog
// only implements Printf) with environment-variable-based and 'flag'
// options for choosing what to print; what is not printed does not
// cause any overhead either, beyond one atomic load per call. By
// default everything is off.
package mlog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
)

var logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

const (
	stateUninitialized int32 = iota
	stateDisabled
	stateEnabled
)

var status int32 = stateUninitialized

var mutex sync.Mutex

// Everything below must be used only with mutex held
var flagPattern *string
var pattern string
var patternRegexp *regexp.Regexp
var tag2Enabled map[string]bool

func init() {
	flagPattern = flag.String("mlog", "", "Enable logging based on the given file/line regular expression")
	reset()
}

func reset() {
	mutex.Lock()
	defer mutex.Unlock()
	atomic.StoreInt32(&status, stateUninitialized)
	tag2Enabled = make(map[string]bool)
}

// SetPattern sets the pattern of filenames ('pkg/file') we are
// interested about and resets internal state accordingly.
func SetPattern(p string) {
	reset()
	mutex.Lock()
	defer mutex.Unlock()
	pattern = p
	setPatternLocked()
}

func setPatternLocked() {
	if pattern == "" {
		atomic.StoreInt32(&status, stateDisabled)
		return
	}
	patternRegexp = regexp.MustCompile(pattern)
	atomic.StoreInt32(&status, stateEnabled)
}

func initIfNeeded() {
	if atomic.LoadInt32(&status) != stateUninitialized {
		return
	}
	mutex.Lock()
	defer mutex.Unlock()
	if atomic.LoadInt32(&status) != stateUninitialized {
		return
	}
	env := os.Getenv("MLOG")
	if env != "" {
		pattern = env
	} else if flagPattern != nil && *flagPattern != "" {
		pattern = *flagPattern
	}
	setPatternLocked()
}

// IsEnabled can be used to check if mlog is in use at all, before
// doing expensive formatting work.
func IsEnabled() bool {
	initIfNeeded()
	return atomic.LoadInt32(&status) == stateEnabled
}

func tagEnabled(tag string) bool {
	mutex.Lock()
	defer mutex.Unlock()
	e, ok := tag2Enabled[tag]
	if !ok {
		e = patternRegexp.MatchString(tag)
		tag2Enabled[tag] = e
	}
	return e
}

// Printf2 prints the given format + args, if logging is enabled for
// the given tag (by convention 'pkg/file').
func Printf2(tag, format string, args ...interface{}) {
	if !IsEnabled() {
		return
	}
	if !tagEnabled(tag) {
		return
	}
	logger.Output(2, fmt.Sprintf("[%s] %s", tag, fmt.Sprintf(format, args...)))
}

// Panicf2 is Printf2 followed by panic, regardless of whether the tag
// is enabled.
func Panicf2(tag, format string, args ...interface{}) {
	s := fmt.Sprintf("[%s] %s", tag, fmt.Sprintf(format, args...))
	logger.Output(2, s)
	panic(s)
}
