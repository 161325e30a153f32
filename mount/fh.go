/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Sat Apr 21 09:40:11 2018 mstenber
 * Last modified: Wed May 16 09:58:24 2018 mstenber
 * Edit time:     63 min
 *
 */

package mount

import (
	"github.com/fingon/go-ufs/mlog"
	"github.com/fingon/go-ufs/ufs"
	"github.com/fingon/go-ufs/util"
)

// fileHandle is the per-open state behind a kernel fh. For
// directories it pins the entry snapshot so that offsets handed to
// the kernel stay valid while the directory mutates underneath.
type fileHandle struct {
	ino     uint32
	entries []ufs.DirEntry
}

type handleMap struct {
	lock util.MutexLocked
	next uint64
	m    map[uint64]*fileHandle
}

func (self *handleMap) Init() *handleMap {
	self.m = make(map[uint64]*fileHandle)
	return self
}

// alloc hands out fh numbers starting from 1; 0 is what the kernel
// sends for operations without an open file.
func (self *handleMap) alloc(ino uint32) uint64 {
	defer self.lock.Locked()()
	self.next++
	fh := self.next
	self.m[fh] = &fileHandle{ino: ino}
	mlog.Printf2("mount/fh", "alloc fh:%d ino:%d", fh, ino)
	return fh
}

func (self *handleMap) get(fh uint64) *fileHandle {
	defer self.lock.Locked()()
	return self.m[fh]
}

func (self *handleMap) free(fh uint64) {
	defer self.lock.Locked()()
	mlog.Printf2("mount/fh", "free fh:%d", fh)
	delete(self.m, fh)
}
