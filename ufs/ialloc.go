/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Apr 13 13:02:33 2018 mstenber
 * Last modified: Tue May 15 13:44:09 2018 mstenber
 * Edit time:     122 min
 *
 */

package ufs

import (
	"time"

	"github.com/fingon/go-ufs/layout"
	"github.com/fingon/go-ufs/mlog"
	"github.com/pkg/errors"
)

// pickInoCg chooses the group a new inode goes to. Directories
// spread out: the group with the most free inodes among those at or
// above the mean. Files stay in their parent directory's group for
// locality, falling back to a scan when it is full.
func (self *Ufs) pickInoCg(parent uint32, isDir bool) (uint32, error) {
	if !isDir {
		return self.inoToCg(parent), nil
	}
	mean := self.sb.Cstotal.Nifree / int64(self.sb.Ncg)
	best := uint32(0)
	bestFree := int32(-1)
	for cg := uint32(0); cg < self.sb.Ncg; cg++ {
		h, _, err := self.readCg(cg)
		if err != nil {
			return 0, err
		}
		if int64(h.Cs.Nifree) >= mean && h.Cs.Nifree > bestFree {
			best = cg
			bestFree = h.Cs.Nifree
		}
	}
	if bestFree < 0 {
		return self.inoToCg(parent), nil
	}
	return best, nil
}

// inoAlloc reserves a free inode number near parent and returns it
// with a fresh record: generation bumped past the previous life,
// timestamps set, everything else for the caller to fill before
// writeInode.
func (self *Ufs) inoAlloc(parent uint32, isDir bool) (uint32, *layout.Inode, error) {
	defer self.lock.Locked()()
	pref, err := self.pickInoCg(parent, isDir)
	if err != nil {
		return 0, nil, err
	}
	for n := uint32(0); n < self.sb.Ncg; n++ {
		cg := (pref + n) % self.sb.Ncg
		h, raw, err := self.readCg(cg)
		if err != nil {
			return 0, nil, err
		}
		if h.Cs.Nifree == 0 {
			continue
		}
		bm := raw[h.Iusedoff:]
		ipg := int64(self.sb.Ipg)
		found := int64(-1)
		for i := int64(0); i < ipg; i++ {
			j := (int64(h.Irotor) + i) % ipg
			if !bitGet(bm, j) {
				found = j
				break
			}
		}
		if found < 0 {
			return 0, nil, errors.Wrapf(ErrInconsistentFilesystem,
				"group %d claims %d free inodes, bitmap full", cg, h.Cs.Nifree)
		}
		bitSet(bm, found)
		h.Irotor = uint32(found)
		h.Cs.Nifree--
		self.sb.Cstotal.Nifree--
		if isDir {
			h.Cs.Ndir++
			self.sb.Cstotal.Ndir++
		}
		self.sb.Fmod = 1
		if err := self.writeCg(cg, h, raw); err != nil {
			return 0, nil, err
		}
		if err := self.persistSb(); err != nil {
			return 0, nil, err
		}
		ino := cg*self.sb.Ipg + uint32(found)
		old, err := self.readInode(ino)
		gen := uint32(1)
		if err == nil {
			gen = old.Gen + 1
		}
		now := time.Now()
		ip := &layout.Inode{
			Blksize:   uint32(self.sb.Bsize),
			Gen:       gen,
			Atime:     now.Unix(),
			Mtime:     now.Unix(),
			Ctime:     now.Unix(),
			Birthtime: now.Unix(),
			Atimensec: uint32(now.Nanosecond()),
			Mtimensec: uint32(now.Nanosecond()),
			Ctimensec: uint32(now.Nanosecond()),
			Birthnsec: uint32(now.Nanosecond()),
		}
		mlog.Printf2("ufs/ialloc", "inoAlloc cg:%d -> %d gen:%d", cg, ino, gen)
		return ino, ip, nil
	}
	return 0, nil, errors.Wrap(ErrNoSpace, "no free inodes")
}

// inoFree returns inode ino to its group. The record is cleared on
// disk, keeping only the generation for the next life.
func (self *Ufs) inoFree(ino uint32, wasDir bool) error {
	defer self.lock.Locked()()
	cg := self.inoToCg(ino)
	h, raw, err := self.readCg(cg)
	if err != nil {
		return err
	}
	bm := raw[h.Iusedoff:]
	rel := int64(ino % self.sb.Ipg)
	if !bitGet(bm, rel) {
		return errors.Wrapf(ErrInconsistentFilesystem, "double free of inode %d", ino)
	}
	bitClr(bm, rel)
	h.Cs.Nifree++
	self.sb.Cstotal.Nifree++
	if wasDir {
		h.Cs.Ndir--
		self.sb.Cstotal.Ndir--
	}
	self.sb.Fmod = 1
	if err := self.writeCg(cg, h, raw); err != nil {
		return err
	}
	if err := self.persistSb(); err != nil {
		return err
	}
	old, err := self.readInode(ino)
	if err != nil {
		return err
	}
	cleared := &layout.Inode{Gen: old.Gen}
	if err := self.writeInode(ino, cleared); err != nil {
		return err
	}
	self.icache.Remove(ino)
	mlog.Printf2("ufs/ialloc", "inoFree %d", ino)
	return nil
}
