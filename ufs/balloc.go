/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Apr 13 09:40:18 2018 mstenber
 * Last modified: Tue May 15 13:10:41 2018 mstenber
 * Edit time:     287 min
 *
 */

package ufs

import (
	"github.com/fingon/go-ufs/mlog"
	"github.com/pkg/errors"
)

// The free-fragment bitmap has one bit per fragment of the group,
// set when the fragment is free. The inode bitmap has one bit per
// inode of the group, set when the inode is in use.

func bitGet(bm []byte, i int64) bool {
	return bm[i>>3]&(1<<uint(i&7)) != 0
}

func bitSet(bm []byte, i int64) {
	bm[i>>3] |= 1 << uint(i&7)
}

func bitClr(bm []byte, i int64) {
	bm[i>>3] &^= 1 << uint(i&7)
}

// blkIsFree tells whether the whole block holding relative fragment
// rel (block-aligned) is free.
func blkIsFree(bm []byte, rel, frag int64) bool {
	for i := int64(0); i < frag; i++ {
		if !bitGet(bm, rel+i) {
			return false
		}
	}
	return true
}

// blkAllocZeroed allocates one full block near group pref and
// zero-fills it. Used for indirect pointer blocks and fresh
// directory chunks.
func (self *Ufs) blkAllocZeroed(pref uint32) (int64, error) {
	fsba, err := self.blkAlloc(pref, int64(self.sb.Bsize))
	if err != nil {
		return 0, err
	}
	zero := make([]byte, self.sb.Bsize)
	if err := self.dev.WriteAt(zero, self.fragsToBytes(fsba)); err != nil {
		return 0, errors.Wrap(err, "zeroing block")
	}
	return fsba, nil
}

// blkAlloc allocates size bytes (a fragment-aligned count of at most
// one block) of contiguous fragments, preferring group pref, and
// returns the absolute fragment address.
func (self *Ufs) blkAlloc(pref uint32, size int64) (int64, error) {
	defer self.lock.Locked()()
	nfrags := self.numfrags(size)
	if nfrags <= 0 || nfrags > int64(self.sb.Frag) {
		return 0, errors.Wrapf(ErrInconsistentFilesystem, "allocation of %d bytes", size)
	}
	for n := uint32(0); n < self.sb.Ncg; n++ {
		cg := (pref + n) % self.sb.Ncg
		fsba, err := self.cgAlloc(cg, nfrags)
		if err != nil {
			return 0, err
		}
		if fsba != 0 {
			self.sb.Cgrotor = int32(cg)
			self.sb.Fmod = 1
			if err := self.persistSb(); err != nil {
				return 0, err
			}
			mlog.Printf2("ufs/balloc", "blkAlloc cg:%d nfrags:%d -> %d", cg, nfrags, fsba)
			return fsba, nil
		}
	}
	return 0, errors.Wrapf(ErrNoSpace, "%d fragments", nfrags)
}

// cgAlloc tries to carve nfrags contiguous fragments out of group
// cg. Returns 0 when the group cannot satisfy the request. Caller
// holds the fs lock.
func (self *Ufs) cgAlloc(cg uint32, nfrags int64) (int64, error) {
	h, raw, err := self.readCg(cg)
	if err != nil {
		return 0, err
	}
	frag := int64(self.sb.Frag)
	bm := raw[h.Freeoff:]
	ndblk := int64(h.Ndblk)

	if nfrags == frag {
		if h.Cs.Nbfree == 0 {
			return 0, nil
		}
		rel, ok := findFreeBlock(bm, ndblk, int64(h.Rotor), frag)
		if !ok {
			return 0, nil
		}
		for i := int64(0); i < frag; i++ {
			bitClr(bm, rel+i)
		}
		h.Cs.Nbfree--
		self.sb.Cstotal.Nbfree--
		h.Rotor = uint32(rel)
		if err := self.writeCg(cg, h, raw); err != nil {
			return 0, err
		}
		return self.cgStart(cg) + rel, nil
	}

	// Fragment request: first a run inside an already split block,
	// to keep whole blocks intact for block-sized allocations.
	rel, ok := findFreeFrags(bm, ndblk, int64(h.Frotor), frag, nfrags)
	if ok {
		for i := int64(0); i < nfrags; i++ {
			bitClr(bm, rel+i)
		}
		h.Cs.Nffree -= int32(nfrags)
		self.sb.Cstotal.Nffree -= int64(nfrags)
		h.Frotor = uint32(rel)
		if err := self.writeCg(cg, h, raw); err != nil {
			return 0, err
		}
		return self.cgStart(cg) + rel, nil
	}
	// Split a free block.
	if h.Cs.Nbfree == 0 {
		return 0, nil
	}
	rel, ok = findFreeBlock(bm, ndblk, int64(h.Rotor), frag)
	if !ok {
		return 0, nil
	}
	for i := int64(0); i < nfrags; i++ {
		bitClr(bm, rel+i)
	}
	h.Cs.Nbfree--
	h.Cs.Nffree += int32(frag - nfrags)
	self.sb.Cstotal.Nbfree--
	self.sb.Cstotal.Nffree += frag - nfrags
	h.Frotor = uint32(rel)
	if err := self.writeCg(cg, h, raw); err != nil {
		return 0, err
	}
	return self.cgStart(cg) + rel, nil
}

// findFreeBlock scans for a fully free, block-aligned run of frag
// fragments, starting at the block containing start and wrapping.
func findFreeBlock(bm []byte, ndblk, start, frag int64) (int64, bool) {
	nblk := ndblk / frag
	if nblk == 0 {
		return 0, false
	}
	first := start / frag
	for n := int64(0); n < nblk; n++ {
		b := (first + n) % nblk
		if blkIsFree(bm, b*frag, frag) {
			return b * frag, true
		}
	}
	return 0, false
}

// findFreeFrags scans for a run of nfrags free fragments that does
// not cross a block boundary, skipping fully free blocks so those
// stay available for block-sized allocations.
func findFreeFrags(bm []byte, ndblk, start, frag, nfrags int64) (int64, bool) {
	nblk := ndblk / frag
	if nblk == 0 {
		return 0, false
	}
	first := start / frag
	for n := int64(0); n < nblk; n++ {
		b := (first + n) % nblk
		base := b * frag
		if blkIsFree(bm, base, frag) {
			continue
		}
		run := int64(0)
		for i := int64(0); i < frag; i++ {
			if bitGet(bm, base+i) {
				run++
				if run == nfrags {
					return base + i - nfrags + 1, true
				}
			} else {
				run = 0
			}
		}
	}
	return 0, false
}

// fragExtend tries to grow an allocated fragment run in place from
// osize to nsize bytes. Returns false when the following fragments
// are taken or the run would cross its block boundary.
func (self *Ufs) fragExtend(fsba, osize, nsize int64) (bool, error) {
	defer self.lock.Locked()()
	onf := self.numfrags(osize)
	nnf := self.numfrags(nsize)
	frag := int64(self.sb.Frag)
	cg := uint32(fsba / int64(self.sb.Fpg))
	rel := fsba - self.cgStart(cg)
	if (rel%frag)+nnf > frag {
		return false, nil
	}
	h, raw, err := self.readCg(cg)
	if err != nil {
		return false, err
	}
	bm := raw[h.Freeoff:]
	for i := onf; i < nnf; i++ {
		if !bitGet(bm, rel+i) {
			return false, nil
		}
	}
	for i := onf; i < nnf; i++ {
		bitClr(bm, rel+i)
	}
	h.Cs.Nffree -= int32(nnf - onf)
	self.sb.Cstotal.Nffree -= nnf - onf
	self.sb.Fmod = 1
	if err := self.writeCg(cg, h, raw); err != nil {
		return false, err
	}
	if err := self.persistSb(); err != nil {
		return false, err
	}
	mlog.Printf2("ufs/balloc", "fragExtend %d: %d -> %d frags", fsba, onf, nnf)
	return true, nil
}

// blkFree releases size bytes of fragments at fsba. Freeing the last
// used fragment of a block reassembles it into a whole free block.
func (self *Ufs) blkFree(fsba, size int64) error {
	defer self.lock.Locked()()
	nfrags := self.numfrags(size)
	frag := int64(self.sb.Frag)
	if err := self.checkBlkptr(fsba, nfrags); err != nil {
		return err
	}
	cg := uint32(fsba / int64(self.sb.Fpg))
	rel := fsba - self.cgStart(cg)
	h, raw, err := self.readCg(cg)
	if err != nil {
		return err
	}
	bm := raw[h.Freeoff:]
	for i := int64(0); i < nfrags; i++ {
		if bitGet(bm, rel+i) {
			return errors.Wrapf(ErrInconsistentFilesystem,
				"double free of fragment %d", fsba+i)
		}
	}
	for i := int64(0); i < nfrags; i++ {
		bitSet(bm, rel+i)
	}
	if nfrags == frag {
		h.Cs.Nbfree++
		self.sb.Cstotal.Nbfree++
	} else {
		h.Cs.Nffree += int32(nfrags)
		self.sb.Cstotal.Nffree += nfrags
		base := rel &^ (frag - 1)
		if blkIsFree(bm, base, frag) {
			h.Cs.Nffree -= int32(frag)
			self.sb.Cstotal.Nffree -= frag
			h.Cs.Nbfree++
			self.sb.Cstotal.Nbfree++
		}
	}
	self.sb.Fmod = 1
	if err := self.writeCg(cg, h, raw); err != nil {
		return err
	}
	if err := self.persistSb(); err != nil {
		return err
	}
	mlog.Printf2("ufs/balloc", "blkFree %d nfrags:%d", fsba, nfrags)
	return nil
}
