/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Apr 12 11:24:02 2018 mstenber
 * Last modified: Tue May 15 12:33:56 2018 mstenber
 * Edit time:     196 min
 *
 */

package ufs

import (
	"github.com/fingon/go-ufs/layout"
	"github.com/fingon/go-ufs/mlog"
	"github.com/pkg/errors"
)

// blkPath maps a file block number to its pointer path: tier 0 is
// Direct[idx[0]]; tier n>0 starts at Indirect[n-1] and descends
// through idx in order.
func (self *Ufs) blkPath(lbn int64) (tier int, idx []int64, err error) {
	if lbn < layout.NDAddr {
		return 0, []int64{lbn}, nil
	}
	pbp := self.ptrsPerBlock()
	lbn -= layout.NDAddr
	if lbn < pbp {
		return 1, []int64{lbn}, nil
	}
	lbn -= pbp
	if lbn < pbp*pbp {
		return 2, []int64{lbn / pbp, lbn % pbp}, nil
	}
	lbn -= pbp * pbp
	if lbn < pbp*pbp*pbp {
		return 3, []int64{lbn / (pbp * pbp), (lbn / pbp) % pbp, lbn % pbp}, nil
	}
	return 0, nil, errors.Wrapf(ErrInvalidInode, "file block beyond format limit")
}

// readPtr reads pointer slot idx of the pointer block at fragment
// address pblk.
func (self *Ufs) readPtr(pblk, idx int64) (int64, error) {
	var b [8]byte
	if err := self.dev.ReadAt(b[:], self.fragsToBytes(pblk)+idx*8); err != nil {
		return 0, errors.Wrap(err, "reading block pointer")
	}
	return int64(self.ord.Uint64(b[:])), nil
}

// writePtr writes pointer slot idx of the pointer block at fragment
// address pblk.
func (self *Ufs) writePtr(pblk, idx, val int64) error {
	var b [8]byte
	self.ord.PutUint64(b[:], uint64(val))
	if err := self.dev.WriteAt(b[:], self.fragsToBytes(pblk)+idx*8); err != nil {
		return errors.Wrap(err, "writing block pointer")
	}
	return nil
}

// resolveBlock translates file block lbn to a fragment address, or 0
// when the block is a hole. Every pointer followed is validated
// against the data area.
func (self *Ufs) resolveBlock(ip *layout.Inode, lbn int64) (int64, error) {
	tier, idx, err := self.blkPath(lbn)
	if err != nil {
		return 0, err
	}
	var ptr int64
	if tier == 0 {
		ptr = ip.Direct[idx[0]]
	} else {
		ptr = ip.Indirect[tier-1]
		for _, i := range idx {
			if ptr == 0 {
				return 0, nil
			}
			if err := self.checkBlkptr(ptr, int64(self.sb.Frag)); err != nil {
				return 0, err
			}
			if ptr, err = self.readPtr(ptr, i); err != nil {
				return 0, err
			}
		}
	}
	if ptr == 0 {
		return 0, nil
	}
	if err := self.checkBlkptr(ptr, 1); err != nil {
		return 0, err
	}
	return ptr, nil
}

// ptrLoc names where the leaf pointer of a file block lives: in the
// inode's direct array, or at slot idx of the pointer block at pblk.
type ptrLoc struct {
	direct bool
	pblk   int64
	idx    int64
}

// ensureChain makes the indirect chain down to lbn's leaf pointer
// exist, allocating zero-filled pointer blocks as needed, and
// returns the leaf location. The data block itself is not allocated.
// Caller holds the inode lock and owns writing ip back.
func (self *Ufs) ensureChain(ino uint32, ip *layout.Inode, lbn int64) (ptrLoc, error) {
	tier, idx, err := self.blkPath(lbn)
	if err != nil {
		return ptrLoc{}, err
	}
	if tier == 0 {
		return ptrLoc{direct: true, idx: idx[0]}, nil
	}
	pref := self.inoToCg(ino)
	ptr := ip.Indirect[tier-1]
	if ptr == 0 {
		if ptr, err = self.blkAllocZeroed(pref); err != nil {
			return ptrLoc{}, err
		}
		ip.Indirect[tier-1] = ptr
		ip.Blocks += uint64(self.sb.Bsize) / layout.StatBlockSize
		mlog.Printf2("ufs/blkptr", "ensureChain ino:%d tier:%d root at %d", ino, tier, ptr)
	} else if err := self.checkBlkptr(ptr, int64(self.sb.Frag)); err != nil {
		return ptrLoc{}, err
	}
	for level := 0; level < len(idx)-1; level++ {
		next, err := self.readPtr(ptr, idx[level])
		if err != nil {
			return ptrLoc{}, err
		}
		if next == 0 {
			if next, err = self.blkAllocZeroed(pref); err != nil {
				return ptrLoc{}, err
			}
			if err := self.writePtr(ptr, idx[level], next); err != nil {
				return ptrLoc{}, err
			}
			ip.Blocks += uint64(self.sb.Bsize) / layout.StatBlockSize
		} else if err := self.checkBlkptr(next, int64(self.sb.Frag)); err != nil {
			return ptrLoc{}, err
		}
		ptr = next
	}
	return ptrLoc{pblk: ptr, idx: idx[len(idx)-1]}, nil
}

// walkLeaf finds lbn's leaf pointer location without allocating
// anything. ok is false when the chain has a hole above the leaf.
func (self *Ufs) walkLeaf(ip *layout.Inode, lbn int64) (ptrLoc, bool, error) {
	tier, idx, err := self.blkPath(lbn)
	if err != nil {
		return ptrLoc{}, false, err
	}
	if tier == 0 {
		return ptrLoc{direct: true, idx: idx[0]}, true, nil
	}
	ptr := ip.Indirect[tier-1]
	for level := 0; level < len(idx)-1; level++ {
		if ptr == 0 {
			return ptrLoc{}, false, nil
		}
		if err := self.checkBlkptr(ptr, int64(self.sb.Frag)); err != nil {
			return ptrLoc{}, false, err
		}
		next, err := self.readPtr(ptr, idx[level])
		if err != nil {
			return ptrLoc{}, false, err
		}
		ptr = next
	}
	if ptr == 0 {
		return ptrLoc{}, false, nil
	}
	if err := self.checkBlkptr(ptr, int64(self.sb.Frag)); err != nil {
		return ptrLoc{}, false, err
	}
	return ptrLoc{pblk: ptr, idx: idx[len(idx)-1]}, true, nil
}

// getLeaf reads the pointer at loc.
func (self *Ufs) getLeaf(ip *layout.Inode, loc ptrLoc) (int64, error) {
	if loc.direct {
		return ip.Direct[loc.idx], nil
	}
	return self.readPtr(loc.pblk, loc.idx)
}

// setLeaf writes the pointer at loc. Direct pointers mutate ip only;
// the caller writes the inode record back.
func (self *Ufs) setLeaf(ip *layout.Inode, loc ptrLoc, val int64) error {
	if loc.direct {
		ip.Direct[loc.idx] = val
		return nil
	}
	return self.writePtr(loc.pblk, loc.idx, val)
}
