/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Apr 16 09:05:26 2018 mstenber
 * Last modified: Tue May 15 14:28:33 2018 mstenber
 * Edit time:     331 min
 *
 */

package ufs

import (
	"github.com/fingon/go-ufs/layout"
	"github.com/fingon/go-ufs/mlog"
	"github.com/pkg/errors"
)

// Read reads up to len(buf) bytes of file ino starting at off.
// Holes read as zeros; reads at or past end of file return 0.
func (self *Ufs) Read(ino uint32, off int64, buf []byte) (int, error) {
	defer self.inodeLocks.Locked(ino)()
	ip, err := self.readInode(ino)
	if err != nil {
		return 0, err
	}
	if ip.Mode&layout.IFMT == layout.IFDIR {
		return 0, errors.Wrapf(ErrIsDirectory, "inode %d", ino)
	}
	return self.readData(ip, off, buf)
}

// readData is the shared data read loop; directories and long
// symlinks use it too. Caller holds the inode lock.
func (self *Ufs) readData(ip *layout.Inode, off int64, buf []byte) (int, error) {
	if off < 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "negative offset")
	}
	size := int64(ip.Size)
	if off >= size {
		return 0, nil
	}
	if int64(len(buf)) > size-off {
		buf = buf[:size-off]
	}
	done := 0
	for done < len(buf) {
		lbn := self.lblkno(off)
		boff := self.blkoff(off)
		cnt := int64(self.sb.Bsize) - boff
		if cnt > int64(len(buf)-done) {
			cnt = int64(len(buf) - done)
		}
		dst := buf[done : done+int(cnt)]
		ptr, err := self.resolveBlock(ip, lbn)
		if err != nil {
			return done, err
		}
		if ptr == 0 {
			for i := range dst {
				dst[i] = 0
			}
		} else if err := self.dev.ReadAt(dst, self.fragsToBytes(ptr)+boff); err != nil {
			return done, errors.Wrap(err, "reading file data")
		}
		done += int(cnt)
		off += cnt
	}
	return done, nil
}

// Write writes data to file ino at off, extending it as needed.
// Either all of data is written or an error is returned.
func (self *Ufs) Write(ino uint32, off int64, data []byte) (int, error) {
	if err := self.markDirty(); err != nil {
		return 0, err
	}
	defer self.inodeLocks.Locked(ino)()
	ip, err := self.readInode(ino)
	if err != nil {
		return 0, err
	}
	if ip.Mode&layout.IFMT != layout.IFREG {
		return 0, errors.Wrapf(ErrIsDirectory, "inode %d mode %o", ino, ip.Mode)
	}
	n, err := self.writeData(ino, ip, off, data)
	if err != nil {
		return n, err
	}
	self.stampMtime(ip)
	if err := self.writeInode(ino, ip); err != nil {
		return 0, err
	}
	return n, nil
}

// writeData is the shared data write loop. Each touched block is
// brought to the size the final file length requires: the tail keeps
// only the fragments it needs, everything before it is a full block.
// Caller holds the inode lock and writes ip back.
func (self *Ufs) writeData(ino uint32, ip *layout.Inode, off int64, data []byte) (int, error) {
	if off < 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "negative offset")
	}
	end := off + int64(len(data))
	flen := uint64(end)
	if ip.Size > flen {
		flen = ip.Size
	}
	// Extending past the old end: the old tail block must first be
	// grown to the size its position under the new length requires,
	// or blksize would later claim fragments the file does not own.
	if flen > ip.Size {
		if err := self.truncateGrow(ip, flen); err != nil {
			return 0, err
		}
	}
	done := 0
	pos := off
	for done < len(data) {
		lbn := self.lblkno(pos)
		boff := self.blkoff(pos)
		cnt := int64(self.sb.Bsize) - boff
		if cnt > int64(len(data)-done) {
			cnt = int64(len(data) - done)
		}
		nalloc := self.blksize(flen, lbn)
		ptr, err := self.ensureBlock(ino, ip, lbn, nalloc)
		if err != nil {
			return done, err
		}
		chunk := data[done : done+int(cnt)]
		if err := self.dev.WriteAt(chunk, self.fragsToBytes(ptr)+boff); err != nil {
			return done, errors.Wrap(err, "writing file data")
		}
		done += int(cnt)
		pos += cnt
	}
	if uint64(end) > ip.Size {
		ip.Size = uint64(end)
	}
	return done, nil
}

// ensureBlock makes file block lbn exist with nalloc allocated
// bytes, growing an existing fragment run in place when the
// neighboring fragments are free and relocating it otherwise. Newly
// allocated space is zeroed before the caller overwrites its part.
func (self *Ufs) ensureBlock(ino uint32, ip *layout.Inode, lbn, nalloc int64) (int64, error) {
	loc, err := self.ensureChain(ino, ip, lbn)
	if err != nil {
		return 0, err
	}
	ptr, err := self.getLeaf(ip, loc)
	if err != nil {
		return 0, err
	}
	if ptr == 0 {
		if ptr, err = self.blkAlloc(self.inoToCg(ino), nalloc); err != nil {
			return 0, err
		}
		if err := self.zeroRange(ptr, 0, nalloc); err != nil {
			return 0, err
		}
		if err := self.setLeaf(ip, loc, ptr); err != nil {
			return 0, err
		}
		ip.Blocks += uint64(nalloc) / layout.StatBlockSize
		return ptr, nil
	}
	oalloc := self.blksize(ip.Size, lbn)
	if err := self.checkBlkptr(ptr, self.numfrags(oalloc)); err != nil {
		return 0, err
	}
	if oalloc >= nalloc {
		return ptr, nil
	}
	ptr, err = self.reallocFrags(ip, loc, ptr, oalloc, nalloc)
	if err != nil {
		return 0, err
	}
	ip.Blocks += uint64(nalloc-oalloc) / layout.StatBlockSize
	return ptr, nil
}

// reallocFrags grows the allocation at fsba from osize to nsize
// bytes: in place when the following fragments are free, otherwise
// to a fresh run with the old content copied over and the old run
// freed. The grown region is zeroed.
func (self *Ufs) reallocFrags(ip *layout.Inode, loc ptrLoc, fsba, osize, nsize int64) (int64, error) {
	ok, err := self.fragExtend(fsba, osize, nsize)
	if err != nil {
		return 0, err
	}
	if ok {
		if err := self.zeroRange(fsba, osize, nsize); err != nil {
			return 0, err
		}
		return fsba, nil
	}
	pref := uint32(fsba / int64(self.sb.Fpg))
	nfsba, err := self.blkAlloc(pref, nsize)
	if err != nil {
		return 0, err
	}
	old := make([]byte, osize)
	if err := self.dev.ReadAt(old, self.fragsToBytes(fsba)); err != nil {
		return 0, errors.Wrap(err, "copying relocated fragments")
	}
	if err := self.dev.WriteAt(old, self.fragsToBytes(nfsba)); err != nil {
		return 0, errors.Wrap(err, "copying relocated fragments")
	}
	if err := self.zeroRange(nfsba, osize, nsize); err != nil {
		return 0, err
	}
	if err := self.blkFree(fsba, osize); err != nil {
		return 0, err
	}
	if err := self.setLeaf(ip, loc, nfsba); err != nil {
		return 0, err
	}
	mlog.Printf2("ufs/file", "reallocFrags moved %d -> %d (%d -> %d bytes)",
		fsba, nfsba, osize, nsize)
	return nfsba, nil
}

// zeroRange zeroes bytes [from, to) of the allocation at fsba.
func (self *Ufs) zeroRange(fsba, from, to int64) error {
	if to <= from {
		return nil
	}
	zero := make([]byte, to-from)
	if err := self.dev.WriteAt(zero, self.fragsToBytes(fsba)+from); err != nil {
		return errors.Wrap(err, "zeroing fragments")
	}
	return nil
}

// truncate changes the file length, releasing blocks and pointer
// chains past the new end on shrink and reshaping the tail block on
// both shrink and grow. Caller holds the inode lock and writes ip
// back.
func (self *Ufs) truncate(ino uint32, ip *layout.Inode, nsize uint64) error {
	osize := ip.Size
	mlog.Printf2("ufs/file", "truncate %d: %d -> %d", ino, osize, nsize)
	if nsize == osize {
		return nil
	}
	if ip.IsShortlink() {
		return errors.Wrapf(ErrInvalidInode, "truncate of short symlink %d", ino)
	}
	if nsize > osize {
		return self.truncateGrow(ip, nsize)
	}
	obn := self.lblkno(int64(osize) - 1)
	nbn := int64(-1)
	if nsize > 0 {
		nbn = self.lblkno(int64(nsize) - 1)
	}
	for lbn := nbn + 1; lbn <= obn; lbn++ {
		loc, ok, err := self.walkLeaf(ip, lbn)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		ptr, err := self.getLeaf(ip, loc)
		if err != nil {
			return err
		}
		if ptr == 0 {
			continue
		}
		sz := self.blksize(osize, lbn)
		if err := self.blkFree(ptr, sz); err != nil {
			return err
		}
		if err := self.setLeaf(ip, loc, 0); err != nil {
			return err
		}
		ip.Blocks -= uint64(sz) / layout.StatBlockSize
	}
	for t := 0; t < layout.NIAddr; t++ {
		if ip.Indirect[t] == 0 {
			continue
		}
		empty, err := self.pruneSubtree(ip, ip.Indirect[t], t)
		if err != nil {
			return err
		}
		if empty {
			if err := self.blkFree(ip.Indirect[t], int64(self.sb.Bsize)); err != nil {
				return err
			}
			ip.Blocks -= uint64(self.sb.Bsize) / layout.StatBlockSize
			ip.Indirect[t] = 0
		}
	}
	if nsize > 0 {
		ptr, err := self.resolveBlock(ip, nbn)
		if err != nil {
			return err
		}
		if ptr != 0 {
			oalloc := self.blksize(osize, nbn)
			nalloc := self.blksize(nsize, nbn)
			if nalloc < oalloc {
				if err := self.blkFree(ptr+self.numfrags(nalloc), oalloc-nalloc); err != nil {
					return err
				}
				ip.Blocks -= uint64(oalloc-nalloc) / layout.StatBlockSize
			}
			// Keep the slack beyond the new end zeroed so a
			// later extension reads zeros.
			tail := int64(nsize) - nbn<<uint(self.sb.Bshift)
			if err := self.zeroRange(ptr, tail, nalloc); err != nil {
				return err
			}
		}
	}
	ip.Size = nsize
	return nil
}

// truncateGrow extends the file without writing data. The old tail
// block grows to the size its position under the new length
// requires; the rest of the new range stays holes.
func (self *Ufs) truncateGrow(ip *layout.Inode, nsize uint64) error {
	osize := ip.Size
	if osize > 0 {
		obn := self.lblkno(int64(osize) - 1)
		loc, ok, err := self.walkLeaf(ip, obn)
		if err != nil {
			return err
		}
		if ok {
			ptr, err := self.getLeaf(ip, loc)
			if err != nil {
				return err
			}
			if ptr != 0 {
				oalloc := self.blksize(osize, obn)
				nalloc := self.blksize(nsize, obn)
				if nalloc > oalloc {
					if _, err := self.reallocFrags(ip, loc, ptr, oalloc, nalloc); err != nil {
						return err
					}
					ip.Blocks += uint64(nalloc-oalloc) / layout.StatBlockSize
				}
			}
		}
	}
	ip.Size = nsize
	return nil
}

// pruneSubtree frees pointer blocks whose subtree no longer
// references any data, rewriting parents as children vanish. levels
// is how many pointer levels remain below ptr's entries.
func (self *Ufs) pruneSubtree(ip *layout.Inode, ptr int64, levels int) (bool, error) {
	if err := self.checkBlkptr(ptr, int64(self.sb.Frag)); err != nil {
		return false, err
	}
	pbuf := make([]byte, self.sb.Bsize)
	if err := self.dev.ReadAt(pbuf, self.fragsToBytes(ptr)); err != nil {
		return false, errors.Wrap(err, "reading pointer block")
	}
	empty := true
	dirty := false
	for i := int64(0); i < self.ptrsPerBlock(); i++ {
		val := int64(self.ord.Uint64(pbuf[i*8:]))
		if val == 0 {
			continue
		}
		if levels == 0 {
			empty = false
			continue
		}
		childEmpty, err := self.pruneSubtree(ip, val, levels-1)
		if err != nil {
			return false, err
		}
		if !childEmpty {
			empty = false
			continue
		}
		if err := self.blkFree(val, int64(self.sb.Bsize)); err != nil {
			return false, err
		}
		ip.Blocks -= uint64(self.sb.Bsize) / layout.StatBlockSize
		self.ord.PutUint64(pbuf[i*8:], 0)
		dirty = true
	}
	if dirty && !empty {
		if err := self.dev.WriteAt(pbuf, self.fragsToBytes(ptr)); err != nil {
			return false, errors.Wrap(err, "writing pointer block")
		}
	}
	return empty, nil
}
