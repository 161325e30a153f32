/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Apr 17 10:33:50 2018 mstenber
 * Last modified: Tue May 15 16:22:09 2018 mstenber
 * Edit time:     356 min
 *
 */

package ufs

import (
	"sort"

	"github.com/fingon/go-ufs/layout"
	"github.com/fingon/go-ufs/mlog"
	"github.com/pkg/errors"
)

// lockInodes acquires the given inode locks in ascending order,
// duplicates collapsed, and returns the combined unlock.
func (self *Ufs) lockInodes(inos ...uint32) func() {
	sorted := append([]uint32(nil), inos...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var unlocks []func()
	var last uint32
	for i, ino := range sorted {
		if i > 0 && ino == last {
			continue
		}
		unlocks = append(unlocks, self.inodeLocks.Locked(ino))
		last = ino
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// dirInode reads pino and requires it to be a directory.
func (self *Ufs) dirInode(pino uint32) (*layout.Inode, error) {
	dp, err := self.readInode(pino)
	if err != nil {
		return nil, err
	}
	if dp.Mode&layout.IFMT != layout.IFDIR {
		return nil, errors.Wrapf(ErrNotDirectory, "inode %d", pino)
	}
	return dp, nil
}

// mustNotExist fails with ErrExists when name is present in dp.
func (self *Ufs) mustNotExist(pino uint32, dp *layout.Inode, name string) error {
	_, _, err := self.dirLookup(pino, dp, name)
	if err == nil {
		return errors.Wrapf(ErrExists, "%q", name)
	}
	if errors.Cause(err) != ErrNotFound {
		return err
	}
	return nil
}

// createEntry is the shared tail of create/mkdir/symlink: write the
// child record, link it into the parent, and stamp the parent.
func (self *Ufs) createEntry(pino uint32, dp *layout.Inode, name string, ino uint32, ip *layout.Inode, dtype uint8) (Attr, error) {
	if err := self.writeInode(ino, ip); err != nil {
		return Attr{}, err
	}
	if err := self.dirInsert(pino, dp, name, ino, dtype); err != nil {
		return Attr{}, err
	}
	self.stampMtime(dp)
	if err := self.writeInode(pino, dp); err != nil {
		return Attr{}, err
	}
	self.dcache.Set(dcacheKey(pino, name), ino)
	return inodeAttr(ino, ip), nil
}

// Create makes a regular file named name under pino.
func (self *Ufs) Create(pino uint32, name string, mode uint16, uid, gid uint32) (Attr, error) {
	if err := self.markDirty(); err != nil {
		return Attr{}, err
	}
	if err := checkName(name); err != nil {
		return Attr{}, err
	}
	defer self.inodeLocks.Locked(pino)()
	dp, err := self.dirInode(pino)
	if err != nil {
		return Attr{}, err
	}
	if err := self.mustNotExist(pino, dp, name); err != nil {
		return Attr{}, err
	}
	ino, ip, err := self.inoAlloc(pino, false)
	if err != nil {
		return Attr{}, err
	}
	ip.Mode = layout.IFREG | mode&^layout.IFMT
	ip.Nlink = 1
	ip.Uid = uid
	ip.Gid = gid
	mlog.Printf2("ufs/ops", "Create %d %q -> %d", pino, name, ino)
	return self.createEntry(pino, dp, name, ino, ip, layout.DtReg)
}

// initDirChunk builds the first chunk of a new directory: "." taking
// its minimal record, ".." taking the rest.
func (self *Ufs) initDirChunk(ino, pino uint32) []byte {
	buf := make([]byte, layout.DirBlkSiz)
	dot := layout.DirentSize(1)
	writeDirent(buf, self.ord, layout.DirentHeader{
		Ino: ino, Reclen: uint16(dot), Dtype: layout.DtDir, Namelen: 1,
	}, ".")
	writeDirent(buf[dot:], self.ord, layout.DirentHeader{
		Ino: pino, Reclen: uint16(layout.DirBlkSiz - dot), Dtype: layout.DtDir, Namelen: 2,
	}, "..")
	return buf
}

// Mkdir makes a directory named name under pino.
func (self *Ufs) Mkdir(pino uint32, name string, mode uint16, uid, gid uint32) (Attr, error) {
	if err := self.markDirty(); err != nil {
		return Attr{}, err
	}
	if err := checkName(name); err != nil {
		return Attr{}, err
	}
	defer self.inodeLocks.Locked(pino)()
	dp, err := self.dirInode(pino)
	if err != nil {
		return Attr{}, err
	}
	if err := self.mustNotExist(pino, dp, name); err != nil {
		return Attr{}, err
	}
	ino, ip, err := self.inoAlloc(pino, true)
	if err != nil {
		return Attr{}, err
	}
	ip.Mode = layout.IFDIR | mode&^layout.IFMT
	ip.Nlink = 2 // "." plus the parent entry
	ip.Uid = uid
	ip.Gid = gid
	if _, err := self.writeData(ino, ip, 0, self.initDirChunk(ino, pino)); err != nil {
		return Attr{}, err
	}
	dp.Nlink++ // the new ".."
	mlog.Printf2("ufs/ops", "Mkdir %d %q -> %d", pino, name, ino)
	return self.createEntry(pino, dp, name, ino, ip, layout.DtDir)
}

// Symlink makes a symbolic link named name under pino pointing at
// target. Short targets live in the inode's pointer area and use no
// data blocks.
func (self *Ufs) Symlink(pino uint32, name, target string, uid, gid uint32) (Attr, error) {
	if err := self.markDirty(); err != nil {
		return Attr{}, err
	}
	if err := checkName(name); err != nil {
		return Attr{}, err
	}
	defer self.inodeLocks.Locked(pino)()
	dp, err := self.dirInode(pino)
	if err != nil {
		return Attr{}, err
	}
	if err := self.mustNotExist(pino, dp, name); err != nil {
		return Attr{}, err
	}
	ino, ip, err := self.inoAlloc(pino, false)
	if err != nil {
		return Attr{}, err
	}
	ip.Mode = layout.IFLNK | 0o777
	ip.Nlink = 1
	ip.Uid = uid
	ip.Gid = gid
	if len(target) <= layout.ShortLinkLen {
		ip.SetShortlink([]byte(target))
	} else {
		if _, err := self.writeData(ino, ip, 0, []byte(target)); err != nil {
			return Attr{}, err
		}
	}
	mlog.Printf2("ufs/ops", "Symlink %d %q -> %d (%d bytes)", pino, name, ino, len(target))
	return self.createEntry(pino, dp, name, ino, ip, layout.DtLnk)
}

// Readlink returns the target of symlink ino.
func (self *Ufs) Readlink(ino uint32) ([]byte, error) {
	defer self.inodeLocks.Locked(ino)()
	ip, err := self.readInode(ino)
	if err != nil {
		return nil, err
	}
	if ip.Mode&layout.IFMT != layout.IFLNK {
		return nil, errors.Wrapf(ErrInvalidArgument, "inode %d not a symlink", ino)
	}
	if ip.IsShortlink() {
		return append([]byte(nil), ip.Shortlink()...), nil
	}
	buf := make([]byte, ip.Size)
	if _, err := self.readData(ip, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Link adds a hard link named name under pino to the existing
// non-directory inode ino.
func (self *Ufs) Link(pino uint32, name string, ino uint32) (Attr, error) {
	if err := self.markDirty(); err != nil {
		return Attr{}, err
	}
	if err := checkName(name); err != nil {
		return Attr{}, err
	}
	defer self.lockInodes(pino, ino)()
	dp, err := self.dirInode(pino)
	if err != nil {
		return Attr{}, err
	}
	ip, err := self.readInode(ino)
	if err != nil {
		return Attr{}, err
	}
	if ip.Mode&layout.IFMT == layout.IFDIR {
		return Attr{}, errors.Wrapf(ErrIsDirectory, "inode %d", ino)
	}
	if err := self.mustNotExist(pino, dp, name); err != nil {
		return Attr{}, err
	}
	ip.Nlink++
	self.stampCtime(ip)
	mlog.Printf2("ufs/ops", "Link %d %q -> %d nlink:%d", pino, name, ino, ip.Nlink)
	return self.createEntry(pino, dp, name, ino, ip, layout.ModeToDtype(ip.Mode))
}

// freeExt releases the extended attribute area of ip.
func (self *Ufs) freeExt(ip *layout.Inode) error {
	left := int64(ip.Extsize)
	for i := range ip.Extb {
		if ip.Extb[i] == 0 || left <= 0 {
			continue
		}
		sz := int64(self.sb.Bsize)
		if left < sz {
			sz = self.fragroundup(left)
		}
		if err := self.blkFree(ip.Extb[i], sz); err != nil {
			return err
		}
		ip.Blocks -= uint64(sz) / layout.StatBlockSize
		ip.Extb[i] = 0
		left -= sz
	}
	ip.Extsize = 0
	return nil
}

// dropInode releases everything an inode holds and frees the number.
// Caller holds the inode lock.
func (self *Ufs) dropInode(ino uint32, ip *layout.Inode) error {
	wasDir := ip.Mode&layout.IFMT == layout.IFDIR
	if !ip.IsShortlink() {
		if err := self.truncate(ino, ip, 0); err != nil {
			return err
		}
	}
	if err := self.freeExt(ip); err != nil {
		return err
	}
	return self.inoFree(ino, wasDir)
}

// lookupForUpdate resolves name under pino without holding locks,
// then locks both inodes and re-resolves; the result is stable for
// the caller's critical section.
func (self *Ufs) lookupForUpdate(pino uint32, name string) (*layout.Inode, uint32, *layout.Inode, func(), error) {
	for {
		dp, err := func() (*layout.Inode, error) {
			defer self.inodeLocks.Locked(pino)()
			return self.dirInode(pino)
		}()
		if err != nil {
			return nil, 0, nil, nil, err
		}
		ino, _, err := self.dirLookup(pino, dp, name)
		if err != nil {
			return nil, 0, nil, nil, err
		}
		unlock := self.lockInodes(pino, ino)
		dp, err = self.dirInode(pino)
		if err != nil {
			unlock()
			return nil, 0, nil, nil, err
		}
		again, _, err := self.dirLookup(pino, dp, name)
		if err != nil || again != ino {
			// Raced with another update; retry from scratch.
			unlock()
			if err != nil {
				return nil, 0, nil, nil, err
			}
			continue
		}
		ip, err := self.readInode(ino)
		if err != nil {
			unlock()
			return nil, 0, nil, nil, err
		}
		return dp, ino, ip, unlock, nil
	}
}

// Unlink removes the non-directory entry name from pino, releasing
// the inode when its last link goes.
func (self *Ufs) Unlink(pino uint32, name string) error {
	if err := self.markDirty(); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	dp, ino, ip, unlock, err := self.lookupForUpdate(pino, name)
	if err != nil {
		return err
	}
	defer unlock()
	if ip.Mode&layout.IFMT == layout.IFDIR {
		return errors.Wrapf(ErrIsDirectory, "%q", name)
	}
	if _, err := self.dirRemove(pino, dp, name); err != nil {
		return err
	}
	self.dcache.Remove(dcacheKey(pino, name))
	self.stampMtime(dp)
	if err := self.writeInode(pino, dp); err != nil {
		return err
	}
	ip.Nlink--
	self.stampCtime(ip)
	mlog.Printf2("ufs/ops", "Unlink %d %q ino:%d nlink:%d", pino, name, ino, ip.Nlink)
	if ip.Nlink > 0 {
		return self.writeInode(ino, ip)
	}
	return self.dropInode(ino, ip)
}

// Rmdir removes the empty directory entry name from pino.
func (self *Ufs) Rmdir(pino uint32, name string) error {
	if err := self.markDirty(); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	dp, ino, ip, unlock, err := self.lookupForUpdate(pino, name)
	if err != nil {
		return err
	}
	defer unlock()
	if ip.Mode&layout.IFMT != layout.IFDIR {
		return errors.Wrapf(ErrNotDirectory, "%q", name)
	}
	empty, err := self.dirEmpty(ino, ip)
	if err != nil {
		return err
	}
	if !empty {
		return errors.Wrapf(ErrNotEmpty, "%q", name)
	}
	if _, err := self.dirRemove(pino, dp, name); err != nil {
		return err
	}
	self.dcache.Remove(dcacheKey(pino, name))
	dp.Nlink-- // the victim's ".."
	self.stampMtime(dp)
	if err := self.writeInode(pino, dp); err != nil {
		return err
	}
	mlog.Printf2("ufs/ops", "Rmdir %d %q ino:%d", pino, name, ino)
	return self.dropInode(ino, ip)
}

// isAncestor tells whether ino is dir or one of dir's ancestors.
// Caller holds renameLock, which keeps the tree shape stable.
func (self *Ufs) isAncestor(ino, dir uint32) (bool, error) {
	for {
		if dir == ino {
			return true, nil
		}
		if dir == layout.RootIno {
			return false, nil
		}
		dp, err := self.dirInode(dir)
		if err != nil {
			return false, err
		}
		parent, _, err := self.dirLookup(dir, dp, "..")
		if err != nil {
			return false, err
		}
		if parent == dir {
			return false, errors.Wrapf(ErrInconsistentFilesystem,
				"directory %d is its own parent", dir)
		}
		dir = parent
	}
}

// Rename moves opino/oname to npino/nname, replacing an existing
// destination when types allow it. renameLock serializes renames so
// the ancestry check stays valid while locks are collected.
func (self *Ufs) Rename(opino uint32, oname string, npino uint32, nname string) error {
	if err := self.markDirty(); err != nil {
		return err
	}
	if err := checkName(oname); err != nil {
		return err
	}
	if err := checkName(nname); err != nil {
		return err
	}
	defer self.renameLock.Locked()()

	// Resolve both ends without inode locks, then lock the full
	// set in order and re-verify.
	var odp, ndp, sip, dip *layout.Inode
	var src, dst uint32
	var unlock func()
	for {
		var err error
		src, dst = 0, 0
		if err = func() error {
			defer self.inodeLocks.Locked(opino)()
			dp, err := self.dirInode(opino)
			if err != nil {
				return err
			}
			src, _, err = self.dirLookup(opino, dp, oname)
			return err
		}(); err != nil {
			return err
		}
		if err = func() error {
			defer self.inodeLocks.Locked(npino)()
			dp, err := self.dirInode(npino)
			if err != nil {
				return err
			}
			ino, _, err := self.dirLookup(npino, dp, nname)
			if err == nil {
				dst = ino
			} else if errors.Cause(err) != ErrNotFound {
				return err
			}
			return nil
		}(); err != nil {
			return err
		}
		inos := []uint32{opino, npino, src}
		if dst != 0 {
			inos = append(inos, dst)
		}
		unlock = self.lockInodes(inos...)
		if odp, err = self.dirInode(opino); err != nil {
			unlock()
			return err
		}
		if ndp, err = self.dirInode(npino); err != nil {
			unlock()
			return err
		}
		again, _, err := self.dirLookup(opino, odp, oname)
		if err != nil || again != src {
			unlock()
			if err != nil {
				return err
			}
			continue
		}
		dagain := uint32(0)
		if ino, _, err := self.dirLookup(npino, ndp, nname); err == nil {
			dagain = ino
		} else if errors.Cause(err) != ErrNotFound {
			unlock()
			return err
		}
		if dagain != dst {
			unlock()
			continue
		}
		if sip, err = self.readInode(src); err != nil {
			unlock()
			return err
		}
		dip = nil
		if dst != 0 {
			if dip, err = self.readInode(dst); err != nil {
				unlock()
				return err
			}
		}
		break
	}
	defer unlock()

	// Two links to the same file: rename does nothing.
	if src == dst {
		return nil
	}

	srcDir := sip.Mode&layout.IFMT == layout.IFDIR
	if srcDir {
		if src == npino {
			return errors.Wrap(ErrInvalidArgument, "rename of directory into itself")
		}
		if opino != npino {
			under, err := self.isAncestor(src, npino)
			if err != nil {
				return err
			}
			if under {
				return errors.Wrap(ErrInvalidArgument, "rename into own subtree")
			}
		}
	}

	dtype := layout.ModeToDtype(sip.Mode)
	if dip != nil {
		dstDir := dip.Mode&layout.IFMT == layout.IFDIR
		switch {
		case srcDir && !dstDir:
			return errors.Wrapf(ErrNotDirectory, "%q", nname)
		case !srcDir && dstDir:
			return errors.Wrapf(ErrIsDirectory, "%q", nname)
		case dstDir:
			empty, err := self.dirEmpty(dst, dip)
			if err != nil {
				return err
			}
			if !empty {
				return errors.Wrapf(ErrNotEmpty, "%q", nname)
			}
		}
		if err := self.dirSetIno(npino, ndp, nname, src, dtype); err != nil {
			return err
		}
	} else {
		if err := self.dirInsert(npino, ndp, nname, src, dtype); err != nil {
			return err
		}
	}
	if _, err := self.dirRemove(opino, odp, oname); err != nil {
		return err
	}
	if srcDir && opino != npino {
		if err := self.dirSetIno(src, sip, "..", npino, layout.DtDir); err != nil {
			return err
		}
		self.dcache.Remove(dcacheKey(src, ".."))
		odp.Nlink--
		ndp.Nlink++
	}
	if dip != nil {
		if dip.Mode&layout.IFMT == layout.IFDIR {
			ndp.Nlink-- // replaced directory's ".."
			if err := self.dropInode(dst, dip); err != nil {
				return err
			}
		} else {
			dip.Nlink--
			self.stampCtime(dip)
			if dip.Nlink > 0 {
				if err := self.writeInode(dst, dip); err != nil {
					return err
				}
			} else if err := self.dropInode(dst, dip); err != nil {
				return err
			}
		}
	}
	self.stampMtime(odp)
	if opino != npino {
		self.stampMtime(ndp)
		if err := self.writeInode(npino, ndp); err != nil {
			return err
		}
	}
	if err := self.writeInode(opino, odp); err != nil {
		return err
	}
	self.stampCtime(sip)
	if err := self.writeInode(src, sip); err != nil {
		return err
	}
	self.dcache.Remove(dcacheKey(opino, oname))
	self.dcache.Remove(dcacheKey(npino, nname))
	self.dcache.Set(dcacheKey(npino, nname), src)
	mlog.Printf2("ufs/ops", "Rename %d/%q -> %d/%q ino:%d", opino, oname, npino, nname, src)
	return nil
}
