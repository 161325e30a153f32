/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Apr 12 09:11:37 2018 mstenber
 * Last modified: Tue May 15 12:05:19 2018 mstenber
 * Edit time:     148 min
 *
 */

package ufs

import (
	"time"

	"github.com/fingon/go-ufs/layout"
	"github.com/fingon/go-ufs/mlog"
	"github.com/pkg/errors"
)

// readInode fetches inode ino, from the cache when possible. The
// returned record is shared; callers that mutate must go through
// writeInode, which replaces the cached copy.
func (self *Ufs) readInode(ino uint32) (*layout.Inode, error) {
	if ino < layout.RootIno || ino >= self.maxIno() {
		return nil, errors.Wrapf(ErrInvalidInode, "inode %d", ino)
	}
	if v, err := self.icache.Get(ino); err == nil {
		return v.(*layout.Inode), nil
	}
	buf := make([]byte, layout.InodeSize)
	if err := self.dev.ReadAt(buf, self.inoOff(ino)); err != nil {
		return nil, errors.Wrapf(err, "reading inode %d", ino)
	}
	ip, err := layout.DecodeInode(buf, self.ord)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidInode, "inode %d: %v", ino, err)
	}
	self.icache.Set(ino, ip)
	return ip, nil
}

// writeInode stores the record and refreshes the cache.
func (self *Ufs) writeInode(ino uint32, ip *layout.Inode) error {
	mlog.Printf2("ufs/inode", "writeInode %d mode:%o size:%d", ino, ip.Mode, ip.Size)
	buf := make([]byte, layout.InodeSize)
	layout.EncodeInode(ip, buf, self.ord)
	if err := self.dev.WriteAt(buf, self.inoOff(ino)); err != nil {
		return errors.Wrapf(err, "writing inode %d", ino)
	}
	self.icache.Set(ino, ip)
	return nil
}

// Attr is the attribute view of one inode, as getattr reports it.
type Attr struct {
	Ino       uint32
	Mode      uint16
	Nlink     uint16
	Uid       uint32
	Gid       uint32
	Size      uint64
	Blocks    uint64 // 512-byte units
	Blksize   uint32
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Birthtime time.Time
	Gen       uint32
}

func inodeAttr(ino uint32, ip *layout.Inode) Attr {
	return Attr{
		Ino:       ino,
		Mode:      ip.Mode,
		Nlink:     ip.Nlink,
		Uid:       ip.Uid,
		Gid:       ip.Gid,
		Size:      ip.Size,
		Blocks:    ip.Blocks,
		Blksize:   ip.Blksize,
		Atime:     time.Unix(ip.Atime, int64(ip.Atimensec)),
		Mtime:     time.Unix(ip.Mtime, int64(ip.Mtimensec)),
		Ctime:     time.Unix(ip.Ctime, int64(ip.Ctimensec)),
		Birthtime: time.Unix(ip.Birthtime, int64(ip.Birthnsec)),
		Gen:       ip.Gen,
	}
}

// GetAttr returns the attributes of ino. The inode lock is taken so
// the snapshot never interleaves with a mutator writing the shared
// cached record.
func (self *Ufs) GetAttr(ino uint32) (Attr, error) {
	defer self.inodeLocks.Locked(ino)()
	ip, err := self.readInode(ino)
	if err != nil {
		return Attr{}, err
	}
	if ip.Mode == 0 {
		return Attr{}, errors.Wrapf(ErrInvalidInode, "inode %d not allocated", ino)
	}
	return inodeAttr(ino, ip), nil
}

// SetAttrIn selects which attributes SetAttr changes. Nil pointer
// means leave alone.
type SetAttrIn struct {
	Mode  *uint16 // permission bits only; the type nibble is fixed
	Uid   *uint32
	Gid   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

// SetAttr applies the requested changes and returns the resulting
// attributes. A size change truncates or extends the file; extension
// only moves the size, the new range reads as zeros until written.
func (self *Ufs) SetAttr(ino uint32, in SetAttrIn) (Attr, error) {
	if err := self.markDirty(); err != nil {
		return Attr{}, err
	}
	defer self.inodeLocks.Locked(ino)()
	ip, err := self.readInode(ino)
	if err != nil {
		return Attr{}, err
	}
	if in.Size != nil && ip.Mode&layout.IFMT == layout.IFDIR {
		return Attr{}, errors.Wrapf(ErrIsDirectory, "inode %d", ino)
	}
	if in.Mode != nil {
		ip.Mode = ip.Mode&layout.IFMT | *in.Mode&^layout.IFMT
	}
	if in.Uid != nil {
		ip.Uid = *in.Uid
	}
	if in.Gid != nil {
		ip.Gid = *in.Gid
	}
	if in.Atime != nil {
		ip.Atime = in.Atime.Unix()
		ip.Atimensec = uint32(in.Atime.Nanosecond())
	}
	if in.Mtime != nil {
		ip.Mtime = in.Mtime.Unix()
		ip.Mtimensec = uint32(in.Mtime.Nanosecond())
	}
	if in.Size != nil && *in.Size != ip.Size {
		if err := self.truncate(ino, ip, *in.Size); err != nil {
			return Attr{}, err
		}
	}
	self.stampCtime(ip)
	if err := self.writeInode(ino, ip); err != nil {
		return Attr{}, err
	}
	return inodeAttr(ino, ip), nil
}

func (self *Ufs) stampCtime(ip *layout.Inode) {
	now := time.Now()
	ip.Ctime = now.Unix()
	ip.Ctimensec = uint32(now.Nanosecond())
}

func (self *Ufs) stampMtime(ip *layout.Inode) {
	now := time.Now()
	ip.Mtime = now.Unix()
	ip.Mtimensec = uint32(now.Nanosecond())
	ip.Ctime = ip.Mtime
	ip.Ctimensec = ip.Mtimensec
}
