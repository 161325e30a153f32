/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Apr 20 10:18:42 2018 mstenber
 * Last modified: Tue May 15 19:38:06 2018 mstenber
 * Edit time:     228 min
 *
 */

// Package mount adapts the filesystem core to the kernel fuse
// protocol. It is a thin translation layer: node ids to inode
// numbers, core sentinel errors to errnos, attribute structs across.
package mount

import (
	"syscall"
	"time"

	"github.com/fingon/go-ufs/layout"
	"github.com/fingon/go-ufs/mlog"
	"github.com/fingon/go-ufs/ufs"
	"github.com/hanwen/go-fuse/fuse"
	"github.com/pkg/errors"
)

// Ops implements fuse.RawFileSystem on top of ufs.Ufs.
type Ops struct {
	fs     *ufs.Ufs
	fhs    handleMap
	server *fuse.Server
}

var _ fuse.RawFileSystem = &Ops{}

func NewOps(fs *ufs.Ufs) *Ops {
	self := &Ops{fs: fs}
	self.fhs.Init()
	return self
}

func (self *Ops) Init(server *fuse.Server) {
	self.server = server
}

func (self *Ops) String() string {
	return "goufs"
}

func (self *Ops) SetDebug(dbg bool) {
}

// The kernel speaks node ids with 1 as the root; the disk speaks
// inode numbers with 2 as the root.

func node2ino(node uint64) uint32 {
	if node == fuse.FUSE_ROOT_ID {
		return layout.RootIno
	}
	return uint32(node)
}

func ino2node(ino uint32) uint64 {
	if ino == layout.RootIno {
		return fuse.FUSE_ROOT_ID
	}
	return uint64(ino)
}

// errno translates core sentinel errors to fuse statuses.
func errno(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	mlog.Printf2("mount/ops", "errno %v", err)
	switch errors.Cause(err) {
	case ufs.ErrNotFound, ufs.ErrInvalidInode:
		return fuse.ENOENT
	case ufs.ErrExists:
		return fuse.Status(syscall.EEXIST)
	case ufs.ErrNotDirectory:
		return fuse.ENOTDIR
	case ufs.ErrIsDirectory:
		return fuse.Status(syscall.EISDIR)
	case ufs.ErrNotEmpty:
		return fuse.Status(syscall.ENOTEMPTY)
	case ufs.ErrAttributeNotFound:
		return fuse.ENOATTR
	case ufs.ErrNoSpace:
		return fuse.Status(syscall.ENOSPC)
	case ufs.ErrReadOnly:
		return fuse.EROFS
	case ufs.ErrNameTooLong:
		return fuse.Status(syscall.ENAMETOOLONG)
	case ufs.ErrInvalidArgument:
		return fuse.EINVAL
	}
	// Inconsistent filesystem, corrupt chains, device trouble.
	return fuse.EIO
}

func copyAttr(a ufs.Attr, out *fuse.Attr) {
	out.Ino = uint64(a.Ino)
	out.Size = a.Size
	out.Blocks = a.Blocks
	out.Blksize = a.Blksize
	out.Mode = uint32(a.Mode)
	out.Nlink = uint32(a.Nlink)
	out.Owner.Uid = a.Uid
	out.Owner.Gid = a.Gid
	out.Atime = uint64(a.Atime.Unix())
	out.Atimensec = uint32(a.Atime.Nanosecond())
	out.Mtime = uint64(a.Mtime.Unix())
	out.Mtimensec = uint32(a.Mtime.Nanosecond())
	out.Ctime = uint64(a.Ctime.Unix())
	out.Ctimensec = uint32(a.Ctime.Nanosecond())
}

func (self *Ops) fillEntry(a ufs.Attr, out *fuse.EntryOut) {
	out.NodeId = ino2node(a.Ino)
	out.Generation = uint64(a.Gen)
	copyAttr(a, &out.Attr)
}

func (self *Ops) StatFs(input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	st := self.fs.StatFs()
	out.Bsize = st.Bsize
	out.Frsize = st.Frsize
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bfree
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.NameLen = st.NameLen
	return fuse.OK
}

func (self *Ops) Lookup(header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	a, err := self.fs.Lookup(node2ino(header.NodeId), name)
	if err != nil {
		return errno(err)
	}
	self.fillEntry(a, out)
	return fuse.OK
}

func (self *Ops) Forget(nodeid, nlookup uint64) {
}

func (self *Ops) GetAttr(input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	a, err := self.fs.GetAttr(node2ino(input.NodeId))
	if err != nil {
		return errno(err)
	}
	copyAttr(a, &out.Attr)
	return fuse.OK
}

func (self *Ops) SetAttr(input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	var in ufs.SetAttrIn
	if input.Valid&fuse.FATTR_MODE != 0 {
		mode := uint16(input.Mode)
		in.Mode = &mode
	}
	if input.Valid&fuse.FATTR_UID != 0 {
		uid := input.Uid
		in.Uid = &uid
	}
	if input.Valid&fuse.FATTR_GID != 0 {
		gid := input.Gid
		in.Gid = &gid
	}
	if input.Valid&fuse.FATTR_SIZE != 0 {
		size := input.Size
		in.Size = &size
	}
	now := time.Now()
	if input.Valid&fuse.FATTR_ATIME != 0 {
		if input.Valid&fuse.FATTR_ATIME_NOW != 0 {
			in.Atime = &now
		} else {
			t := time.Unix(int64(input.Atime), int64(input.Atimensec))
			in.Atime = &t
		}
	}
	if input.Valid&fuse.FATTR_MTIME != 0 {
		if input.Valid&fuse.FATTR_MTIME_NOW != 0 {
			in.Mtime = &now
		} else {
			t := time.Unix(int64(input.Mtime), int64(input.Mtimensec))
			in.Mtime = &t
		}
	}
	a, err := self.fs.SetAttr(node2ino(input.NodeId), in)
	if err != nil {
		return errno(err)
	}
	copyAttr(a, &out.Attr)
	return fuse.OK
}

func (self *Ops) Mknod(input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	return fuse.ENOSYS
}

func (self *Ops) Mkdir(input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	a, err := self.fs.Mkdir(node2ino(input.NodeId), name,
		uint16(input.Mode), input.Uid, input.Gid)
	if err != nil {
		return errno(err)
	}
	self.fillEntry(a, out)
	return fuse.OK
}

func (self *Ops) Unlink(header *fuse.InHeader, name string) fuse.Status {
	return errno(self.fs.Unlink(node2ino(header.NodeId), name))
}

func (self *Ops) Rmdir(header *fuse.InHeader, name string) fuse.Status {
	return errno(self.fs.Rmdir(node2ino(header.NodeId), name))
}

func (self *Ops) Rename(input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	return errno(self.fs.Rename(node2ino(input.NodeId), oldName,
		node2ino(input.Newdir), newName))
}

func (self *Ops) Link(input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	a, err := self.fs.Link(node2ino(input.NodeId), filename, node2ino(input.Oldnodeid))
	if err != nil {
		return errno(err)
	}
	self.fillEntry(a, out)
	return fuse.OK
}

func (self *Ops) Symlink(header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	a, err := self.fs.Symlink(node2ino(header.NodeId), linkName, pointedTo,
		header.Uid, header.Gid)
	if err != nil {
		return errno(err)
	}
	self.fillEntry(a, out)
	return fuse.OK
}

func (self *Ops) Readlink(header *fuse.InHeader) (out []byte, code fuse.Status) {
	target, err := self.fs.Readlink(node2ino(header.NodeId))
	if err != nil {
		return nil, errno(err)
	}
	return target, fuse.OK
}

func (self *Ops) Access(input *fuse.AccessIn) fuse.Status {
	return fuse.ENOSYS
}

func (self *Ops) GetXAttrSize(header *fuse.InHeader, attr string) (int, fuse.Status) {
	data, err := self.fs.XattrGet(node2ino(header.NodeId), attr)
	if err != nil {
		return 0, errno(err)
	}
	return len(data), fuse.OK
}

func (self *Ops) GetXAttrData(header *fuse.InHeader, attr string) ([]byte, fuse.Status) {
	data, err := self.fs.XattrGet(node2ino(header.NodeId), attr)
	if err != nil {
		return nil, errno(err)
	}
	return data, fuse.OK
}

func (self *Ops) ListXAttr(header *fuse.InHeader) ([]byte, fuse.Status) {
	names, err := self.fs.XattrList(node2ino(header.NodeId))
	if err != nil {
		return nil, errno(err)
	}
	var out []byte
	for _, name := range names {
		out = append(out, name...)
		out = append(out, 0)
	}
	return out, fuse.OK
}

func (self *Ops) SetXAttr(input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	return fuse.ENOSYS
}

func (self *Ops) RemoveXAttr(header *fuse.InHeader, attr string) fuse.Status {
	return fuse.ENOSYS
}

func (self *Ops) Create(input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	a, err := self.fs.Create(node2ino(input.NodeId), name,
		uint16(input.Mode), input.Uid, input.Gid)
	if err != nil {
		return errno(err)
	}
	self.fillEntry(a, &out.EntryOut)
	return fuse.OK
}

func (self *Ops) Open(input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	if !self.fs.Writable() && input.Flags&uint32(syscall.O_ACCMODE) != syscall.O_RDONLY {
		return fuse.EROFS
	}
	out.Fh = self.fhs.alloc(node2ino(input.NodeId))
	return fuse.OK
}

func (self *Ops) Read(input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	if int(input.Size) < len(buf) {
		buf = buf[:input.Size]
	}
	n, err := self.fs.Read(node2ino(input.NodeId), int64(input.Offset), buf)
	if err != nil {
		return nil, errno(err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (self *Ops) Release(input *fuse.ReleaseIn) {
	self.fhs.free(input.Fh)
}

func (self *Ops) Write(input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	n, err := self.fs.Write(node2ino(input.NodeId), int64(input.Offset), data)
	if err != nil {
		return uint32(n), errno(err)
	}
	return uint32(n), fuse.OK
}

func (self *Ops) Flush(input *fuse.FlushIn) fuse.Status {
	return fuse.OK
}

func (self *Ops) Fsync(input *fuse.FsyncIn) fuse.Status {
	return errno(self.fs.Flush())
}

func (self *Ops) Fallocate(input *fuse.FallocateIn) fuse.Status {
	return fuse.ENOSYS
}

func (self *Ops) OpenDir(input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	out.Fh = self.fhs.alloc(node2ino(input.NodeId))
	return fuse.OK
}

// dirEntries returns the entry snapshot for the handle, taking it on
// the first read (offset 0) so a directory stream stays stable across
// concurrent mutation.
func (self *Ops) dirEntries(input *fuse.ReadIn) ([]ufs.DirEntry, fuse.Status) {
	h := self.fhs.get(input.Fh)
	if h == nil {
		return nil, fuse.Status(syscall.EBADF)
	}
	if input.Offset == 0 || h.entries == nil {
		entries, err := self.fs.ReadDir(h.ino)
		if err != nil {
			return nil, errno(err)
		}
		h.entries = entries
	}
	return h.entries, fuse.OK
}

func (self *Ops) ReadDir(input *fuse.ReadIn, l *fuse.DirEntryList) fuse.Status {
	entries, code := self.dirEntries(input)
	if !code.Ok() {
		return code
	}
	for i := int(input.Offset); i < len(entries); i++ {
		e := entries[i]
		ok, _ := l.AddDirEntry(fuse.DirEntry{
			Mode: uint32(e.Dtype) << 12,
			Name: e.Name,
			Ino:  uint64(e.Ino),
		})
		if !ok {
			break
		}
	}
	return fuse.OK
}

func (self *Ops) ReadDirPlus(input *fuse.ReadIn, l *fuse.DirEntryList) fuse.Status {
	pino := node2ino(input.NodeId)
	entries, code := self.dirEntries(input)
	if !code.Ok() {
		return code
	}
	for i := int(input.Offset); i < len(entries); i++ {
		e := entries[i]
		entry, _ := l.AddDirLookupEntry(fuse.DirEntry{
			Mode: uint32(e.Dtype) << 12,
			Name: e.Name,
			Ino:  uint64(e.Ino),
		})
		if entry == nil {
			break
		}
		*entry = fuse.EntryOut{}
		if e.Name == "." || e.Name == ".." {
			continue
		}
		a, err := self.fs.Lookup(pino, e.Name)
		if err != nil {
			continue
		}
		self.fillEntry(a, entry)
	}
	return fuse.OK
}

func (self *Ops) ReleaseDir(input *fuse.ReleaseIn) {
	self.fhs.free(input.Fh)
}

func (self *Ops) FsyncDir(input *fuse.FsyncIn) fuse.Status {
	return errno(self.fs.Flush())
}

// POSIX byte-range locks are left to the kernel's local handling.
func (self *Ops) GetLk(input *fuse.LkIn, out *fuse.LkOut) fuse.Status {
	return fuse.ENOSYS
}

func (self *Ops) SetLk(input *fuse.LkIn) fuse.Status {
	return fuse.ENOSYS
}

func (self *Ops) SetLkw(input *fuse.LkIn) fuse.Status {
	return fuse.ENOSYS
}
