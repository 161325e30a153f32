/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue May 15 20:02:33 2018 mstenber
 * Last modified: Wed May 16 11:17:45 2018 mstenber
 * Edit time:     97 min
 *
 */

package mount

import (
	"syscall"
	"testing"

	"github.com/fingon/go-ufs/disk"
	"github.com/fingon/go-ufs/layout"
	"github.com/fingon/go-ufs/mkfs"
	"github.com/fingon/go-ufs/ufs"
	"github.com/hanwen/go-fuse/fuse"
	"github.com/stvp/assert"
)

const testImageSize = 16 << 20

func newTestOps(t *testing.T, rw bool) *Ops {
	dev := disk.NewMemDevice(make([]byte, testImageSize), true)
	err := mkfs.Build(dev, mkfs.Options{Volname: "test"})
	assert.Nil(t, err)
	fs, err := ufs.NewFs(dev, rw)
	assert.Nil(t, err)
	return NewOps(fs)
}

func hdr(node uint64) *fuse.InHeader {
	return &fuse.InHeader{NodeId: node}
}

func TestOpsRootAttr(t *testing.T) {
	t.Parallel()
	ops := newTestOps(t, false)

	// The kernel root node id must resolve to the on-disk root
	// inode.
	var out fuse.AttrOut
	code := ops.GetAttr(&fuse.GetAttrIn{InHeader: *hdr(fuse.FUSE_ROOT_ID)}, &out)
	assert.Equal(t, code, fuse.OK)
	assert.Equal(t, out.Ino, uint64(layout.RootIno))
	assert.Equal(t, out.Mode&syscall.S_IFMT, uint32(syscall.S_IFDIR))
	assert.Equal(t, out.Nlink, uint32(2))

	var st fuse.StatfsOut
	code = ops.StatFs(hdr(fuse.FUSE_ROOT_ID), &st)
	assert.Equal(t, code, fuse.OK)
	assert.True(t, st.Blocks > 0)
	assert.True(t, st.Bfree > 0)
	assert.Equal(t, st.NameLen, uint32(layout.MaxNameLen))
}

func TestOpsLookupErrno(t *testing.T) {
	t.Parallel()
	ops := newTestOps(t, false)

	var out fuse.EntryOut
	code := ops.Lookup(hdr(fuse.FUSE_ROOT_ID), "nonexistent", &out)
	assert.Equal(t, code, fuse.ENOENT)
}

func TestOpsCreateWriteRead(t *testing.T) {
	t.Parallel()
	ops := newTestOps(t, true)

	var cout fuse.CreateOut
	code := ops.Create(&fuse.CreateIn{InHeader: *hdr(fuse.FUSE_ROOT_ID),
		Mode: 0o644}, "file", &cout)
	assert.Equal(t, code, fuse.OK)
	node := cout.NodeId
	assert.True(t, node != 0)
	assert.Equal(t, cout.Attr.Mode&syscall.S_IFMT, uint32(syscall.S_IFREG))

	data := []byte("hello, kernel")
	n, code := ops.Write(&fuse.WriteIn{InHeader: *hdr(node)}, data)
	assert.Equal(t, code, fuse.OK)
	assert.Equal(t, n, uint32(len(data)))

	buf := make([]byte, 100)
	rr, code := ops.Read(&fuse.ReadIn{InHeader: *hdr(node),
		Size: uint32(len(buf))}, buf)
	assert.Equal(t, code, fuse.OK)
	got, _ := rr.Bytes(buf)
	assert.Equal(t, string(got), string(data))

	// Lookup of a created name must return the same node.
	var eout fuse.EntryOut
	code = ops.Lookup(hdr(fuse.FUSE_ROOT_ID), "file", &eout)
	assert.Equal(t, code, fuse.OK)
	assert.Equal(t, eout.NodeId, node)
	assert.Equal(t, eout.Attr.Size, uint64(len(data)))

	code = ops.Create(&fuse.CreateIn{InHeader: *hdr(fuse.FUSE_ROOT_ID),
		Mode: 0o644}, "file", &cout)
	assert.Equal(t, code, fuse.Status(syscall.EEXIST))
}

func TestOpsSetAttr(t *testing.T) {
	t.Parallel()
	ops := newTestOps(t, true)

	var cout fuse.CreateOut
	code := ops.Create(&fuse.CreateIn{InHeader: *hdr(fuse.FUSE_ROOT_ID),
		Mode: 0o600}, "file", &cout)
	assert.Equal(t, code, fuse.OK)

	in := fuse.SetAttrIn{}
	in.NodeId = cout.NodeId
	in.Valid = fuse.FATTR_MODE | fuse.FATTR_SIZE
	in.Mode = 0o755
	in.Size = 12345
	var out fuse.AttrOut
	code = ops.SetAttr(&in, &out)
	assert.Equal(t, code, fuse.OK)
	assert.Equal(t, out.Mode&0o777, uint32(0o755))
	assert.Equal(t, out.Size, uint64(12345))
}

func TestOpsDirs(t *testing.T) {
	t.Parallel()
	ops := newTestOps(t, true)

	var eout fuse.EntryOut
	code := ops.Mkdir(&fuse.MkdirIn{InHeader: *hdr(fuse.FUSE_ROOT_ID),
		Mode: 0o755}, "sub", &eout)
	assert.Equal(t, code, fuse.OK)
	sub := eout.NodeId

	var oout fuse.OpenOut
	code = ops.OpenDir(&fuse.OpenIn{InHeader: *hdr(sub)}, &oout)
	assert.Equal(t, code, fuse.OK)
	assert.True(t, oout.Fh != 0)

	l := fuse.NewDirEntryList(make([]byte, 4096), 0)
	code = ops.ReadDir(&fuse.ReadIn{InHeader: *hdr(sub), Fh: oout.Fh}, l)
	assert.Equal(t, code, fuse.OK)
	ops.ReleaseDir(&fuse.ReleaseIn{InHeader: *hdr(sub), Fh: oout.Fh})

	code = ops.OpenDir(&fuse.OpenIn{InHeader: *hdr(fuse.FUSE_ROOT_ID)}, &oout)
	assert.Equal(t, code, fuse.OK)
	l = fuse.NewDirEntryList(make([]byte, 4096), 0)
	code = ops.ReadDirPlus(&fuse.ReadIn{InHeader: *hdr(fuse.FUSE_ROOT_ID),
		Fh: oout.Fh}, l)
	assert.Equal(t, code, fuse.OK)

	// A stream on an unknown handle is refused.
	code = ops.ReadDir(&fuse.ReadIn{InHeader: *hdr(sub), Fh: 999}, l)
	assert.Equal(t, code, fuse.Status(syscall.EBADF))

	code = ops.Rmdir(hdr(fuse.FUSE_ROOT_ID), "sub")
	assert.Equal(t, code, fuse.OK)
	code = ops.Rmdir(hdr(fuse.FUSE_ROOT_ID), "sub")
	assert.Equal(t, code, fuse.ENOENT)
}

func TestOpsRename(t *testing.T) {
	t.Parallel()
	ops := newTestOps(t, true)

	var cout fuse.CreateOut
	code := ops.Create(&fuse.CreateIn{InHeader: *hdr(fuse.FUSE_ROOT_ID),
		Mode: 0o644}, "old", &cout)
	assert.Equal(t, code, fuse.OK)

	code = ops.Rename(&fuse.RenameIn{InHeader: *hdr(fuse.FUSE_ROOT_ID),
		Newdir: fuse.FUSE_ROOT_ID}, "old", "new")
	assert.Equal(t, code, fuse.OK)

	var eout fuse.EntryOut
	code = ops.Lookup(hdr(fuse.FUSE_ROOT_ID), "old", &eout)
	assert.Equal(t, code, fuse.ENOENT)
	code = ops.Lookup(hdr(fuse.FUSE_ROOT_ID), "new", &eout)
	assert.Equal(t, code, fuse.OK)
	assert.Equal(t, eout.NodeId, cout.NodeId)
}

func TestOpsSymlink(t *testing.T) {
	t.Parallel()
	ops := newTestOps(t, true)

	var eout fuse.EntryOut
	code := ops.Symlink(hdr(fuse.FUSE_ROOT_ID), "target/over/there", "link", &eout)
	assert.Equal(t, code, fuse.OK)
	assert.Equal(t, eout.Attr.Mode&syscall.S_IFMT, uint32(syscall.S_IFLNK))

	target, code := ops.Readlink(hdr(eout.NodeId))
	assert.Equal(t, code, fuse.OK)
	assert.Equal(t, string(target), "target/over/there")
}

func TestOpsReadOnly(t *testing.T) {
	t.Parallel()
	ops := newTestOps(t, false)

	var cout fuse.CreateOut
	code := ops.Create(&fuse.CreateIn{InHeader: *hdr(fuse.FUSE_ROOT_ID),
		Mode: 0o644}, "file", &cout)
	assert.Equal(t, code, fuse.EROFS)

	code = ops.Unlink(hdr(fuse.FUSE_ROOT_ID), "anything")
	assert.Equal(t, code, fuse.EROFS)

	var oout fuse.OpenOut
	oin := fuse.OpenIn{InHeader: *hdr(fuse.FUSE_ROOT_ID)}
	oin.Flags = uint32(syscall.O_RDWR)
	code = ops.Open(&oin, &oout)
	assert.Equal(t, code, fuse.EROFS)
	oin.Flags = uint32(syscall.O_RDONLY)
	code = ops.Open(&oin, &oout)
	assert.Equal(t, code, fuse.OK)
}

func TestOpsEnosys(t *testing.T) {
	t.Parallel()
	ops := newTestOps(t, true)

	var eout fuse.EntryOut
	code := ops.Mknod(&fuse.MknodIn{InHeader: *hdr(fuse.FUSE_ROOT_ID)},
		"dev", &eout)
	assert.Equal(t, code, fuse.ENOSYS)
	code = ops.SetXAttr(&fuse.SetXAttrIn{InHeader: *hdr(fuse.FUSE_ROOT_ID)},
		"user.x", []byte("y"))
	assert.Equal(t, code, fuse.ENOSYS)
	assert.Equal(t, ops.RemoveXAttr(hdr(fuse.FUSE_ROOT_ID), "user.x"), fuse.ENOSYS)
}
