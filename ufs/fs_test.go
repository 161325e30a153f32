/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Apr 19 14:12:05 2018 mstenber
 * Last modified: Tue May 15 18:41:27 2018 mstenber
 * Edit time:     312 min
 *
 */

package ufs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/fingon/go-ufs/disk"
	"github.com/fingon/go-ufs/layout"
	"github.com/fingon/go-ufs/mkfs"
	"github.com/pkg/errors"
	"github.com/stvp/assert"
)

const testImageSize = 16 << 20

func newTestImage(t *testing.T, ord binary.ByteOrder) disk.Device {
	dev := disk.NewMemDevice(make([]byte, testImageSize), true)
	err := mkfs.Build(dev, mkfs.Options{ByteOrder: ord, Volname: "test"})
	assert.Nil(t, err)
	return dev
}

func newTestFs(t *testing.T) (*Ufs, disk.Device) {
	dev := newTestImage(t, nil)
	fs, err := NewFs(dev, true)
	assert.Nil(t, err)
	return fs, dev
}

func TestMountBothOrders(t *testing.T) {
	t.Parallel()
	for _, ord := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		dev := newTestImage(t, ord)
		fs, err := NewFs(dev, true)
		assert.Nil(t, err)
		assert.Equal(t, fs.ord, ord)
		a, err := fs.GetAttr(layout.RootIno)
		assert.Nil(t, err)
		assert.Equal(t, a.Mode&layout.IFMT, uint16(layout.IFDIR))
		assert.Equal(t, a.Nlink, uint16(2))
		assert.Equal(t, len(fs.Verify()), 0)
	}
}

func TestMountGarbage(t *testing.T) {
	t.Parallel()
	dev := disk.NewMemDevice(make([]byte, testImageSize), true)
	_, err := NewFs(dev, false)
	assert.True(t, err != nil)
	assert.Equal(t, errors.Cause(err), ErrInvalidSuperblock)
}

func TestMountBadGeometry(t *testing.T) {
	t.Parallel()
	dev := newTestImage(t, nil)
	fs, err := NewFs(dev, false)
	assert.Nil(t, err)
	// Corrupt the frag count in place and remount.
	fs.sb.Frag = 16
	buf := make([]byte, layout.SuperblockSize)
	layout.EncodeSuperblock(fs.sb, buf, fs.ord)
	assert.Nil(t, dev.WriteAt(buf, layout.SBlockUFS2))
	_, err = NewFs(dev, false)
	assert.True(t, err != nil)
	assert.Equal(t, errors.Cause(err), ErrInvalidSuperblock)
}

func TestMountTruncatedDevice(t *testing.T) {
	t.Parallel()
	dev := newTestImage(t, nil)
	// The superblock declares the full size; a device holding half
	// of it must be rejected before anything trusts the geometry.
	half := disk.Bytes(dev)[:testImageSize/2]
	_, err := NewFs(disk.NewMemDevice(half, false), false)
	assert.True(t, err != nil)
	assert.Equal(t, errors.Cause(err), ErrInvalidSuperblock)
}

func TestVerifyCorruptGroup(t *testing.T) {
	t.Parallel()
	fs, dev := newTestFs(t)
	assert.Equal(t, len(fs.Verify()), 0)
	// Smash the second group's magic.
	assert.Nil(t, dev.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, fs.cgHeaderOff(1)+4))
	errs := fs.Verify()
	assert.True(t, len(errs) > 0)
	assert.Equal(t, errors.Cause(errs[0]), ErrInconsistentFilesystem)
}

func TestCreateWriteRead(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Create(layout.RootIno, "hello.txt", 0o644, 1000, 1000)
	assert.Nil(t, err)
	assert.Equal(t, a.Mode, uint16(layout.IFREG|0o644))
	assert.Equal(t, a.Nlink, uint16(1))

	data := []byte("hello, world")
	n, err := fs.Write(a.Ino, 0, data)
	assert.Nil(t, err)
	assert.Equal(t, n, len(data))

	got, err := fs.Lookup(layout.RootIno, "hello.txt")
	assert.Nil(t, err)
	assert.Equal(t, got.Ino, a.Ino)
	assert.Equal(t, got.Size, uint64(len(data)))

	buf := make([]byte, 64)
	n, err = fs.Read(a.Ino, 0, buf)
	assert.Nil(t, err)
	assert.Equal(t, string(buf[:n]), string(data))

	// Read past end.
	n, err = fs.Read(a.Ino, int64(len(data))+10, buf)
	assert.Nil(t, err)
	assert.Equal(t, n, 0)
}

func TestCreateExisting(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	_, err := fs.Create(layout.RootIno, "dup", 0o644, 0, 0)
	assert.Nil(t, err)
	_, err = fs.Create(layout.RootIno, "dup", 0o644, 0, 0)
	assert.Equal(t, errors.Cause(err), ErrExists)
}

func TestLookupNotFound(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	_, err := fs.Lookup(layout.RootIno, "missing")
	assert.Equal(t, errors.Cause(err), ErrNotFound)
}

func TestSparseFile(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Create(layout.RootIno, "sparse", 0o644, 0, 0)
	assert.Nil(t, err)
	// Write far past the start; the gap stays holes.
	off := int64(5 * 16384)
	tail := []byte("tail data")
	_, err = fs.Write(a.Ino, off, tail)
	assert.Nil(t, err)
	a2, err := fs.GetAttr(a.Ino)
	assert.Nil(t, err)
	assert.Equal(t, a2.Size, uint64(off)+uint64(len(tail)))
	// Only the tail fragments are allocated.
	assert.True(t, a2.Blocks < uint64(off)/layout.StatBlockSize)

	buf := make([]byte, 100)
	n, err := fs.Read(a.Ino, 16384, buf)
	assert.Nil(t, err)
	assert.Equal(t, n, len(buf))
	assert.True(t, bytes.Equal(buf, make([]byte, len(buf))))

	n, err = fs.Read(a.Ino, off, buf)
	assert.Nil(t, err)
	assert.Equal(t, string(buf[:len(tail)]), string(tail))
	for _, b := range buf[len(tail):n] {
		assert.Equal(t, b, byte(0))
	}
}

func TestFragmentAccounting(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Create(layout.RootIno, "frags", 0o644, 0, 0)
	assert.Nil(t, err)

	// 100 bytes take one 2048-byte fragment.
	_, err = fs.Write(a.Ino, 0, make([]byte, 100))
	assert.Nil(t, err)
	a2, _ := fs.GetAttr(a.Ino)
	assert.Equal(t, a2.Blocks, uint64(2048/layout.StatBlockSize))

	// 5000 bytes take three fragments.
	_, err = fs.Write(a.Ino, 100, make([]byte, 4900))
	assert.Nil(t, err)
	a2, _ = fs.GetAttr(a.Ino)
	assert.Equal(t, a2.Blocks, uint64(6144/layout.StatBlockSize))

	// 20000 bytes take a full block plus two fragments.
	_, err = fs.Write(a.Ino, 5000, make([]byte, 15000))
	assert.Nil(t, err)
	a2, _ = fs.GetAttr(a.Ino)
	assert.Equal(t, a2.Blocks, uint64((16384+4096)/layout.StatBlockSize))
}

func TestExtendGrowsOldTail(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Create(layout.RootIno, "a", 0o644, 0, 0)
	assert.Nil(t, err)
	b, err := fs.Create(layout.RootIno, "b", 0o644, 0, 0)
	assert.Nil(t, err)
	// Two small files land on neighboring fragments.
	_, err = fs.Write(a.Ino, 0, bytes.Repeat([]byte("A"), 100))
	assert.Nil(t, err)
	_, err = fs.Write(b.Ino, 0, bytes.Repeat([]byte("B"), 100))
	assert.Nil(t, err)

	// Extending a past its old tail grows the tail to a full block
	// first; the gap reads zeros, never the neighbor's fragments.
	_, err = fs.Write(a.Ino, 2*16384, []byte{1})
	assert.Nil(t, err)
	buf := make([]byte, 100)
	n, err := fs.Read(a.Ino, 2048, buf)
	assert.Nil(t, err)
	assert.Equal(t, n, 100)
	assert.True(t, bytes.Equal(buf, make([]byte, 100)))
	a2, err := fs.GetAttr(a.Ino)
	assert.Nil(t, err)
	assert.Equal(t, a2.Blocks, uint64((16384+2048)/layout.StatBlockSize))

	// Releasing a frees only fragments a owns.
	assert.Nil(t, fs.Unlink(layout.RootIno, "a"))
	c, err := fs.Create(layout.RootIno, "c", 0o644, 0, 0)
	assert.Nil(t, err)
	_, err = fs.Write(c.Ino, 0, make([]byte, 16384))
	assert.Nil(t, err)
	n, err = fs.Read(b.Ino, 0, buf)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(buf[:n], bytes.Repeat([]byte("B"), 100)))
}

func TestWriteContentPreservedAcrossRealloc(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Create(layout.RootIno, "grow", 0o644, 0, 0)
	assert.Nil(t, err)
	first := bytes.Repeat([]byte("a"), 1000)
	_, err = fs.Write(a.Ino, 0, first)
	assert.Nil(t, err)
	// Force fragment runs elsewhere so extension may have to move.
	b, err := fs.Create(layout.RootIno, "wedge", 0o644, 0, 0)
	assert.Nil(t, err)
	_, err = fs.Write(b.Ino, 0, make([]byte, 2048))
	assert.Nil(t, err)
	second := bytes.Repeat([]byte("b"), 9000)
	_, err = fs.Write(a.Ino, 1000, second)
	assert.Nil(t, err)

	buf := make([]byte, 10000)
	n, err := fs.Read(a.Ino, 0, buf)
	assert.Nil(t, err)
	assert.Equal(t, n, 10000)
	assert.True(t, bytes.Equal(buf[:1000], first))
	assert.True(t, bytes.Equal(buf[1000:], second))
}

func TestIndirectFile(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Create(layout.RootIno, "big", 0o644, 0, 0)
	assert.Nil(t, err)
	// Past the direct area (12 blocks of 16k).
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 80000) // 320000 bytes
	_, err = fs.Write(a.Ino, 0, data)
	assert.Nil(t, err)

	buf := make([]byte, len(data))
	n, err := fs.Read(a.Ino, 0, buf)
	assert.Nil(t, err)
	assert.Equal(t, n, len(data))
	assert.True(t, bytes.Equal(buf, data))

	// Shrinking back releases the pointer chain.
	ip, err := fs.readInode(a.Ino)
	assert.Nil(t, err)
	assert.True(t, ip.Indirect[0] != 0)
	_, err = fs.SetAttr(a.Ino, SetAttrIn{Size: u64p(0)})
	assert.Nil(t, err)
	ip, err = fs.readInode(a.Ino)
	assert.Nil(t, err)
	assert.Equal(t, ip.Indirect[0], int64(0))
	assert.Equal(t, ip.Blocks, uint64(0))
}

func u64p(v uint64) *uint64 { return &v }

func TestBlkPathTiers(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	pbp := fs.ptrsPerBlock()

	tier, idx, err := fs.blkPath(0)
	assert.Nil(t, err)
	assert.Equal(t, tier, 0)
	assert.Equal(t, idx[0], int64(0))

	tier, idx, err = fs.blkPath(11)
	assert.Nil(t, err)
	assert.Equal(t, tier, 0)
	assert.Equal(t, idx[0], int64(11))

	tier, idx, err = fs.blkPath(12)
	assert.Nil(t, err)
	assert.Equal(t, tier, 1)
	assert.Equal(t, idx[0], int64(0))

	tier, idx, err = fs.blkPath(12 + pbp)
	assert.Nil(t, err)
	assert.Equal(t, tier, 2)
	assert.Equal(t, idx[0], int64(0))
	assert.Equal(t, idx[1], int64(0))

	tier, idx, err = fs.blkPath(12 + pbp + pbp*pbp + 1)
	assert.Nil(t, err)
	assert.Equal(t, tier, 3)
	assert.Equal(t, idx[2], int64(1))

	_, _, err = fs.blkPath(12 + pbp + pbp*pbp + pbp*pbp*pbp)
	assert.True(t, err != nil)
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Create(layout.RootIno, "trunc", 0o644, 0, 0)
	assert.Nil(t, err)
	data := bytes.Repeat([]byte("x"), 30000)
	_, err = fs.Write(a.Ino, 0, data)
	assert.Nil(t, err)

	// Shrink into the middle of the first block.
	a2, err := fs.SetAttr(a.Ino, SetAttrIn{Size: u64p(5000)})
	assert.Nil(t, err)
	assert.Equal(t, a2.Size, uint64(5000))
	assert.Equal(t, a2.Blocks, uint64(6144/layout.StatBlockSize))

	// Grow back; the new range reads as zeros.
	a2, err = fs.SetAttr(a.Ino, SetAttrIn{Size: u64p(20000)})
	assert.Nil(t, err)
	assert.Equal(t, a2.Size, uint64(20000))
	buf := make([]byte, 20000)
	n, err := fs.Read(a.Ino, 0, buf)
	assert.Nil(t, err)
	assert.Equal(t, n, 20000)
	assert.True(t, bytes.Equal(buf[:5000], data[:5000]))
	assert.True(t, bytes.Equal(buf[5000:], make([]byte, 15000)))
}

func TestMkdirRmdir(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Mkdir(layout.RootIno, "sub", 0o755, 0, 0)
	assert.Nil(t, err)
	assert.Equal(t, a.Mode&layout.IFMT, uint16(layout.IFDIR))
	assert.Equal(t, a.Nlink, uint16(2))

	root, err := fs.GetAttr(layout.RootIno)
	assert.Nil(t, err)
	assert.Equal(t, root.Nlink, uint16(3))

	// Dot entries resolve.
	dot, err := fs.Lookup(a.Ino, ".")
	assert.Nil(t, err)
	assert.Equal(t, dot.Ino, a.Ino)
	dotdot, err := fs.Lookup(a.Ino, "..")
	assert.Nil(t, err)
	assert.Equal(t, dotdot.Ino, uint32(layout.RootIno))

	// Non-empty refuses.
	_, err = fs.Create(a.Ino, "f", 0o644, 0, 0)
	assert.Nil(t, err)
	err = fs.Rmdir(layout.RootIno, "sub")
	assert.Equal(t, errors.Cause(err), ErrNotEmpty)

	assert.Nil(t, fs.Unlink(a.Ino, "f"))
	assert.Nil(t, fs.Rmdir(layout.RootIno, "sub"))
	root, err = fs.GetAttr(layout.RootIno)
	assert.Nil(t, err)
	assert.Equal(t, root.Nlink, uint16(2))
	_, err = fs.Lookup(layout.RootIno, "sub")
	assert.Equal(t, errors.Cause(err), ErrNotFound)
}

func TestReadDir(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	names := []string{"alpha", "beta", "gamma", "a-rather-long-name-to-vary-record-sizes"}
	for _, n := range names {
		_, err := fs.Create(layout.RootIno, n, 0o644, 0, 0)
		assert.Nil(t, err)
	}
	entries, err := fs.ReadDir(layout.RootIno)
	assert.Nil(t, err)
	seen := map[string]uint8{}
	for _, e := range entries {
		seen[e.Name] = e.Dtype
	}
	assert.Equal(t, len(entries), len(names)+2)
	assert.Equal(t, seen["."], uint8(layout.DtDir))
	for _, n := range names {
		assert.Equal(t, seen[n], uint8(layout.DtReg))
	}

	// Removal reclaims the record; a new name reuses the slack.
	assert.Nil(t, fs.Unlink(layout.RootIno, "beta"))
	_, err = fs.Create(layout.RootIno, "delta", 0o644, 0, 0)
	assert.Nil(t, err)
	entries, err = fs.ReadDir(layout.RootIno)
	assert.Nil(t, err)
	assert.Equal(t, len(entries), len(names)+2)
}

func TestDirGrowsByChunk(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	for i := 0; i < 60; i++ {
		name := fmt.Sprintf("file-%02d-with-some-name-padding", i)
		_, err := fs.Create(layout.RootIno, name, 0o644, 0, 0)
		assert.Nil(t, err)
	}
	root, err := fs.GetAttr(layout.RootIno)
	assert.Nil(t, err)
	assert.True(t, root.Size > layout.DirBlkSiz)
	assert.Equal(t, root.Size%layout.DirBlkSiz, uint64(0))
	entries, err := fs.ReadDir(layout.RootIno)
	assert.Nil(t, err)
	assert.Equal(t, len(entries), 62)
}

func TestSymlink(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Symlink(layout.RootIno, "short", "target", 0, 0)
	assert.Nil(t, err)
	assert.Equal(t, a.Size, uint64(len("target")))
	assert.Equal(t, a.Blocks, uint64(0))
	got, err := fs.Readlink(a.Ino)
	assert.Nil(t, err)
	assert.Equal(t, string(got), "target")

	long := bytes.Repeat([]byte("p/"), 100) // 200 bytes, past the inline limit
	b, err := fs.Symlink(layout.RootIno, "long", string(long), 0, 0)
	assert.Nil(t, err)
	assert.True(t, b.Blocks > 0)
	got, err = fs.Readlink(b.Ino)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got, long))

	_, err = fs.Readlink(layout.RootIno)
	assert.Equal(t, errors.Cause(err), ErrInvalidArgument)
}

func TestHardLink(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Create(layout.RootIno, "one", 0o644, 0, 0)
	assert.Nil(t, err)
	_, err = fs.Write(a.Ino, 0, []byte("payload"))
	assert.Nil(t, err)

	b, err := fs.Link(layout.RootIno, "two", a.Ino)
	assert.Nil(t, err)
	assert.Equal(t, b.Ino, a.Ino)
	assert.Equal(t, b.Nlink, uint16(2))

	// Renaming one link over the other does nothing; both survive.
	assert.Nil(t, fs.Rename(layout.RootIno, "one", layout.RootIno, "two"))
	got0, err := fs.Lookup(layout.RootIno, "one")
	assert.Nil(t, err)
	assert.Equal(t, got0.Nlink, uint16(2))

	assert.Nil(t, fs.Unlink(layout.RootIno, "one"))
	got, err := fs.Lookup(layout.RootIno, "two")
	assert.Nil(t, err)
	assert.Equal(t, got.Nlink, uint16(1))
	buf := make([]byte, 7)
	_, err = fs.Read(got.Ino, 0, buf)
	assert.Nil(t, err)
	assert.Equal(t, string(buf), "payload")

	// Directories cannot be hard linked.
	sub, err := fs.Mkdir(layout.RootIno, "d", 0o755, 0, 0)
	assert.Nil(t, err)
	_, err = fs.Link(layout.RootIno, "dlink", sub.Ino)
	assert.Equal(t, errors.Cause(err), ErrIsDirectory)
}

func TestRename(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Create(layout.RootIno, "old", 0o644, 0, 0)
	assert.Nil(t, err)
	assert.Nil(t, fs.Rename(layout.RootIno, "old", layout.RootIno, "new"))
	_, err = fs.Lookup(layout.RootIno, "old")
	assert.Equal(t, errors.Cause(err), ErrNotFound)
	got, err := fs.Lookup(layout.RootIno, "new")
	assert.Nil(t, err)
	assert.Equal(t, got.Ino, a.Ino)
}

func TestRenameAcrossDirs(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	d1, err := fs.Mkdir(layout.RootIno, "d1", 0o755, 0, 0)
	assert.Nil(t, err)
	d2, err := fs.Mkdir(layout.RootIno, "d2", 0o755, 0, 0)
	assert.Nil(t, err)
	sub, err := fs.Mkdir(d1.Ino, "sub", 0o755, 0, 0)
	assert.Nil(t, err)

	// Prime the name cache with the old parent; the rename must not
	// leave it behind.
	dotdot, err := fs.Lookup(sub.Ino, "..")
	assert.Nil(t, err)
	assert.Equal(t, dotdot.Ino, d1.Ino)

	assert.Nil(t, fs.Rename(d1.Ino, "sub", d2.Ino, "sub"))

	// ".." follows the move; link counts do too.
	dotdot, err = fs.Lookup(sub.Ino, "..")
	assert.Nil(t, err)
	assert.Equal(t, dotdot.Ino, d2.Ino)
	a1, _ := fs.GetAttr(d1.Ino)
	a2, _ := fs.GetAttr(d2.Ino)
	assert.Equal(t, a1.Nlink, uint16(2))
	assert.Equal(t, a2.Nlink, uint16(3))

	// A directory cannot move into its own subtree.
	err = fs.Rename(layout.RootIno, "d2", sub.Ino, "oops")
	assert.Equal(t, errors.Cause(err), ErrInvalidArgument)
}

func TestRenameReplaces(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Create(layout.RootIno, "src", 0o644, 0, 0)
	assert.Nil(t, err)
	_, err = fs.Create(layout.RootIno, "dst", 0o644, 0, 0)
	assert.Nil(t, err)
	free0 := fs.StatFs().Ffree

	assert.Nil(t, fs.Rename(layout.RootIno, "src", layout.RootIno, "dst"))
	got, err := fs.Lookup(layout.RootIno, "dst")
	assert.Nil(t, err)
	assert.Equal(t, got.Ino, a.Ino)
	// The replaced inode went back to the pool.
	assert.Equal(t, fs.StatFs().Ffree, free0+1)

	// Type mismatches refuse.
	_, err = fs.Mkdir(layout.RootIno, "dir", 0o755, 0, 0)
	assert.Nil(t, err)
	err = fs.Rename(layout.RootIno, "dst", layout.RootIno, "dir")
	assert.Equal(t, errors.Cause(err), ErrIsDirectory)
	err = fs.Rename(layout.RootIno, "dir", layout.RootIno, "dst")
	assert.Equal(t, errors.Cause(err), ErrNotDirectory)
}

func TestStatFsRoundtrip(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	before := fs.StatFs()
	assert.True(t, before.Bfree > 0)
	assert.Equal(t, before.Files, uint64(fs.sb.Ipg)*uint64(fs.sb.Ncg))

	a, err := fs.Create(layout.RootIno, "tmp", 0o644, 0, 0)
	assert.Nil(t, err)
	_, err = fs.Write(a.Ino, 0, make([]byte, 1<<20))
	assert.Nil(t, err)
	during := fs.StatFs()
	assert.True(t, during.Bfree < before.Bfree)
	assert.Equal(t, during.Ffree, before.Ffree-1)

	assert.Nil(t, fs.Unlink(layout.RootIno, "tmp"))
	after := fs.StatFs()
	assert.Equal(t, after.Bfree, before.Bfree)
	assert.Equal(t, after.Ffree, before.Ffree)
}

func TestReadOnlyRefusesWrites(t *testing.T) {
	t.Parallel()
	dev := newTestImage(t, nil)
	fs, err := NewFs(disk.NewMemDevice(disk.Bytes(dev), false), false)
	assert.Nil(t, err)
	_, err = fs.Create(layout.RootIno, "x", 0o644, 0, 0)
	assert.Equal(t, errors.Cause(err), ErrReadOnly)
	_, err = fs.Write(layout.RootIno+1, 0, []byte("x"))
	assert.Equal(t, errors.Cause(err), ErrReadOnly)
	err = fs.Unlink(layout.RootIno, "x")
	assert.Equal(t, errors.Cause(err), ErrReadOnly)
}

func TestPersistence(t *testing.T) {
	t.Parallel()
	dev := newTestImage(t, nil)
	fs, err := NewFs(dev, true)
	assert.Nil(t, err)
	a, err := fs.Create(layout.RootIno, "keep", 0o644, 123, 456)
	assert.Nil(t, err)
	_, err = fs.Write(a.Ino, 0, []byte("durable"))
	assert.Nil(t, err)
	// The first mutation marked the image dirty until Close.
	assert.Equal(t, fs.sb.Clean, int8(0))
	assert.Nil(t, fs.Close())

	fs2, err := NewFs(disk.NewMemDevice(disk.Bytes(dev), true), true)
	assert.Nil(t, err)
	assert.Equal(t, len(fs2.Verify()), 0)
	got, err := fs2.Lookup(layout.RootIno, "keep")
	assert.Nil(t, err)
	assert.Equal(t, got.Uid, uint32(123))
	buf := make([]byte, 7)
	_, err = fs2.Read(got.Ino, 0, buf)
	assert.Nil(t, err)
	assert.Equal(t, string(buf), "durable")
}

func TestCleanFlagDeferred(t *testing.T) {
	t.Parallel()
	dev := newTestImage(t, nil)
	fs, err := NewFs(dev, true)
	assert.Nil(t, err)
	// A read-write open that never mutates leaves the image
	// untouched, clean flag included.
	assert.Equal(t, fs.sb.Clean, int8(1))
	before := append([]byte(nil), disk.Bytes(dev)...)
	assert.Equal(t, len(fs.Verify()), 0)
	assert.Nil(t, fs.Close())
	assert.True(t, bytes.Equal(disk.Bytes(dev), before))

	// The first mutation persists the unclean flag; Close restores
	// it.
	fs, err = NewFs(dev, true)
	assert.Nil(t, err)
	_, err = fs.Create(layout.RootIno, "x", 0o644, 0, 0)
	assert.Nil(t, err)
	snap := append([]byte(nil), disk.Bytes(dev)...)
	ro, err := NewFs(disk.NewMemDevice(snap, false), false)
	assert.Nil(t, err)
	assert.Equal(t, ro.sb.Clean, int8(0))
	assert.Nil(t, fs.Close())
	fs2, err := NewFs(dev, false)
	assert.Nil(t, err)
	assert.Equal(t, fs2.sb.Clean, int8(1))
}

func TestConcurrentAttrAccess(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Create(layout.RootIno, "busy", 0o644, 0, 0)
	assert.Nil(t, err)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if _, err := fs.Write(a.Ino, int64(i*100), make([]byte, 100)); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if _, err := fs.GetAttr(a.Ino); err != nil {
				t.Error(err)
				return
			}
			if _, err := fs.Lookup(layout.RootIno, "busy"); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	wg.Wait()
}

func TestXattr(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	a, err := fs.Create(layout.RootIno, "attrd", 0o644, 0, 0)
	assert.Nil(t, err)

	// Craft an attribute area by hand; the driver only reads them.
	name := "comment"
	content := []byte("some value")
	base := (7 + len(name) + 7) &^ 7
	rl := (base + len(content) + 7) &^ 7
	pad := rl - base - len(content)
	area := make([]byte, rl)
	fs.ord.PutUint32(area, uint32(rl))
	area[4] = layout.ExtattrNsUser
	area[5] = byte(pad)
	area[6] = byte(len(name))
	copy(area[7:], name)
	copy(area[base:], content)

	fsba, err := fs.blkAlloc(0, fs.fragroundup(int64(rl)))
	assert.Nil(t, err)
	assert.Nil(t, fs.dev.WriteAt(area, fs.fragsToBytes(fsba)))
	ip, err := fs.readInode(a.Ino)
	assert.Nil(t, err)
	ip.Extb[0] = fsba
	ip.Extsize = uint32(rl)
	assert.Nil(t, fs.writeInode(a.Ino, ip))

	names, err := fs.XattrList(a.Ino)
	assert.Nil(t, err)
	assert.Equal(t, len(names), 1)
	assert.Equal(t, names[0], "user.comment")

	got, err := fs.XattrGet(a.Ino, "user.comment")
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got, content))

	_, err = fs.XattrGet(a.Ino, "user.other")
	assert.Equal(t, errors.Cause(err), ErrAttributeNotFound)
	_, err = fs.XattrGet(a.Ino, "bogus")
	assert.Equal(t, errors.Cause(err), ErrAttributeNotFound)

	// A hostile extsize beyond what the pointer slots can hold is
	// rejected before any allocation trusts it.
	ip.Extsize = 1 << 30
	assert.Nil(t, fs.writeInode(a.Ino, ip))
	_, err = fs.XattrList(a.Ino)
	assert.Equal(t, errors.Cause(err), ErrInconsistentFilesystem)
}

func TestNameChecks(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFs(t)
	_, err := fs.Create(layout.RootIno, "", 0o644, 0, 0)
	assert.True(t, err != nil)
	_, err = fs.Create(layout.RootIno, ".", 0o644, 0, 0)
	assert.True(t, err != nil)
	_, err = fs.Create(layout.RootIno, "a/b", 0o644, 0, 0)
	assert.True(t, err != nil)
	long := string(bytes.Repeat([]byte("n"), layout.MaxNameLen+1))
	_, err = fs.Create(layout.RootIno, long, 0o644, 0, 0)
	assert.Equal(t, errors.Cause(err), ErrNameTooLong)
}
