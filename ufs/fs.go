/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Apr 11 14:52:41 2018 mstenber
 * Last modified: Tue May 15 11:40:02 2018 mstenber
 * Edit time:     302 min
 *
 */

// Package ufs implements the filesystem core: superblock handling,
// allocation, inodes, directories and file data, on top of a raw
// disk.Device. It is transport-agnostic; the fuse adapter lives in
// the mount package.
package ufs

import (
	"encoding/binary"
	"fmt"

	"github.com/bluele/gcache"
	"github.com/fingon/go-ufs/disk"
	"github.com/fingon/go-ufs/layout"
	"github.com/fingon/go-ufs/mlog"
	"github.com/fingon/go-ufs/util"
	"github.com/pkg/errors"
)

const icacheSize = 1024
const dcacheSize = 4096

// Ufs is one mounted filesystem instance.
//
// lock guards the superblock, the cylinder groups and all
// allocation. inodeLocks serializes data-path operations per inode
// number. Lock order: inode lock outside, fs lock inside.
type Ufs struct {
	dev disk.Device
	ord binary.ByteOrder
	sb  *layout.Superblock
	rw  bool

	lock       util.MutexLocked
	renameLock util.MutexLocked
	inodeLocks util.MutexLockedMap
	dirtied    bool // the unclean flag has been written; guarded by lock

	// icache maps ino -> *layout.Inode; dcache maps
	// "parent/name" -> child ino. Both are invalidated on the
	// mutating path.
	icache gcache.Cache
	dcache gcache.Cache
}

// NewFs probes the byte order of the image on dev, decodes and
// validates the superblock, and returns a filesystem handle. rw
// requests a writable mount; it fails if dev is not writable.
func NewFs(dev disk.Device, rw bool) (*Ufs, error) {
	if rw && !dev.Writable() {
		return nil, errors.Wrap(ErrReadOnly, "device opened read-only")
	}
	var magic [4]byte
	if err := dev.ReadAt(magic[:], layout.SBlockUFS2+layout.MagicOffset); err != nil {
		return nil, errors.Wrap(err, "reading superblock magic")
	}
	ord, err := layout.ProbeOrder(magic)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSuperblock, err.Error())
	}
	buf := make([]byte, layout.SuperblockSize)
	if err := dev.ReadAt(buf, layout.SBlockUFS2); err != nil {
		return nil, errors.Wrap(err, "reading superblock")
	}
	sb, err := layout.DecodeSuperblock(buf, ord)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSuperblock, err.Error())
	}
	if err := checkSuperblock(sb); err != nil {
		return nil, err
	}
	if need := sb.Size * int64(sb.Fsize); dev.Size() < need {
		return nil, errors.Wrapf(ErrInvalidSuperblock,
			"%d fragments declared, device holds %d bytes", sb.Size, dev.Size())
	}
	self := &Ufs{dev: dev, ord: ord, sb: sb, rw: rw,
		icache: gcache.New(icacheSize).LRU().Build(),
		dcache: gcache.New(dcacheSize).LRU().Build(),
	}
	mlog.Printf2("ufs/fs", "NewFs ncg:%d bsize:%d fsize:%d ipg:%d rw:%v",
		sb.Ncg, sb.Bsize, sb.Fsize, sb.Ipg, rw)
	return self, nil
}

// checkSuperblock rejects geometry that later arithmetic cannot
// survive. Every check is against a hostile image, not a buggy
// caller.
func checkSuperblock(sb *layout.Superblock) error {
	bad := func(format string, args ...interface{}) error {
		return errors.Wrapf(ErrInvalidSuperblock, format, args...)
	}
	switch {
	case sb.Ncg == 0:
		return bad("zero cylinder groups")
	case sb.Ipg == 0:
		return bad("zero inodes per group")
	case sb.Fpg <= 0:
		return bad("fpg %d", sb.Fpg)
	case sb.Frag < 1 || sb.Frag > layout.MaxFrag:
		return bad("frag %d", sb.Frag)
	case sb.Bsize <= 0 || !util.IsPowerOf2(int64(sb.Bsize)):
		return bad("bsize %d", sb.Bsize)
	case sb.Fsize <= 0 || !util.IsPowerOf2(int64(sb.Fsize)):
		return bad("fsize %d", sb.Fsize)
	case sb.Fsize != sb.Bsize/sb.Frag:
		return bad("fsize %d != bsize %d / frag %d", sb.Fsize, sb.Bsize, sb.Frag)
	case sb.Bsize != 1<<uint(sb.Bshift):
		return bad("bshift %d", sb.Bshift)
	case sb.Fsize != 1<<uint(sb.Fshift):
		return bad("fshift %d", sb.Fshift)
	case sb.Frag != 1<<uint(sb.Fragshift):
		return bad("fragshift %d", sb.Fragshift)
	case sb.Bsize != ^sb.Bmask+1:
		return bad("bmask %#x", sb.Bmask)
	case sb.Fsize != ^sb.Fmask+1:
		return bad("fmask %#x", sb.Fmask)
	case sb.Sbsize < layout.SuperblockSize:
		return bad("sbsize %d", sb.Sbsize)
	case sb.Cgsize < layout.CylGroupSize || sb.Cgsize > sb.Bsize:
		return bad("cgsize %d", sb.Cgsize)
	case sb.Inopb == 0 || int64(sb.Inopb) != int64(sb.Bsize)/layout.InodeSize:
		return bad("inopb %d", sb.Inopb)
	case sb.Size <= int64(sb.Ncg-1)*int64(sb.Fpg) ||
		sb.Size > int64(sb.Ncg)*int64(sb.Fpg):
		return bad("size %d for %d groups of %d fragments", sb.Size, sb.Ncg, sb.Fpg)
	case sb.Dsize <= 0 || sb.Dsize >= sb.Size:
		return bad("dsize %d", sb.Dsize)
	}
	return nil
}

// Geometry helpers. All addresses below are fragment addresses
// (units of fsize) unless named off, which is a byte offset.

func (self *Ufs) fragsToBytes(fsba int64) int64 {
	return fsba * int64(self.sb.Fsize)
}

// cgStart is the fragment address of group cg's start.
func (self *Ufs) cgStart(cg uint32) int64 {
	return int64(cg) * int64(self.sb.Fpg)
}

// cgHeaderOff is the byte offset of group cg's header.
func (self *Ufs) cgHeaderOff(cg uint32) int64 {
	return self.fragsToBytes(self.cgStart(cg) + int64(self.sb.Cblkno))
}

// cgSuperblockOff is the byte offset of group cg's superblock copy.
func (self *Ufs) cgSuperblockOff(cg uint32) int64 {
	return self.fragsToBytes(self.cgStart(cg) + int64(self.sb.Sblkno))
}

// inoToCg is the group an inode record lives in.
func (self *Ufs) inoToCg(ino uint32) uint32 {
	return ino / self.sb.Ipg
}

// inoOff is the byte offset of an inode record.
func (self *Ufs) inoOff(ino uint32) int64 {
	cg := self.inoToCg(ino)
	fsba := self.cgStart(cg) + int64(self.sb.Iblkno) +
		int64((ino%self.sb.Ipg)/self.sb.Inopb)<<uint(self.sb.Fragshift)
	return self.fragsToBytes(fsba) + int64(ino%self.sb.Inopb)*layout.InodeSize
}

func (self *Ufs) maxIno() uint32 {
	return self.sb.Ipg * self.sb.Ncg
}

// ptrsPerBlock is how many 64-bit block pointers one full block
// holds.
func (self *Ufs) ptrsPerBlock() int64 {
	return int64(self.sb.Bsize) / 8
}

// lblkno is the file-relative block number holding byte offset off.
func (self *Ufs) lblkno(off int64) int64 {
	return off >> uint(self.sb.Bshift)
}

// blkoff is the offset of off within its block.
func (self *Ufs) blkoff(off int64) int64 {
	return off & int64(^self.sb.Bmask)
}

// fragroundup rounds a byte count up to a whole number of fragments.
func (self *Ufs) fragroundup(n int64) int64 {
	return (n + int64(^self.sb.Fmask)) & int64(self.sb.Fmask)
}

// numfrags is the fragment count of a fragment-aligned byte count.
func (self *Ufs) numfrags(n int64) int64 {
	return n >> uint(self.sb.Fshift)
}

// blksize is the allocated byte size of block lbn in a file of the
// given length: a full block everywhere but the tail, which holds
// only as many fragments as the remaining bytes need.
func (self *Ufs) blksize(size uint64, lbn int64) int64 {
	if uint64(lbn+1)<<uint(self.sb.Bshift) <= size {
		return int64(self.sb.Bsize)
	}
	n := int64(size) - lbn<<uint(self.sb.Bshift)
	if n <= 0 {
		return 0
	}
	return self.fragroundup(n)
}

// checkBlkptr rejects pointers outside the data area.
func (self *Ufs) checkBlkptr(fsba int64, nfrags int64) error {
	if fsba <= 0 || fsba+nfrags > int64(self.sb.Ncg)*int64(self.sb.Fpg) {
		return errors.Wrapf(ErrCorruptPointerChain, "block address %d", fsba)
	}
	return nil
}

// readCg reads and decodes group cg: the header plus the raw group
// area the bitmaps live in.
func (self *Ufs) readCg(cg uint32) (*layout.CylGroup, []byte, error) {
	if cg >= self.sb.Ncg {
		return nil, nil, errors.Wrapf(ErrInconsistentFilesystem, "cylinder group %d", cg)
	}
	raw := make([]byte, self.sb.Cgsize)
	if err := self.dev.ReadAt(raw, self.cgHeaderOff(cg)); err != nil {
		return nil, nil, errors.Wrapf(err, "reading cylinder group %d", cg)
	}
	h, err := layout.DecodeCylGroup(raw, self.ord)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrInconsistentFilesystem, "cylinder group %d: %v", cg, err)
	}
	if h.Cgx != cg {
		return nil, nil, errors.Wrapf(ErrInconsistentFilesystem,
			"cylinder group %d claims index %d", cg, h.Cgx)
	}
	if int64(h.Iusedoff) >= int64(self.sb.Cgsize) ||
		int64(h.Freeoff) >= int64(self.sb.Cgsize) ||
		int64(h.Freeoff)+util.Howmany(int64(h.Ndblk), 8) > int64(self.sb.Cgsize) ||
		int64(h.Iusedoff)+util.Howmany(int64(h.Niblk), 8) > int64(self.sb.Cgsize) {
		return nil, nil, errors.Wrapf(ErrInconsistentFilesystem,
			"cylinder group %d bitmap offsets out of range", cg)
	}
	return h, raw, nil
}

// writeCg encodes the header back into raw and writes the whole
// group area.
func (self *Ufs) writeCg(cg uint32, h *layout.CylGroup, raw []byte) error {
	layout.EncodeCylGroup(h, raw, self.ord)
	if err := self.dev.WriteAt(raw, self.cgHeaderOff(cg)); err != nil {
		return errors.Wrapf(err, "writing cylinder group %d", cg)
	}
	return nil
}

// persistSb writes the mutable superblock ranges back to the
// primary superblock location. The geometry never changes after
// mkfs, so the rest of the record stays untouched on disk.
func (self *Ufs) persistSb() error {
	buf := make([]byte, layout.SuperblockSize)
	layout.EncodeSuperblock(self.sb, buf, self.ord)
	for _, r := range layout.SuperblockSummaryRanges {
		if err := self.dev.WriteAt(buf[r[0]:r[1]], layout.SBlockUFS2+int64(r[0])); err != nil {
			return errors.Wrap(err, "writing superblock")
		}
	}
	return nil
}

// Verify walks every cylinder group and reports all problems found,
// without stopping at the first. An empty slice means the image
// passed.
func (self *Ufs) Verify() []error {
	var out []error
	for cg := uint32(0); cg < self.sb.Ncg; cg++ {
		var magic [4]byte
		err := self.dev.ReadAt(magic[:], self.cgSuperblockOff(cg)+layout.MagicOffset)
		if err == nil {
			var ord binary.ByteOrder
			ord, err = layout.ProbeOrder(magic)
			if err == nil && ord != self.ord {
				err = errors.New("byte order mismatch")
			}
		}
		if err != nil {
			out = append(out, errors.Wrapf(ErrInconsistentFilesystem,
				"group %d superblock copy: %v", cg, err))
		}
		h, _, err := self.readCg(cg)
		if err != nil {
			out = append(out, err)
			continue
		}
		if h.Cs.Nbfree < 0 || h.Cs.Nffree < 0 || h.Cs.Nifree < 0 ||
			int64(h.Cs.Nifree) > int64(self.sb.Ipg) {
			out = append(out, errors.Wrapf(ErrInconsistentFilesystem,
				"group %d summary counters out of range", cg))
		}
	}
	for _, err := range out {
		mlog.Printf2("ufs/fs", "Verify: %v", err)
	}
	return out
}

// StatVfs is what statfs reports about the filesystem as a whole.
type StatVfs struct {
	Bsize   uint32
	Frsize  uint32
	Blocks  uint64 // in fragments
	Bfree   uint64
	Files   uint64
	Ffree   uint64
	NameLen uint32
}

// StatFs summarizes free space from the superblock totals.
func (self *Ufs) StatFs() StatVfs {
	defer self.lock.Locked()()
	sb := self.sb
	return StatVfs{
		Bsize:   uint32(sb.Bsize),
		Frsize:  uint32(sb.Fsize),
		Blocks:  uint64(sb.Dsize),
		Bfree:   uint64(sb.Cstotal.Nbfree*int64(sb.Frag) + sb.Cstotal.Nffree),
		Files:   uint64(sb.Ipg) * uint64(sb.Ncg),
		Ffree:   uint64(sb.Cstotal.Nifree),
		NameLen: layout.MaxNameLen,
	}
}

// Writable tells whether mutating operations are allowed.
func (self *Ufs) Writable() bool {
	return self.rw
}

// markDirty gates every mutating operation. The unclean flag reaches
// the disk before the first mutation does, not at mount time, so a
// read-write open that never writes leaves the image untouched and
// Verify can run on the pristine state first.
func (self *Ufs) markDirty() error {
	if !self.rw {
		return ErrReadOnly
	}
	defer self.lock.Locked()()
	if self.dirtied {
		return nil
	}
	self.sb.Clean = 0
	self.sb.Fmod = 1
	if err := self.persistSb(); err != nil {
		return err
	}
	self.dirtied = true
	return nil
}

// Flush forces buffered device writes out.
func (self *Ufs) Flush() error {
	return self.dev.Flush()
}

// Close flushes and releases the device. A session that wrote
// anything has its clean flag restored first.
func (self *Ufs) Close() error {
	if self.rw {
		defer self.lock.Locked()()
		if self.dirtied {
			self.sb.Clean = 1
			self.sb.Fmod = 0
			if err := self.persistSb(); err != nil {
				return err
			}
		}
	}
	if err := self.dev.Flush(); err != nil {
		return err
	}
	return self.dev.Close()
}

// checkName enforces component name legality for mutating directory
// operations.
func checkName(name string) error {
	if len(name) == 0 || name == "." || name == ".." {
		return errors.Wrapf(ErrExists, "reserved name %q", name)
	}
	if len(name) > layout.MaxNameLen {
		return errors.Wrapf(ErrNameTooLong, "%d bytes", len(name))
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 || name[i] == '/' {
			return errors.Wrapf(ErrNotFound, "illegal byte %#x in name", name[i])
		}
	}
	return nil
}

func dcacheKey(pino uint32, name string) string {
	return fmt.Sprintf("%d/%s", pino, name)
}
