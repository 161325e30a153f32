/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Apr 19 09:21:14 2018 mstenber
 * Last modified: Tue May 15 17:55:36 2018 mstenber
 * Edit time:     241 min
 *
 */

// Package mkfs lays out a fresh filesystem on a device: superblock,
// per-group superblock copies, cylinder groups with their bitmaps,
// cleared inode blocks and a root directory.
package mkfs

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/fingon/go-ufs/disk"
	"github.com/fingon/go-ufs/layout"
	"github.com/fingon/go-ufs/mlog"
	"github.com/fingon/go-ufs/util"
	"github.com/pkg/errors"
)

// Options selects the image geometry. Zero values take defaults.
type Options struct {
	Fsize      int32  // fragment size, default 2048
	Bsize      int32  // block size, default 8 fragments
	FragsPerG  int32  // fragments per cylinder group, default 4096
	InodesPerG uint32 // inodes per group, default one per 4 fragments
	Volname    string
	ByteOrder  binary.ByteOrder // default little endian
}

func log2(v int32) (int32, bool) {
	for i := int32(0); i < 31; i++ {
		if v == 1<<uint(i) {
			return i, true
		}
	}
	return 0, false
}

func (self *Options) fill() error {
	if self.Fsize == 0 {
		self.Fsize = 2048
	}
	if self.Bsize == 0 {
		self.Bsize = self.Fsize * 8
	}
	if self.ByteOrder == nil {
		self.ByteOrder = binary.LittleEndian
	}
	if self.Fsize < layout.SuperblockSize || !util.IsPowerOf2(int64(self.Fsize)) {
		return errors.Errorf("mkfs: unusable fragment size %d", self.Fsize)
	}
	if !util.IsPowerOf2(int64(self.Bsize)) || self.Bsize/self.Fsize < 1 ||
		self.Bsize/self.Fsize > layout.MaxFrag {
		return errors.Errorf("mkfs: unusable block size %d", self.Bsize)
	}
	if self.FragsPerG == 0 {
		self.FragsPerG = 4096
	}
	frag := self.Bsize / self.Fsize
	if self.FragsPerG%frag != 0 {
		return errors.Errorf("mkfs: fragments per group %d not block aligned", self.FragsPerG)
	}
	inopb := uint32(self.Bsize / layout.InodeSize)
	if self.InodesPerG == 0 {
		self.InodesPerG = uint32(self.FragsPerG / 4)
	}
	if self.InodesPerG%inopb != 0 {
		self.InodesPerG += inopb - self.InodesPerG%inopb
	}
	return nil
}

// geometry is the derived per-image layout, all in fragments unless
// named otherwise.
type geometry struct {
	opt       Options
	frag      int32
	inopb     uint32
	sblkno    int32 // superblock copy offset within each group
	cblkno    int32 // group header offset
	iblkno    int32 // inode block offset
	dblkno    int32 // first data fragment offset
	cgsize    int32 // group header struct size in bytes
	iusedoff  uint32
	freeoff   uint32
	ncg       uint32
	lastNdblk int64
}

func computeGeometry(opt Options, devSize int64) (*geometry, error) {
	g := &geometry{opt: opt}
	g.frag = opt.Bsize / opt.Fsize
	g.inopb = uint32(opt.Bsize / layout.InodeSize)
	g.sblkno = int32(util.Howmany(layout.SBlockUFS2, int64(opt.Fsize)))
	g.cblkno = g.sblkno + 1 // the superblock copy takes one fragment (sbsize == fsize)
	g.iblkno = g.cblkno + 1
	inodeFrags := int32(util.Howmany(int64(opt.InodesPerG)*layout.InodeSize, int64(opt.Fsize)))
	g.dblkno = g.iblkno + inodeFrags
	g.iusedoff = layout.CylGroupSize
	g.freeoff = g.iusedoff + uint32(util.Howmany(int64(opt.InodesPerG), 8))
	g.cgsize = int32(g.freeoff) + int32(util.Howmany(int64(opt.FragsPerG), 8))
	if g.cgsize > opt.Bsize {
		return nil, errors.Errorf("mkfs: group header %d bytes exceeds block size", g.cgsize)
	}
	if g.dblkno+g.frag > opt.FragsPerG {
		return nil, errors.Errorf("mkfs: group of %d fragments cannot hold its metadata", opt.FragsPerG)
	}
	totalFrags := devSize / int64(opt.Fsize)
	full := totalFrags / int64(opt.FragsPerG)
	rest := totalFrags % int64(opt.FragsPerG)
	g.ncg = uint32(full)
	g.lastNdblk = int64(opt.FragsPerG)
	if rest >= int64(g.dblkno+g.frag) {
		g.ncg++
		g.lastNdblk = rest
	}
	if g.ncg == 0 {
		return nil, errors.Errorf("mkfs: device of %d bytes too small", devSize)
	}
	return g, nil
}

func (self *geometry) ndblk(cg uint32) int64 {
	if cg == self.ncg-1 {
		return self.lastNdblk
	}
	return int64(self.opt.FragsPerG)
}

// Build writes a fresh filesystem onto dev.
func Build(dev disk.Device, opt Options) error {
	if err := opt.fill(); err != nil {
		return err
	}
	g, err := computeGeometry(opt, dev.Size())
	if err != nil {
		return err
	}
	mlog.Printf2("mkfs/mkfs", "Build ncg:%d fsize:%d bsize:%d ipg:%d",
		g.ncg, opt.Fsize, opt.Bsize, opt.InodesPerG)

	sb := newSuperblock(g)
	now := time.Now().Unix()

	// Root directory data takes the first data fragment of group 0.
	rootDirFsba := int64(g.dblkno)

	var totalFree layout.CsumTotal
	for cg := uint32(0); cg < g.ncg; cg++ {
		free, err := writeGroup(dev, g, cg, rootDirFsba, now)
		if err != nil {
			return err
		}
		totalFree.Ndir += int64(free.Ndir)
		totalFree.Nbfree += int64(free.Nbfree)
		totalFree.Nifree += int64(free.Nifree)
		totalFree.Nffree += int64(free.Nffree)
	}
	sb.Cstotal = totalFree
	sb.Time = now
	sb.Mtime = now

	if err := writeRoot(dev, g, rootDirFsba, now); err != nil {
		return err
	}

	// Superblock copies; group 0's copy is the primary location.
	buf := make([]byte, layout.SuperblockSize)
	layout.EncodeSuperblock(sb, buf, opt.ByteOrder)
	for cg := uint32(0); cg < g.ncg; cg++ {
		off := (int64(cg)*int64(opt.FragsPerG) + int64(g.sblkno)) * int64(opt.Fsize)
		if err := dev.WriteAt(buf, off); err != nil {
			return errors.Wrapf(err, "writing superblock copy %d", cg)
		}
	}
	return dev.Flush()
}

func newSuperblock(g *geometry) *layout.Superblock {
	opt := g.opt
	bshift, _ := log2(opt.Bsize)
	fshift, _ := log2(opt.Fsize)
	fragshift, _ := log2(g.frag)
	pbp := int64(opt.Bsize / 8)
	maxfile := (layout.NDAddr + pbp + pbp*pbp + pbp*pbp*pbp) * int64(opt.Bsize)

	sb := &layout.Superblock{
		Sblkno:          g.sblkno,
		Cblkno:          g.cblkno,
		Iblkno:          g.iblkno,
		Dblkno:          g.dblkno,
		Ncg:             g.ncg,
		Bsize:           opt.Bsize,
		Fsize:           opt.Fsize,
		Frag:            g.frag,
		Minfree:         8,
		Bmask:           ^(opt.Bsize - 1),
		Fmask:           ^(opt.Fsize - 1),
		Bshift:          bshift,
		Fshift:          fshift,
		Maxcontig:       1,
		Maxbpg:          opt.Bsize / 8,
		Fragshift:       fragshift,
		Fsbtodb:         fshift - 9,
		Sbsize:          opt.Fsize,
		Nindir:          opt.Bsize / 8,
		Inopb:           g.inopb,
		Cgsize:          g.cgsize,
		Ipg:             opt.InodesPerG,
		Fpg:             opt.FragsPerG,
		Clean:           1,
		Maxbsize:        opt.Bsize,
		Sblockactualloc: layout.SBlockUFS2,
		Sblockloc:       layout.SBlockUFS2,
		Avgfilesize:     16384,
		Avgfpdir:        64,
		Maxsymlinklen:   layout.ShortLinkLen,
		Maxfilesize:     uint64(maxfile - 1),
		Qbmask:          int64(opt.Bsize - 1),
		Qfmask:          int64(opt.Fsize - 1),
		Magic:           layout.FsMagic,
	}
	sb.Id[0] = rand.Int31()
	sb.Id[1] = rand.Int31()
	copy(sb.Volname[:], opt.Volname)

	var size, dsize int64
	for cg := uint32(0); cg < g.ncg; cg++ {
		nd := g.ndblk(cg)
		size += nd
		dsize += nd - int64(g.dblkno)
	}
	sb.Size = size
	sb.Dsize = dsize
	return sb
}

// writeGroup lays out one cylinder group: header, bitmaps and
// cleared inode blocks. Returns the group's free counts.
func writeGroup(dev disk.Device, g *geometry, cg uint32, rootDirFsba, now int64) (layout.Csum, error) {
	opt := g.opt
	ndblk := g.ndblk(cg)
	raw := make([]byte, g.cgsize)
	iused := raw[g.iusedoff:g.freeoff]
	free := raw[g.freeoff:]

	// Data fragments start free; metadata at the group head stays
	// marked used by never being set.
	for i := int64(g.dblkno); i < ndblk; i++ {
		free[i>>3] |= 1 << uint(i&7)
	}
	var cs layout.Csum
	cs.Nifree = int32(opt.InodesPerG)
	if cg == 0 {
		// Inodes 0 and 1 are reserved, 2 is the root.
		for i := int64(0); i <= layout.RootIno; i++ {
			iused[i>>3] |= 1 << uint(i&7)
		}
		cs.Nifree -= layout.RootIno + 1
		cs.Ndir = 1
		rel := rootDirFsba // group 0, relative == absolute within group
		free[rel>>3] &^= 1 << uint(rel&7)
	}

	// Count free space off the finished bitmap.
	frag := int64(g.frag)
	for b := int64(0); b < ndblk/frag; b++ {
		whole := true
		n := int32(0)
		for i := int64(0); i < frag; i++ {
			if free[(b*frag+i)>>3]&(1<<uint((b*frag+i)&7)) != 0 {
				n++
			} else {
				whole = false
			}
		}
		if whole {
			cs.Nbfree++
		} else {
			cs.Nffree += n
		}
	}
	// Stray fragments past the last whole block.
	for i := (ndblk / frag) * frag; i < ndblk; i++ {
		if free[i>>3]&(1<<uint(i&7)) != 0 {
			cs.Nffree++
		}
	}

	h := &layout.CylGroup{
		Magic:       layout.CgMagic,
		Cgx:         cg,
		Ndblk:       uint32(ndblk),
		Cs:          cs,
		Iusedoff:    g.iusedoff,
		Freeoff:     g.freeoff,
		Nextfreeoff: uint32(g.cgsize),
		Niblk:       opt.InodesPerG,
		Initediblk:  opt.InodesPerG,
		Time:        now,
	}
	layout.EncodeCylGroup(h, raw, opt.ByteOrder)
	base := int64(cg) * int64(opt.FragsPerG) * int64(opt.Fsize)
	if err := dev.WriteAt(raw, base+int64(g.cblkno)*int64(opt.Fsize)); err != nil {
		return cs, errors.Wrapf(err, "writing group %d header", cg)
	}
	// Cleared inode blocks.
	zero := make([]byte, int64(opt.InodesPerG)*layout.InodeSize)
	if err := dev.WriteAt(zero, base+int64(g.iblkno)*int64(opt.Fsize)); err != nil {
		return cs, errors.Wrapf(err, "clearing group %d inodes", cg)
	}
	return cs, nil
}

// writeRoot writes the root inode and its first directory chunk.
func writeRoot(dev disk.Device, g *geometry, rootDirFsba, now int64) error {
	opt := g.opt
	alloc := int64(opt.Fsize) // one fragment holds the 512-byte chunk
	chunk := make([]byte, alloc)
	dot := layout.DirentSize(1)
	e := layout.NewEncoder(chunk, opt.ByteOrder)
	e.EncodeDirentHeader(layout.DirentHeader{
		Ino: layout.RootIno, Reclen: uint16(dot), Dtype: layout.DtDir, Namelen: 1,
	})
	copy(chunk[layout.DirentHdrLen:], ".")
	e2 := layout.NewEncoder(chunk[dot:], opt.ByteOrder)
	e2.EncodeDirentHeader(layout.DirentHeader{
		Ino: layout.RootIno, Reclen: uint16(layout.DirBlkSiz - dot), Dtype: layout.DtDir, Namelen: 2,
	})
	copy(chunk[dot+layout.DirentHdrLen:], "..")
	if err := dev.WriteAt(chunk, rootDirFsba*int64(opt.Fsize)); err != nil {
		return errors.Wrap(err, "writing root directory")
	}

	ip := &layout.Inode{
		Mode:      layout.IFDIR | 0o755,
		Nlink:     2,
		Blksize:   uint32(opt.Bsize),
		Size:      layout.DirBlkSiz,
		Blocks:    uint64(alloc) / layout.StatBlockSize,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Birthtime: now,
		Gen:       1,
	}
	ip.Direct[0] = rootDirFsba
	buf := make([]byte, layout.InodeSize)
	layout.EncodeInode(ip, buf, opt.ByteOrder)
	off := int64(g.iblkno)*int64(opt.Fsize) + layout.RootIno*layout.InodeSize
	if err := dev.WriteAt(buf, off); err != nil {
		return errors.Wrap(err, "writing root inode")
	}
	return nil
}
