/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Apr 11 12:02:55 2018 mstenber
 * Last modified: Tue May 15 09:48:21 2018 mstenber
 * Edit time:     224 min
 *
 */

package layout

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrMalformedRecord is returned when a fixed record does not decode:
// out of range lengths, unexpected magic, or truncated input.
var ErrMalformedRecord = errors.New("layout: malformed record")

// ProbeOrder inspects the four magic bytes read from
// SBlockUFS2+MagicOffset and returns the byte order of the image. The
// order is detected once per mount session and then threaded into
// every decode/encode call.
func ProbeOrder(magic [4]byte) (binary.ByteOrder, error) {
	if binary.LittleEndian.Uint32(magic[:]) == FsMagic {
		return binary.LittleEndian, nil
	}
	if binary.BigEndian.Uint32(magic[:]) == FsMagic {
		return binary.BigEndian, nil
	}
	return nil, errors.Wrapf(ErrMalformedRecord,
		"superblock magic %x not recognized in either byte order", magic)
}

// Decoder is a bounds-checked cursor over a byte slice. Reads past
// the end return zero values and latch an error; record decoders
// check Err() once at the end, which keeps adversarial input from
// panicking mid-record.
type Decoder struct {
	b   []byte
	off int
	ord binary.ByteOrder
	bad bool
}

func NewDecoder(b []byte, ord binary.ByteOrder) *Decoder {
	return &Decoder{b: b, ord: ord}
}

func (self *Decoder) take(n int) []byte {
	if self.bad || self.off+n > len(self.b) {
		self.bad = true
		return nil
	}
	b := self.b[self.off : self.off+n]
	self.off += n
	return b
}

func (self *Decoder) Uint8() uint8 {
	b := self.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (self *Decoder) Uint16() uint16 {
	b := self.take(2)
	if b == nil {
		return 0
	}
	return self.ord.Uint16(b)
}

func (self *Decoder) Uint32() uint32 {
	b := self.take(4)
	if b == nil {
		return 0
	}
	return self.ord.Uint32(b)
}

func (self *Decoder) Uint64() uint64 {
	b := self.take(8)
	if b == nil {
		return 0
	}
	return self.ord.Uint64(b)
}

func (self *Decoder) Int8() int8   { return int8(self.Uint8()) }
func (self *Decoder) Int16() int16 { return int16(self.Uint16()) }
func (self *Decoder) Int32() int32 { return int32(self.Uint32()) }
func (self *Decoder) Int64() int64 { return int64(self.Uint64()) }

func (self *Decoder) Bytes(dst []byte) {
	b := self.take(len(dst))
	if b != nil {
		copy(dst, b)
	}
}

func (self *Decoder) Skip(n int) {
	self.take(n)
}

// Offset returns the current cursor position.
func (self *Decoder) Offset() int {
	return self.off
}

// AlignTo advances the cursor to the next multiple of align (a power
// of two).
func (self *Decoder) AlignTo(align int) {
	next := (self.off + align - 1) &^ (align - 1)
	self.take(next - self.off)
}

func (self *Decoder) Err() error {
	if self.bad {
		return errors.Wrap(ErrMalformedRecord, "truncated record")
	}
	return nil
}

// Encoder is the symmetric writing cursor. The destination must be
// pre-sized; overruns panic as they are always programming errors,
// never data-dependent.
type Encoder struct {
	b   []byte
	off int
	ord binary.ByteOrder
}

func NewEncoder(b []byte, ord binary.ByteOrder) *Encoder {
	return &Encoder{b: b, ord: ord}
}

func (self *Encoder) Uint8(v uint8) {
	self.b[self.off] = v
	self.off++
}

func (self *Encoder) Uint16(v uint16) {
	self.ord.PutUint16(self.b[self.off:], v)
	self.off += 2
}

func (self *Encoder) Uint32(v uint32) {
	self.ord.PutUint32(self.b[self.off:], v)
	self.off += 4
}

func (self *Encoder) Uint64(v uint64) {
	self.ord.PutUint64(self.b[self.off:], v)
	self.off += 8
}

func (self *Encoder) Int8(v int8)   { self.Uint8(uint8(v)) }
func (self *Encoder) Int16(v int16) { self.Uint16(uint16(v)) }
func (self *Encoder) Int32(v int32) { self.Uint32(uint32(v)) }
func (self *Encoder) Int64(v int64) { self.Uint64(uint64(v)) }

func (self *Encoder) Bytes(src []byte) {
	copy(self.b[self.off:], src)
	self.off += len(src)
}

func (self *Encoder) Offset() int {
	return self.off
}

func (self *Decoder) csum(v *Csum) {
	v.Ndir = self.Int32()
	v.Nbfree = self.Int32()
	v.Nifree = self.Int32()
	v.Nffree = self.Int32()
}

func (self *Encoder) csum(v *Csum) {
	self.Int32(v.Ndir)
	self.Int32(v.Nbfree)
	self.Int32(v.Nifree)
	self.Int32(v.Nffree)
}

func (self *Decoder) csumTotal(v *CsumTotal) {
	v.Ndir = self.Int64()
	v.Nbfree = self.Int64()
	v.Nifree = self.Int64()
	v.Nffree = self.Int64()
	v.Numclusters = self.Int64()
	for i := range v.Spare {
		v.Spare[i] = self.Int64()
	}
}

func (self *Encoder) csumTotal(v *CsumTotal) {
	self.Int64(v.Ndir)
	self.Int64(v.Nbfree)
	self.Int64(v.Nifree)
	self.Int64(v.Nffree)
	self.Int64(v.Numclusters)
	for i := range v.Spare {
		self.Int64(v.Spare[i])
	}
}

// DecodeSuperblock decodes a superblock from buf (at least
// SuperblockSize bytes) and verifies the magic.
func DecodeSuperblock(buf []byte, ord binary.ByteOrder) (*Superblock, error) {
	d := NewDecoder(buf, ord)
	var sb Superblock
	sb.Firstfield = d.Int32()
	sb.Unused1 = d.Int32()
	sb.Sblkno = d.Int32()
	sb.Cblkno = d.Int32()
	sb.Iblkno = d.Int32()
	sb.Dblkno = d.Int32()
	sb.OldCgoffset = d.Int32()
	sb.OldCgmask = d.Int32()
	sb.OldTime = d.Int32()
	sb.OldSize = d.Int32()
	sb.OldDsize = d.Int32()
	sb.Ncg = d.Uint32()
	sb.Bsize = d.Int32()
	sb.Fsize = d.Int32()
	sb.Frag = d.Int32()
	sb.Minfree = d.Int32()
	sb.OldRotdelay = d.Int32()
	sb.OldRps = d.Int32()
	sb.Bmask = d.Int32()
	sb.Fmask = d.Int32()
	sb.Bshift = d.Int32()
	sb.Fshift = d.Int32()
	sb.Maxcontig = d.Int32()
	sb.Maxbpg = d.Int32()
	sb.Fragshift = d.Int32()
	sb.Fsbtodb = d.Int32()
	sb.Sbsize = d.Int32()
	for i := range sb.Spare1 {
		sb.Spare1[i] = d.Int32()
	}
	sb.Nindir = d.Int32()
	sb.Inopb = d.Uint32()
	sb.OldNspf = d.Int32()
	sb.Optim = d.Int32()
	sb.OldNpsect = d.Int32()
	sb.OldInterleave = d.Int32()
	sb.OldTrackskew = d.Int32()
	for i := range sb.Id {
		sb.Id[i] = d.Int32()
	}
	sb.OldCsaddr = d.Int32()
	sb.Cssize = d.Int32()
	sb.Cgsize = d.Int32()
	sb.Spare2 = d.Int32()
	sb.OldNsect = d.Int32()
	sb.OldSpc = d.Int32()
	sb.OldNcyl = d.Int32()
	sb.OldCpg = d.Int32()
	sb.Ipg = d.Uint32()
	sb.Fpg = d.Int32()
	d.csum(&sb.OldCstotal)
	sb.Fmod = d.Int8()
	sb.Clean = d.Int8()
	sb.Ronly = d.Int8()
	sb.OldFlags = d.Int8()
	d.Bytes(sb.Fsmnt[:])
	d.Bytes(sb.Volname[:])
	sb.Swuid = d.Uint64()
	sb.Pad = d.Int32()
	sb.Cgrotor = d.Int32()
	for i := range sb.Ocsp {
		sb.Ocsp[i] = d.Uint64()
	}
	sb.Si = d.Uint64()
	sb.OldCpc = d.Int32()
	sb.Maxbsize = d.Int32()
	sb.Unrefs = d.Int64()
	sb.Providersize = d.Int64()
	sb.Metaspace = d.Int64()
	for i := range sb.Sparecon64 {
		sb.Sparecon64[i] = d.Int64()
	}
	sb.Sblockactualloc = d.Int64()
	sb.Sblockloc = d.Int64()
	d.csumTotal(&sb.Cstotal)
	sb.Time = d.Int64()
	sb.Size = d.Int64()
	sb.Dsize = d.Int64()
	sb.Csaddr = d.Int64()
	sb.Pendingblocks = d.Int64()
	sb.Pendinginodes = d.Uint32()
	for i := range sb.Snapinum {
		sb.Snapinum[i] = d.Uint32()
	}
	sb.Avgfilesize = d.Uint32()
	sb.Avgfpdir = d.Uint32()
	sb.SaveCgsize = d.Int32()
	sb.Mtime = d.Int64()
	sb.Sujfree = d.Int32()
	for i := range sb.Sparecon32 {
		sb.Sparecon32[i] = d.Int32()
	}
	sb.Ckhash = d.Uint32()
	sb.Metackhash = d.Uint32()
	sb.Flags = d.Int32()
	sb.Contigsumsize = d.Int32()
	sb.Maxsymlinklen = d.Int32()
	sb.OldInodefmt = d.Int32()
	sb.Maxfilesize = d.Uint64()
	sb.Qbmask = d.Int64()
	sb.Qfmask = d.Int64()
	sb.State = d.Int32()
	sb.OldPostblformat = d.Int32()
	sb.OldNrpos = d.Int32()
	for i := range sb.Spare5 {
		sb.Spare5[i] = d.Int32()
	}
	sb.Magic = d.Int32()
	if err := d.Err(); err != nil {
		return nil, err
	}
	if d.Offset() != SuperblockSize {
		panic("superblock codec size drift")
	}
	if sb.Magic != FsMagic {
		return nil, errors.Wrapf(ErrMalformedRecord,
			"superblock magic %#x", sb.Magic)
	}
	return &sb, nil
}

// EncodeSuperblock encodes the superblock into buf (at least
// SuperblockSize bytes), byte-identical to what was decoded.
func EncodeSuperblock(sb *Superblock, buf []byte, ord binary.ByteOrder) {
	e := NewEncoder(buf, ord)
	e.Int32(sb.Firstfield)
	e.Int32(sb.Unused1)
	e.Int32(sb.Sblkno)
	e.Int32(sb.Cblkno)
	e.Int32(sb.Iblkno)
	e.Int32(sb.Dblkno)
	e.Int32(sb.OldCgoffset)
	e.Int32(sb.OldCgmask)
	e.Int32(sb.OldTime)
	e.Int32(sb.OldSize)
	e.Int32(sb.OldDsize)
	e.Uint32(sb.Ncg)
	e.Int32(sb.Bsize)
	e.Int32(sb.Fsize)
	e.Int32(sb.Frag)
	e.Int32(sb.Minfree)
	e.Int32(sb.OldRotdelay)
	e.Int32(sb.OldRps)
	e.Int32(sb.Bmask)
	e.Int32(sb.Fmask)
	e.Int32(sb.Bshift)
	e.Int32(sb.Fshift)
	e.Int32(sb.Maxcontig)
	e.Int32(sb.Maxbpg)
	e.Int32(sb.Fragshift)
	e.Int32(sb.Fsbtodb)
	e.Int32(sb.Sbsize)
	for i := range sb.Spare1 {
		e.Int32(sb.Spare1[i])
	}
	e.Int32(sb.Nindir)
	e.Uint32(sb.Inopb)
	e.Int32(sb.OldNspf)
	e.Int32(sb.Optim)
	e.Int32(sb.OldNpsect)
	e.Int32(sb.OldInterleave)
	e.Int32(sb.OldTrackskew)
	for i := range sb.Id {
		e.Int32(sb.Id[i])
	}
	e.Int32(sb.OldCsaddr)
	e.Int32(sb.Cssize)
	e.Int32(sb.Cgsize)
	e.Int32(sb.Spare2)
	e.Int32(sb.OldNsect)
	e.Int32(sb.OldSpc)
	e.Int32(sb.OldNcyl)
	e.Int32(sb.OldCpg)
	e.Uint32(sb.Ipg)
	e.Int32(sb.Fpg)
	e.csum(&sb.OldCstotal)
	e.Int8(sb.Fmod)
	e.Int8(sb.Clean)
	e.Int8(sb.Ronly)
	e.Int8(sb.OldFlags)
	e.Bytes(sb.Fsmnt[:])
	e.Bytes(sb.Volname[:])
	e.Uint64(sb.Swuid)
	e.Int32(sb.Pad)
	e.Int32(sb.Cgrotor)
	for i := range sb.Ocsp {
		e.Uint64(sb.Ocsp[i])
	}
	e.Uint64(sb.Si)
	e.Int32(sb.OldCpc)
	e.Int32(sb.Maxbsize)
	e.Int64(sb.Unrefs)
	e.Int64(sb.Providersize)
	e.Int64(sb.Metaspace)
	for i := range sb.Sparecon64 {
		e.Int64(sb.Sparecon64[i])
	}
	e.Int64(sb.Sblockactualloc)
	e.Int64(sb.Sblockloc)
	e.csumTotal(&sb.Cstotal)
	e.Int64(sb.Time)
	e.Int64(sb.Size)
	e.Int64(sb.Dsize)
	e.Int64(sb.Csaddr)
	e.Int64(sb.Pendingblocks)
	e.Uint32(sb.Pendinginodes)
	for i := range sb.Snapinum {
		e.Uint32(sb.Snapinum[i])
	}
	e.Uint32(sb.Avgfilesize)
	e.Uint32(sb.Avgfpdir)
	e.Int32(sb.SaveCgsize)
	e.Int64(sb.Mtime)
	e.Int32(sb.Sujfree)
	for i := range sb.Sparecon32 {
		e.Int32(sb.Sparecon32[i])
	}
	e.Uint32(sb.Ckhash)
	e.Uint32(sb.Metackhash)
	e.Int32(sb.Flags)
	e.Int32(sb.Contigsumsize)
	e.Int32(sb.Maxsymlinklen)
	e.Int32(sb.OldInodefmt)
	e.Uint64(sb.Maxfilesize)
	e.Int64(sb.Qbmask)
	e.Int64(sb.Qfmask)
	e.Int32(sb.State)
	e.Int32(sb.OldPostblformat)
	e.Int32(sb.OldNrpos)
	for i := range sb.Spare5 {
		e.Int32(sb.Spare5[i])
	}
	e.Int32(sb.Magic)
	if e.Offset() != SuperblockSize {
		panic("superblock codec size drift")
	}
}

// Byte ranges within the encoded superblock that allocation mutates.
// persist writes only these back; the geometry fields are immutable
// after mkfs.
var SuperblockSummaryRanges = [][2]int{
	{208, 212},   // fmod, clean, ronly, old flags
	{724, 728},   // cgrotor
	{1008, 1072}, // cstotal
	{1072, 1080}, // time
	{1104, 1116}, // pendingblocks, pendinginodes
}

// DecodeCylGroup decodes a cylinder group header and verifies its
// magic. buf should extend to the group's bitmaps so that the
// self-describing offsets stay in range for the caller.
func DecodeCylGroup(buf []byte, ord binary.ByteOrder) (*CylGroup, error) {
	d := NewDecoder(buf, ord)
	var cg CylGroup
	cg.Firstfield = d.Int32()
	cg.Magic = d.Int32()
	cg.OldTime = d.Int32()
	cg.Cgx = d.Uint32()
	cg.OldNcyl = d.Int16()
	cg.OldNiblk = d.Int16()
	cg.Ndblk = d.Uint32()
	d.csum(&cg.Cs)
	cg.Rotor = d.Uint32()
	cg.Frotor = d.Uint32()
	cg.Irotor = d.Uint32()
	for i := range cg.Frsum {
		cg.Frsum[i] = d.Uint32()
	}
	cg.OldBtotoff = d.Int32()
	cg.OldBoff = d.Int32()
	cg.Iusedoff = d.Uint32()
	cg.Freeoff = d.Uint32()
	cg.Nextfreeoff = d.Uint32()
	cg.Clustersumoff = d.Uint32()
	cg.Clusteroff = d.Uint32()
	cg.Nclusterblks = d.Uint32()
	cg.Niblk = d.Uint32()
	cg.Initediblk = d.Uint32()
	cg.Unrefs = d.Uint32()
	for i := range cg.Sparecon32 {
		cg.Sparecon32[i] = d.Int32()
	}
	cg.Ckhash = d.Uint32()
	cg.Time = d.Int64()
	for i := range cg.Sparecon64 {
		cg.Sparecon64[i] = d.Int64()
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	if d.Offset() != CylGroupSize {
		panic("cylinder group codec size drift")
	}
	if cg.Magic != CgMagic {
		return nil, errors.Wrapf(ErrMalformedRecord,
			"cylinder group magic %#x", cg.Magic)
	}
	return &cg, nil
}

// EncodeCylGroup encodes the cylinder group header into buf.
func EncodeCylGroup(cg *CylGroup, buf []byte, ord binary.ByteOrder) {
	e := NewEncoder(buf, ord)
	e.Int32(cg.Firstfield)
	e.Int32(cg.Magic)
	e.Int32(cg.OldTime)
	e.Uint32(cg.Cgx)
	e.Int16(cg.OldNcyl)
	e.Int16(cg.OldNiblk)
	e.Uint32(cg.Ndblk)
	e.csum(&cg.Cs)
	e.Uint32(cg.Rotor)
	e.Uint32(cg.Frotor)
	e.Uint32(cg.Irotor)
	for i := range cg.Frsum {
		e.Uint32(cg.Frsum[i])
	}
	e.Int32(cg.OldBtotoff)
	e.Int32(cg.OldBoff)
	e.Uint32(cg.Iusedoff)
	e.Uint32(cg.Freeoff)
	e.Uint32(cg.Nextfreeoff)
	e.Uint32(cg.Clustersumoff)
	e.Uint32(cg.Clusteroff)
	e.Uint32(cg.Nclusterblks)
	e.Uint32(cg.Niblk)
	e.Uint32(cg.Initediblk)
	e.Uint32(cg.Unrefs)
	for i := range cg.Sparecon32 {
		e.Int32(cg.Sparecon32[i])
	}
	e.Uint32(cg.Ckhash)
	e.Int64(cg.Time)
	for i := range cg.Sparecon64 {
		e.Int64(cg.Sparecon64[i])
	}
	if e.Offset() != CylGroupSize {
		panic("cylinder group codec size drift")
	}
}

// DecodeInode decodes one on-disk inode record.
func DecodeInode(buf []byte, ord binary.ByteOrder) (*Inode, error) {
	d := NewDecoder(buf, ord)
	var ino Inode
	ino.Mode = d.Uint16()
	ino.Nlink = d.Uint16()
	ino.Uid = d.Uint32()
	ino.Gid = d.Uint32()
	ino.Blksize = d.Uint32()
	ino.Size = d.Uint64()
	ino.Blocks = d.Uint64()
	ino.Atime = d.Int64()
	ino.Mtime = d.Int64()
	ino.Ctime = d.Int64()
	ino.Birthtime = d.Int64()
	ino.Mtimensec = d.Uint32()
	ino.Atimensec = d.Uint32()
	ino.Ctimensec = d.Uint32()
	ino.Birthnsec = d.Uint32()
	ino.Gen = d.Uint32()
	ino.Kernflags = d.Uint32()
	ino.Flags = d.Uint32()
	ino.Extsize = d.Uint32()
	for i := range ino.Extb {
		ino.Extb[i] = d.Int64()
	}
	if ino.IsShortlink() {
		d.Bytes(ino.ShortlinkData[:])
	} else {
		for i := range ino.Direct {
			ino.Direct[i] = d.Int64()
		}
		for i := range ino.Indirect {
			ino.Indirect[i] = d.Int64()
		}
	}
	ino.Modrev = d.Uint64()
	ino.Ignored = d.Uint32()
	ino.Ckhash = d.Uint32()
	for i := range ino.Spare {
		ino.Spare[i] = d.Uint32()
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	if d.Offset() != InodeSize {
		panic("inode codec size drift")
	}
	return &ino, nil
}

// EncodeInode encodes one inode record into buf (InodeSize bytes).
func EncodeInode(ino *Inode, buf []byte, ord binary.ByteOrder) {
	e := NewEncoder(buf, ord)
	e.Uint16(ino.Mode)
	e.Uint16(ino.Nlink)
	e.Uint32(ino.Uid)
	e.Uint32(ino.Gid)
	e.Uint32(ino.Blksize)
	e.Uint64(ino.Size)
	e.Uint64(ino.Blocks)
	e.Int64(ino.Atime)
	e.Int64(ino.Mtime)
	e.Int64(ino.Ctime)
	e.Int64(ino.Birthtime)
	e.Uint32(ino.Mtimensec)
	e.Uint32(ino.Atimensec)
	e.Uint32(ino.Ctimensec)
	e.Uint32(ino.Birthnsec)
	e.Uint32(ino.Gen)
	e.Uint32(ino.Kernflags)
	e.Uint32(ino.Flags)
	e.Uint32(ino.Extsize)
	for i := range ino.Extb {
		e.Int64(ino.Extb[i])
	}
	if ino.IsShortlink() {
		e.Bytes(ino.ShortlinkData[:])
	} else {
		for i := range ino.Direct {
			e.Int64(ino.Direct[i])
		}
		for i := range ino.Indirect {
			e.Int64(ino.Indirect[i])
		}
	}
	e.Uint64(ino.Modrev)
	e.Uint32(ino.Ignored)
	e.Uint32(ino.Ckhash)
	for i := range ino.Spare {
		e.Uint32(ino.Spare[i])
	}
	if e.Offset() != InodeSize {
		panic("inode codec size drift")
	}
}

// DecodeDirentHeader decodes the fixed part of a directory entry.
func (self *Decoder) DecodeDirentHeader() (DirentHeader, error) {
	var h DirentHeader
	h.Ino = self.Uint32()
	h.Reclen = self.Uint16()
	h.Dtype = self.Uint8()
	h.Namelen = self.Uint8()
	return h, self.Err()
}

// EncodeDirentHeader encodes the fixed part of a directory entry.
func (self *Encoder) EncodeDirentHeader(h DirentHeader) {
	self.Uint32(h.Ino)
	self.Uint16(h.Reclen)
	self.Uint8(h.Dtype)
	self.Uint8(h.Namelen)
}

// DecodeExtattrHeader decodes the fixed part of an extended
// attribute record.
func (self *Decoder) DecodeExtattrHeader() (ExtattrHeader, error) {
	var h ExtattrHeader
	h.Len = self.Uint32()
	h.Namespace = self.Uint8()
	h.Contentpadlen = self.Uint8()
	h.Namelen = self.Uint8()
	return h, self.Err()
}
