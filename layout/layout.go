/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Apr 11 08:40:19 2018 mstenber
 * Last modified: Mon May 14 13:05:44 2018 mstenber
 * Edit time:     302 min
 *
 */

// layout describes the UFS2 on-disk format: the fixed byte layout of
// the superblock, cylinder group headers, inodes, directory entries
// and extended attribute records, together with the geometry math
// that relates them.
//
// Nothing in this package assumes host byte order; every record is
// decoded and encoded with an explicit binary.ByteOrder that the
// caller detects once from the superblock magic and then threads
// through all calls of a mount session.
package layout

// UFS2 fast filesystem magic number.
const FsMagic = 0x19540119

// Byte offset of the magic number within the superblock.
const MagicOffset = 1372

// Cylinder group header magic number.
const CgMagic = 0x090255

// Byte offset of the standard UFS2 superblock within the image.
const SBlockUFS2 = 65536

// Reserved size of the superblock area.
const SBlockSize = 8192

// Maximum number of fragments in a block.
const MaxFrag = 8

// Maximum length of the mount point name stored in the superblock.
const MaxMntLen = 468

// Maximum length of the volume name stored in the superblock.
const MaxVolLen = 32

// Maximum number of snapshot inodes recorded in the superblock.
const MaxSnap = 20

// Size of the in-core summary pointer padding area (fs_ocsp + fs_si,
// 128 bytes of kernel pointers, always junk on disk).
const nOcsPtrs = 128/8 - 1

// Direct block pointers in an inode.
const NDAddr = 12

// Indirect block pointers in an inode.
const NIAddr = 3

// External attribute block pointers in an inode.
const NXAddr = 2

// Byte capacity of the short-link area (the direct + indirect
// pointer words reused as symlink text).
const ShortLinkLen = (NDAddr + NIAddr) * 8

// Size of an on-disk UFS2 inode.
const InodeSize = 256

// Maximum length of a directory entry name.
const MaxNameLen = 255

// Maximum length of an extended attribute name, excluding NUL.
const ExtAttrMaxNameLen = 64

// Directories are maintained in independently-consistent chunks of
// this size; the record lengths within one chunk always sum to
// exactly the chunk size.
const DirBlkSiz = 512

// Fixed part of a directory entry: inode number, record length,
// type, name length.
const DirentHdrLen = 8

// Sector unit the inode di_blocks field counts in.
const StatBlockSize = 512

// Encoded sizes of the fixed records.
const (
	SuperblockSize = 1376
	CylGroupSize   = 168
	CsumSize       = 16
)

// File mode type bits.
const (
	IFMT  = 0o170000
	IFIFO = 0o010000
	IFCHR = 0o020000
	IFDIR = 0o040000
	IFBLK = 0o060000
	IFREG = 0o100000
	IFLNK = 0o120000
	IFSOCK = 0o140000
)

// Directory entry type tags.
const (
	DtUnknown = 0
	DtFifo    = 1
	DtChr     = 2
	DtDir     = 4
	DtBlk     = 6
	DtReg     = 8
	DtLnk     = 10
	DtSock    = 12
	DtWht     = 14
)

// Superblock fs_flags bits we care about.
const (
	FlagSoftDep  = 0x02 // soft updates in use
	FlagGJournal = 0x40 // gjournaled
	FlagACLs     = 0x10
)

// Root directory inode number; 0 is unused and 1 is historically the
// bad-block inode.
const RootIno = 2

// Csum holds per cylinder group usage summary information.
type Csum struct {
	Ndir   int32
	Nbfree int32
	Nifree int32
	Nffree int32
}

// CsumTotal is the filesystem-wide usage summary in the superblock.
type CsumTotal struct {
	Ndir        int64
	Nbfree      int64
	Nifree      int64
	Nffree      int64
	Numclusters int64
	Spare       [3]int64
}

// Superblock mirrors struct fs field for field, spare/historic areas
// included, so that a decode/encode round trip is byte-identical.
type Superblock struct {
	Firstfield      int32
	Unused1         int32
	Sblkno          int32
	Cblkno          int32
	Iblkno          int32
	Dblkno          int32
	OldCgoffset     int32
	OldCgmask       int32
	OldTime         int32
	OldSize         int32
	OldDsize        int32
	Ncg             uint32
	Bsize           int32
	Fsize           int32
	Frag            int32
	Minfree         int32
	OldRotdelay     int32
	OldRps          int32
	Bmask           int32
	Fmask           int32
	Bshift          int32
	Fshift          int32
	Maxcontig       int32
	Maxbpg          int32
	Fragshift       int32
	Fsbtodb         int32
	Sbsize          int32
	Spare1          [2]int32
	Nindir          int32
	Inopb           uint32
	OldNspf         int32
	Optim           int32
	OldNpsect       int32
	OldInterleave   int32
	OldTrackskew    int32
	Id              [2]int32
	OldCsaddr       int32
	Cssize          int32
	Cgsize          int32
	Spare2          int32
	OldNsect        int32
	OldSpc          int32
	OldNcyl         int32
	OldCpg          int32
	Ipg             uint32
	Fpg             int32
	OldCstotal      Csum
	Fmod            int8
	Clean           int8
	Ronly           int8
	OldFlags        int8
	Fsmnt           [MaxMntLen]byte
	Volname         [MaxVolLen]byte
	Swuid           uint64
	Pad             int32
	Cgrotor         int32
	Ocsp            [nOcsPtrs]uint64
	Si              uint64
	OldCpc          int32
	Maxbsize        int32
	Unrefs          int64
	Providersize    int64
	Metaspace       int64
	Sparecon64      [13]int64
	Sblockactualloc int64
	Sblockloc       int64
	Cstotal         CsumTotal
	Time            int64
	Size            int64
	Dsize           int64
	Csaddr          int64
	Pendingblocks   int64
	Pendinginodes   uint32
	Snapinum        [MaxSnap]uint32
	Avgfilesize     uint32
	Avgfpdir        uint32
	SaveCgsize      int32
	Mtime           int64
	Sujfree         int32
	Sparecon32      [21]int32
	Ckhash          uint32
	Metackhash      uint32
	Flags           int32
	Contigsumsize   int32
	Maxsymlinklen   int32
	OldInodefmt     int32
	Maxfilesize     uint64
	Qbmask          int64
	Qfmask          int64
	State           int32
	OldPostblformat int32
	OldNrpos        int32
	Spare5          [2]int32
	Magic           int32
}

// CylGroup mirrors the fixed part of struct cg. The inode and block
// bitmaps live after it at the self-describing Iusedoff/Freeoff byte
// offsets from the start of the group header.
type CylGroup struct {
	Firstfield    int32
	Magic         int32
	OldTime       int32
	Cgx           uint32
	OldNcyl       int16
	OldNiblk      int16
	Ndblk         uint32
	Cs            Csum
	Rotor         uint32
	Frotor        uint32
	Irotor        uint32
	Frsum         [MaxFrag]uint32
	OldBtotoff    int32
	OldBoff       int32
	Iusedoff      uint32
	Freeoff       uint32
	Nextfreeoff   uint32
	Clustersumoff uint32
	Clusteroff    uint32
	Nclusterblks  uint32
	Niblk         uint32
	Initediblk    uint32
	Unrefs        uint32
	Sparecon32    [1]int32
	Ckhash        uint32
	Time          int64
	Sparecon64    [3]int64
}

// Inode mirrors struct ufs2_dinode. The pointer area holds either
// real block pointers (Direct/Indirect) or, for short symbolic links,
// the link text itself (ShortlinkData is valid when mode is IFLNK and
// Blocks == 0; the other representation is zero).
type Inode struct {
	Mode          uint16
	Nlink         uint16
	Uid           uint32
	Gid           uint32
	Blksize       uint32
	Size          uint64
	Blocks        uint64
	Atime         int64
	Mtime         int64
	Ctime         int64
	Birthtime     int64
	Mtimensec     uint32
	Atimensec     uint32
	Ctimensec     uint32
	Birthnsec     uint32
	Gen           uint32
	Kernflags     uint32
	Flags         uint32
	Extsize       uint32
	Extb          [NXAddr]int64
	Direct        [NDAddr]int64
	Indirect      [NIAddr]int64
	ShortlinkData [ShortLinkLen]byte
	Modrev        uint64
	Ignored       uint32
	Ckhash        uint32
	Spare         [2]uint32
}

// DirentHeader is the fixed part of a directory entry.
type DirentHeader struct {
	Ino     uint32
	Reclen  uint16
	Dtype   uint8
	Namelen uint8
}

// ExtattrHeader is the fixed part of an extended attribute record.
type ExtattrHeader struct {
	Len           uint32
	Namespace     uint8
	Contentpadlen uint8
	Namelen       uint8
}

// Extended attribute namespaces.
const (
	ExtattrNsEmpty  = 0
	ExtattrNsUser   = 1
	ExtattrNsSystem = 2

	ExtattrUserPrefix   = "user."
	ExtattrSystemPrefix = "system."
)

// ExtattrNsPrefix maps a namespace tag to the conventional name
// prefix; unknown namespaces return "" and false.
func ExtattrNsPrefix(ns uint8) (string, bool) {
	switch ns {
	case ExtattrNsEmpty:
		return "", true
	case ExtattrNsUser:
		return "user.", true
	case ExtattrNsSystem:
		return "system.", true
	}
	return "", false
}

// IsShortlink tells whether the inode's pointer area holds symlink
// text instead of block pointers.
func (self *Inode) IsShortlink() bool {
	return self.Mode&IFMT == IFLNK && self.Blocks == 0
}

// Shortlink returns the symlink text of a short link inode.
func (self *Inode) Shortlink() []byte {
	n := self.Size
	if n > uint64(ShortLinkLen) {
		n = uint64(ShortLinkLen)
	}
	return self.ShortlinkData[:n]
}

// SetShortlink stores symlink text in the pointer area. The text must
// fit; the caller checks against ShortLinkLen.
func (self *Inode) SetShortlink(text []byte) {
	self.ShortlinkData = [ShortLinkLen]byte{}
	copy(self.ShortlinkData[:], text)
	self.Direct = [NDAddr]int64{}
	self.Indirect = [NIAddr]int64{}
	self.Size = uint64(len(text))
	self.Blocks = 0
}

// DirentSize returns the encoded length of a live entry with the
// given name length: the fixed header plus the NUL padded name,
// rounded up to 4 bytes.
func DirentSize(namelen int) int {
	return DirentHdrLen + ((namelen + 4) &^ 3)
}

// ModeToDtype converts inode mode type bits to a dirent type tag.
func ModeToDtype(mode uint16) uint8 {
	switch mode & IFMT {
	case IFIFO:
		return DtFifo
	case IFCHR:
		return DtChr
	case IFDIR:
		return DtDir
	case IFBLK:
		return DtBlk
	case IFREG:
		return DtReg
	case IFLNK:
		return DtLnk
	case IFSOCK:
		return DtSock
	}
	return DtUnknown
}
