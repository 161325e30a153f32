/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Apr 16 14:11:48 2018 mstenber
 * Last modified: Tue May 15 15:02:27 2018 mstenber
 * Edit time:     274 min
 *
 */

package ufs

import (
	"bytes"
	"encoding/binary"

	"github.com/fingon/go-ufs/layout"
	"github.com/fingon/go-ufs/mlog"
	"github.com/pkg/errors"
)

// Directory content is a sequence of independent 512-byte chunks.
// Within one chunk, record lengths sum to exactly 512; a record with
// inode 0 is free space. Records never cross a chunk boundary.

// DirEntry is one visible directory entry.
type DirEntry struct {
	Ino   uint32
	Dtype uint8
	Name  string
}

// dirChunks iterates the directory's chunks, handing each 512-byte
// chunk to fn. fn may modify buf and return dirty to have the chunk
// written back; returning stop ends the walk.
func (self *Ufs) dirChunks(ino uint32, dp *layout.Inode, fn func(off int64, buf []byte) (dirty, stop bool, err error)) error {
	if dp.Size%layout.DirBlkSiz != 0 {
		return errors.Wrapf(ErrInconsistentFilesystem,
			"directory size %d not chunk aligned", dp.Size)
	}
	buf := make([]byte, layout.DirBlkSiz)
	for off := int64(0); off < int64(dp.Size); off += layout.DirBlkSiz {
		n, err := self.readData(dp, off, buf)
		if err != nil {
			return err
		}
		if n != layout.DirBlkSiz {
			return errors.Wrapf(ErrInconsistentFilesystem,
				"short directory chunk at %d", off)
		}
		dirty, stop, err := fn(off, buf)
		if err != nil {
			return err
		}
		if dirty {
			if _, err := self.writeData(ino, dp, off, buf); err != nil {
				return err
			}
		}
		if stop {
			return nil
		}
	}
	return nil
}

// dirRecords iterates the records of one chunk, validating the
// record chain as it goes. fn gets the record's offset within the
// chunk, its header and its name.
func (self *Ufs) dirRecords(buf []byte, fn func(pos int, h layout.DirentHeader, name []byte) (stop bool, err error)) error {
	pos := 0
	for pos < layout.DirBlkSiz {
		d := layout.NewDecoder(buf[pos:], self.ord)
		h, err := d.DecodeDirentHeader()
		if err != nil {
			return errors.Wrap(ErrInconsistentFilesystem, err.Error())
		}
		rl := int(h.Reclen)
		if rl < layout.DirentHdrLen || rl%4 != 0 || pos+rl > layout.DirBlkSiz ||
			layout.DirentSize(int(h.Namelen)) > rl {
			return errors.Wrapf(ErrInconsistentFilesystem,
				"bad directory record at %d (reclen %d)", pos, h.Reclen)
		}
		name := buf[pos+layout.DirentHdrLen : pos+layout.DirentHdrLen+int(h.Namelen)]
		stop, err := fn(pos, h, name)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		pos += rl
	}
	return nil
}

// dirLookup finds name in the directory. Caller holds the parent
// inode lock.
func (self *Ufs) dirLookup(pino uint32, dp *layout.Inode, name string) (uint32, uint8, error) {
	var found uint32
	var dtype uint8
	err := self.dirChunks(pino, dp, func(off int64, buf []byte) (bool, bool, error) {
		stop := false
		err := self.dirRecords(buf, func(pos int, h layout.DirentHeader, n []byte) (bool, error) {
			if h.Ino != 0 && h.Dtype != layout.DtWht && bytes.Equal(n, []byte(name)) {
				found = h.Ino
				dtype = h.Dtype
				stop = true
				return true, nil
			}
			return false, nil
		})
		return false, stop, err
	})
	if err != nil {
		return 0, 0, err
	}
	if found == 0 {
		return 0, 0, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return found, dtype, nil
}

// Lookup resolves name within directory pino to the child's
// attributes.
func (self *Ufs) Lookup(pino uint32, name string) (Attr, error) {
	if len(name) > layout.MaxNameLen {
		return Attr{}, errors.Wrapf(ErrNameTooLong, "%d bytes", len(name))
	}
	key := dcacheKey(pino, name)
	if v, err := self.dcache.Get(key); err == nil {
		a, err := self.GetAttr(v.(uint32))
		if err == nil {
			return a, nil
		}
		self.dcache.Remove(key)
	}
	// The parent lock is dropped before GetAttr takes the child's;
	// holding both here would invert the sorted multi-lock order the
	// update paths use.
	ino, err := func() (uint32, error) {
		defer self.inodeLocks.Locked(pino)()
		dp, err := self.readInode(pino)
		if err != nil {
			return 0, err
		}
		if dp.Mode&layout.IFMT != layout.IFDIR {
			return 0, errors.Wrapf(ErrNotDirectory, "inode %d", pino)
		}
		ino, _, err := self.dirLookup(pino, dp, name)
		return ino, err
	}()
	if err != nil {
		return Attr{}, err
	}
	self.dcache.Set(key, ino)
	a, err := self.GetAttr(ino)
	if err != nil {
		self.dcache.Remove(key)
		return Attr{}, err
	}
	mlog.Printf2("ufs/dir", "Lookup %d %q -> %d", pino, name, a.Ino)
	return a, nil
}

// ReadDir lists the directory, free records and whiteouts excluded.
func (self *Ufs) ReadDir(ino uint32) ([]DirEntry, error) {
	defer self.inodeLocks.Locked(ino)()
	dp, err := self.readInode(ino)
	if err != nil {
		return nil, err
	}
	if dp.Mode&layout.IFMT != layout.IFDIR {
		return nil, errors.Wrapf(ErrNotDirectory, "inode %d", ino)
	}
	var out []DirEntry
	err = self.dirChunks(ino, dp, func(off int64, buf []byte) (bool, bool, error) {
		err := self.dirRecords(buf, func(pos int, h layout.DirentHeader, name []byte) (bool, error) {
			if h.Ino == 0 || h.Dtype == layout.DtWht {
				return false, nil
			}
			out = append(out, DirEntry{Ino: h.Ino, Dtype: h.Dtype, Name: string(name)})
			return false, nil
		})
		return false, false, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// dirEmpty tells whether the directory holds nothing beyond its dot
// entries.
func (self *Ufs) dirEmpty(ino uint32, dp *layout.Inode) (bool, error) {
	empty := true
	err := self.dirChunks(ino, dp, func(off int64, buf []byte) (bool, bool, error) {
		err := self.dirRecords(buf, func(pos int, h layout.DirentHeader, name []byte) (bool, error) {
			if h.Ino == 0 || h.Dtype == layout.DtWht {
				return false, nil
			}
			if string(name) == "." || string(name) == ".." {
				return false, nil
			}
			empty = false
			return true, nil
		})
		return false, !empty, err
	})
	return empty, err
}

// dirInsert adds an entry for name. The first chunk with enough
// slack takes it: a free record is claimed whole, a live record
// gives up the padding past its own name. With no slack anywhere the
// directory grows by one fresh chunk. Caller holds the parent inode
// lock and writes dp back.
func (self *Ufs) dirInsert(pino uint32, dp *layout.Inode, name string, ino uint32, dtype uint8) error {
	needed := layout.DirentSize(len(name))
	inserted := false
	err := self.dirChunks(pino, dp, func(off int64, buf []byte) (bool, bool, error) {
		where := -1
		newlen := 0
		var prev layout.DirentHeader
		err := self.dirRecords(buf, func(pos int, h layout.DirentHeader, n []byte) (bool, error) {
			if h.Ino == 0 {
				if int(h.Reclen) >= needed {
					where = pos
					newlen = int(h.Reclen)
					return true, nil
				}
				return false, nil
			}
			used := layout.DirentSize(int(h.Namelen))
			if int(h.Reclen)-used >= needed {
				// Split the padding off the live record.
				prev = h
				prev.Reclen = uint16(used)
				e := layout.NewEncoder(buf[pos:], self.ord)
				e.EncodeDirentHeader(prev)
				where = pos + used
				newlen = int(h.Reclen) - used
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			return false, false, err
		}
		if where < 0 {
			return false, false, nil
		}
		writeDirent(buf[where:], self.ord, layout.DirentHeader{
			Ino:     ino,
			Reclen:  uint16(newlen),
			Dtype:   dtype,
			Namelen: uint8(len(name)),
		}, name)
		inserted = true
		return true, true, nil
	})
	if err != nil {
		return err
	}
	if inserted {
		return nil
	}
	// Fresh chunk at the end.
	buf := make([]byte, layout.DirBlkSiz)
	writeDirent(buf, self.ord, layout.DirentHeader{
		Ino:     ino,
		Reclen:  layout.DirBlkSiz,
		Dtype:   dtype,
		Namelen: uint8(len(name)),
	}, name)
	if _, err := self.writeData(pino, dp, int64(dp.Size), buf); err != nil {
		return err
	}
	return nil
}

// writeDirent encodes one record, zero padding between name end and
// record end included.
func writeDirent(buf []byte, ord binary.ByteOrder, h layout.DirentHeader, name string) {
	e := layout.NewEncoder(buf, ord)
	e.EncodeDirentHeader(h)
	for i := layout.DirentHdrLen + len(name); i < int(h.Reclen); i++ {
		buf[i] = 0
	}
	copy(buf[layout.DirentHdrLen:], name)
}

// dirRemove deletes name's entry and returns the inode it pointed
// to. A record at a chunk head is kept with inode zeroed; any other
// record is merged into its predecessor. Caller holds the parent
// inode lock.
func (self *Ufs) dirRemove(pino uint32, dp *layout.Inode, name string) (uint32, error) {
	removed := uint32(0)
	err := self.dirChunks(pino, dp, func(off int64, buf []byte) (bool, bool, error) {
		prevPos := -1
		var prevHdr layout.DirentHeader
		match := -1
		var matchHdr layout.DirentHeader
		err := self.dirRecords(buf, func(pos int, h layout.DirentHeader, n []byte) (bool, error) {
			if h.Ino != 0 && bytes.Equal(n, []byte(name)) {
				match = pos
				matchHdr = h
				return true, nil
			}
			prevPos = pos
			prevHdr = h
			return false, nil
		})
		if err != nil {
			return false, false, err
		}
		if match < 0 {
			return false, false, nil
		}
		removed = matchHdr.Ino
		if prevPos < 0 {
			matchHdr.Ino = 0
			e := layout.NewEncoder(buf[match:], self.ord)
			e.EncodeDirentHeader(matchHdr)
		} else {
			prevHdr.Reclen += matchHdr.Reclen
			e := layout.NewEncoder(buf[prevPos:], self.ord)
			e.EncodeDirentHeader(prevHdr)
		}
		return true, true, nil
	})
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, errors.Wrapf(ErrNotFound, "%q", name)
	}
	mlog.Printf2("ufs/dir", "dirRemove %q -> %d", name, removed)
	return removed, nil
}

// dirSetIno rewrites the inode an existing entry points at; rename
// uses it for ".." fixups and destination replacement.
func (self *Ufs) dirSetIno(pino uint32, dp *layout.Inode, name string, ino uint32, dtype uint8) error {
	found := false
	err := self.dirChunks(pino, dp, func(off int64, buf []byte) (bool, bool, error) {
		dirty := false
		err := self.dirRecords(buf, func(pos int, h layout.DirentHeader, n []byte) (bool, error) {
			if h.Ino != 0 && bytes.Equal(n, []byte(name)) {
				h.Ino = ino
				h.Dtype = dtype
				e := layout.NewEncoder(buf[pos:], self.ord)
				e.EncodeDirentHeader(h)
				found = true
				dirty = true
				return true, nil
			}
			return false, nil
		})
		return dirty, found, err
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	return nil
}
