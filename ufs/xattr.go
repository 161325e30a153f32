/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Apr 18 11:50:31 2018 mstenber
 * Last modified: Tue May 15 16:40:12 2018 mstenber
 * Edit time:     84 min
 *
 */

package ufs

import (
	"strings"

	"github.com/fingon/go-ufs/layout"
	"github.com/pkg/errors"
)

// Extended attributes live in a dedicated area outside the file
// data, spread over up to two blocks. Each record is 8-aligned:
// a 7-byte header, the name padded to the next 8-boundary, then the
// content with contentpadlen trailing pad bytes.

// readExtArea reads the whole attribute area of ip.
func (self *Ufs) readExtArea(ip *layout.Inode) ([]byte, error) {
	if ip.Extsize == 0 {
		return nil, nil
	}
	if int64(ip.Extsize) > int64(len(ip.Extb))*int64(self.sb.Bsize) {
		return nil, errors.Wrapf(ErrInconsistentFilesystem,
			"attribute area of %d bytes exceeds %d blocks", ip.Extsize, len(ip.Extb))
	}
	out := make([]byte, ip.Extsize)
	left := int64(ip.Extsize)
	for i := range ip.Extb {
		if left <= 0 {
			break
		}
		if ip.Extb[i] == 0 {
			return nil, errors.Wrapf(ErrInconsistentFilesystem,
				"attribute area of %d bytes with missing block", ip.Extsize)
		}
		cnt := int64(self.sb.Bsize)
		if cnt > left {
			cnt = left
		}
		if err := self.checkBlkptr(ip.Extb[i], self.numfrags(self.fragroundup(cnt))); err != nil {
			return nil, err
		}
		off := int64(ip.Extsize) - left
		if err := self.dev.ReadAt(out[off:off+cnt], self.fragsToBytes(ip.Extb[i])); err != nil {
			return nil, errors.Wrap(err, "reading attribute area")
		}
		left -= cnt
	}
	return out, nil
}

// eachXattr walks the records of the attribute area.
func (self *Ufs) eachXattr(ip *layout.Inode, fn func(ns uint8, name string, content []byte) bool) error {
	area, err := self.readExtArea(ip)
	if err != nil {
		return err
	}
	pos := 0
	for pos+8 <= len(area) {
		d := layout.NewDecoder(area[pos:], self.ord)
		h, err := d.DecodeExtattrHeader()
		if err != nil {
			return errors.Wrap(ErrInconsistentFilesystem, err.Error())
		}
		rl := int(h.Len)
		base := (7 + int(h.Namelen) + 7) &^ 7
		if rl%8 != 0 || rl < base+int(h.Contentpadlen) || pos+rl > len(area) ||
			h.Namelen == 0 || int(h.Namelen) > layout.ExtAttrMaxNameLen {
			return errors.Wrapf(ErrInconsistentFilesystem,
				"bad attribute record at %d (len %d)", pos, h.Len)
		}
		name := string(area[pos+7 : pos+7+int(h.Namelen)])
		content := area[pos+base : pos+rl-int(h.Contentpadlen)]
		if !fn(h.Namespace, name, content) {
			return nil
		}
		pos += rl
	}
	return nil
}

// XattrList lists the attribute names of ino, namespace prefix
// included.
func (self *Ufs) XattrList(ino uint32) ([]string, error) {
	defer self.inodeLocks.Locked(ino)()
	ip, err := self.readInode(ino)
	if err != nil {
		return nil, err
	}
	var out []string
	err = self.eachXattr(ip, func(ns uint8, name string, content []byte) bool {
		if prefix, ok := layout.ExtattrNsPrefix(ns); ok {
			out = append(out, prefix+name)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// splitXattrName splits a prefixed attribute name into namespace and
// bare name.
func splitXattrName(full string) (uint8, string, error) {
	i := strings.IndexByte(full, '.')
	if i >= 0 {
		switch full[:i+1] {
		case layout.ExtattrUserPrefix:
			return layout.ExtattrNsUser, full[i+1:], nil
		case layout.ExtattrSystemPrefix:
			return layout.ExtattrNsSystem, full[i+1:], nil
		}
	}
	return 0, "", errors.Wrapf(ErrAttributeNotFound, "namespace of %q", full)
}

// XattrGet returns the content of attribute full on ino.
func (self *Ufs) XattrGet(ino uint32, full string) ([]byte, error) {
	ns, name, err := splitXattrName(full)
	if err != nil {
		return nil, err
	}
	defer self.inodeLocks.Locked(ino)()
	ip, err := self.readInode(ino)
	if err != nil {
		return nil, err
	}
	var out []byte
	found := false
	err = self.eachXattr(ip, func(rns uint8, rname string, content []byte) bool {
		if rns == ns && rname == name {
			out = append([]byte(nil), content...)
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(ErrAttributeNotFound, "%q", full)
	}
	return out, nil
}
