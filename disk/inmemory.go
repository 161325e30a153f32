/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Apr 10 09:48:02 2018 mstenber
 * Last modified: Fri May  4 10:22:31 2018 mstenber
 * Edit time:     26 min
 *
 */

package disk

import (
	"github.com/fingon/go-ufs/util"
	"github.com/pkg/errors"
)

// memDevice keeps the whole image in a byte slice. Used by tests and
// by the fuzzing entrypoint; reads outside the buffer behave like
// reads past the end of a short file.
type memDevice struct {
	buf  []byte
	rw   bool
	lock util.MutexLocked
}

var _ Device = &memDevice{}

// NewMemDevice wraps the given image bytes as a Device.
func NewMemDevice(buf []byte, rw bool) Device {
	return &memDevice{buf: buf, rw: rw}
}

func (self *memDevice) ReadAt(buf []byte, off int64) error {
	defer self.lock.Locked()()
	if off < 0 || off+int64(len(buf)) > int64(len(self.buf)) {
		return errors.Errorf("disk: read %d@%d beyond end of %d byte device",
			len(buf), off, len(self.buf))
	}
	copy(buf, self.buf[off:])
	return nil
}

func (self *memDevice) WriteAt(buf []byte, off int64) error {
	defer self.lock.Locked()()
	if !self.rw {
		return errors.New("disk: write on read-only device")
	}
	if off < 0 || off+int64(len(buf)) > int64(len(self.buf)) {
		return errors.Errorf("disk: write %d@%d beyond end of %d byte device",
			len(buf), off, len(self.buf))
	}
	copy(self.buf[off:], buf)
	return nil
}

func (self *memDevice) Flush() error {
	return nil
}

func (self *memDevice) Size() int64 {
	defer self.lock.Locked()()
	return int64(len(self.buf))
}

func (self *memDevice) Writable() bool {
	return self.rw
}

func (self *memDevice) Close() error {
	return nil
}

// Bytes returns the underlying image of a memory device, or nil for
// other device kinds.
func Bytes(d Device) []byte {
	if md, ok := d.(*memDevice); ok {
		return md.buf
	}
	return nil
}
