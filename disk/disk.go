/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Apr 10 09:12:40 2018 mstenber
 * Last modified: Fri May  4 10:21:09 2018 mstenber
 * Edit time:     74 min
 *
 */

// disk provides the random-access, block-addressed read/write surface
// over the backing store (regular file, block device, or an in-memory
// buffer for tests). It is the only package that performs raw I/O.
//
// The package does no caching whatsoever, and it never retries a
// failed I/O call; masking storage errors could corrupt filesystem
// state, so they are always surfaced to the caller as-is.
package disk

import (
	"os"

	"github.com/fingon/go-ufs/mlog"
	"github.com/pkg/errors"
)

// Device is the backing store surface the rest of the filesystem is
// built on.
type Device interface {
	// ReadAt fills buf from the given byte offset. Short reads are
	// errors.
	ReadAt(buf []byte, off int64) error

	// WriteAt stores buf at the given byte offset. It must not be
	// called if Writable() is false.
	WriteAt(buf []byte, off int64) error

	// Flush pushes any pending writes to stable storage.
	Flush() error

	// Size returns the total size of the device in bytes.
	Size() int64

	// Writable tells whether the device was opened read-write.
	Writable() bool

	// Close releases the device.
	Close() error
}

type fileDevice struct {
	f    *os.File
	size int64
	rw   bool
}

var _ Device = &fileDevice{}

// OpenFile opens a regular file or block device as a Device. The
// read-write mode is fixed for the lifetime of the device.
func OpenFile(path string, rw bool) (Device, error) {
	flags := os.O_RDONLY
	if rw {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "disk: open %s", path)
	}
	size, err := f.Seek(0, 2)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "disk: size of %s", path)
	}
	mlog.Printf2("disk/disk", "OpenFile %s rw:%v size:%v", path, rw, size)
	return &fileDevice{f: f, size: size, rw: rw}, nil
}

func (self *fileDevice) ReadAt(buf []byte, off int64) error {
	_, err := self.f.ReadAt(buf, off)
	if err != nil {
		return errors.Wrapf(err, "disk: read %d@%d", len(buf), off)
	}
	return nil
}

func (self *fileDevice) WriteAt(buf []byte, off int64) error {
	if !self.rw {
		mlog.Panicf2("disk/disk", "WriteAt on read-only device")
	}
	_, err := self.f.WriteAt(buf, off)
	if err != nil {
		return errors.Wrapf(err, "disk: write %d@%d", len(buf), off)
	}
	return nil
}

func (self *fileDevice) Flush() error {
	if !self.rw {
		return nil
	}
	if err := self.f.Sync(); err != nil {
		return errors.Wrap(err, "disk: sync")
	}
	return nil
}

func (self *fileDevice) Size() int64 {
	return self.size
}

func (self *fileDevice) Writable() bool {
	return self.rw
}

func (self *fileDevice) Close() error {
	return self.f.Close()
}
