/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed May 16 10:02:11 2018 mstenber
 * Last modified: Wed May 16 11:40:58 2018 mstenber
 * Edit time:     52 min
 *
 */

package ufs

import (
	"testing"

	"github.com/fingon/go-ufs/disk"
	"github.com/fingon/go-ufs/layout"
	"github.com/fingon/go-ufs/mkfs"
)

// fuzzSeedImage builds a small populated image to seed the corpus
// with: a file spanning a few fragments, a subdirectory and both
// symlink flavors.
func fuzzSeedImage(f *testing.F) []byte {
	buf := make([]byte, 2<<20)
	dev := disk.NewMemDevice(buf, true)
	err := mkfs.Build(dev, mkfs.Options{FragsPerG: 1024, Volname: "fuzz"})
	if err != nil {
		f.Fatal(err)
	}
	fs, err := NewFs(dev, true)
	if err != nil {
		f.Fatal(err)
	}
	a, err := fs.Create(layout.RootIno, "file", 0o644, 0, 0)
	if err != nil {
		f.Fatal(err)
	}
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err = fs.Write(a.Ino, 0, data); err != nil {
		f.Fatal(err)
	}
	if _, err = fs.Mkdir(layout.RootIno, "dir", 0o755, 0, 0); err != nil {
		f.Fatal(err)
	}
	if _, err = fs.Symlink(layout.RootIno, "short", "file", 0, 0); err != nil {
		f.Fatal(err)
	}
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	if _, err = fs.Symlink(layout.RootIno, "long", string(long), 0, 0); err != nil {
		f.Fatal(err)
	}
	if err = fs.Close(); err != nil {
		f.Fatal(err)
	}
	return buf
}

// FuzzMount feeds arbitrary bytes through the mount path and the
// read-side operations. Corrupt images may fail with errors but must
// never panic or read out of bounds.
func FuzzMount(f *testing.F) {
	f.Add(fuzzSeedImage(f))
	f.Fuzz(func(t *testing.T, data []byte) {
		fs, err := NewFs(disk.NewMemDevice(data, false), false)
		if err != nil {
			return
		}
		fs.Verify()
		fs.StatFs()
		entries, err := fs.ReadDir(layout.RootIno)
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		for _, e := range entries {
			a, err := fs.Lookup(layout.RootIno, e.Name)
			if err != nil {
				continue
			}
			switch a.Mode & layout.IFMT {
			case layout.IFREG:
				_, _ = fs.Read(a.Ino, 0, buf)
			case layout.IFLNK:
				_, _ = fs.Readlink(a.Ino)
			case layout.IFDIR:
				_, _ = fs.ReadDir(a.Ino)
			}
			_, _ = fs.XattrList(a.Ino)
		}
	})
}
