/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Apr 10 10:05:15 2018 mstenber
 * Last modified: Tue Apr 10 10:31:28 2018 mstenber
 * Edit time:     17 min
 *
 */

package disk

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stvp/assert"
)

func testDevice(t *testing.T, d Device) {
	assert.Equal(t, d.Size(), int64(8192))
	assert.True(t, d.Writable())

	b := []byte{1, 2, 3, 4}
	assert.Nil(t, d.WriteAt(b, 4000))

	b2 := make([]byte, 4)
	assert.Nil(t, d.ReadAt(b2, 4000))
	assert.Equal(t, string(b2), string(b))

	// out of range access should not be silently truncated
	err := d.ReadAt(make([]byte, 4), 8190)
	assert.NotNil(t, err)

	assert.Nil(t, d.Flush())
	assert.Nil(t, d.Close())
}

func TestMemDevice(t *testing.T) {
	t.Parallel()
	testDevice(t, NewMemDevice(make([]byte, 8192), true))
}

func TestFileDevice(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "disk")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "image")
	assert.Nil(t, ioutil.WriteFile(path, make([]byte, 8192), 0600))

	d, err := OpenFile(path, true)
	assert.Nil(t, err)
	testDevice(t, d)
}

func TestMemDeviceReadOnly(t *testing.T) {
	t.Parallel()
	d := NewMemDevice(make([]byte, 512), false)
	assert.True(t, !d.Writable())
	assert.NotNil(t, d.WriteAt([]byte{1}, 0))
}
