/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Apr  9 10:55:02 2018 mstenber
 * Last modified: Mon Apr  9 11:02:41 2018 mstenber
 * Edit time:     6 min
 *
 */

package mlog

import (
	"testing"

	"github.com/stvp/assert"
)

func TestMlog(t *testing.T) {
	SetPattern("")
	assert.True(t, !IsEnabled())
	Printf2("mlog/mlog_test", "this should not be visible")

	SetPattern("mlog/")
	assert.True(t, IsEnabled())
	assert.True(t, tagEnabled("mlog/mlog_test"))
	assert.True(t, !tagEnabled("ufs/fs"))

	SetPattern("")
}
