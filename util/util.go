/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Apr  9 11:20:31 2018 mstenber
 * Last modified: Mon Apr 23 14:02:18 2018 mstenber
 * Edit time:     8 min
 *
 */

package util

// Howmany is the classic howmany() macro: how many y-sized units are
// needed to cover x.
func Howmany(x, y int64) int64 {
	return (x + y - 1) / y
}

// IsPowerOf2 checks if the (positive) number is a power of two.
func IsPowerOf2(x int64) bool {
	return x > 0 && x&(x-1) == 0
}
