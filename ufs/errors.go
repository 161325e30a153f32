/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Apr 11 14:30:12 2018 mstenber
 * Last modified: Tue May 15 10:21:44 2018 mstenber
 * Edit time:     18 min
 *
 */

package ufs

import "github.com/pkg/errors"

// Sentinel errors of the filesystem core. Callers classify with
// errors.Cause; wrapped context carries the specifics.
var (
	// ErrInvalidSuperblock means the image failed the mount-time
	// geometry and magic checks.
	ErrInvalidSuperblock = errors.New("invalid superblock")

	// ErrInconsistentFilesystem means on-disk structures disagree
	// with each other (bad cylinder group magic, bitmap double
	// free, allocation counters out of range).
	ErrInconsistentFilesystem = errors.New("inconsistent filesystem")

	// ErrCorruptPointerChain means a block pointer referenced an
	// address outside the data area.
	ErrCorruptPointerChain = errors.New("corrupt block pointer chain")

	// ErrInvalidInode means the inode number is out of range or
	// the record is unallocated where an allocated one is needed.
	ErrInvalidInode = errors.New("invalid inode")

	// ErrNotFound means a directory has no entry with the name.
	ErrNotFound = errors.New("no such entry")

	// ErrExists means a directory already has an entry with the
	// name.
	ErrExists = errors.New("entry exists")

	// ErrNotDirectory means a directory operation was applied to
	// a non-directory inode.
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory means a file operation was applied to a
	// directory inode.
	ErrIsDirectory = errors.New("is a directory")

	// ErrNotEmpty means rmdir was applied to a non-empty
	// directory.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrAttributeNotFound means the inode carries no extended
	// attribute with the name.
	ErrAttributeNotFound = errors.New("no such attribute")

	// ErrNoSpace means no cylinder group could satisfy an
	// allocation.
	ErrNoSpace = errors.New("no space left")

	// ErrReadOnly means a mutating operation reached a read-only
	// mount.
	ErrReadOnly = errors.New("read-only filesystem")

	// ErrNameTooLong means a component name exceeds the format
	// limit.
	ErrNameTooLong = errors.New("name too long")

	// ErrInvalidArgument means the operation arguments cannot be
	// satisfied, such as renaming a directory into its own
	// subtree.
	ErrInvalidArgument = errors.New("invalid argument")
)
