// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuse

import "syscall"

// Errors corresponding to kernel error numbers. These may be treated
// specially when returned by a FileSystem method.
const (
	EIO          = syscall.EIO
	ENOENT       = syscall.ENOENT
	ENOSYS       = syscall.ENOSYS
	ENOTEMPTY    = syscall.ENOTEMPTY
	EEXIST       = syscall.EEXIST
	ENOTDIR      = syscall.ENOTDIR
	EISDIR       = syscall.EISDIR
	EPERM        = syscall.EPERM
	EROFS        = syscall.EROFS
	EINVAL       = syscall.EINVAL
	ENAMETOOLONG = syscall.ENAMETOOLONG
	EXDEV        = syscall.EXDEV
)

// Errno extracts the kernel errno that should be reported for err. Values
// that don't know their own errno are reported as EIO, matching the
// "unclassified layer failure" row of the overlay error table.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	if e, ok := err.(interface{ Errno() syscall.Errno }); ok {
		return e.Errno()
	}

	if e, ok := err.(syscall.Errno); ok {
		return e
	}

	return EIO
}
