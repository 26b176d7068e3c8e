// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"errors"
	"syscall"

	"github.com/verityfs/verityfs/lib/vfs"
)

// errno maps a tree error to the nearest POSIX errno. Verification
// failures surface as plain I/O errors; there is no errno for "the
// host lied to you".
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, vfs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, vfs.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, vfs.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, vfs.ErrPermission):
		return syscall.EPERM
	case errors.Is(err, vfs.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, vfs.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, vfs.ErrUnsupported):
		return syscall.EROFS
	case errors.Is(err, vfs.ErrVerificationFailed), errors.Is(err, vfs.ErrRemoteIO):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
