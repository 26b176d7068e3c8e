// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import "errors"

// Error taxonomy of the tree. The front end maps these to POSIX
// errnos; everything else surfaces as a generic I/O failure.
var (
	// ErrVerificationFailed reports a Merkle hash mismatch. The
	// affected bytes are never exposed to the caller, and a write that
	// hits it commits nothing.
	ErrVerificationFailed = errors.New("content verification failed")

	// ErrNotFound reports a name that does not resolve, including
	// names the allowlist hides.
	ErrNotFound = errors.New("no such entry")

	// ErrExist reports a create over an existing name of any kind.
	ErrExist = errors.New("entry already exists")

	// ErrNotEmpty reports removal of a directory that still has
	// children.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrPermission reports a mode change consisting solely of
	// forbidden bits.
	ErrPermission = errors.New("permission denied")

	// ErrRemoteIO reports a transport-level failure talking to the
	// host helper. The operation fails; the mount survives.
	ErrRemoteIO = errors.New("remote I/O failure")

	// ErrUnsupported reports an operation that is not meaningful for
	// the entry's kind, such as writing a verified read-only file.
	ErrUnsupported = errors.New("operation not supported for this entry")

	// ErrIsDir and ErrNotDir report kind mismatches on path
	// operations.
	ErrIsDir  = errors.New("entry is a directory")
	ErrNotDir = errors.New("entry is not a directory")
)
