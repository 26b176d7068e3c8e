// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"

	"github.com/verityfs/verityfs/lib/remote"
)

// Transport is the remote I/O surface the tree operates against. A
// *remote.Client satisfies it; tests substitute an in-memory host.
type Transport interface {
	ReadFile(ctx context.Context, fd remote.FD, offset int64, size int) ([]byte, error)
	ReadTree(ctx context.Context, fd remote.FD, offset int64, size int) ([]byte, error)
	WriteFile(ctx context.Context, fd remote.FD, offset int64, data []byte) (int64, error)
	Resize(ctx context.Context, fd remote.FD, size int64) error
	FileSize(ctx context.Context, fd remote.FD) (int64, error)
	OpenAt(ctx context.Context, dir remote.FD, path string) (remote.FD, error)
	CreateFile(ctx context.Context, dir remote.FD, name string, mode uint32) (remote.FD, error)
	CreateDir(ctx context.Context, dir remote.FD, name string, mode uint32) (remote.FD, error)
	DeleteFile(ctx context.Context, dir remote.FD, name string) error
	DeleteDir(ctx context.Context, dir remote.FD, name string) error
	Chmod(ctx context.Context, fd remote.FD, mode uint32) error
}

var _ Transport = (*remote.Client)(nil)

// remoteTree adapts a file descriptor's read_tree surface to the
// verifier's TreeReader.
type remoteTree struct {
	transport Transport
	fd        remote.FD
}

func (r remoteTree) ReadTree(ctx context.Context, offset int64, size int) ([]byte, error) {
	return r.transport.ReadTree(ctx, r.fd, offset, size)
}
