// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse bridges the virtual file tree to the kernel through the
// go-fuse node API. Every node wraps a vfs entry; all verification and
// directory policy lives in the tree, and this package only translates
// operations and errors.
package fuse

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/verityfs/verityfs/lib/vfs"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Tree is the virtual file tree to expose. Mount-time entries
	// must already be attached.
	Tree *vfs.Tree

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a default stderr
	// logger at error level is used.
	Logger *slog.Logger
}

// Mount mounts the verified filesystem at the configured mountpoint.
// The caller must call Unmount on the returned server when done. The
// mountpoint directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Tree == nil {
		return nil, fmt.Errorf("tree is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	mount := &mountState{tree: options.Tree, logger: options.Logger}
	root := &dirNode{mount: mount, entry: options.Tree.Root()}

	// Attribute caching is safe for everything except unverified
	// files, whose size the host may grow; a short timeout keeps
	// those fresh enough without a getattr per syscall.
	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "verityfs",
			Name:       "verityfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("verified filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// mountState is shared by every node of one mount.
type mountState struct {
	tree   *vfs.Tree
	logger *slog.Logger
}
