// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package vfs implements the virtual file tree of a verified mount: an
// inode-indexed arena of entries backed by remote descriptors on an
// untrusted host. Verified files check every read against a pinned
// Merkle root; writable files maintain their own tree as writes land,
// so later reads detect host-side corruption of previously written
// data. Partial writes go through a read-verify-merge-rewrite sequence
// that keeps the tree and the remote content in lockstep.
//
// Everything returned by the transport is untrusted input. The tree
// never exposes bytes that did not reconstruct to the expected hash,
// and directory contents come from local state (allowlist manifests,
// in-memory child maps), never from host-side enumeration.
package vfs
