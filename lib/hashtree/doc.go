// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package hashtree implements the SHA-256 block Merkle tree that backs
// all integrity checking in verityfs.
//
// File content is hashed in fixed 4096-byte blocks. A leaf hash is the
// SHA-256 of one data block, zero-padded to the block size, so a block
// that only partially contains file content (the tail of an unaligned
// file) hashes the same whether the padding bytes are present on the
// wire or not. Non-leaf levels pack 128 child hashes per 4096-byte tree
// page; the hash of a page is the SHA-256 of the whole zero-padded
// page. The root digest commits to the entire file.
//
// The serialized tree stream stores levels top level first, each level
// padded to a page boundary. Files of at most one block have an empty
// stream: their root digest is the single leaf hash, and the digest of
// an empty file is the hash of one zero block.
//
// Two consumers with different trust models share this layout:
//
//   - Verifier checks blocks of a read-only file against a pinned root
//     digest, fetching tree pages on demand from an untrusted source
//     and recomputing every hash on the path to the root.
//   - Builder maintains the tree of a writable file in memory. There is
//     no externally supplied root; trust derives from the fact that
//     every recorded hash was computed locally from bytes the guest
//     itself wrote.
package hashtree
