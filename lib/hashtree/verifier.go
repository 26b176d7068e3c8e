// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package hashtree

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrMismatch is returned when any hash on the path from a content
// block to the pinned root digest does not match. The caller must
// treat the block content as tampered and never expose it.
var ErrMismatch = errors.New("hash tree verification failed")

// TreeReader fetches a byte range of the serialized tree stream of a
// verified file. Implementations talk to the untrusted host, so the
// returned bytes carry no trust of their own — the Verifier recomputes
// and compares every hash it reads.
type TreeReader interface {
	ReadTree(ctx context.Context, offset int64, size int) ([]byte, error)
}

// Verifier checks content blocks of a read-only file against a pinned
// root digest. The digest and file size are fixed at construction and
// never change for the lifetime of the mount.
//
// Verifier is stateless apart from its configuration and safe for
// concurrent use.
type Verifier struct {
	root   Digest
	size   int64
	tree   TreeReader
	counts []int64
}

// NewVerifier creates a verifier for a file of the given size whose
// tree stream is served by tree and whose root digest was supplied out
// of band.
func NewVerifier(root Digest, size int64, tree TreeReader) *Verifier {
	return &Verifier{
		root:   root,
		size:   size,
		tree:   tree,
		counts: levelCounts(NumBlocks(size)),
	}
}

// Root returns the pinned root digest.
func (v *Verifier) Root() Digest { return v.root }

// Size returns the declared file size.
func (v *Verifier) Size() int64 { return v.size }

// VerifyBlock checks one content block against the root digest. block
// is the raw data of block index as fetched from the untrusted host,
// clamped to the file size (the final block of an unaligned file is
// shorter than BlockSize; zero padding is implied by the leaf hash
// definition).
//
// The leaf hash is recomputed from block, compared against the
// recorded entry in its level-0 tree page, that page's hash is
// compared against the entry one level up, and so on until the top
// page's hash is compared against the pinned root. Any mismatch at any
// level returns ErrMismatch.
func (v *Verifier) VerifyBlock(ctx context.Context, index int64, block []byte) error {
	leaves := NumBlocks(v.size)
	if index < 0 || index >= leaves {
		return fmt.Errorf("block %d out of range (file has %d blocks)", index, leaves)
	}
	if expected := v.blockExtent(index); int64(len(block)) != expected {
		return fmt.Errorf("block %d is %d bytes, want %d", index, len(block), expected)
	}

	hash := HashBlock(block)

	// Single-block files have no tree stream: the root digest is the
	// leaf hash itself.
	if leaves == 1 {
		if hash != v.root {
			return fmt.Errorf("block %d: %w", index, ErrMismatch)
		}
		return nil
	}

	childIndex := index
	for level := 0; level < len(v.counts); level++ {
		pageIndex := childIndex / digestsPerPage
		pageOffset := levelOffset(v.counts, level) + pageIndex*BlockSize

		page, err := v.tree.ReadTree(ctx, pageOffset, BlockSize)
		if err != nil {
			return fmt.Errorf("reading tree page at level %d for block %d: %w", level, index, err)
		}
		if len(page) != BlockSize {
			return fmt.Errorf("tree page at level %d is %d bytes, want %d: %w",
				level, len(page), BlockSize, ErrMismatch)
		}

		entryStart := (childIndex % digestsPerPage) * DigestSize
		var recorded Digest
		copy(recorded[:], page[entryStart:entryStart+DigestSize])
		if recorded != hash {
			return fmt.Errorf("block %d: mismatch at level %d: %w", index, level, ErrMismatch)
		}

		hash = sha256.Sum256(page)
		childIndex = pageIndex
	}

	if hash != v.root {
		return fmt.Errorf("block %d: root digest mismatch: %w", index, ErrMismatch)
	}
	return nil
}

// blockExtent returns the number of content bytes in the given block,
// accounting for the shorter final block of an unaligned file.
func (v *Verifier) blockExtent(index int64) int64 {
	start := index * BlockSize
	remaining := v.size - start
	if remaining > BlockSize {
		return BlockSize
	}
	return remaining
}
