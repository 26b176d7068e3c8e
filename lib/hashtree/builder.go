// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package hashtree

import (
	"fmt"
)

// Builder maintains the Merkle tree of a writable file in memory. All
// levels are kept as hash slices; committing a block recomputes only
// the ancestor path of the changed leaf.
//
// Builder is not safe for concurrent use. Callers serialize access
// per file (one logical read or write at a time), which also keeps
// the tree consistent with the remote content it describes.
type Builder struct {
	// levels[0] holds the leaf hashes; levels[l+1] holds one hash per
	// page of levels[l]. The top level always fits in a single page.
	// Empty (no levels) for a zero-block file.
	levels [][]Digest
}

// NewBuilder creates a builder for an initially empty file.
func NewBuilder() *Builder {
	return &Builder{}
}

// NumLeaves returns the current number of content blocks the tree
// describes.
func (b *Builder) NumLeaves() int64 {
	if len(b.levels) == 0 {
		return 0
	}
	return int64(len(b.levels[0]))
}

// Root returns the current root digest. A zero-block file has the
// digest of a single zero block, matching the read-side convention
// for empty files.
func (b *Builder) Root() Digest {
	if len(b.levels) == 0 {
		return zeroBlockDigest
	}
	if len(b.levels[0]) == 1 {
		return b.levels[0][0]
	}
	top := b.levels[len(b.levels)-1]
	return hashPage(top)
}

// BlockHash returns the recorded leaf hash of the given block.
func (b *Builder) BlockHash(index int64) (Digest, error) {
	if index < 0 || index >= b.NumLeaves() {
		return Digest{}, fmt.Errorf("block %d out of range (tree has %d blocks)", index, b.NumLeaves())
	}
	return b.levels[0][index], nil
}

// VerifyBlock recomputes the hash of already-written content and
// compares it to the recorded hash for that block. This is the check
// that detects host-side tampering of a block between the time it was
// written and a later read-back.
func (b *Builder) VerifyBlock(index int64, block []byte) (bool, error) {
	recorded, err := b.BlockHash(index)
	if err != nil {
		return false, err
	}
	return HashBlock(block) == recorded, nil
}

// CommitBlock records the new content of one block and returns the
// updated root digest. Only the ancestor path of the changed leaf is
// recomputed. The index must be within the current leaf set; use
// Resize first when a write extends the file.
func (b *Builder) CommitBlock(index int64, block []byte) (Digest, error) {
	if index < 0 || index >= b.NumLeaves() {
		return Digest{}, fmt.Errorf("block %d out of range (tree has %d blocks)", index, b.NumLeaves())
	}
	b.levels[0][index] = HashBlock(block)
	b.updatePath(index)
	return b.Root(), nil
}

// Resize grows or shrinks the leaf set to describe a file of the given
// number of blocks. New leaves get the zero-block hash (the remote
// file is zero-filled on growth). Shrinking discards leaves beyond the
// new count; re-deriving the final partial block after an unaligned
// shrink is the caller's job (it requires the block content, which the
// builder does not hold).
func (b *Builder) Resize(leaves int64) error {
	if leaves < 0 {
		return fmt.Errorf("negative leaf count %d", leaves)
	}

	current := b.NumLeaves()
	if leaves == current {
		return nil
	}

	if leaves == 0 {
		b.levels = nil
		return nil
	}

	if len(b.levels) == 0 {
		b.levels = [][]Digest{{}}
	}

	if leaves > current {
		for int64(len(b.levels[0])) < leaves {
			b.levels[0] = append(b.levels[0], zeroBlockDigest)
		}
	} else {
		b.levels[0] = b.levels[0][:leaves]
	}
	b.rebuildUpper()
	return nil
}

// updatePath recomputes the ancestors of one changed leaf.
func (b *Builder) updatePath(index int64) {
	childIndex := index
	for level := 0; level < len(b.levels)-1; level++ {
		pageIndex := childIndex / digestsPerPage
		b.levels[level+1][pageIndex] = hashPage(b.pageChildren(level, pageIndex))
		childIndex = pageIndex
	}
}

// rebuildUpper recomputes all levels above the leaves. Resizes change
// the shape of every upper level, so unlike CommitBlock there is no
// single ancestor path to patch.
func (b *Builder) rebuildUpper() {
	b.levels = b.levels[:1]
	for int64(len(b.levels[len(b.levels)-1])) > digestsPerPage {
		level := len(b.levels) - 1
		pages := numPages(int64(len(b.levels[level])))
		parents := make([]Digest, pages)
		for pageIndex := int64(0); pageIndex < pages; pageIndex++ {
			parents[pageIndex] = hashPage(b.pageChildren(level, pageIndex))
		}
		b.levels = append(b.levels, parents)
	}
}

// pageChildren returns the child digests of page pageIndex at the
// given level.
func (b *Builder) pageChildren(level int, pageIndex int64) []Digest {
	children := b.levels[level]
	start := pageIndex * digestsPerPage
	end := start + digestsPerPage
	if end > int64(len(children)) {
		end = int64(len(children))
	}
	return children[start:end]
}
