// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"fmt"

	"github.com/verityfs/verityfs/lib/hashtree"
)

// pendingBlock is one block's fully merged content, staged during the
// gather phase of a write. Nothing remote or in the tree changes until
// every touched block has been staged successfully.
type pendingBlock struct {
	index int64
	data  []byte
}

// WriteAt applies a byte-range write to a writable file. Blocks wholly
// covered by the range are hashed from the new content and written
// through. A partially covered block overlapping existing content is
// read back in full and checked against the tree's recorded hash
// first; a mismatch fails the whole write with no state change. A
// partial block entirely beyond current end of file merges against
// zeros with no read-back.
func (e *Entry) WriteAt(ctx context.Context, p []byte, offset int64) (int, error) {
	if e.kind != KindWritableFile {
		return 0, fmt.Errorf("write on %s inode %d: %w", e.kind, e.ino, ErrUnsupported)
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative write offset %d", offset)
	}
	if len(p) == 0 {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	end := offset + int64(len(p))
	newSize := e.size
	if end > newSize {
		newSize = end
	}

	// Gather phase: stage the final content of every touched block,
	// reading back and verifying partial blocks. Any failure here
	// leaves the file and the tree untouched.
	firstBlock := offset / hashtree.BlockSize
	lastBlock := (end - 1) / hashtree.BlockSize
	staged := make([]pendingBlock, 0, lastBlock-firstBlock+1)
	for index := firstBlock; index <= lastBlock; index++ {
		block, err := e.stageBlock(ctx, index, p, offset, end, newSize)
		if err != nil {
			return 0, err
		}
		staged = append(staged, pendingBlock{index: index, data: block})
	}

	// Commit phase: grow the tree if needed, then write each merged
	// block through and record its hash. A transport failure here
	// fails the operation; blocks already committed remain consistent
	// between content and tree.
	if newLeaves := hashtree.NumBlocks(newSize); newLeaves > e.builder.NumLeaves() {
		if err := e.builder.Resize(newLeaves); err != nil {
			return 0, fmt.Errorf("growing tree of inode %d: %w", e.ino, err)
		}
	}
	for _, block := range staged {
		start := block.index * hashtree.BlockSize
		if _, err := e.tree.transport.WriteFile(ctx, e.fd, start, block.data); err != nil {
			return 0, fmt.Errorf("%w: writing inode %d block %d: %v", ErrRemoteIO, e.ino, block.index, err)
		}
		if _, err := e.builder.CommitBlock(block.index, block.data); err != nil {
			return 0, fmt.Errorf("committing inode %d block %d: %w", e.ino, block.index, err)
		}
		if blockEnd := start + int64(len(block.data)); blockEnd > e.size {
			e.size = blockEnd
		}
	}
	e.size = newSize
	return len(p), nil
}

// stageBlock produces the final content of one touched block. offset
// and end delimit the write range; newSize is the file size after the
// write.
func (e *Entry) stageBlock(ctx context.Context, index int64, p []byte, offset, end, newSize int64) ([]byte, error) {
	start := index * hashtree.BlockSize
	extent := newSize - start
	if extent > hashtree.BlockSize {
		extent = hashtree.BlockSize
	}

	// Wholly covered: the new content replaces the block's entire
	// extent, so the old content is irrelevant, corrupted or not.
	if offset <= start && end >= start+extent {
		fresh := make([]byte, extent)
		copy(fresh, p[start-offset:])
		return fresh, nil
	}

	base := make([]byte, extent)
	if start < e.size {
		// Overlaps existing content: read it back and check it
		// against the recorded hash before merging into it.
		oldExtent := e.size - start
		if oldExtent > hashtree.BlockSize {
			oldExtent = hashtree.BlockSize
		}
		old, err := e.fetchBlock(ctx, index)
		if err != nil {
			return nil, err
		}
		ok, err := e.builder.VerifyBlock(index, old)
		if err != nil {
			return nil, fmt.Errorf("checking inode %d block %d: %w", e.ino, index, err)
		}
		if !ok {
			return nil, fmt.Errorf("inode %d block %d changed under us: %w", e.ino, index, ErrVerificationFailed)
		}
		copy(base, old[:oldExtent])
	}
	// Beyond current end of file the base stays zero.

	from := int64(0)
	if offset > start {
		from = offset - start
	}
	to := end - start
	if to > extent {
		to = extent
	}
	copy(base[from:to], p[from+start-offset:])
	return base, nil
}

// Truncate resizes a writable file. Shrinking to a mid-block boundary
// re-derives the final partial block: the old block is read back,
// verified, cut, and recommitted, so the tree never trusts host bytes
// it did not check. Growth appends zero-block leaves; the zero-padded
// leaf hashing makes intra-block growth hash-neutral.
func (e *Entry) Truncate(ctx context.Context, size int64) error {
	if e.kind != KindWritableFile {
		return fmt.Errorf("truncate on %s inode %d: %w", e.kind, e.ino, ErrUnsupported)
	}
	if size < 0 {
		return fmt.Errorf("negative size %d", size)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if size == e.size {
		return nil
	}

	// A shrink that cuts inside a block needs the surviving prefix of
	// that block, verified before it is trusted.
	var tail *pendingBlock
	if size < e.size && size%hashtree.BlockSize != 0 {
		index := size / hashtree.BlockSize
		old, err := e.fetchBlock(ctx, index)
		if err != nil {
			return err
		}
		ok, err := e.builder.VerifyBlock(index, old)
		if err != nil {
			return fmt.Errorf("checking inode %d block %d: %w", e.ino, index, err)
		}
		if !ok {
			return fmt.Errorf("inode %d block %d changed under us: %w", e.ino, index, ErrVerificationFailed)
		}
		keep := size - index*hashtree.BlockSize
		tail = &pendingBlock{index: index, data: old[:keep]}
	}

	if err := e.tree.transport.Resize(ctx, e.fd, size); err != nil {
		return fmt.Errorf("%w: resizing inode %d to %d: %v", ErrRemoteIO, e.ino, size, err)
	}
	if err := e.builder.Resize(hashtree.NumBlocks(size)); err != nil {
		return fmt.Errorf("resizing tree of inode %d: %w", e.ino, err)
	}
	if tail != nil {
		if _, err := e.builder.CommitBlock(tail.index, tail.data); err != nil {
			return fmt.Errorf("recommitting inode %d block %d: %w", e.ino, tail.index, err)
		}
	}
	e.size = size
	return nil
}

// ContentRoot returns the current Merkle root of a writable file's
// locally built tree. Deterministic for a given operation sequence.
func (e *Entry) ContentRoot() (hashtree.Digest, error) {
	if e.kind != KindWritableFile {
		return hashtree.Digest{}, fmt.Errorf("content root of %s inode %d: %w", e.kind, e.ino, ErrUnsupported)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.builder.Root(), nil
}
