// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/verityfs/verityfs/lib/hashtree"
)

// ReadAt reads from a file entry at the given offset. Verified and
// writable files verify every block the range touches before any byte
// is exposed; unverified files pass the host's bytes through. A read
// that reaches end of file returns a short count with a nil error.
func (e *Entry) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("negative read offset %d", offset)
	}

	switch e.kind {
	case KindVerifiedFile:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.readVerified(ctx, p, offset)
	case KindUnverifiedFile:
		e.mu.Lock()
		defer e.mu.Unlock()
		data, err := e.tree.transport.ReadFile(ctx, e.fd, offset, len(p))
		if err != nil {
			return 0, fmt.Errorf("%w: reading inode %d: %v", ErrRemoteIO, e.ino, err)
		}
		return copy(p, data), nil
	case KindWritableFile:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.readWritable(ctx, p, offset)
	default:
		return 0, fmt.Errorf("read on %s inode %d: %w", e.kind, e.ino, ErrIsDir)
	}
}

// readVerified serves a read from a verified file, checking each
// touched block against the pinned root. A block is verified whenever
// the requested range touches it, even when EOF clamping leaves zero
// bytes for the caller.
func (e *Entry) readVerified(ctx context.Context, p []byte, offset int64) (int, error) {
	firstBlock := offset / hashtree.BlockSize
	if firstBlock >= hashtree.NumBlocks(e.size) {
		return 0, nil
	}

	end := offset + int64(len(p))
	if end > e.size {
		end = e.size
	}
	lastBlock := firstBlock
	if end > offset {
		lastBlock = (end - 1) / hashtree.BlockSize
	}

	read := 0
	for index := firstBlock; index <= lastBlock; index++ {
		block, err := e.fetchVerifiedBlock(ctx, index)
		if err != nil {
			return 0, err
		}
		read += copyBlockRange(p[read:], block, index, offset, end)
	}
	return read, nil
}

// readWritable serves a read from a writable file, checking each
// touched block against the locally built tree.
func (e *Entry) readWritable(ctx context.Context, p []byte, offset int64) (int, error) {
	firstBlock := offset / hashtree.BlockSize
	if firstBlock >= hashtree.NumBlocks(e.size) {
		return 0, nil
	}

	end := offset + int64(len(p))
	if end > e.size {
		end = e.size
	}
	lastBlock := firstBlock
	if end > offset {
		lastBlock = (end - 1) / hashtree.BlockSize
	}

	read := 0
	for index := firstBlock; index <= lastBlock; index++ {
		block, err := e.fetchWritableBlock(ctx, index)
		if err != nil {
			return 0, err
		}
		read += copyBlockRange(p[read:], block, index, offset, end)
	}
	return read, nil
}

// fetchVerifiedBlock reads one block's exact in-file extent and runs
// it through the verifier.
func (e *Entry) fetchVerifiedBlock(ctx context.Context, index int64) ([]byte, error) {
	block, err := e.fetchBlock(ctx, index)
	if err != nil {
		return nil, err
	}
	if err := e.verifier.VerifyBlock(ctx, index, block); err != nil {
		if errors.Is(err, hashtree.ErrMismatch) {
			return nil, fmt.Errorf("inode %d block %d: %w", e.ino, index, ErrVerificationFailed)
		}
		return nil, fmt.Errorf("%w: verifying inode %d block %d: %v", ErrRemoteIO, e.ino, index, err)
	}
	return block, nil
}

// fetchWritableBlock reads one block's exact extent and compares it
// against the builder's recorded leaf hash.
func (e *Entry) fetchWritableBlock(ctx context.Context, index int64) ([]byte, error) {
	block, err := e.fetchBlock(ctx, index)
	if err != nil {
		return nil, err
	}
	ok, err := e.builder.VerifyBlock(index, block)
	if err != nil {
		return nil, fmt.Errorf("verifying inode %d block %d: %w", e.ino, index, err)
	}
	if !ok {
		return nil, fmt.Errorf("inode %d block %d: %w", e.ino, index, ErrVerificationFailed)
	}
	return block, nil
}

// fetchBlock reads block index's exact in-file extent from the host.
// A host answer of any other length is treated as tampering, not as a
// short read: the trusted size says how many bytes must exist.
func (e *Entry) fetchBlock(ctx context.Context, index int64) ([]byte, error) {
	start := index * hashtree.BlockSize
	extent := e.size - start
	if extent > hashtree.BlockSize {
		extent = hashtree.BlockSize
	}

	block, err := e.tree.transport.ReadFile(ctx, e.fd, start, int(extent))
	if err != nil {
		return nil, fmt.Errorf("%w: reading inode %d block %d: %v", ErrRemoteIO, e.ino, index, err)
	}
	if int64(len(block)) != extent {
		return nil, fmt.Errorf("inode %d block %d: host returned %d bytes, expected %d: %w",
			e.ino, index, len(block), extent, ErrVerificationFailed)
	}
	return block, nil
}

// copyBlockRange copies the slice of a fetched block that overlaps the
// requested [offset, end) range into dst.
func copyBlockRange(dst []byte, block []byte, index, offset, end int64) int {
	start := index * hashtree.BlockSize
	from := int64(0)
	if offset > start {
		from = offset - start
	}
	to := end - start
	if to > int64(len(block)) {
		to = int64(len(block))
	}
	if to <= from {
		return 0
	}
	return copy(dst, block[from:to])
}
