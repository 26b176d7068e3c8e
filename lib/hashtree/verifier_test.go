// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package hashtree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
)

// memoryTree serves a tree stream from a byte slice, recording which
// offsets were fetched.
type memoryTree struct {
	stream  []byte
	fetched []int64
}

func (m *memoryTree) ReadTree(_ context.Context, offset int64, size int) ([]byte, error) {
	m.fetched = append(m.fetched, offset)
	if offset < 0 || offset >= int64(len(m.stream)) {
		return nil, fmt.Errorf("tree read at %d out of range", offset)
	}
	end := offset + int64(size)
	if end > int64(len(m.stream)) {
		end = int64(len(m.stream))
	}
	return m.stream[offset:end], nil
}

// testFile builds content of the given size with non-repeating data,
// its tree stream, and a verifier over both.
func testFile(t *testing.T, size int64) ([]byte, *Verifier, *memoryTree) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	root, stream := BuildStream(data)
	tree := &memoryTree{stream: stream}
	return data, NewVerifier(root, size, tree), tree
}

// fileBlock returns the in-file bytes of one block.
func fileBlock(data []byte, index int64) []byte {
	start := index * BlockSize
	end := start + BlockSize
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[start:end]
}

func TestVerifyBlockAllSizes(t *testing.T) {
	sizes := []int64{
		1,                     // single partial block, no tree stream
		BlockSize,             // single full block, no tree stream
		BlockSize + 1,         // two blocks, one tree level
		5*BlockSize + 123,     // several blocks, one tree level
		129 * BlockSize,       // two tree levels
		130*BlockSize + 4000,  // two tree levels, unaligned tail
	}
	for _, size := range sizes {
		data, verifier, _ := testFile(t, size)
		for index := int64(0); index < NumBlocks(size); index++ {
			if err := verifier.VerifyBlock(context.Background(), index, fileBlock(data, index)); err != nil {
				t.Errorf("size %d: block %d failed verification: %v", size, index, err)
			}
		}
	}
}

func TestVerifyBlockDetectsContentTampering(t *testing.T) {
	data, verifier, _ := testFile(t, 5*BlockSize+123)

	// Flip one bit in block 2.
	block := append([]byte(nil), fileBlock(data, 2)...)
	block[100] ^= 0x01

	err := verifier.VerifyBlock(context.Background(), 2, block)
	if !errors.Is(err, ErrMismatch) {
		t.Errorf("tampered block passed verification, err = %v", err)
	}

	// The other blocks are unaffected.
	for _, index := range []int64{0, 1, 3, 4, 5} {
		if err := verifier.VerifyBlock(context.Background(), index, fileBlock(data, index)); err != nil {
			t.Errorf("untampered block %d failed verification: %v", index, err)
		}
	}
}

func TestVerifyBlockDetectsTreeTampering(t *testing.T) {
	// Corrupt a recorded leaf hash inside the tree stream: the read of
	// the covered block must fail even though the content is intact.
	data, _, _ := testFile(t, 5*BlockSize)
	root, stream := BuildStream(data)

	tampered := append([]byte(nil), stream...)
	// Leaf hashes live in the level-0 page, which for a one-level tree
	// is the whole stream. Corrupt the entry for block 3.
	tampered[3*DigestSize] ^= 0x80

	verifier := NewVerifier(root, int64(len(data)), &memoryTree{stream: tampered})

	err := verifier.VerifyBlock(context.Background(), 3, fileBlock(data, 3))
	if !errors.Is(err, ErrMismatch) {
		t.Errorf("tampered tree entry passed verification, err = %v", err)
	}
	if err := verifier.VerifyBlock(context.Background(), 0, fileBlock(data, 0)); !errors.Is(err, ErrMismatch) {
		// Corrupting any byte of the level-0 page changes the page
		// hash, so every block under that page must now fail.
		t.Errorf("block under a tampered tree page passed verification, err = %v", err)
	}
}

func TestVerifyBlockDetectsWrongRoot(t *testing.T) {
	data, _, _ := testFile(t, 3*BlockSize)
	_, stream := BuildStream(data)

	var wrongRoot Digest
	wrongRoot[0] = 0xff
	verifier := NewVerifier(wrongRoot, int64(len(data)), &memoryTree{stream: stream})

	err := verifier.VerifyBlock(context.Background(), 0, fileBlock(data, 0))
	if !errors.Is(err, ErrMismatch) {
		t.Errorf("verification against a wrong root digest succeeded, err = %v", err)
	}
}

func TestVerifyBlockSingleBlockFile(t *testing.T) {
	data, verifier, tree := testFile(t, 100)

	if err := verifier.VerifyBlock(context.Background(), 0, data); err != nil {
		t.Fatalf("single-block file failed verification: %v", err)
	}
	if len(tree.fetched) != 0 {
		t.Error("single-block verification fetched tree pages; the root digest is the leaf hash")
	}

	tampered := append([]byte(nil), data...)
	tampered[0] ^= 0x01
	if err := verifier.VerifyBlock(context.Background(), 0, tampered); !errors.Is(err, ErrMismatch) {
		t.Errorf("tampered single-block file passed verification, err = %v", err)
	}
}

func TestVerifyBlockRejectsWrongLength(t *testing.T) {
	data, verifier, _ := testFile(t, 2*BlockSize+50)

	// Final block has 50 content bytes; passing a full block (host
	// padding the tail) must be rejected, not silently trimmed.
	full := make([]byte, BlockSize)
	copy(full, fileBlock(data, 2))
	if err := verifier.VerifyBlock(context.Background(), 2, full); err == nil {
		t.Error("verifier accepted a tail block with host-supplied padding")
	}

	if err := verifier.VerifyBlock(context.Background(), 3, nil); err == nil {
		t.Error("verifier accepted an out-of-range block index")
	}
}

func TestBuildStreamDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte("determinism"), 10000)
	root1, stream1 := BuildStream(data)
	root2, stream2 := BuildStream(data)
	if root1 != root2 || !bytes.Equal(stream1, stream2) {
		t.Error("BuildStream is not deterministic")
	}
}

func TestBuildStreamEmptyFile(t *testing.T) {
	root, stream := BuildStream(nil)
	if len(stream) != 0 {
		t.Errorf("empty file produced a %d-byte tree stream", len(stream))
	}
	if root != HashBlock(nil) {
		t.Error("empty file root is not the zero-block hash")
	}
}
