// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package hashtree

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// BlockSize is the fixed size of a content block. Both file data and
// tree pages are hashed in units of this size.
const BlockSize = 4096

// DigestSize is the size of a SHA-256 digest in bytes.
const DigestSize = sha256.Size

// digestsPerPage is the number of child hashes that fit in one tree
// page.
const digestsPerPage = BlockSize / DigestSize

// Digest is a 32-byte SHA-256 digest.
type Digest [DigestSize]byte

// zeroBlockDigest is the leaf hash of an all-zero block, precomputed
// once. Newly exposed blocks after a resize have this hash.
var zeroBlockDigest = HashBlock(nil)

// HashBlock computes the leaf hash of one data block: the SHA-256 of
// the block zero-padded to BlockSize. Panics if the block is larger
// than BlockSize (caller bug, not untrusted input).
func HashBlock(block []byte) Digest {
	if len(block) > BlockSize {
		panic(fmt.Sprintf("hashtree.HashBlock: block is %d bytes, max %d", len(block), BlockSize))
	}
	var page [BlockSize]byte
	copy(page[:], block)
	return sha256.Sum256(page[:])
}

// hashPage computes the hash of a tree page holding the given child
// digests, zero-padded to BlockSize. Panics if more than
// digestsPerPage digests are given.
func hashPage(children []Digest) Digest {
	if len(children) > digestsPerPage {
		panic(fmt.Sprintf("hashtree.hashPage: %d digests, max %d", len(children), digestsPerPage))
	}
	var page [BlockSize]byte
	for i, child := range children {
		copy(page[i*DigestSize:], child[:])
	}
	return sha256.Sum256(page[:])
}

// NumBlocks returns the number of content blocks for a file of the
// given size.
func NumBlocks(size int64) int64 {
	return (size + BlockSize - 1) / BlockSize
}

// numPages returns the number of tree pages needed to hold count
// hashes.
func numPages(count int64) int64 {
	return (count + digestsPerPage - 1) / digestsPerPage
}

// levelCounts returns the number of hashes at each tree level, bottom
// up: element 0 is the leaf count, each subsequent element is the
// number of pages at the level below. The top level always fits in a
// single page. Returns nil for zero leaves.
func levelCounts(leaves int64) []int64 {
	if leaves == 0 {
		return nil
	}
	counts := []int64{leaves}
	for counts[len(counts)-1] > digestsPerPage {
		counts = append(counts, numPages(counts[len(counts)-1]))
	}
	return counts
}

// levelOffset returns the byte offset of the given level's first page
// within the serialized tree stream. Levels are stored top level
// first, so the offset of level l is the total page bytes of all
// levels above it.
func levelOffset(counts []int64, level int) int64 {
	var offset int64
	for m := len(counts) - 1; m > level; m-- {
		offset += numPages(counts[m]) * BlockSize
	}
	return offset
}

// StreamSize returns the size in bytes of the serialized tree stream
// for a file of the given content size. Files of at most one block
// have no stream.
func StreamSize(size int64) int64 {
	counts := levelCounts(NumBlocks(size))
	if len(counts) == 0 || counts[0] == 1 {
		return 0
	}
	var total int64
	for _, count := range counts {
		total += numPages(count) * BlockSize
	}
	return total
}

// FormatDigest returns the hex-encoded string representation of a
// digest. This is the canonical format used in manifests, flags, and
// logs.
func FormatDigest(digest Digest) string {
	return hex.EncodeToString(digest[:])
}

// ParseDigest parses a 64-character hex string into a Digest.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != DigestSize {
		return digest, fmt.Errorf("digest is %d bytes, want %d", len(decoded), DigestSize)
	}
	copy(digest[:], decoded)
	return digest, nil
}
