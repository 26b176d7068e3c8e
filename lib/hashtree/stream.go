// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package hashtree

import (
	"crypto/sha256"
)

// BuildStream computes the root digest and serialized tree stream for
// the given file content. The host side uses this to precompute the
// tree it serves alongside a verified file; tests use it to construct
// known-good and tampered trees.
//
// Files of at most one block return an empty stream.
func BuildStream(data []byte) (Digest, []byte) {
	leaves := NumBlocks(int64(len(data)))
	if leaves == 0 {
		return zeroBlockDigest, nil
	}

	level := make([]Digest, 0, leaves)
	for start := int64(0); start < int64(len(data)); start += BlockSize {
		end := start + BlockSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		level = append(level, HashBlock(data[start:end]))
	}

	if len(level) == 1 {
		return level[0], nil
	}

	// Serialize each level as zero-padded pages, bottom up, then
	// reverse to the on-stream order (top level first).
	var levelPages [][]byte
	for {
		pages := serializeLevel(level)
		levelPages = append(levelPages, pages)

		if len(level) <= digestsPerPage {
			break
		}

		parents := make([]Digest, 0, numPages(int64(len(level))))
		for start := 0; start < len(pages); start += BlockSize {
			parents = append(parents, sha256.Sum256(pages[start:start+BlockSize]))
		}
		level = parents
	}

	var stream []byte
	for i := len(levelPages) - 1; i >= 0; i-- {
		stream = append(stream, levelPages[i]...)
	}

	topPage := levelPages[len(levelPages)-1]
	return sha256.Sum256(topPage[:BlockSize]), stream
}

// serializeLevel packs a level's digests into zero-padded pages.
func serializeLevel(level []Digest) []byte {
	pages := make([]byte, numPages(int64(len(level)))*BlockSize)
	for i, digest := range level {
		copy(pages[i*DigestSize:], digest[:])
	}
	return pages
}
