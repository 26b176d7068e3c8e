// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/verityfs/verityfs/lib/hashtree"
	"github.com/verityfs/verityfs/lib/manifest"
	"github.com/verityfs/verityfs/lib/remote"
	"github.com/verityfs/verityfs/lib/vfs"
)

// entryKind discriminates the mount entry flags.
type entryKind uint8

const (
	entryVerifiedFile entryKind = iota + 1
	entryUnverifiedFile
	entryWritableFile
	entryReadonlyDir
	entryWritableDir
)

// entrySpec is one parsed mount entry. Entries appear under the mount
// root named by their descriptor number, except read-only directories,
// which use their prefix.
type entrySpec struct {
	kind entryKind
	fd   remote.FD

	// Verified files.
	digest hashtree.Digest
	size   int64

	// Read-only directories.
	manifestPath string
	prefix       string
}

// name returns the entry's name under the mount root.
func (s entrySpec) name() string {
	if s.kind == entryReadonlyDir && s.prefix != "" {
		return s.prefix
	}
	return strconv.Itoa(int(s.fd))
}

func parseFD(arg string) (remote.FD, error) {
	fd, err := strconv.ParseInt(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("descriptor %q: %w", arg, err)
	}
	if fd < 0 {
		return 0, fmt.Errorf("descriptor %q: must not be negative", arg)
	}
	return remote.FD(fd), nil
}

// parseVerifiedFile parses FD:HEXDIGEST:SIZE.
func parseVerifiedFile(arg string) (entrySpec, error) {
	parts := strings.Split(arg, ":")
	if len(parts) != 3 {
		return entrySpec{}, fmt.Errorf("verified file %q: want FD:HEXDIGEST:SIZE", arg)
	}
	fd, err := parseFD(parts[0])
	if err != nil {
		return entrySpec{}, fmt.Errorf("verified file %q: %w", arg, err)
	}
	digest, err := hashtree.ParseDigest(parts[1])
	if err != nil {
		return entrySpec{}, fmt.Errorf("verified file %q: %w", arg, err)
	}
	size, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || size < 0 {
		return entrySpec{}, fmt.Errorf("verified file %q: bad size %q", arg, parts[2])
	}
	return entrySpec{kind: entryVerifiedFile, fd: fd, digest: digest, size: size}, nil
}

// parseSimpleFD parses a bare FD for the unverified and writable entry
// flags.
func parseSimpleFD(kind entryKind, arg string) (entrySpec, error) {
	fd, err := parseFD(arg)
	if err != nil {
		return entrySpec{}, err
	}
	return entrySpec{kind: kind, fd: fd}, nil
}

// parseReadonlyDir parses FD:MANIFEST:PREFIX. The manifest path may
// itself contain colons, so the split peels the descriptor off the
// front and the prefix off the back.
func parseReadonlyDir(arg string) (entrySpec, error) {
	head, rest, found := strings.Cut(arg, ":")
	if !found {
		return entrySpec{}, fmt.Errorf("read-only directory %q: want FD:MANIFEST:PREFIX", arg)
	}
	fd, err := parseFD(head)
	if err != nil {
		return entrySpec{}, fmt.Errorf("read-only directory %q: %w", arg, err)
	}
	cut := strings.LastIndex(rest, ":")
	if cut < 0 {
		return entrySpec{}, fmt.Errorf("read-only directory %q: want FD:MANIFEST:PREFIX", arg)
	}
	manifestPath, prefix := rest[:cut], rest[cut+1:]
	if manifestPath == "" {
		return entrySpec{}, fmt.Errorf("read-only directory %q: empty manifest path", arg)
	}
	if strings.Contains(prefix, "/") {
		return entrySpec{}, fmt.Errorf("read-only directory %q: prefix must be a single name", arg)
	}
	return entrySpec{kind: entryReadonlyDir, fd: fd, manifestPath: manifestPath, prefix: prefix}, nil
}

// buildTree attaches every parsed entry to a fresh tree.
func buildTree(transport vfs.Transport, options vfs.Options, specs []entrySpec) (*vfs.Tree, error) {
	tree := vfs.NewTree(transport, options)
	for _, spec := range specs {
		var err error
		switch spec.kind {
		case entryVerifiedFile:
			_, err = tree.AddVerifiedFile(spec.name(), spec.fd, spec.digest, spec.size)
		case entryUnverifiedFile:
			_, err = tree.AddUnverifiedFile(spec.name(), spec.fd)
		case entryWritableFile:
			_, err = tree.AddWritableFile(spec.name(), spec.fd)
		case entryReadonlyDir:
			var m *manifest.Manifest
			m, err = manifest.Load(spec.manifestPath)
			if err == nil {
				_, err = tree.AddReadonlyDir(spec.name(), spec.fd, m)
			}
		case entryWritableDir:
			_, err = tree.AddWritableDir(spec.name(), spec.fd)
		}
		if err != nil {
			return nil, fmt.Errorf("mount entry %q: %w", spec.name(), err)
		}
	}
	return tree, nil
}
