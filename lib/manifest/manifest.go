// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest loads the allowlist describing a verified remote
// directory. The manifest enumerates every file the directory may
// expose, keyed by relative path, with the file's size and the root
// digest of its Merkle tree. The manifest file itself lives on the
// guest (or is verified by other means); paths the manifest does not
// name do not exist as far as the mount is concerned, no matter what
// the host offers.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/verityfs/verityfs/lib/hashtree"
)

// FormatVersion is the manifest schema version this package reads.
const FormatVersion = 1

// Entry describes one file in a verified directory.
type Entry struct {
	// Path is the file's location relative to the directory root,
	// using forward slashes. Never absolute, never containing "..".
	Path string `yaml:"path"`

	// Digest is the hex-encoded root digest of the file's Merkle
	// tree. Empty means the file is exposed without verification.
	Digest string `yaml:"digest,omitempty"`

	// Size is the file's size in bytes. Required when Digest is set;
	// the size of an unverified file is queried from the host instead.
	Size int64 `yaml:"size,omitempty"`
}

// Manifest is the parsed allowlist for one verified directory.
type Manifest struct {
	Version int     `yaml:"version"`
	Entries []Entry `yaml:"entries"`

	byPath map[string]*Entry
}

// Load reads and validates a manifest file.
func Load(filename string) (*Manifest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	manifest, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", filename, err)
	}
	return manifest, nil
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if err := manifest.validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (m *Manifest) validate() error {
	if m.Version != FormatVersion {
		return fmt.Errorf("unsupported manifest version %d (want %d)", m.Version, FormatVersion)
	}

	m.byPath = make(map[string]*Entry, len(m.Entries))
	var errs []error
	for i := range m.Entries {
		entry := &m.Entries[i]
		if err := validatePath(entry.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, exists := m.byPath[entry.Path]; exists {
			errs = append(errs, fmt.Errorf("duplicate path %q", entry.Path))
			continue
		}
		if entry.Digest != "" {
			if _, err := hashtree.ParseDigest(entry.Digest); err != nil {
				errs = append(errs, fmt.Errorf("entry %q: %w", entry.Path, err))
				continue
			}
		}
		if entry.Size < 0 {
			errs = append(errs, fmt.Errorf("entry %q: negative size %d", entry.Path, entry.Size))
			continue
		}
		m.byPath[entry.Path] = entry
	}
	return errors.Join(errs...)
}

func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("entry with empty path")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q is absolute", p)
	}
	cleaned := path.Clean(p)
	if cleaned != p {
		return fmt.Errorf("path %q is not in canonical form", p)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return fmt.Errorf("path %q escapes the directory", p)
	}
	return nil
}

// Lookup returns the entry for a relative path, or nil if the manifest
// does not name it.
func (m *Manifest) Lookup(relative string) *Entry {
	return m.byPath[relative]
}

// Verified reports whether the entry carries a root digest.
func (e *Entry) Verified() bool {
	return e.Digest != ""
}

// Root returns the entry's Merkle root digest. Only meaningful for
// verified entries; the digest was validated at load time.
func (e *Entry) Root() hashtree.Digest {
	digest, err := hashtree.ParseDigest(e.Digest)
	if err != nil {
		panic(fmt.Sprintf("manifest entry %q has invalid digest past validation: %v", e.Path, err))
	}
	return digest
}

// List returns the immediate children of a directory within the
// manifest's path set, sorted by name. dir is a relative path, or ""
// for the root. Directories exist implicitly: any path component of a
// manifest entry is a directory.
func (m *Manifest) List(dir string) []DirEntry {
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	seen := make(map[string]bool)
	var children []DirEntry
	for _, entry := range m.Entries {
		if !strings.HasPrefix(entry.Path, prefix) {
			continue
		}
		rest := entry.Path[len(prefix):]
		name, _, isSubdir := strings.Cut(rest, "/")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		children = append(children, DirEntry{Name: name, IsDir: isSubdir})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children
}

// HasDir reports whether dir is the root, or a directory implied by at
// least one manifest entry.
func (m *Manifest) HasDir(dir string) bool {
	if dir == "" {
		return true
	}
	prefix := dir + "/"
	for _, entry := range m.Entries {
		if strings.HasPrefix(entry.Path, prefix) {
			return true
		}
	}
	return false
}

// DirEntry is one name in a manifest directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
}
