// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend serves the host-helper protocol from local files and
// directories. It backs cmd/verityfs-fdserver and the filesystem test
// suites. Descriptors registered before serving use caller-chosen
// numbers; descriptors minted by open_at and the create operations
// count down from -2 so they can never collide with the pre-opened
// set.
type FileBackend struct {
	mu      sync.Mutex
	entries map[FD]*backendEntry
	nextFD  FD
}

type backendEntry struct {
	// file is set for file descriptors.
	file *os.File

	// dir is set for directory descriptors (absolute path).
	dir string

	// tree is the precomputed Merkle tree stream served for read_tree
	// on a verified file.
	tree []byte

	writable bool
}

// NewFileBackend creates an empty backend. Register descriptors with
// OpenFile/OpenDir before serving.
func NewFileBackend() *FileBackend {
	return &FileBackend{
		entries: make(map[FD]*backendEntry),
		nextFD:  -2,
	}
}

// OpenFile registers a local file under the given descriptor number.
// tree, if non-nil, is the Merkle tree stream served for read_tree.
func (b *FileBackend) OpenFile(fd FD, path string, writable bool, tree []byte) error {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR | os.O_CREATE
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[fd]; exists {
		file.Close()
		return fmt.Errorf("descriptor %d already registered", fd)
	}
	b.entries[fd] = &backendEntry{file: file, tree: tree, writable: writable}
	return nil
}

// OpenDir registers a local directory under the given descriptor
// number.
func (b *FileBackend) OpenDir(fd FD, path string, writable bool) error {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return fmt.Errorf("opening directory %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[fd]; exists {
		return fmt.Errorf("descriptor %d already registered", fd)
	}
	b.entries[fd] = &backendEntry{dir: absolute, writable: writable}
	return nil
}

// Close releases all open files.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.entries {
		if entry.file != nil {
			entry.file.Close()
		}
	}
	b.entries = make(map[FD]*backendEntry)
	return nil
}

func (b *FileBackend) fileEntry(fd FD) (*backendEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, exists := b.entries[fd]
	if !exists {
		return nil, fmt.Errorf("unknown descriptor %d", fd)
	}
	if entry.file == nil {
		return nil, fmt.Errorf("descriptor %d is a directory", fd)
	}
	return entry, nil
}

func (b *FileBackend) dirEntry(fd FD) (*backendEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, exists := b.entries[fd]
	if !exists {
		return nil, fmt.Errorf("unknown descriptor %d", fd)
	}
	if entry.dir == "" {
		return nil, fmt.Errorf("descriptor %d is not a directory", fd)
	}
	return entry, nil
}

// register adds an entry under a freshly minted descriptor.
func (b *FileBackend) register(entry *backendEntry) FD {
	b.mu.Lock()
	defer b.mu.Unlock()
	fd := b.nextFD
	b.nextFD--
	b.entries[fd] = entry
	return fd
}

// childPath resolves a name or relative path beneath a directory
// entry, rejecting attempts to escape it.
func childPath(entry *backendEntry, relative string) (string, error) {
	if relative == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(relative) {
		return "", fmt.Errorf("path %q is absolute", relative)
	}
	cleaned := filepath.Clean(relative)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the directory", relative)
	}
	return filepath.Join(entry.dir, cleaned), nil
}

func (b *FileBackend) ReadFile(fd FD, offset int64, size int) ([]byte, error) {
	entry, err := b.fileEntry(fd)
	if err != nil {
		return nil, err
	}
	if size < 0 || offset < 0 {
		return nil, fmt.Errorf("negative read range")
	}
	buffer := make([]byte, size)
	n, err := entry.file.ReadAt(buffer, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buffer[:n], nil
}

func (b *FileBackend) ReadTree(fd FD, offset int64, size int) ([]byte, error) {
	entry, err := b.fileEntry(fd)
	if err != nil {
		return nil, err
	}
	if entry.tree == nil {
		return nil, fmt.Errorf("descriptor %d has no merkle tree", fd)
	}
	if offset < 0 || offset >= int64(len(entry.tree)) {
		return nil, fmt.Errorf("tree read at %d out of range", offset)
	}
	end := offset + int64(size)
	if end > int64(len(entry.tree)) {
		end = int64(len(entry.tree))
	}
	return entry.tree[offset:end], nil
}

func (b *FileBackend) WriteFile(fd FD, offset int64, data []byte) (int64, error) {
	entry, err := b.fileEntry(fd)
	if err != nil {
		return 0, err
	}
	if !entry.writable {
		return 0, fmt.Errorf("descriptor %d is read-only", fd)
	}
	n, err := entry.file.WriteAt(data, offset)
	return int64(n), err
}

func (b *FileBackend) Resize(fd FD, size int64) error {
	entry, err := b.fileEntry(fd)
	if err != nil {
		return err
	}
	if !entry.writable {
		return fmt.Errorf("descriptor %d is read-only", fd)
	}
	return entry.file.Truncate(size)
}

func (b *FileBackend) FileSize(fd FD) (int64, error) {
	entry, err := b.fileEntry(fd)
	if err != nil {
		return 0, err
	}
	info, err := entry.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (b *FileBackend) OpenAt(dir FD, path string) (FD, error) {
	entry, err := b.dirEntry(dir)
	if err != nil {
		return 0, err
	}
	target, err := childPath(entry, path)
	if err != nil {
		return 0, err
	}
	file, err := os.Open(target)
	if err != nil {
		return 0, err
	}
	return b.register(&backendEntry{file: file}), nil
}

func (b *FileBackend) CreateFile(dir FD, name string, mode uint32) (FD, error) {
	entry, err := b.dirEntry(dir)
	if err != nil {
		return 0, err
	}
	if !entry.writable {
		return 0, fmt.Errorf("descriptor %d is read-only", dir)
	}
	target, err := childPath(entry, name)
	if err != nil {
		return 0, err
	}
	file, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_EXCL, os.FileMode(mode))
	if err != nil {
		return 0, err
	}
	return b.register(&backendEntry{file: file, writable: true}), nil
}

func (b *FileBackend) CreateDir(dir FD, name string, mode uint32) (FD, error) {
	entry, err := b.dirEntry(dir)
	if err != nil {
		return 0, err
	}
	if !entry.writable {
		return 0, fmt.Errorf("descriptor %d is read-only", dir)
	}
	target, err := childPath(entry, name)
	if err != nil {
		return 0, err
	}
	if err := os.Mkdir(target, os.FileMode(mode)); err != nil {
		return 0, err
	}
	return b.register(&backendEntry{dir: target, writable: true}), nil
}

func (b *FileBackend) DeleteFile(dir FD, name string) error {
	entry, err := b.dirEntry(dir)
	if err != nil {
		return err
	}
	if !entry.writable {
		return fmt.Errorf("descriptor %d is read-only", dir)
	}
	target, err := childPath(entry, name)
	if err != nil {
		return err
	}
	info, err := os.Lstat(target)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", name)
	}
	return os.Remove(target)
}

func (b *FileBackend) DeleteDir(dir FD, name string) error {
	entry, err := b.dirEntry(dir)
	if err != nil {
		return err
	}
	if !entry.writable {
		return fmt.Errorf("descriptor %d is read-only", dir)
	}
	target, err := childPath(entry, name)
	if err != nil {
		return err
	}
	info, err := os.Lstat(target)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", name)
	}
	return os.Remove(target)
}

func (b *FileBackend) Chmod(fd FD, mode uint32) error {
	b.mu.Lock()
	entry, exists := b.entries[fd]
	b.mu.Unlock()
	if !exists {
		return fmt.Errorf("unknown descriptor %d", fd)
	}
	if entry.file != nil {
		return entry.file.Chmod(os.FileMode(mode))
	}
	return os.Chmod(entry.dir, os.FileMode(mode))
}

var _ Backend = (*FileBackend)(nil)
