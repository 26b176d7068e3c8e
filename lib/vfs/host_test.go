// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"fmt"

	"github.com/verityfs/verityfs/lib/remote"
)

// fakeHost is an in-memory Transport standing in for the host helper.
// Tests reach into its files directly to simulate out-of-band
// corruption.
type fakeHost struct {
	files  map[remote.FD]*fakeFile
	dirs   map[remote.FD]*fakeDir
	nextFD remote.FD
}

type fakeFile struct {
	data []byte
	tree []byte
	mode uint32
}

type fakeDir struct {
	files   map[string]remote.FD
	subdirs map[string]remote.FD
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		files:  make(map[remote.FD]*fakeFile),
		dirs:   make(map[remote.FD]*fakeDir),
		nextFD: 100,
	}
}

func (h *fakeHost) addFile(fd remote.FD, data, tree []byte) *fakeFile {
	f := &fakeFile{data: data, tree: tree}
	h.files[fd] = f
	return f
}

func (h *fakeHost) addDir(fd remote.FD) *fakeDir {
	d := &fakeDir{files: make(map[string]remote.FD), subdirs: make(map[string]remote.FD)}
	h.dirs[fd] = d
	return d
}

func (h *fakeHost) mint() remote.FD {
	fd := h.nextFD
	h.nextFD++
	return fd
}

func (h *fakeHost) file(fd remote.FD) (*fakeFile, error) {
	f, ok := h.files[fd]
	if !ok {
		return nil, fmt.Errorf("no file descriptor %d", fd)
	}
	return f, nil
}

func (h *fakeHost) dir(fd remote.FD) (*fakeDir, error) {
	d, ok := h.dirs[fd]
	if !ok {
		return nil, fmt.Errorf("no directory descriptor %d", fd)
	}
	return d, nil
}

func (h *fakeHost) ReadFile(_ context.Context, fd remote.FD, offset int64, size int) ([]byte, error) {
	f, err := h.file(fd)
	if err != nil {
		return nil, err
	}
	if offset >= int64(len(f.data)) {
		return nil, nil
	}
	end := offset + int64(size)
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	out := make([]byte, end-offset)
	copy(out, f.data[offset:end])
	return out, nil
}

func (h *fakeHost) ReadTree(_ context.Context, fd remote.FD, offset int64, size int) ([]byte, error) {
	f, err := h.file(fd)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= int64(len(f.tree)) {
		return nil, fmt.Errorf("tree read at %d out of range", offset)
	}
	end := offset + int64(size)
	if end > int64(len(f.tree)) {
		end = int64(len(f.tree))
	}
	out := make([]byte, end-offset)
	copy(out, f.tree[offset:end])
	return out, nil
}

func (h *fakeHost) WriteFile(_ context.Context, fd remote.FD, offset int64, data []byte) (int64, error) {
	f, err := h.file(fd)
	if err != nil {
		return 0, err
	}
	end := offset + int64(len(data))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[offset:], data)
	return int64(len(data)), nil
}

func (h *fakeHost) Resize(_ context.Context, fd remote.FD, size int64) error {
	f, err := h.file(fd)
	if err != nil {
		return err
	}
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.data)
	f.data = grown
	return nil
}

func (h *fakeHost) FileSize(_ context.Context, fd remote.FD) (int64, error) {
	f, err := h.file(fd)
	if err != nil {
		return 0, err
	}
	return int64(len(f.data)), nil
}

func (h *fakeHost) OpenAt(_ context.Context, dir remote.FD, path string) (remote.FD, error) {
	d, err := h.dir(dir)
	if err != nil {
		return 0, err
	}
	fd, ok := d.files[path]
	if !ok {
		return 0, fmt.Errorf("no file %q under descriptor %d", path, dir)
	}
	return fd, nil
}

func (h *fakeHost) CreateFile(_ context.Context, dir remote.FD, name string, mode uint32) (remote.FD, error) {
	d, err := h.dir(dir)
	if err != nil {
		return 0, err
	}
	if _, exists := d.files[name]; exists {
		return 0, fmt.Errorf("%q exists", name)
	}
	if _, exists := d.subdirs[name]; exists {
		return 0, fmt.Errorf("%q exists", name)
	}
	fd := h.mint()
	h.files[fd] = &fakeFile{mode: mode}
	d.files[name] = fd
	return fd, nil
}

func (h *fakeHost) CreateDir(_ context.Context, dir remote.FD, name string, mode uint32) (remote.FD, error) {
	d, err := h.dir(dir)
	if err != nil {
		return 0, err
	}
	if _, exists := d.files[name]; exists {
		return 0, fmt.Errorf("%q exists", name)
	}
	if _, exists := d.subdirs[name]; exists {
		return 0, fmt.Errorf("%q exists", name)
	}
	fd := h.mint()
	h.addDir(fd)
	d.subdirs[name] = fd
	return fd, nil
}

func (h *fakeHost) DeleteFile(_ context.Context, dir remote.FD, name string) error {
	d, err := h.dir(dir)
	if err != nil {
		return err
	}
	if _, exists := d.files[name]; !exists {
		return fmt.Errorf("no file %q", name)
	}
	// The descriptor stays readable after the unlink, matching POSIX
	// semantics on the real host.
	delete(d.files, name)
	return nil
}

func (h *fakeHost) DeleteDir(_ context.Context, dir remote.FD, name string) error {
	d, err := h.dir(dir)
	if err != nil {
		return err
	}
	if _, exists := d.subdirs[name]; !exists {
		return fmt.Errorf("no directory %q", name)
	}
	delete(d.subdirs, name)
	return nil
}

func (h *fakeHost) Chmod(_ context.Context, fd remote.FD, mode uint32) error {
	if f, ok := h.files[fd]; ok {
		f.mode = mode
		return nil
	}
	if _, ok := h.dirs[fd]; ok {
		return nil
	}
	return fmt.Errorf("no descriptor %d", fd)
}

var _ Transport = (*fakeHost)(nil)
