// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/verityfs/verityfs/lib/hashtree"
	"github.com/verityfs/verityfs/lib/vfs"
)

// dirNode wraps a directory entry (the root, an allowlisted read-only
// directory, or a writable directory).
type dirNode struct {
	gofuse.Inode
	mount *mountState
	entry *vfs.Entry
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)
var _ gofuse.NodeSetattrer = (*dirNode)(nil)
var _ gofuse.NodeCreater = (*dirNode)(nil)
var _ gofuse.NodeMkdirer = (*dirNode)(nil)
var _ gofuse.NodeRmdirer = (*dirNode)(nil)
var _ gofuse.NodeUnlinker = (*dirNode)(nil)
var _ gofuse.NodeStatfser = (*dirNode)(nil)

// fileNode wraps a file entry of any file kind.
type fileNode struct {
	gofuse.Inode
	mount *mountState
	entry *vfs.Entry
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeSetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)
var _ gofuse.NodeWriter = (*fileNode)(nil)
var _ gofuse.NodeStatfser = (*fileNode)(nil)

// fileHandle tracks one open handle so an unlinked file stays usable
// until its last handle is released.
type fileHandle struct {
	entry *vfs.Entry
}

var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	h.entry.Unref()
	return 0
}

// newChild wraps a resolved entry in the matching node type, attached
// under the parent with the tree's inode number.
func (d *dirNode) newChild(ctx context.Context, entry *vfs.Entry) *gofuse.Inode {
	if entry.Kind().IsDir() {
		return d.NewPersistentInode(ctx, &dirNode{mount: d.mount, entry: entry},
			gofuse.StableAttr{Mode: syscall.S_IFDIR, Ino: entry.Ino()})
	}
	return d.NewPersistentInode(ctx, &fileNode{mount: d.mount, entry: entry},
		gofuse.StableAttr{Mode: syscall.S_IFREG, Ino: entry.Ino()})
}

func fillAttr(attr vfs.Attr, out *fuse.Attr) {
	if attr.Kind.IsDir() {
		out.Mode = syscall.S_IFDIR | attr.Mode
	} else {
		out.Mode = syscall.S_IFREG | attr.Mode
	}
	out.Ino = attr.Ino
	out.Size = uint64(attr.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = hashtree.BlockSize
	out.Nlink = 1
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child, err := d.entry.Resolve(ctx, name)
	if err != nil {
		return nil, errno(err)
	}
	attr, err := child.Attr(ctx)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(attr, &out.Attr)
	return d.newChild(ctx, child), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	listed, err := d.entry.List(ctx)
	if err != nil {
		return nil, errno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(listed))
	for _, child := range listed {
		mode := uint32(syscall.S_IFREG)
		if child.IsDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: child.Name, Mode: mode, Ino: child.Ino})
	}
	return &sliceDirStream{entries: entries}, 0
}

func (d *dirNode) Getattr(ctx context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := d.entry.Attr(ctx)
	if err != nil {
		return errno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

func (d *dirNode) Setattr(ctx context.Context, _ gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if mode, ok := in.GetMode(); ok {
		if err := d.entry.Chmod(ctx, mode); err != nil {
			return errno(err)
		}
	}
	attr, err := d.entry.Attr(ctx)
	if err != nil {
		return errno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

func (d *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	child, err := d.entry.CreateFile(ctx, name, mode)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	attr, err := child.Attr(ctx)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	fillAttr(attr, &out.Attr)
	child.Ref()
	return d.newChild(ctx, child), &fileHandle{entry: child}, 0, 0
}

func (d *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child, err := d.entry.CreateDir(ctx, name, mode)
	if err != nil {
		return nil, errno(err)
	}
	attr, err := child.Attr(ctx)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(attr, &out.Attr)
	return d.newChild(ctx, child), 0
}

func (d *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(d.entry.Remove(ctx, name))
}

func (d *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(d.entry.Remove(ctx, name))
}

func (d *dirNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	return statfs(d.mount, out)
}

func (f *fileNode) Getattr(ctx context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := f.entry.Attr(ctx)
	if err != nil {
		return errno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

func (f *fileNode) Setattr(ctx context.Context, _ gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := f.entry.Truncate(ctx, int64(size)); err != nil {
			return errno(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := f.entry.Chmod(ctx, mode); err != nil {
			return errno(err)
		}
	}
	attr, err := f.entry.Attr(ctx)
	if err != nil {
		return errno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	writing := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	if writing && f.entry.Kind() != vfs.KindWritableFile {
		return nil, 0, syscall.EROFS
	}

	f.entry.Ref()
	handle := &fileHandle{entry: f.entry}

	// A verified file's declared content never changes, so the kernel
	// page cache stays valid. Writable and unverified files skip it:
	// their bytes can change under the kernel's feet.
	if f.entry.Kind() == vfs.KindVerifiedFile {
		return handle, fuse.FOPEN_KEEP_CACHE, 0
	}
	return handle, 0, 0
}

func (f *fileNode) Read(ctx context.Context, _ gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.entry.ReadAt(ctx, dest, off)
	if err != nil {
		f.mount.logger.Warn("read failed", "inode", f.entry.Ino(), "offset", off, "error", err)
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fileNode) Write(ctx context.Context, _ gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.entry.WriteAt(ctx, data, off)
	if err != nil {
		f.mount.logger.Warn("write failed", "inode", f.entry.Ino(), "offset", off, "error", err)
		return 0, errno(err)
	}
	return uint32(n), 0
}

func (f *fileNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	return statfs(f.mount, out)
}

// statfs reports identity derived from the tree, not the host: the
// inode count is the number of entries this mount exposes. The kernel
// stamps the FUSE magic into f_type for any FUSE mount.
func statfs(mount *mountState, out *fuse.StatfsOut) syscall.Errno {
	out.Bsize = hashtree.BlockSize
	out.Frsize = hashtree.BlockSize
	out.NameLen = 255
	out.Files = mount.tree.NumEntries()
	return 0
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
