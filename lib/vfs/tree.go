// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/verityfs/verityfs/lib/hashtree"
	"github.com/verityfs/verityfs/lib/manifest"
	"github.com/verityfs/verityfs/lib/remote"
)

// Kind discriminates the closed set of entry variants.
type Kind uint8

const (
	// KindRoot is the synthetic mount root holding the configured
	// entries. It accepts no mutations.
	KindRoot Kind = iota + 1

	// KindVerifiedFile is a read-only remote file checked against a
	// pinned Merkle root on every read.
	KindVerifiedFile

	// KindUnverifiedFile is a read-only remote file with no integrity
	// checking. Its size may grow host-side and is re-queried on
	// demand.
	KindUnverifiedFile

	// KindWritableFile is a read-write remote file whose Merkle tree
	// is built locally as writes land.
	KindWritableFile

	// KindReadonlyDir exposes only the children its allowlist
	// manifest names, whatever the host holds.
	KindReadonlyDir

	// KindWritableDir holds children created through this mount,
	// tracked in an in-memory name map.
	KindWritableDir
)

// IsDir reports whether the kind is a directory variant.
func (k Kind) IsDir() bool {
	return k == KindRoot || k == KindReadonlyDir || k == KindWritableDir
}

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindVerifiedFile:
		return "verified-file"
	case KindUnverifiedFile:
		return "unverified-file"
	case KindWritableFile:
		return "writable-file"
	case KindReadonlyDir:
		return "readonly-dir"
	case KindWritableDir:
		return "writable-dir"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// RootIno is the inode of the mount root.
const RootIno uint64 = 1

// disallowedModeBits are never present on any entry: setuid, setgid
// and sticky.
const disallowedModeBits = uint32(0o7000)

// maskMode strips the forbidden bits from a requested mode.
func maskMode(mode uint32) uint32 {
	return mode & 0o7777 &^ disallowedModeBits
}

// Attr is the metadata the front end reports for an entry.
type Attr struct {
	Ino  uint64
	Kind Kind
	// Mode holds permission bits only; the type comes from Kind.
	Mode uint32
	Size int64
}

// DirEntry is one name in a directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
	// Ino is zero for allowlisted children that have not been
	// materialized yet.
	Ino uint64
}

// Tree is the arena of entries for one mount. Inodes start at RootIno
// and are never reused for the lifetime of the mount.
type Tree struct {
	transport Transport
	logger    *slog.Logger

	// mu guards the arena map and inode allocation. Per-entry state
	// is guarded by each entry's own mutex.
	mu      sync.Mutex
	entries map[uint64]*Entry
	nextIno uint64
}

// Options configures a Tree.
type Options struct {
	// Logger receives diagnostic messages. If nil, a default stderr
	// logger at error level is used.
	Logger *slog.Logger
}

// NewTree creates a tree containing only the root. Mount-time entries
// are attached with the Add methods before the front end starts
// serving.
func NewTree(transport Transport, options Options) *Tree {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	t := &Tree{
		transport: transport,
		logger:    logger,
		entries:   make(map[uint64]*Entry),
		nextIno:   RootIno,
	}
	root := t.newEntry(KindRoot, 0, "")
	root.mode = 0o755
	root.children = make(map[string]uint64)
	return t
}

// newEntry allocates an inode and inserts a fresh entry. Caller fills
// in kind-specific state before the entry becomes reachable by name.
func (t *Tree) newEntry(kind Kind, parent uint64, name string) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &Entry{
		tree:   t,
		ino:    t.nextIno,
		parent: parent,
		name:   name,
		kind:   kind,
	}
	t.nextIno++
	t.entries[e.ino] = e
	return e
}

// Root returns the mount root entry.
func (t *Tree) Root() *Entry {
	return t.entry(RootIno)
}

// Entry returns the entry for an inode, or nil if the inode was never
// allocated.
func (t *Tree) Entry(ino uint64) *Entry {
	return t.entry(ino)
}

func (t *Tree) entry(ino uint64) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[ino]
}

// NumEntries returns the number of allocated inodes, root included.
// statfs reports this as the inode count; host-side files that were
// never exposed do not contribute.
func (t *Tree) NumEntries() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(len(t.entries))
}

// attach links a prepared entry under the root by name.
func (t *Tree) attach(name string, e *Entry) (*Entry, error) {
	root := t.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	if _, exists := root.children[name]; exists {
		return nil, fmt.Errorf("mount entry %q: %w", name, ErrExist)
	}
	root.children[name] = e.ino
	return e, nil
}

// AddVerifiedFile exposes a read-only remote file pinned to a Merkle
// root digest and a fixed size.
func (t *Tree) AddVerifiedFile(name string, fd remote.FD, root hashtree.Digest, size int64) (*Entry, error) {
	if size < 0 {
		return nil, fmt.Errorf("verified file %q: negative size %d", name, size)
	}
	e := t.newEntry(KindVerifiedFile, RootIno, name)
	e.fd = fd
	e.mode = 0o444
	e.size = size
	e.verifier = hashtree.NewVerifier(root, size, remoteTree{t.transport, fd})
	return t.attach(name, e)
}

// AddUnverifiedFile exposes a read-only remote file without integrity
// checking.
func (t *Tree) AddUnverifiedFile(name string, fd remote.FD) (*Entry, error) {
	e := t.newEntry(KindUnverifiedFile, RootIno, name)
	e.fd = fd
	e.mode = 0o444
	return t.attach(name, e)
}

// AddWritableFile exposes a new, empty read-write remote file. Its
// Merkle tree starts empty and grows with writes.
func (t *Tree) AddWritableFile(name string, fd remote.FD) (*Entry, error) {
	e := t.newEntry(KindWritableFile, RootIno, name)
	e.fd = fd
	e.mode = 0o644
	e.builder = hashtree.NewBuilder()
	return t.attach(name, e)
}

// AddReadonlyDir exposes a remote directory restricted to the paths
// its manifest names.
func (t *Tree) AddReadonlyDir(name string, fd remote.FD, allow *manifest.Manifest) (*Entry, error) {
	e := t.newEntry(KindReadonlyDir, RootIno, name)
	e.fd = fd
	e.mode = 0o555
	e.allow = allow
	e.dirFD = fd
	e.children = make(map[string]uint64)
	return t.attach(name, e)
}

// AddWritableDir exposes a new, empty read-write remote directory.
func (t *Tree) AddWritableDir(name string, fd remote.FD) (*Entry, error) {
	e := t.newEntry(KindWritableDir, RootIno, name)
	e.fd = fd
	e.mode = 0o755
	e.children = make(map[string]uint64)
	return t.attach(name, e)
}

// Entry is one node of the tree. Fields beyond the identity block are
// kind-specific; the entry's mutex serializes one logical operation at
// a time, and independent entries proceed concurrently.
type Entry struct {
	tree   *Tree
	ino    uint64
	parent uint64
	kind   Kind

	mu   sync.Mutex
	name string
	mode uint32

	// File state.
	fd       remote.FD
	size     int64
	verifier *hashtree.Verifier
	builder  *hashtree.Builder
	handles  int
	unlinked bool

	// Directory state. children maps name to inode; for readonly
	// dirs it caches lazily materialized allowlisted children, keyed
	// so repeated lookups keep their inode.
	children map[string]uint64

	// Readonly dir state: the descriptor of the allowlist root and
	// the entry's path relative to it ("" at the top).
	allow   *manifest.Manifest
	dirFD   remote.FD
	relpath string
}

// Ino returns the entry's inode number.
func (e *Entry) Ino() uint64 { return e.ino }

// Kind returns the entry's variant.
func (e *Entry) Kind() Kind { return e.kind }

// Parent returns the parent entry; the root is its own parent.
func (e *Entry) Parent() *Entry {
	if e.ino == RootIno {
		return e
	}
	return e.tree.entry(e.parent)
}

// Ref records an open handle on the entry. Unlinked entries stay
// usable while handles remain.
func (e *Entry) Ref() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handles++
}

// Unref releases an open handle.
func (e *Entry) Unref() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handles > 0 {
		e.handles--
	}
}

// Attr reports the entry's metadata from local state. The size of an
// unverified file is the one piece re-queried from the host, since the
// host may legitimately grow it.
func (e *Entry) Attr(ctx context.Context) (Attr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	attr := Attr{Ino: e.ino, Kind: e.kind, Mode: e.mode, Size: e.size}
	if e.kind == KindUnverifiedFile {
		size, err := e.tree.transport.FileSize(ctx, e.fd)
		if err != nil {
			return Attr{}, fmt.Errorf("%w: querying size of inode %d: %v", ErrRemoteIO, e.ino, err)
		}
		e.size = size
		attr.Size = size
	}
	return attr, nil
}

// Chmod changes the entry's permission bits. Forbidden bits are
// stripped; a request consisting solely of forbidden bits fails. Only
// writable entries accept mode changes.
func (e *Entry) Chmod(ctx context.Context, mode uint32) error {
	if e.kind != KindWritableFile && e.kind != KindWritableDir {
		return fmt.Errorf("chmod on %s inode %d: %w", e.kind, e.ino, ErrUnsupported)
	}

	requested := mode & 0o7777
	if requested != 0 && requested&^disallowedModeBits == 0 {
		return fmt.Errorf("mode %04o sets only forbidden bits: %w", requested, ErrPermission)
	}
	masked := maskMode(requested)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.tree.transport.Chmod(ctx, e.fd, masked); err != nil {
		return fmt.Errorf("%w: chmod inode %d: %v", ErrRemoteIO, e.ino, err)
	}
	e.mode = masked
	return nil
}

// Resolve looks up a direct child by name. Readonly directories
// consult only their allowlist, materializing the child lazily on
// first resolution; writable directories and the root consult only
// their in-memory child map.
func (e *Entry) Resolve(ctx context.Context, name string) (*Entry, error) {
	switch e.kind {
	case KindRoot, KindWritableDir:
		e.mu.Lock()
		ino, exists := e.children[name]
		e.mu.Unlock()
		if !exists {
			return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		return e.tree.entry(ino), nil
	case KindReadonlyDir:
		return e.resolveAllowlisted(ctx, name)
	default:
		return nil, fmt.Errorf("lookup under %s inode %d: %w", e.kind, e.ino, ErrNotDir)
	}
}

// resolveAllowlisted materializes an allowlisted child of a readonly
// directory. Files are opened remotely via open_at; subdirectories are
// implied by the manifest's path set and need no remote call.
func (e *Entry) resolveAllowlisted(ctx context.Context, name string) (*Entry, error) {
	childPath := name
	if e.relpath != "" {
		childPath = e.relpath + "/" + name
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ino, exists := e.children[name]; exists {
		return e.tree.entry(ino), nil
	}

	if entry := e.allow.Lookup(childPath); entry != nil {
		fd, err := e.tree.transport.OpenAt(ctx, e.dirFD, childPath)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %q: %v", ErrRemoteIO, childPath, err)
		}
		var child *Entry
		if entry.Verified() {
			child = e.tree.newEntry(KindVerifiedFile, e.ino, name)
			child.size = entry.Size
			child.verifier = hashtree.NewVerifier(entry.Root(), entry.Size, remoteTree{e.tree.transport, fd})
		} else {
			child = e.tree.newEntry(KindUnverifiedFile, e.ino, name)
		}
		child.fd = fd
		child.mode = 0o444
		e.children[name] = child.ino
		return child, nil
	}

	if e.allow.HasDir(childPath) {
		child := e.tree.newEntry(KindReadonlyDir, e.ino, name)
		child.fd = e.dirFD
		child.mode = 0o555
		child.allow = e.allow
		child.dirFD = e.dirFD
		child.relpath = childPath
		child.children = make(map[string]uint64)
		e.children[name] = child.ino
		return child, nil
	}

	return nil, fmt.Errorf("%q: %w", childPath, ErrNotFound)
}

// CreateFile creates a new writable file under a writable directory.
// The name must be free across kinds. mode arrives umask-applied from
// the front end; forbidden bits are stripped.
func (e *Entry) CreateFile(ctx context.Context, name string, mode uint32) (*Entry, error) {
	if e.kind != KindWritableDir {
		return nil, fmt.Errorf("create %q under %s inode %d: %w", name, e.kind, e.ino, ErrUnsupported)
	}
	masked := maskMode(mode)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.children[name]; exists {
		return nil, fmt.Errorf("%q: %w", name, ErrExist)
	}

	fd, err := e.tree.transport.CreateFile(ctx, e.fd, name, masked)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %q: %v", ErrRemoteIO, name, err)
	}

	child := e.tree.newEntry(KindWritableFile, e.ino, name)
	child.fd = fd
	child.mode = masked
	child.builder = hashtree.NewBuilder()
	e.children[name] = child.ino
	e.tree.logger.Debug("created file", "name", name, "inode", child.ino, "mode", fmt.Sprintf("%04o", masked))
	return child, nil
}

// CreateDir creates a new writable directory under a writable
// directory, with the same name and mode rules as CreateFile.
func (e *Entry) CreateDir(ctx context.Context, name string, mode uint32) (*Entry, error) {
	if e.kind != KindWritableDir {
		return nil, fmt.Errorf("mkdir %q under %s inode %d: %w", name, e.kind, e.ino, ErrUnsupported)
	}
	masked := maskMode(mode)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.children[name]; exists {
		return nil, fmt.Errorf("%q: %w", name, ErrExist)
	}

	fd, err := e.tree.transport.CreateDir(ctx, e.fd, name, masked)
	if err != nil {
		return nil, fmt.Errorf("%w: creating directory %q: %v", ErrRemoteIO, name, err)
	}

	child := e.tree.newEntry(KindWritableDir, e.ino, name)
	child.fd = fd
	child.mode = masked
	child.children = make(map[string]uint64)
	e.children[name] = child.ino
	e.tree.logger.Debug("created directory", "name", name, "inode", child.ino, "mode", fmt.Sprintf("%04o", masked))
	return child, nil
}

// Remove unlinks a child of a writable directory. A non-empty child
// directory is rejected. The child's name stops resolving immediately,
// but the entry and its remote descriptor stay usable through open
// handles until released.
func (e *Entry) Remove(ctx context.Context, name string) error {
	if e.kind != KindWritableDir {
		return fmt.Errorf("remove %q under %s inode %d: %w", name, e.kind, e.ino, ErrUnsupported)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ino, exists := e.children[name]
	if !exists {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	child := e.tree.entry(ino)

	if child.kind.IsDir() {
		child.mu.Lock()
		empty := len(child.children) == 0
		child.mu.Unlock()
		if !empty {
			return fmt.Errorf("%q: %w", name, ErrNotEmpty)
		}
		if err := e.tree.transport.DeleteDir(ctx, e.fd, name); err != nil {
			return fmt.Errorf("%w: removing directory %q: %v", ErrRemoteIO, name, err)
		}
	} else {
		if err := e.tree.transport.DeleteFile(ctx, e.fd, name); err != nil {
			return fmt.Errorf("%w: removing %q: %v", ErrRemoteIO, name, err)
		}
	}

	delete(e.children, name)
	child.mu.Lock()
	child.unlinked = true
	child.mu.Unlock()
	return nil
}

// List returns the directory's children in name order. Readonly
// directories list their allowlist; the host is never asked.
func (e *Entry) List(ctx context.Context) ([]DirEntry, error) {
	switch e.kind {
	case KindRoot, KindWritableDir:
		e.mu.Lock()
		defer e.mu.Unlock()
		entries := make([]DirEntry, 0, len(e.children))
		for name, ino := range e.children {
			child := e.tree.entry(ino)
			entries = append(entries, DirEntry{Name: name, IsDir: child.kind.IsDir(), Ino: ino})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		return entries, nil
	case KindReadonlyDir:
		e.mu.Lock()
		defer e.mu.Unlock()
		listed := e.allow.List(e.relpath)
		entries := make([]DirEntry, 0, len(listed))
		for _, child := range listed {
			entries = append(entries, DirEntry{
				Name:  child.Name,
				IsDir: child.IsDir,
				Ino:   e.children[child.Name],
			})
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("readdir on %s inode %d: %w", e.kind, e.ino, ErrNotDir)
	}
}
