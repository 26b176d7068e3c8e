// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/verityfs/verityfs/lib/hashtree"
	"github.com/verityfs/verityfs/lib/manifest"
)

func patternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// mountVerified exposes one verified file of the given content under
// the name "3" and returns its entry.
func mountVerified(t *testing.T, host *fakeHost, content []byte) (*Tree, *Entry) {
	t.Helper()
	root, tree := hashtree.BuildStream(content)
	host.addFile(3, content, tree)

	vt := NewTree(host, Options{})
	entry, err := vt.AddVerifiedFile("3", 3, root, int64(len(content)))
	if err != nil {
		t.Fatalf("AddVerifiedFile: %v", err)
	}
	return vt, entry
}

func TestVerifiedReadRoundTrip(t *testing.T) {
	host := newFakeHost()
	content := patternData(5*hashtree.BlockSize + 123)
	_, entry := mountVerified(t, host, content)
	ctx := context.Background()

	ranges := []struct{ offset, size int }{
		{0, len(content)},
		{0, 1},
		{hashtree.BlockSize - 1, 2},
		{3 * hashtree.BlockSize, hashtree.BlockSize},
		{len(content) - 10, 100},
	}
	for _, r := range ranges {
		buffer := make([]byte, r.size)
		n, err := entry.ReadAt(ctx, buffer, int64(r.offset))
		if err != nil {
			t.Fatalf("ReadAt(%d, %d): %v", r.offset, r.size, err)
		}
		want := content[r.offset:]
		if len(want) > r.size {
			want = want[:r.size]
		}
		if !bytes.Equal(buffer[:n], want) {
			t.Fatalf("ReadAt(%d, %d) returned wrong bytes", r.offset, r.size)
		}
	}
}

func TestVerifiedReadDetectsCorruption(t *testing.T) {
	host := newFakeHost()
	content := patternData(5 * hashtree.BlockSize)
	_, entry := mountVerified(t, host, content)
	ctx := context.Background()

	// Flip one bit in block 2.
	host.files[3].data[2*hashtree.BlockSize+100] ^= 0x01

	buffer := make([]byte, hashtree.BlockSize)
	if _, err := entry.ReadAt(ctx, buffer, 2*hashtree.BlockSize); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("read of corrupted block returned %v, want ErrVerificationFailed", err)
	}

	// Reads of unaffected blocks still succeed.
	if _, err := entry.ReadAt(ctx, buffer, 0); err != nil {
		t.Fatalf("read of clean block 0: %v", err)
	}
	if _, err := entry.ReadAt(ctx, buffer, 4*hashtree.BlockSize); err != nil {
		t.Fatalf("read of clean block 4: %v", err)
	}

	// A spanning read touching the corrupted block fails too.
	spanning := make([]byte, 2*hashtree.BlockSize)
	if _, err := entry.ReadAt(ctx, spanning, hashtree.BlockSize+512); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("spanning read returned %v, want ErrVerificationFailed", err)
	}
}

func TestVerifiedZeroLengthReadStillVerifies(t *testing.T) {
	host := newFakeHost()
	content := patternData(hashtree.BlockSize + 100)
	_, entry := mountVerified(t, host, content)
	ctx := context.Background()

	// Corrupt the final, partial block.
	host.files[3].data[hashtree.BlockSize+50] ^= 0x01

	// A read clamped to zero bytes at EOF still touches the final
	// block and must fail.
	buffer := make([]byte, 10)
	if _, err := entry.ReadAt(ctx, buffer, int64(len(content))+5); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("zero-byte read past EOF returned %v, want ErrVerificationFailed", err)
	}

	// A read starting past the final block's span returns zero bytes
	// without touching anything.
	n, err := entry.ReadAt(ctx, buffer, 2*hashtree.BlockSize+500)
	if err != nil || n != 0 {
		t.Fatalf("read past block span = (%d, %v), want (0, nil)", n, err)
	}
}

func TestVerifiedTruncatedHostDetected(t *testing.T) {
	host := newFakeHost()
	content := patternData(2*hashtree.BlockSize + 100)
	_, entry := mountVerified(t, host, content)

	// Host silently truncates the file below its declared size.
	host.files[3].data = host.files[3].data[:2*hashtree.BlockSize+10]

	buffer := make([]byte, 200)
	if _, err := entry.ReadAt(context.Background(), buffer, 2*hashtree.BlockSize); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("read of truncated block returned %v, want ErrVerificationFailed", err)
	}
}

func TestUnverifiedFileSizeRefresh(t *testing.T) {
	host := newFakeHost()
	host.addFile(3, []byte("early"), nil)

	vt := NewTree(host, Options{})
	entry, err := vt.AddUnverifiedFile("3", 3)
	if err != nil {
		t.Fatalf("AddUnverifiedFile: %v", err)
	}
	ctx := context.Background()

	attr, err := entry.Attr(ctx)
	if err != nil {
		t.Fatalf("Attr: %v", err)
	}
	if attr.Size != 5 {
		t.Fatalf("Size = %d, want 5", attr.Size)
	}

	// Host-driven growth shows up on the next getattr and read.
	host.files[3].data = append(host.files[3].data, []byte(" and late")...)
	attr, err = entry.Attr(ctx)
	if err != nil {
		t.Fatalf("Attr after growth: %v", err)
	}
	if attr.Size != 14 {
		t.Fatalf("Size after growth = %d, want 14", attr.Size)
	}

	buffer := make([]byte, 32)
	n, err := entry.ReadAt(ctx, buffer, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buffer[:n]) != "early and late" {
		t.Fatalf("ReadAt = %q", buffer[:n])
	}
}

func TestAllowlistedDirectory(t *testing.T) {
	host := newFakeHost()
	hostDir := host.addDir(3)

	// Host holds both files; the manifest names only one.
	allowed := patternData(1000)
	allowedRoot, allowedTree := hashtree.BuildStream(allowed)
	host.addFile(10, allowed, allowedTree)
	host.addFile(11, []byte("should not exist"), nil)
	hostDir.files["sub/allowed.bin"] = 10
	hostDir.files["sub/hidden.bin"] = 11

	m, err := manifest.Parse([]byte(
		"version: 1\nentries:\n" +
			"  - path: sub/allowed.bin\n" +
			"    digest: " + hashtree.FormatDigest(allowedRoot) + "\n" +
			"    size: 1000\n" +
			"  - path: sub/note.txt\n"))
	if err != nil {
		t.Fatalf("manifest.Parse: %v", err)
	}
	hostDir.files["sub/note.txt"] = 11

	vt := NewTree(host, Options{})
	dir, err := vt.AddReadonlyDir("3", 3, m)
	if err != nil {
		t.Fatalf("AddReadonlyDir: %v", err)
	}
	ctx := context.Background()

	sub, err := dir.Resolve(ctx, "sub")
	if err != nil {
		t.Fatalf("Resolve(sub): %v", err)
	}
	if sub.Kind() != KindReadonlyDir {
		t.Fatalf("sub kind = %v, want readonly dir", sub.Kind())
	}

	file, err := sub.Resolve(ctx, "allowed.bin")
	if err != nil {
		t.Fatalf("Resolve(allowed.bin): %v", err)
	}
	if file.Kind() != KindVerifiedFile {
		t.Fatalf("allowed.bin kind = %v, want verified file", file.Kind())
	}
	buffer := make([]byte, 1000)
	n, err := file.ReadAt(ctx, buffer, 0)
	if err != nil || n != 1000 {
		t.Fatalf("ReadAt = (%d, %v)", n, err)
	}
	if !bytes.Equal(buffer, allowed) {
		t.Fatal("allowed.bin content mismatch")
	}

	// Manifest entry without a digest materializes unverified.
	note, err := sub.Resolve(ctx, "note.txt")
	if err != nil {
		t.Fatalf("Resolve(note.txt): %v", err)
	}
	if note.Kind() != KindUnverifiedFile {
		t.Fatalf("note.txt kind = %v, want unverified file", note.Kind())
	}

	// The host-side file outside the allowlist does not exist.
	if _, err := sub.Resolve(ctx, "hidden.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve(hidden.bin) = %v, want ErrNotFound", err)
	}

	// Repeated resolution keeps the inode.
	again, err := sub.Resolve(ctx, "allowed.bin")
	if err != nil {
		t.Fatalf("second Resolve(allowed.bin): %v", err)
	}
	if again.Ino() != file.Ino() {
		t.Fatalf("inode changed across lookups: %d then %d", file.Ino(), again.Ino())
	}

	// Listing comes from the manifest, not the host.
	entries, err := sub.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "allowed.bin" || entries[1].Name != "note.txt" {
		t.Fatalf("List = %v", entries)
	}
}

func TestCreateDeleteSemantics(t *testing.T) {
	host := newFakeHost()
	host.addDir(3)

	vt := NewTree(host, Options{})
	dir, err := vt.AddWritableDir("3", 3)
	if err != nil {
		t.Fatalf("AddWritableDir: %v", err)
	}
	ctx := context.Background()

	file, err := dir.CreateFile(ctx, "file.txt", 0o644)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	// Creates over an existing name fail across kinds.
	if _, err := dir.CreateFile(ctx, "file.txt", 0o644); !errors.Is(err, ErrExist) {
		t.Fatalf("duplicate CreateFile = %v, want ErrExist", err)
	}
	if _, err := dir.CreateDir(ctx, "file.txt", 0o755); !errors.Is(err, ErrExist) {
		t.Fatalf("mkdir over file = %v, want ErrExist", err)
	}

	// Nested directory creation, visible on the host side.
	sub, err := dir.CreateDir(ctx, "a", 0o755)
	if err != nil {
		t.Fatalf("CreateDir(a): %v", err)
	}
	subsub, err := sub.CreateDir(ctx, "b", 0o755)
	if err != nil {
		t.Fatalf("CreateDir(a/b): %v", err)
	}
	if _, err := host.dir(subsub.fd); err != nil {
		t.Fatalf("nested directory missing on host: %v", err)
	}

	// Non-empty directories refuse removal.
	if err := dir.Remove(ctx, "a"); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("Remove(a) = %v, want ErrNotEmpty", err)
	}
	if err := sub.Remove(ctx, "b"); err != nil {
		t.Fatalf("Remove(a/b): %v", err)
	}
	if err := dir.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove(a) after emptying: %v", err)
	}

	// Unlinked-but-open file stays usable through its entry.
	file.Ref()
	if err := dir.Remove(ctx, "file.txt"); err != nil {
		t.Fatalf("Remove(file.txt): %v", err)
	}
	if _, err := dir.Resolve(ctx, "file.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve after unlink = %v, want ErrNotFound", err)
	}
	if _, err := file.WriteAt(ctx, []byte("still here"), 0); err != nil {
		t.Fatalf("WriteAt after unlink: %v", err)
	}
	buffer := make([]byte, 16)
	n, err := file.ReadAt(ctx, buffer, 0)
	if err != nil || string(buffer[:n]) != "still here" {
		t.Fatalf("ReadAt after unlink = (%q, %v)", buffer[:n], err)
	}
	file.Unref()

	if err := dir.Remove(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove(absent) = %v, want ErrNotFound", err)
	}
}

func TestPermissionMasking(t *testing.T) {
	host := newFakeHost()
	host.addDir(3)

	vt := NewTree(host, Options{})
	dir, err := vt.AddWritableDir("3", 3)
	if err != nil {
		t.Fatalf("AddWritableDir: %v", err)
	}
	ctx := context.Background()

	// Umask-free create keeps full permission bits minus the
	// forbidden ones.
	file, err := dir.CreateFile(ctx, "wide.bin", 0o7777)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	attr, err := file.Attr(ctx)
	if err != nil {
		t.Fatalf("Attr: %v", err)
	}
	if attr.Mode != 0o777 {
		t.Fatalf("created mode = %04o, want 0777", attr.Mode)
	}
	if host.files[file.fd].mode != 0o777 {
		t.Fatalf("host-side mode = %04o, want 0777", host.files[file.fd].mode)
	}

	// Setting only forbidden bits fails outright.
	for _, mode := range []uint32{0o4000, 0o2000, 0o1000, 0o7000} {
		if err := file.Chmod(ctx, mode); !errors.Is(err, ErrPermission) {
			t.Errorf("Chmod(%04o) = %v, want ErrPermission", mode, err)
		}
	}

	// Mixed requests are masked.
	if err := file.Chmod(ctx, 0o4755); err != nil {
		t.Fatalf("Chmod(4755): %v", err)
	}
	attr, _ = file.Attr(ctx)
	if attr.Mode != 0o755 {
		t.Fatalf("mode after chmod = %04o, want 0755", attr.Mode)
	}

	// Read-only entries reject chmod.
	host.addFile(4, []byte("x"), nil)
	fixed, err := vt.AddUnverifiedFile("4", 4)
	if err != nil {
		t.Fatalf("AddUnverifiedFile: %v", err)
	}
	if err := fixed.Chmod(ctx, 0o600); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Chmod on read-only entry = %v, want ErrUnsupported", err)
	}
}

func TestInodeCountTracksExposedEntries(t *testing.T) {
	host := newFakeHost()
	content := patternData(100)
	digest, tree := hashtree.BuildStream(content)
	host.addFile(3, content, tree)
	host.addFile(4, []byte("x"), nil)
	host.addDir(5)

	vt := NewTree(host, Options{})
	if _, err := vt.AddVerifiedFile("3", 3, digest, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := vt.AddUnverifiedFile("4", 4); err != nil {
		t.Fatal(err)
	}
	dir, err := vt.AddWritableDir("5", 5)
	if err != nil {
		t.Fatal(err)
	}

	// Root plus three mounted entries, whatever the host holds.
	if n := vt.NumEntries(); n != 4 {
		t.Fatalf("NumEntries = %d, want 4", n)
	}

	// Entries created through the mount are counted; inodes are never
	// reused.
	ctx := context.Background()
	file, err := dir.CreateFile(ctx, "new.bin", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if n := vt.NumEntries(); n != 5 {
		t.Fatalf("NumEntries after create = %d, want 5", n)
	}
	if err := dir.Remove(ctx, "new.bin"); err != nil {
		t.Fatal(err)
	}
	again, err := dir.CreateFile(ctx, "new.bin", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if again.Ino() == file.Ino() {
		t.Fatal("inode was reused after unlink")
	}
}

func TestRootResolveAndParentLinks(t *testing.T) {
	host := newFakeHost()
	host.addFile(3, []byte("x"), nil)
	host.addDir(4)

	vt := NewTree(host, Options{})
	if _, err := vt.AddUnverifiedFile("3", 3); err != nil {
		t.Fatal(err)
	}
	dir, err := vt.AddWritableDir("4", 4)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	root := vt.Root()
	if root.Ino() != RootIno {
		t.Fatalf("root inode = %d, want %d", root.Ino(), RootIno)
	}
	if root.Parent().Ino() != RootIno {
		t.Fatal("root's parent should be itself")
	}

	entry, err := root.Resolve(ctx, "3")
	if err != nil {
		t.Fatalf("Resolve(3): %v", err)
	}
	if entry.Kind() != KindUnverifiedFile {
		t.Fatalf("kind = %v", entry.Kind())
	}
	if _, err := root.Resolve(ctx, "99"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve(99) = %v, want ErrNotFound", err)
	}

	sub, err := dir.CreateDir(ctx, "child", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Parent().Ino() != dir.Ino() {
		t.Fatal("child's parent link is wrong")
	}
	if dir.Parent().Ino() != RootIno {
		t.Fatal("mounted entry's parent should be the root")
	}

	// Reads and writes on directories are rejected by kind.
	buffer := make([]byte, 4)
	if _, err := dir.ReadAt(ctx, buffer, 0); !errors.Is(err, ErrIsDir) {
		t.Fatalf("ReadAt on dir = %v, want ErrIsDir", err)
	}
	if _, err := entry.Resolve(ctx, "x"); !errors.Is(err, ErrNotDir) {
		t.Fatalf("Resolve under file = %v, want ErrNotDir", err)
	}
}
