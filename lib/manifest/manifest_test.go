// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/verityfs/verityfs/lib/hashtree"
)

const testDigest = "0000000000000000000000000000000000000000000000000000000000000000"

func validManifest() string {
	return `version: 1
entries:
  - path: bin/app
    digest: ` + testDigest + `
    size: 8192
  - path: lib/data.bin
    digest: ` + testDigest + `
    size: 100
  - path: lib/sub/deep.txt
    digest: ` + testDigest + `
    size: 0
  - path: top.txt
    digest: ` + testDigest + `
    size: 7
  - path: lib/unverified.log
`
}

func TestParseAndLookup(t *testing.T) {
	m, err := Parse([]byte(validManifest()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	entry := m.Lookup("lib/data.bin")
	if entry == nil {
		t.Fatal("Lookup(lib/data.bin) = nil")
	}
	if entry.Size != 100 {
		t.Errorf("Size = %d, want 100", entry.Size)
	}
	if entry.Root() != (hashtree.Digest{}) {
		t.Error("Root() should decode the all-zero test digest")
	}

	if m.Lookup("lib") != nil {
		t.Error("Lookup(lib) should be nil; directories are not entries")
	}
	if unverified := m.Lookup("lib/unverified.log"); unverified == nil || unverified.Verified() {
		t.Error("lib/unverified.log should resolve as an unverified entry")
	}
	if !entry.Verified() {
		t.Error("lib/data.bin should be a verified entry")
	}
	if m.Lookup("absent.txt") != nil {
		t.Error("Lookup(absent.txt) should be nil")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte(validManifest()), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Entries) != 5 {
		t.Fatalf("len(Entries) = %d, want 5", len(m.Entries))
	}
}

func TestRejectsBadManifests(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{
			name: "wrong version",
			text: "version: 2\nentries: []\n",
			want: "version",
		},
		{
			name: "absolute path",
			text: "version: 1\nentries:\n  - {path: /etc/passwd, digest: " + testDigest + ", size: 1}\n",
			want: "absolute",
		},
		{
			name: "parent escape",
			text: "version: 1\nentries:\n  - {path: ../up, digest: " + testDigest + ", size: 1}\n",
			want: "escapes",
		},
		{
			name: "non canonical path",
			text: "version: 1\nentries:\n  - {path: a//b, digest: " + testDigest + ", size: 1}\n",
			want: "canonical",
		},
		{
			name: "duplicate path",
			text: "version: 1\nentries:\n" +
				"  - {path: a, digest: " + testDigest + ", size: 1}\n" +
				"  - {path: a, digest: " + testDigest + ", size: 2}\n",
			want: "duplicate",
		},
		{
			name: "short digest",
			text: "version: 1\nentries:\n  - {path: a, digest: abcd, size: 1}\n",
			want: "digest",
		},
		{
			name: "negative size",
			text: "version: 1\nentries:\n  - {path: a, digest: " + testDigest + ", size: -1}\n",
			want: "negative",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.text))
			if err == nil {
				t.Fatal("Parse accepted an invalid manifest")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestList(t *testing.T) {
	m, err := Parse([]byte(validManifest()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	root := m.List("")
	want := []DirEntry{
		{Name: "bin", IsDir: true},
		{Name: "lib", IsDir: true},
		{Name: "top.txt", IsDir: false},
	}
	if len(root) != len(want) {
		t.Fatalf("List(\"\") = %v, want %v", root, want)
	}
	for i := range want {
		if root[i] != want[i] {
			t.Errorf("List(\"\")[%d] = %v, want %v", i, root[i], want[i])
		}
	}

	lib := m.List("lib")
	if len(lib) != 3 || lib[0].Name != "data.bin" || lib[0].IsDir ||
		lib[1].Name != "sub" || !lib[1].IsDir ||
		lib[2].Name != "unverified.log" || lib[2].IsDir {
		t.Errorf("List(lib) = %v", lib)
	}

	if entries := m.List("absent"); len(entries) != 0 {
		t.Errorf("List(absent) = %v, want empty", entries)
	}
}

func TestHasDir(t *testing.T) {
	m, err := Parse([]byte(validManifest()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for dir, want := range map[string]bool{
		"":        true,
		"lib":     true,
		"lib/sub": true,
		"bin":     true,
		"absent":  false,
		"top.txt": false,
	} {
		if got := m.HasDir(dir); got != want {
			t.Errorf("HasDir(%q) = %v, want %v", dir, got, want)
		}
	}
}
