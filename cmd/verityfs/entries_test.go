// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"
	"testing"

	"github.com/verityfs/verityfs/lib/hashtree"
)

const testDigest = "c06b47b8a8b7b8735b4e7e3d2a3e9d3b7f1a2c4d5e6f708192a3b4c5d6e7f809"

func TestParseVerifiedFile(t *testing.T) {
	spec, err := parseVerifiedFile("3:" + testDigest + ":9462784")
	if err != nil {
		t.Fatalf("parseVerifiedFile: %v", err)
	}
	if spec.fd != 3 || spec.size != 9462784 {
		t.Fatalf("fd/size = %d/%d", spec.fd, spec.size)
	}
	if hashtree.FormatDigest(spec.digest) != testDigest {
		t.Fatal("digest round trip failed")
	}
	if spec.name() != "3" {
		t.Fatalf("name = %q, want 3", spec.name())
	}

	for _, bad := range []string{
		"",
		"3",
		"3:" + testDigest,
		"x:" + testDigest + ":100",
		"3:nothex:100",
		"3:" + testDigest + ":-1",
		"3:abcd:100",
	} {
		if _, err := parseVerifiedFile(bad); err == nil {
			t.Errorf("parseVerifiedFile(%q) accepted", bad)
		}
	}
}

func TestParseSimpleFD(t *testing.T) {
	spec, err := parseSimpleFD(entryWritableFile, "4")
	if err != nil {
		t.Fatalf("parseSimpleFD: %v", err)
	}
	if spec.fd != 4 || spec.kind != entryWritableFile || spec.name() != "4" {
		t.Fatalf("spec = %+v", spec)
	}
	if _, err := parseSimpleFD(entryWritableFile, "-1"); err == nil {
		t.Error("negative descriptor accepted")
	}
	if _, err := parseSimpleFD(entryWritableFile, "abc"); err == nil {
		t.Error("non-numeric descriptor accepted")
	}
}

func TestParseReadonlyDir(t *testing.T) {
	spec, err := parseReadonlyDir("3:/data/manifest.yaml:system")
	if err != nil {
		t.Fatalf("parseReadonlyDir: %v", err)
	}
	if spec.fd != 3 || spec.manifestPath != "/data/manifest.yaml" || spec.prefix != "system" {
		t.Fatalf("spec = %+v", spec)
	}
	if spec.name() != "system" {
		t.Fatalf("name = %q, want system", spec.name())
	}

	// A manifest path containing colons still parses.
	spec, err = parseReadonlyDir("5:/tmp/x:1/manifest.yaml:dir")
	if err != nil {
		t.Fatalf("parseReadonlyDir with colon path: %v", err)
	}
	if spec.manifestPath != "/tmp/x:1/manifest.yaml" || spec.prefix != "dir" {
		t.Fatalf("spec = %+v", spec)
	}

	// An empty prefix falls back to the descriptor number.
	spec, err = parseReadonlyDir("7:/m.yaml:")
	if err != nil {
		t.Fatalf("parseReadonlyDir with empty prefix: %v", err)
	}
	if spec.name() != "7" {
		t.Fatalf("name = %q, want 7", spec.name())
	}

	for _, bad := range []string{"", "3", "3:/m.yaml", "x:/m.yaml:p", "3::p", "3:/m.yaml:a/b"} {
		if _, err := parseReadonlyDir(bad); err == nil {
			t.Errorf("parseReadonlyDir(%q) accepted", bad)
		}
	}
}

func TestParseEntrySpecsRejectsDuplicateNames(t *testing.T) {
	_, err := parseEntrySpecs(nil, []string{"3"}, []string{"3"}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("duplicate names accepted: %v", err)
	}

	specs, err := parseEntrySpecs(nil, []string{"3"}, []string{"4"}, nil, []string{"5"})
	if err != nil {
		t.Fatalf("parseEntrySpecs: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("len(specs) = %d, want 3", len(specs))
	}
}
