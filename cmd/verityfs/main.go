// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

// verityfs mounts a verified filesystem over files that live on an
// untrusted host, reached through a host helper speaking the remote
// descriptor protocol (typically over vsock from inside a confidential
// VM). Every read of a verified file is checked against its pinned
// Merkle root; writable files carry a locally built tree so later
// reads detect host-side tampering of written data.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/verityfs/verityfs/lib/remote"
	"github.com/verityfs/verityfs/lib/version"
	"github.com/verityfs/verityfs/lib/vfs"
	"github.com/verityfs/verityfs/lib/vfs/fuse"
)

// defaultPort is the host helper's conventional vsock port.
const defaultPort = 3264

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Handle --version before anything else.
	for _, argument := range os.Args[1:] {
		if argument == "--version" {
			fmt.Printf("verityfs %s\n", version.Info())
			return nil
		}
	}

	var (
		mountpoint string
		cid        uint32
		port       uint32
		addr       string
		allowOther bool
		verbose    bool

		verifiedFiles   []string
		unverifiedFiles []string
		writableFiles   []string
		readonlyDirs    []string
		writableDirs    []string

		retryAttempts int
		retryDelay    time.Duration
		retryBackoff  float64
	)

	flags := pflag.NewFlagSet("verityfs", pflag.ContinueOnError)
	flags.StringVar(&mountpoint, "mountpoint", "", "directory to mount the filesystem on (required)")
	flags.Uint32Var(&cid, "cid", 0, "host machine identifier (vsock CID)")
	flags.Uint32Var(&port, "port", defaultPort, "host helper vsock port")
	flags.StringVar(&addr, "addr", "", "explicit helper address (unix://PATH or tcp://HOST:PORT); overrides --cid/--port")
	flags.BoolVar(&allowOther, "allow-other", false, "permit other users to access the mount")
	flags.BoolVar(&verbose, "verbose", false, "debug-level logging")

	flags.StringArrayVar(&verifiedFiles, "remote-ro-file", nil, "verified read-only file as FD:HEXDIGEST:SIZE (repeatable)")
	flags.StringArrayVar(&unverifiedFiles, "remote-ro-file-unverified", nil, "unverified read-only file as FD (repeatable)")
	flags.StringArrayVar(&writableFiles, "remote-new-rw-file", nil, "new read-write file as FD (repeatable)")
	flags.StringArrayVar(&readonlyDirs, "remote-ro-dir", nil, "read-only directory as FD:MANIFEST:PREFIX (repeatable)")
	flags.StringArrayVar(&writableDirs, "remote-new-rw-dir", nil, "new read-write directory as FD (repeatable)")

	flags.IntVar(&retryAttempts, "retry-attempts", remote.DefaultRetry.Attempts, "connection attempts before giving up")
	flags.DurationVar(&retryDelay, "retry-delay", remote.DefaultRetry.Delay, "delay after the first failed connection attempt")
	flags.Float64Var(&retryBackoff, "retry-backoff", remote.DefaultRetry.BackoffFactor, "delay multiplier between connection attempts")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if args := flags.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if mountpoint == "" {
		return fmt.Errorf("--mountpoint is required")
	}

	if addr == "" {
		if cid == 0 {
			return fmt.Errorf("either --addr or --cid is required")
		}
		addr = remote.VsockAddress(cid, port)
	}

	specs, err := parseEntrySpecs(verifiedFiles, unverifiedFiles, writableFiles, readonlyDirs, writableDirs)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("no entries to mount; pass at least one --remote-* flag")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The helper may start after us; keep trying until it listens.
	client, err := remote.Dial(ctx, remote.Config{
		Address: addr,
		Retry: remote.RetryConfig{
			Attempts:      retryAttempts,
			Delay:         retryDelay,
			BackoffFactor: retryBackoff,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	logger.Info("connected to host helper", "address", addr)

	tree, err := buildTree(client, vfs.Options{Logger: logger}, specs)
	if err != nil {
		return err
	}

	server, err := fuse.Mount(fuse.Options{
		Mountpoint: mountpoint,
		Tree:       tree,
		AllowOther: allowOther,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Info("unmounting", "mountpoint", mountpoint)
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	server.Wait()
	return nil
}

// parseEntrySpecs parses the per-kind flag lists into one ordered
// entry list and rejects duplicate mount names.
func parseEntrySpecs(verified, unverified, writable, readonlyDirs, writableDirs []string) ([]entrySpec, error) {
	var specs []entrySpec
	for _, arg := range verified {
		spec, err := parseVerifiedFile(arg)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	for _, arg := range unverified {
		spec, err := parseSimpleFD(entryUnverifiedFile, arg)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	for _, arg := range writable {
		spec, err := parseSimpleFD(entryWritableFile, arg)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	for _, arg := range readonlyDirs {
		spec, err := parseReadonlyDir(arg)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	for _, arg := range writableDirs {
		spec, err := parseSimpleFD(entryWritableDir, arg)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	seen := make(map[string]bool)
	for _, spec := range specs {
		name := spec.name()
		if seen[name] {
			return nil, fmt.Errorf("duplicate mount entry name %q", name)
		}
		seen[name] = true
	}
	return specs, nil
}
