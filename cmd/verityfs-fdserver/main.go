// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

// verityfs-fdserver is a development and test host helper. It opens
// local files and directories under caller-chosen descriptor numbers
// and serves the remote descriptor protocol over a unix or tcp
// listener, computing Merkle tree streams for files that should be
// served verified. It is not part of the trusted core; it exists so a
// verityfs mount can be exercised end to end without a real host.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/verityfs/verityfs/lib/hashtree"
	"github.com/verityfs/verityfs/lib/remote"
	"github.com/verityfs/verityfs/lib/version"
)

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
			fmt.Printf("verityfs-fdserver %s\n", version.Info())
			return nil
		}
	}

	var (
		listen  string
		verbose bool

		roFiles   []string
		rwFiles   []string
		roDirs    []string
		rwDirs    []string
		treeSpecs []string
	)

	flags := pflag.NewFlagSet("verityfs-fdserver", pflag.ContinueOnError)
	flags.StringVar(&listen, "listen", "", "listen address (unix://PATH or tcp://HOST:PORT, required)")
	flags.BoolVar(&verbose, "verbose", false, "debug-level logging")
	flags.StringArrayVar(&roFiles, "open-ro", nil, "read-only file as FD:PATH (repeatable)")
	flags.StringArrayVar(&rwFiles, "open-rw", nil, "read-write file as FD:PATH, created if absent (repeatable)")
	flags.StringArrayVar(&roDirs, "open-dir-ro", nil, "read-only directory as FD:PATH (repeatable)")
	flags.StringArrayVar(&rwDirs, "open-dir-rw", nil, "read-write directory as FD:PATH (repeatable)")
	flags.StringArrayVar(&treeSpecs, "tree", nil, "serve a Merkle tree for a read-only file, as FD (repeatable; the tree is computed from the file's current content)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if args := flags.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if listen == "" {
		return fmt.Errorf("--listen is required")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	withTree := make(map[remote.FD]bool)
	for _, arg := range treeSpecs {
		fd, err := parseFD(arg)
		if err != nil {
			return fmt.Errorf("--tree: %w", err)
		}
		withTree[fd] = true
	}

	backend := remote.NewFileBackend()
	defer backend.Close()

	register := func(specs []string, writable bool) error {
		for _, arg := range specs {
			fd, path, err := parseFDPath(arg)
			if err != nil {
				return err
			}
			var tree []byte
			if withTree[fd] {
				if writable {
					return fmt.Errorf("descriptor %d: --tree applies to read-only files", fd)
				}
				content, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading %s for tree: %w", path, err)
				}
				root, stream := hashtree.BuildStream(content)
				tree = stream
				logger.Info("serving verified file",
					"fd", fd, "path", path,
					"digest", hashtree.FormatDigest(root),
					"size", len(content))
			}
			if err := backend.OpenFile(fd, path, writable, tree); err != nil {
				return err
			}
			logger.Debug("opened file", "fd", fd, "path", path, "writable", writable)
		}
		return nil
	}
	registerDirs := func(specs []string, writable bool) error {
		for _, arg := range specs {
			fd, path, err := parseFDPath(arg)
			if err != nil {
				return err
			}
			if err := backend.OpenDir(fd, path, writable); err != nil {
				return err
			}
			logger.Debug("opened directory", "fd", fd, "path", path, "writable", writable)
		}
		return nil
	}

	if err := register(roFiles, false); err != nil {
		return err
	}
	if err := register(rwFiles, true); err != nil {
		return err
	}
	if err := registerDirs(roDirs, false); err != nil {
		return err
	}
	if err := registerDirs(rwDirs, true); err != nil {
		return err
	}

	server, err := remote.Listen(listen, backend, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return server.Serve(ctx)
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

// parseFDPath parses FD:PATH; the path may contain colons.
func parseFDPath(arg string) (remote.FD, string, error) {
	head, path, found := strings.Cut(arg, ":")
	if !found || path == "" {
		return 0, "", fmt.Errorf("%q: want FD:PATH", arg)
	}
	fd, err := parseFD(head)
	if err != nil {
		return 0, "", err
	}
	return fd, path, nil
}
