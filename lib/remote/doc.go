// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote implements the client side of the host-helper
// protocol: synchronous read/write/attribute/create/delete requests
// against pre-opened remote descriptors, carried as CBOR values over a
// single byte-stream connection.
//
// The host side of this protocol owns the real file descriptors and
// lives outside the guest's trust boundary. Nothing the host returns
// is trusted: callers layer integrity verification (lib/hashtree) on
// top of the raw bytes this package moves.
//
// The same package provides the protocol server and a local-directory
// backend. These exist for development and testing (cmd/verityfs-
// fdserver and the filesystem test suites); a production host helper
// is a separate program that speaks the same protocol.
//
// Transports are addressed by URL: vsock://<cid>:<port> for the
// guest-to-host channel, unix://<path> and tcp://<host:port> for
// development and tests. The host helper may start after the guest, so
// Dial retries the connection with configurable backoff before giving
// up.
package remote
