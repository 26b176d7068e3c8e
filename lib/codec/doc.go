// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides verityfs's standard CBOR encoding configuration.
//
// The guest talks to the untrusted host helper over a byte-stream
// connection carrying CBOR request and response values. Everything on
// that wire is encoded through this package so that every component
// encodes identically without duplicating configuration. The encoder
// uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. Same logical
// data always produces identical bytes.
//
// CBOR values are self-delimiting, so the wire protocol needs no
// additional framing: a decoder reading from the connection consumes
// exactly one request or response at a time.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the transport connection):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
package codec
