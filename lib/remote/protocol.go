// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package remote

// FD identifies a remote file or directory descriptor. The initial
// descriptors are small integers agreed out of band at startup (the
// host helper is launched with a set of pre-opened descriptors); the
// create and open_at operations mint new ones.
type FD int32

// Protocol operation names. The request's op field selects the
// handler; unknown ops receive an error response.
const (
	opReadFile   = "read_file"
	opReadTree   = "read_tree"
	opWriteFile  = "write_file"
	opResize     = "resize"
	opFileSize   = "file_size"
	opOpenAt     = "open_at"
	opCreateFile = "create_file"
	opCreateDir  = "create_dir"
	opDeleteFile = "delete_file"
	opDeleteDir  = "delete_dir"
	opChmod      = "chmod"
)

// request is the wire envelope for every protocol request. Fields
// beyond op, seq and fd are op-specific; unused fields are omitted
// from the encoding.
type request struct {
	Op     string `cbor:"op"`
	Seq    uint64 `cbor:"seq"`
	FD     FD     `cbor:"fd"`
	Offset int64  `cbor:"offset,omitempty"`
	Size   int64  `cbor:"size,omitempty"`
	Data   []byte `cbor:"data,omitempty"`
	Name   string `cbor:"name,omitempty"`
	Path   string `cbor:"path,omitempty"`
	Mode   uint32 `cbor:"mode,omitempty"`
}

// response is the wire envelope for every protocol response. Seq
// echoes the request's sequence number so the client can detect a
// desynchronized connection.
type response struct {
	Seq     uint64 `cbor:"seq"`
	OK      bool   `cbor:"ok"`
	Error   string `cbor:"error,omitempty"`
	Data    []byte `cbor:"data,omitempty"`
	Size    int64  `cbor:"size,omitempty"`
	FD      FD     `cbor:"new_fd,omitempty"`
	Written int64  `cbor:"written,omitempty"`
}

// maxMessageSize bounds a single CBOR request or response. The largest
// legitimate payload is a handful of 4096-byte blocks plus envelope
// overhead; 1 MiB leaves generous headroom while preventing a
// malicious peer from exhausting memory.
const maxMessageSize = 1024 * 1024
