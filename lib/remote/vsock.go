// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// dial opens a connection to the given transport address:
//
//	vsock://<cid>:<port>   guest-to-host channel
//	unix://<path>          development and tests
//	tcp://<host>:<port>    development and tests
func dial(ctx context.Context, address string) (net.Conn, error) {
	scheme, rest, found := strings.Cut(address, "://")
	if !found {
		return nil, fmt.Errorf("transport address %q has no scheme", address)
	}

	switch scheme {
	case "vsock":
		cid, port, err := parseVsockTarget(rest)
		if err != nil {
			return nil, fmt.Errorf("transport address %q: %w", address, err)
		}
		return dialVsock(cid, port)
	case "unix":
		var dialer net.Dialer
		return dialer.DialContext(ctx, "unix", rest)
	case "tcp":
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", rest)
	default:
		return nil, fmt.Errorf("unsupported transport scheme %q", scheme)
	}
}

func parseVsockTarget(target string) (cid, port uint32, err error) {
	cidText, portText, found := strings.Cut(target, ":")
	if !found {
		return 0, 0, fmt.Errorf("vsock target %q is not <cid>:<port>", target)
	}
	cid64, err := strconv.ParseUint(cidText, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock CID %q: %w", cidText, err)
	}
	port64, err := strconv.ParseUint(portText, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock port %q: %w", portText, err)
	}
	return uint32(cid64), uint32(port64), nil
}

// dialVsock connects an AF_VSOCK stream socket to the given CID and
// port. The connected descriptor is handed to the runtime poller via
// os.NewFile, which provides deadline support.
func dialVsock(cid, port uint32) (net.Conn, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating vsock socket: %w", err)
	}

	if err := unix.Connect(fd, &unix.SockaddrVM{CID: cid, Port: port}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connecting to vsock %d:%d: %w", cid, port, err)
	}

	// Non-blocking mode lets os.File register the descriptor with the
	// runtime poller, enabling SetDeadline.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting vsock socket non-blocking: %w", err)
	}

	file := os.NewFile(uintptr(fd), fmt.Sprintf("vsock:%d:%d", cid, port))
	return &vsockConn{file: file, cid: cid, port: port}, nil
}

// vsockConn adapts an AF_VSOCK descriptor to net.Conn.
type vsockConn struct {
	file *os.File
	cid  uint32
	port uint32
}

var _ net.Conn = (*vsockConn)(nil)

func (c *vsockConn) Read(p []byte) (int, error)  { return c.file.Read(p) }
func (c *vsockConn) Write(p []byte) (int, error) { return c.file.Write(p) }
func (c *vsockConn) Close() error                { return c.file.Close() }

func (c *vsockConn) LocalAddr() net.Addr  { return vsockAddr{} }
func (c *vsockConn) RemoteAddr() net.Addr { return vsockAddr{cid: c.cid, port: c.port} }

func (c *vsockConn) SetDeadline(t time.Time) error      { return c.file.SetDeadline(t) }
func (c *vsockConn) SetReadDeadline(t time.Time) error  { return c.file.SetReadDeadline(t) }
func (c *vsockConn) SetWriteDeadline(t time.Time) error { return c.file.SetWriteDeadline(t) }

type vsockAddr struct {
	cid  uint32
	port uint32
}

func (a vsockAddr) Network() string { return "vsock" }
func (a vsockAddr) String() string  { return fmt.Sprintf("%d:%d", a.cid, a.port) }

// VsockAddress formats a vsock transport address for the given machine
// identifier (CID) and port.
func VsockAddress(cid, port uint32) string {
	return fmt.Sprintf("vsock://%d:%d", cid, port)
}
