// Copyright 2026 The VerityFS Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/verityfs/verityfs/lib/codec"
)

// CallError is returned when the host helper answers a request with an
// error response. It carries the failed operation and the helper's
// message. Transport and encoding failures are returned as plain
// errors, not CallError.
type CallError struct {
	Op      string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("remote %s failed: %s", e.Op, e.Message)
}

// ErrConnectionBroken is returned by every call after a transport
// failure desynchronized the connection. The mount surfaces this as an
// I/O error on the affected operations rather than terminating.
var ErrConnectionBroken = errors.New("remote connection broken")

// RetryConfig controls how Dial retries the initial connection. The
// host helper may start after the guest, so connecting is expected to
// fail for a while; none of these numbers is a protocol contract.
type RetryConfig struct {
	// Attempts is the total number of connection attempts.
	Attempts int

	// Delay is the wait after the first failed attempt.
	Delay time.Duration

	// BackoffFactor multiplies the delay after each attempt.
	BackoffFactor float64
}

// DefaultRetry is the retry policy used when Config.Retry is zero.
var DefaultRetry = RetryConfig{
	Attempts:      10,
	Delay:         100 * time.Millisecond,
	BackoffFactor: 2.0,
}

// Config configures a client connection.
type Config struct {
	// Address of the host helper: vsock://<cid>:<port>,
	// unix://<path>, or tcp://<host:port>.
	Address string

	// Retry is the connect retry policy. Zero value means
	// DefaultRetry.
	Retry RetryConfig

	// CallTimeout bounds a single request/response exchange when the
	// caller's context carries no deadline. Zero means 30 seconds.
	CallTimeout time.Duration

	// Logger receives diagnostic messages. If nil, a default stderr
	// logger at error level is used.
	Logger *slog.Logger
}

// Client is a synchronous host-helper protocol client over one
// persistent connection. Calls are serialized on the connection: a
// request is written and its response fully read before the next call
// proceeds. Client is safe for concurrent use.
type Client struct {
	address     string
	callTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	limiter *messageLimiter
	encoder *codec.Encoder
	decoder *codec.Decoder
	seq     uint64
	broken  bool
}

// messageLimiter caps how many bytes a single decoded message may
// consume. Unlike io.LimitReader, the budget is reset for every
// message, so one oversized value fails the exchange without capping
// the connection's lifetime throughput.
type messageLimiter struct {
	reader    io.Reader
	remaining int64
}

func (l *messageLimiter) reset() {
	l.remaining = maxMessageSize
}

func (l *messageLimiter) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, fmt.Errorf("message exceeds %d bytes", int64(maxMessageSize))
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.reader.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// Dial connects to the host helper, retrying per the config's retry
// policy until the helper accepts or the attempts are exhausted.
func Dial(ctx context.Context, config Config) (*Client, error) {
	retry := config.Retry
	if retry == (RetryConfig{}) {
		retry = DefaultRetry
	}
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	callTimeout := config.CallTimeout
	if callTimeout == 0 {
		callTimeout = 30 * time.Second
	}

	var lastErr error
	delay := retry.Delay
	for attempt := 0; attempt < retry.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * retry.BackoffFactor)
		}

		conn, err := dial(ctx, config.Address)
		if err == nil {
			logger.Debug("connected to host helper", "address", config.Address, "attempt", attempt+1)
			limiter := &messageLimiter{reader: conn}
			return &Client{
				address:     config.Address,
				callTimeout: callTimeout,
				logger:      logger,
				conn:        conn,
				limiter:     limiter,
				encoder:     codec.NewEncoder(conn),
				decoder:     codec.NewDecoder(limiter),
			}, nil
		}
		lastErr = err
		logger.Debug("host helper not ready", "address", config.Address, "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("connecting to host helper at %s after %d attempts: %w",
		config.Address, retry.Attempts, lastErr)
}

// Close closes the connection. In-flight calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// call performs one serialized request/response exchange.
func (c *Client) call(ctx context.Context, req request) (*response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return nil, fmt.Errorf("%s on %s: %w", req.Op, c.address, ErrConnectionBroken)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.callTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%s: setting deadline: %w", req.Op, err)
	}

	c.seq++
	req.Seq = c.seq

	if err := c.encoder.Encode(req); err != nil {
		c.broken = true
		return nil, fmt.Errorf("%s: sending request: %w", req.Op, err)
	}

	c.limiter.reset()
	var resp response
	if err := c.decoder.Decode(&resp); err != nil {
		// A partially read response leaves the stream in an unknown
		// state; no further exchange on this connection can be
		// trusted to line up.
		c.broken = true
		return nil, fmt.Errorf("%s: reading response: %w", req.Op, err)
	}

	if resp.Seq != req.Seq {
		c.broken = true
		return nil, fmt.Errorf("%s: response sequence %d does not match request %d: %w",
			req.Op, resp.Seq, req.Seq, ErrConnectionBroken)
	}

	if !resp.OK {
		return nil, &CallError{Op: req.Op, Message: resp.Error}
	}
	return &resp, nil
}

// ReadFile reads up to size bytes of file content at offset. A short
// result indicates end of file. The returned bytes are untrusted.
func (c *Client) ReadFile(ctx context.Context, fd FD, offset int64, size int) ([]byte, error) {
	resp, err := c.call(ctx, request{Op: opReadFile, FD: fd, Offset: offset, Size: int64(size)})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ReadTree reads up to size bytes of a verified file's Merkle tree
// stream at offset. The returned bytes are untrusted.
func (c *Client) ReadTree(ctx context.Context, fd FD, offset int64, size int) ([]byte, error) {
	resp, err := c.call(ctx, request{Op: opReadTree, FD: fd, Offset: offset, Size: int64(size)})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// WriteFile writes data at offset and returns the number of bytes the
// helper reports as written.
func (c *Client) WriteFile(ctx context.Context, fd FD, offset int64, data []byte) (int64, error) {
	resp, err := c.call(ctx, request{Op: opWriteFile, FD: fd, Offset: offset, Data: data})
	if err != nil {
		return 0, err
	}
	return resp.Written, nil
}

// Resize truncates or extends the remote file to size bytes.
func (c *Client) Resize(ctx context.Context, fd FD, size int64) error {
	_, err := c.call(ctx, request{Op: opResize, FD: fd, Size: size})
	return err
}

// FileSize queries the current size of the remote file.
func (c *Client) FileSize(ctx context.Context, fd FD) (int64, error) {
	resp, err := c.call(ctx, request{Op: opFileSize, FD: fd})
	if err != nil {
		return 0, err
	}
	return resp.Size, nil
}

// OpenAt opens the file at a relative path beneath a directory
// descriptor, read-only, and returns its new descriptor.
func (c *Client) OpenAt(ctx context.Context, dir FD, path string) (FD, error) {
	resp, err := c.call(ctx, request{Op: opOpenAt, FD: dir, Path: path})
	if err != nil {
		return 0, err
	}
	return resp.FD, nil
}

// CreateFile creates an empty read-write file beneath a directory
// descriptor and returns its new descriptor.
func (c *Client) CreateFile(ctx context.Context, dir FD, name string, mode uint32) (FD, error) {
	resp, err := c.call(ctx, request{Op: opCreateFile, FD: dir, Name: name, Mode: mode})
	if err != nil {
		return 0, err
	}
	return resp.FD, nil
}

// CreateDir creates a directory beneath a directory descriptor and
// returns its new descriptor.
func (c *Client) CreateDir(ctx context.Context, dir FD, name string, mode uint32) (FD, error) {
	resp, err := c.call(ctx, request{Op: opCreateDir, FD: dir, Name: name, Mode: mode})
	if err != nil {
		return 0, err
	}
	return resp.FD, nil
}

// DeleteFile removes the named file beneath a directory descriptor.
// The descriptor of an already-open file stays usable until released.
func (c *Client) DeleteFile(ctx context.Context, dir FD, name string) error {
	_, err := c.call(ctx, request{Op: opDeleteFile, FD: dir, Name: name})
	return err
}

// DeleteDir removes the named directory beneath a directory
// descriptor.
func (c *Client) DeleteDir(ctx context.Context, dir FD, name string) error {
	_, err := c.call(ctx, request{Op: opDeleteDir, FD: dir, Name: name})
	return err
}

// Chmod changes the permission bits of a remote file or directory.
func (c *Client) Chmod(ctx context.Context, fd FD, mode uint32) error {
	_, err := c.call(ctx, request{Op: opChmod, FD: fd, Mode: mode})
	return err
}
