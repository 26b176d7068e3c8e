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
	"strings"
	"sync"

	"github.com/verityfs/verityfs/lib/codec"
)

// Backend answers protocol requests against a set of descriptors. The
// FileBackend in this package serves local files for development and
// tests; a production host helper implements the same interface over
// descriptors it received at startup.
type Backend interface {
	ReadFile(fd FD, offset int64, size int) ([]byte, error)
	ReadTree(fd FD, offset int64, size int) ([]byte, error)
	WriteFile(fd FD, offset int64, data []byte) (int64, error)
	Resize(fd FD, size int64) error
	FileSize(fd FD) (int64, error)
	OpenAt(dir FD, path string) (FD, error)
	CreateFile(dir FD, name string, mode uint32) (FD, error)
	CreateDir(dir FD, name string, mode uint32) (FD, error)
	DeleteFile(dir FD, name string) error
	DeleteDir(dir FD, name string) error
	Chmod(fd FD, mode uint32) error
}

// Server accepts protocol connections and dispatches requests to a
// Backend. Each connection carries a sequence of request/response
// exchanges; requests on one connection are handled in order.
type Server struct {
	listener net.Listener
	backend  Backend
	logger   *slog.Logger

	// activeConnections tracks in-flight connection handlers for
	// graceful shutdown. Serve waits for all of them before
	// returning.
	activeConnections sync.WaitGroup
}

// Listen creates a protocol server on the given transport address
// (unix://<path> or tcp://<host:port>). A stale unix socket file at
// the path is removed first.
func Listen(address string, backend Backend, logger *slog.Logger) (*Server, error) {
	scheme, rest, found := strings.Cut(address, "://")
	if !found {
		return nil, fmt.Errorf("listen address %q has no scheme", address)
	}

	var listener net.Listener
	var err error
	switch scheme {
	case "unix":
		if err := os.Remove(rest); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket %s: %w", rest, err)
		}
		listener, err = net.Listen("unix", rest)
	case "tcp":
		listener, err = net.Listen("tcp", rest)
	default:
		return nil, fmt.Errorf("unsupported listen scheme %q", scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	return &Server{listener: listener, backend: backend, logger: logger}, nil
}

// Addr returns the listener's address (useful when listening on
// tcp://127.0.0.1:0 in tests).
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener and waits for active connection handlers to finish.
func (s *Server) Serve(ctx context.Context) error {
	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	s.logger.Info("host helper listening", "address", s.listener.Addr())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// handleConnection decodes requests and writes responses until the
// peer disconnects or the context ends.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	limiter := &messageLimiter{reader: conn}
	decoder := codec.NewDecoder(limiter)
	encoder := codec.NewEncoder(conn)

	for ctx.Err() == nil {
		limiter.reset()
		var req request
		if err := decoder.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("dropping connection", "error", err)
			}
			return
		}

		resp := s.dispatch(req)
		resp.Seq = req.Seq
		if err := encoder.Encode(resp); err != nil {
			s.logger.Debug("writing response failed", "op", req.Op, "error", err)
			return
		}
	}
}

// dispatch routes one request to the backend.
func (s *Server) dispatch(req request) response {
	fail := func(err error) response {
		s.logger.Debug("request failed", "op", req.Op, "fd", req.FD, "error", err)
		return response{OK: false, Error: err.Error()}
	}

	switch req.Op {
	case opReadFile:
		data, err := s.backend.ReadFile(req.FD, req.Offset, int(req.Size))
		if err != nil {
			return fail(err)
		}
		return response{OK: true, Data: data}
	case opReadTree:
		data, err := s.backend.ReadTree(req.FD, req.Offset, int(req.Size))
		if err != nil {
			return fail(err)
		}
		return response{OK: true, Data: data}
	case opWriteFile:
		written, err := s.backend.WriteFile(req.FD, req.Offset, req.Data)
		if err != nil {
			return fail(err)
		}
		return response{OK: true, Written: written}
	case opResize:
		if err := s.backend.Resize(req.FD, req.Size); err != nil {
			return fail(err)
		}
		return response{OK: true}
	case opFileSize:
		size, err := s.backend.FileSize(req.FD)
		if err != nil {
			return fail(err)
		}
		return response{OK: true, Size: size}
	case opOpenAt:
		fd, err := s.backend.OpenAt(req.FD, req.Path)
		if err != nil {
			return fail(err)
		}
		return response{OK: true, FD: fd}
	case opCreateFile:
		fd, err := s.backend.CreateFile(req.FD, req.Name, req.Mode)
		if err != nil {
			return fail(err)
		}
		return response{OK: true, FD: fd}
	case opCreateDir:
		fd, err := s.backend.CreateDir(req.FD, req.Name, req.Mode)
		if err != nil {
			return fail(err)
		}
		return response{OK: true, FD: fd}
	case opDeleteFile:
		if err := s.backend.DeleteFile(req.FD, req.Name); err != nil {
			return fail(err)
		}
		return response{OK: true}
	case opDeleteDir:
		if err := s.backend.DeleteDir(req.FD, req.Name); err != nil {
			return fail(err)
		}
		return response{OK: true}
	case opChmod:
		if err := s.backend.Chmod(req.FD, req.Mode); err != nil {
			return fail(err)
		}
		return response{OK: true}
	default:
		return fail(fmt.Errorf("unknown op %q", req.Op))
	}
}
