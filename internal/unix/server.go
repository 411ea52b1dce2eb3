// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-hsm.
//
// go-hsm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package unix serves the daemon's HTTP API on a Unix domain socket for
// local IPC.
package unix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jeremyhahn/go-hsm/pkg/logging"
	"github.com/jeremyhahn/go-hsm/pkg/metrics"
)

// DefaultSocketPath is the default path for the Unix socket
const DefaultSocketPath = "/var/run/hsm/hsm.sock"

// Config holds the Unix socket server configuration
type Config struct {
	// SocketPath is the path to the Unix socket file
	SocketPath string

	// Handler serves every request, normally the REST router
	Handler http.Handler

	// Logger is the logger (default: logging.DefaultLogger)
	Logger *logging.Logger

	// SocketMode is the file mode for the socket (default: 0660)
	SocketMode os.FileMode

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration
}

// Server represents the Unix domain socket server
type Server struct {
	config   *Config
	server   *http.Server
	listener net.Listener
	logger   *logging.Logger
	mu       sync.RWMutex
	stopped  bool
	ready    chan struct{}
}

// NewServer creates a new Unix socket server
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = 0660
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}
	return &Server{
		config: cfg,
		logger: cfg.Logger,
		ready:  make(chan struct{}),
	}, nil
}

// Start creates the socket and serves until Stop is called.
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.config.SocketPath)
	if err := os.MkdirAll(socketDir, 0750); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket listener: %w", err)
	}
	if err := os.Chmod(s.config.SocketPath, s.config.SocketMode); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.config.Handler,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       120 * time.Second,
		ConnState:         trackConnections,
	}
	srv := s.server
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("Starting Unix socket server", "socket", s.config.SocketPath)
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("unix socket server error: %w", err)
	}
	return nil
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop gracefully stops the server and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Errorf("Error shutting down Unix socket server: %v", err)
			return err
		}
	}
	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove socket file", "error", err)
	}
	s.logger.Info("Unix socket server stopped")
	return nil
}

// SocketPath returns the path to the Unix socket
func (s *Server) SocketPath() string {
	return s.config.SocketPath
}

func trackConnections(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		metrics.IncrementActiveConnections("unix")
	case http.StateClosed, http.StateHijacked:
		metrics.DecrementActiveConnections("unix")
	}
}
