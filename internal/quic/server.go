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

// Package quic serves the daemon's HTTP API over HTTP/3.
package quic

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go/http3"

	"github.com/jeremyhahn/go-hsm/pkg/logging"
)

// DefaultAddr is the default UDP listen address.
const DefaultAddr = "127.0.0.1:8481"

// Config holds the QUIC server configuration
type Config struct {
	// Addr is the UDP listen address (default: 127.0.0.1:8481)
	Addr string

	// TLSConfig must carry at least one certificate
	TLSConfig *tls.Config

	// Handler serves every request, normally the REST router
	Handler http.Handler

	// Logger is the logger (default: logging.DefaultLogger)
	Logger *logging.Logger
}

// Server represents a QUIC/HTTP3 server
type Server struct {
	config *Config
	logger *logging.Logger

	mu     sync.Mutex
	server *http3.Server
	conn   net.PacketConn
	wg     sync.WaitGroup
}

// NewServer creates a new QUIC/HTTP3 server
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.TLSConfig == nil || len(cfg.TLSConfig.Certificates) == 0 {
		return nil, fmt.Errorf("a TLS certificate is required for QUIC")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}
	return &Server{config: cfg, logger: cfg.Logger}, nil
}

// Start binds the UDP socket and serves in the background.
func (s *Server) Start() error {
	conn, err := net.ListenPacket("udp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	tlsConfig := s.config.TLSConfig.Clone()
	if tlsConfig.MinVersion < tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}
	srv := &http3.Server{
		Handler:   s.config.Handler,
		TLSConfig: http3.ConfigureTLSConfig(tlsConfig),
	}

	s.mu.Lock()
	s.server = srv
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("Starting QUIC/HTTP3 server", "addr", conn.LocalAddr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("QUIC server exited", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.LocalAddr().String()
	}
	return s.config.Addr
}

// Stop closes the server and its socket.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, conn := s.server, s.conn
	s.server, s.conn = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Close()
	_ = conn.Close()
	s.wg.Wait()
	s.logger.Info("QUIC server stopped")
	return err
}
