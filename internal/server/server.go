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

// Package server runs the engine daemon: a simulator behind the REST API,
// optionally also on a Unix socket and over HTTP/3, with health probes and
// Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/jeremyhahn/go-hsm/internal/config"
	"github.com/jeremyhahn/go-hsm/internal/engine"
	"github.com/jeremyhahn/go-hsm/internal/quic"
	"github.com/jeremyhahn/go-hsm/internal/rest"
	"github.com/jeremyhahn/go-hsm/internal/unix"
	"github.com/jeremyhahn/go-hsm/pkg/health"
	"github.com/jeremyhahn/go-hsm/pkg/logging"
	"github.com/jeremyhahn/go-hsm/pkg/metrics"
	"github.com/jeremyhahn/go-hsm/pkg/ratelimit"
)

// Server owns the engine and the REST listener.
type Server struct {
	config  *config.Config
	version string
	logger  *logging.Logger

	engine           *engine.Engine
	restServer       *rest.Server
	unixServer       *unix.Server
	quicServer       *quic.Server
	healthChecker    *health.Checker
	metricsCollector *metrics.ResourceCollector
	limiter          *ratelimit.Limiter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
	stopped chan struct{}
}

// New builds the engine and REST server from cfg. fsys supplies the
// manifest and file storage; nil means the host filesystem.
func New(cfg *config.Config, fsys afero.Fs, version string) (*Server, error) {
	logger := cfg.Logging.NewLogger()

	eng, err := engine.New(cfg, fsys, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		version: version,
		logger:  logger,
		engine:  eng,
		ctx:     ctx,
		cancel:  cancel,
		errCh:   make(chan error, 1),
		stopped: make(chan struct{}),
	}

	if cfg.Health.Enabled {
		s.initializeHealth()
	}

	if rl := cfg.Server.RateLimit; rl.Enabled {
		s.limiter = ratelimit.New(&ratelimit.Config{
			Enabled:           true,
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
			TrustForwarded:    rl.TrustForwarded,
		})
	}

	restCfg := &rest.Config{
		Engine:       eng,
		Address:      cfg.Address(),
		Version:      version,
		Logger:       logger,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		RateLimiter:  s.limiter,
	}
	if s.healthChecker != nil {
		restCfg.HealthChecker = s.healthChecker
	}
	if cfg.Metrics.Enabled {
		restCfg.MetricsPath = cfg.Metrics.Path
	}
	s.restServer, err = rest.NewServer(restCfg)
	if err != nil {
		cancel()
		if s.limiter != nil {
			s.limiter.Stop()
		}
		_ = eng.Close()
		return nil, fmt.Errorf("failed to create REST server: %w", err)
	}

	if cfg.Server.SocketPath != "" {
		s.unixServer, err = unix.NewServer(&unix.Config{
			SocketPath:   cfg.Server.SocketPath,
			Handler:      s.restServer.Handler(),
			Logger:       logger,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		})
		if err != nil {
			s.abort()
			return nil, fmt.Errorf("failed to create Unix socket server: %w", err)
		}
	}

	if q := cfg.Server.QUIC; q.Enabled {
		cert, err := tls.LoadX509KeyPair(q.CertFile, q.KeyFile)
		if err != nil {
			s.abort()
			return nil, fmt.Errorf("failed to load QUIC certificate: %w", err)
		}
		s.quicServer, err = quic.NewServer(&quic.Config{
			Addr:      cfg.QUICAddress(),
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13},
			Handler:   s.restServer.Handler(),
			Logger:    logger,
		})
		if err != nil {
			s.abort()
			return nil, fmt.Errorf("failed to create QUIC server: %w", err)
		}
	}
	return s, nil
}

// abort releases what New built before a later step failed.
func (s *Server) abort() {
	s.cancel()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	_ = s.engine.Close()
}

func (s *Server) initializeHealth() {
	s.healthChecker = health.NewChecker()
	timeout := s.config.Health.ProbeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	s.healthChecker.RegisterCheck("engine", health.EngineCheck(s.engine.Channel, timeout))
	s.logger.Info("Health checker initialized", "checks", len(s.healthChecker.Checks()))
}

// Start starts the listener and the metrics collector. Listener failures
// are reported on Errors.
func (s *Server) Start() error {
	s.logger.Info("Starting engine daemon",
		"device", s.engine.Name(),
		"mode", s.engine.Mode().String(),
		"version", s.version)

	if s.config.Metrics.Enabled {
		metrics.Enable()
		s.metricsCollector = metrics.StartResourceCollector(s.ctx, 30*time.Second)
	} else {
		metrics.Disable()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.restServer.Start(); err != nil {
			s.logger.Error(err)
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()

	if s.unixServer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.unixServer.Start(); err != nil {
				s.logger.Error(err)
				select {
				case s.errCh <- err:
				default:
				}
			}
		}()
	}

	if s.quicServer != nil {
		if err := s.quicServer.Start(); err != nil {
			return err
		}
	}

	if s.healthChecker != nil {
		s.healthChecker.MarkStarted()
	}
	return nil
}

// Errors receives a listener failure.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Shutdown stops the listener, then the engine.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down engine daemon")
	if s.healthChecker != nil {
		s.healthChecker.MarkNotStarted()
	}
	if s.metricsCollector != nil {
		s.metricsCollector.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.cancel()

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.restServer.Stop(ctx); err != nil {
		s.logger.Error(err)
	}
	if s.unixServer != nil {
		if err := s.unixServer.Stop(ctx); err != nil {
			s.logger.Error(err)
		}
	}
	if s.quicServer != nil {
		if err := s.quicServer.Stop(); err != nil {
			s.logger.Error(err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout exceeded, forcing stop")
	}

	err := s.engine.Close()
	close(s.stopped)
	s.logger.Info("Engine daemon stopped")
	return err
}

// WaitForShutdown blocks until Shutdown has completed.
func (s *Server) WaitForShutdown() {
	<-s.stopped
}

// Engine returns the engine.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// QUICServer returns the HTTP/3 server, or nil when disabled.
func (s *Server) QUICServer() *quic.Server {
	return s.quicServer
}

// RESTServer returns the REST server.
func (s *Server) RESTServer() *rest.Server {
	return s.restServer
}

// SetupSignalHandler returns a context canceled on SIGINT or SIGTERM.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		cancel()
	}()
	return ctx
}
