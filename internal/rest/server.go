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

package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-hsm/internal/engine"
	"github.com/jeremyhahn/go-hsm/pkg/logging"
	"github.com/jeremyhahn/go-hsm/pkg/metrics"
	"github.com/jeremyhahn/go-hsm/pkg/ratelimit"
)

// Server is the REST API server.
type Server struct {
	server   *http.Server
	handlers *HandlerContext
	logger   *logging.Logger
	metrics  string
	limiter  *ratelimit.Limiter
}

// Config holds the REST server configuration.
type Config struct {
	// Engine serves every /api/v1 request.
	Engine *engine.Engine

	// Address is the listen address (default: 127.0.0.1:8480)
	Address string

	// Version is reported in logs
	Version string

	// MetricsPath mounts the Prometheus handler when non-empty
	MetricsPath string

	// HealthChecker serves the /health probes (optional)
	HealthChecker HealthChecker

	// RateLimiter bounds per-client request rates on /api/v1 (optional)
	RateLimiter *ratelimit.Limiter

	Logger *logging.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer creates a REST API server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8480"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = cfg.Engine.Logger()
	}

	s := &Server{
		handlers: NewHandlerContext(cfg.Engine, cfg.Version),
		logger:   log,
		metrics:  cfg.MetricsPath,
		limiter:  cfg.RateLimiter,
	}
	s.handlers.HealthChecker = cfg.HealthChecker

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.setupRouter(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.RecoveryMiddleware())
	r.Use(s.CorrelationMiddleware())
	r.Use(s.LoggingMiddleware())
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health/live", s.handlers.LivenessHandler)
	r.Get("/health/ready", s.handlers.ReadinessHandler)
	r.Get("/health/startup", s.handlers.StartupHandler)

	if s.metrics != "" {
		r.Handle(s.metrics, promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(ratelimit.Middleware(s.limiter))
		}

		r.Post("/hash", s.handlers.HashHandler)
		r.Post("/hmac", s.handlers.HMACHandler)

		r.Post("/assets", s.handlers.AllocateHandler)
		r.Get("/assets/search/{number}", s.handlers.SearchHandler)
		r.Get("/assets/{id}", s.handlers.InfoHandler)
		r.Delete("/assets/{id}", s.handlers.FreeHandler)
		r.Put("/assets/{id}/plaintext", s.handlers.LoadPlaintextHandler)
		r.Post("/assets/{id}/random", s.handlers.LoadRandomHandler)
		r.Get("/assets/{id}/public", s.handlers.PublicDataHandler)
		r.Get("/rootkey", s.handlers.RootKeyHandler)

		r.Get("/counters/{number}", s.handlers.CounterReadHandler)
		r.Post("/counters/{number}", s.handlers.CounterIncrementHandler)

		r.Post("/policy", s.handlers.PolicyHandler)
	})

	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		"address", s.server.Addr,
		"version", s.handlers.Version)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Address returns the listen address.
func (s *Server) Address() string {
	return s.server.Addr
}
