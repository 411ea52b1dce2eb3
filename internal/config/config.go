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

// Package config loads the daemon and CLI configuration from YAML with
// HSM_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-hsm/pkg/logging"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// Storage backends for simulator non-volatile state.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Device    DeviceConfig    `yaml:"device"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
}

// LoggingConfig controls logging. An empty File logs to stderr.
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"required,oneof=debug info warn warning error"`
	Format     string `yaml:"format" validate:"required,oneof=text json"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size" validate:"gte=0,lte=1024"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0,lte=100"`
	MaxAge     int    `yaml:"max_age" validate:"gte=0,lte=365"`
}

// DeviceConfig controls the token channel and asset store.
type DeviceConfig struct {
	Name           string        `yaml:"name" validate:"required"`
	StrictArgs     bool          `yaml:"strict_args"`
	LockTimeout    time.Duration `yaml:"lock_timeout" validate:"gt=0"`
	CompletionMode string        `yaml:"completion_mode" validate:"omitempty,oneof=polling blocking callback"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gte=0"`
}

// SimulatorConfig controls the software engine.
type SimulatorConfig struct {
	Latency         time.Duration `yaml:"latency" validate:"gte=0"`
	TokensPerSecond float64       `yaml:"tokens_per_second" validate:"gte=0"`
	MaxAssets       int           `yaml:"max_assets" validate:"gte=0"`
	Manifest        string        `yaml:"manifest"`
	Storage         string        `yaml:"storage" validate:"required,oneof=memory file"`
	StoragePath     string        `yaml:"storage_path"`
}

// ServerConfig controls the REST listener. A non-empty SocketPath also
// serves the API on a Unix socket.
type ServerConfig struct {
	Host            string          `yaml:"host"`
	SocketPath      string          `yaml:"socket_path"`
	Port            int             `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" validate:"gte=0"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	QUIC            QUICConfig      `yaml:"quic"`
}

// QUICConfig serves the same API over HTTP/3 on UDP.
type QUICConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RateLimitConfig bounds per-client request rates on /api/v1.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" validate:"gte=0"`
	Burst             int  `yaml:"burst" validate:"gte=0"`
	TrustForwarded    bool `yaml:"trust_forwarded"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// HealthConfig controls the health endpoints and the engine probe.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"gte=0"`
}

// Default returns a configuration that runs a memory-backed simulator.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
		Device: DeviceConfig{
			Name:           "hsm0",
			LockTimeout:    5 * time.Second,
			CompletionMode: "blocking",
			PollInterval:   50 * time.Microsecond,
		},
		Simulator: SimulatorConfig{
			Storage: StorageMemory,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8480,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 600,
				Burst:             50,
			},
			QUIC: QUICConfig{
				Port: 8481,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled:      true,
			ProbeTimeout: time.Second,
		},
	}
}

// Load reads a YAML file over Default, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	// #nosec G304 - config path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HSM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("HSM_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("HSM_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	if v := os.Getenv("HSM_DEVICE_NAME"); v != "" {
		cfg.Device.Name = v
	}
	if v := os.Getenv("HSM_STRICT_ARGS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			log.Printf("Warning: invalid HSM_STRICT_ARGS value %q, keeping %t", v, cfg.Device.StrictArgs)
		} else {
			cfg.Device.StrictArgs = b
		}
	}
	envDuration("HSM_LOCK_TIMEOUT", &cfg.Device.LockTimeout)
	if v := os.Getenv("HSM_COMPLETION_MODE"); v != "" {
		cfg.Device.CompletionMode = strings.ToLower(v)
	}

	envDuration("HSM_SIM_LATENCY", &cfg.Simulator.Latency)
	if v := os.Getenv("HSM_SIM_MANIFEST"); v != "" {
		cfg.Simulator.Manifest = v
	}
	if v := os.Getenv("HSM_SIM_STORAGE"); v != "" {
		cfg.Simulator.Storage = strings.ToLower(v)
	}
	if v := os.Getenv("HSM_SIM_STORAGE_PATH"); v != "" {
		cfg.Simulator.StoragePath = v
	}

	if v := os.Getenv("HSM_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("HSM_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			log.Printf("Warning: invalid HSM_PORT value %q, keeping %d", v, cfg.Server.Port)
		} else {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("HSM_SOCKET"); v != "" {
		cfg.Server.SocketPath = v
	}
	if v := os.Getenv("HSM_RATE_LIMIT"); v != "" {
		rpm, err := strconv.Atoi(v)
		if err != nil || rpm < 0 {
			log.Printf("Warning: invalid HSM_RATE_LIMIT value %q, ignoring", v)
		} else {
			cfg.Server.RateLimit.Enabled = rpm > 0
			cfg.Server.RateLimit.RequestsPerMinute = rpm
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, keeping %s", name, v, *dst)
		return
	}
	*dst = d
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Simulator.Storage == StorageFile && c.Simulator.StoragePath == "" {
		return fmt.Errorf("%w: simulator.storage_path is required for file storage", ErrInvalidConfig)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute == 0 {
		return fmt.Errorf("%w: server.rate_limit.requests_per_minute is required when rate limiting is enabled", ErrInvalidConfig)
	}
	if c.Server.QUIC.Enabled && (c.Server.QUIC.CertFile == "" || c.Server.QUIC.KeyFile == "") {
		return fmt.Errorf("%w: server.quic requires cert_file and key_file", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("%w: metrics.path is required when metrics are enabled", ErrInvalidConfig)
	}
	if _, err := c.Mode(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Mode returns the configured completion mode.
func (c *Config) Mode() (types.CompletionMode, error) {
	return types.ParseCompletionMode(c.Device.CompletionMode)
}

// Address returns the REST listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// QUICAddress returns the HTTP/3 listen address.
func (c *Config) QUICAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.QUIC.Port)
}

// NewLogger builds the configured logger.
func (c LoggingConfig) NewLogger() *logging.Logger {
	if c.File != "" {
		return logging.NewFileLogger(logging.FileConfig{
			Path:       c.File,
			Level:      c.Level,
			MaxSize:    c.MaxSize,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAge,
		})
	}
	return logging.NewWithWriter(os.Stderr, logging.ParseLevel(c.Level), c.Format == "json")
}
