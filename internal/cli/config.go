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

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jeremyhahn/go-hsm/internal/config"
	"github.com/jeremyhahn/go-hsm/internal/engine"
	"github.com/jeremyhahn/go-hsm/pkg/client"
	"github.com/jeremyhahn/go-hsm/pkg/logging"
)

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is the daemon configuration used in local mode
	ConfigFile string

	// Server is the URL of a running hsmd. Empty runs an in-process engine.
	Server string

	// OutputFormat controls output formatting (json, text)
	OutputFormat string

	// Verbose enables verbose logging
	Verbose bool

	// Timeout bounds each command
	Timeout time.Duration

	// TLSInsecure skips TLS certificate verification (not recommended)
	TLSInsecure bool

	// TLSCACert is the path to the CA certificate file
	TLSCACert string
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		OutputFormat: "text",
		Timeout:      30 * time.Second,
	}
}

// IsRemote reports whether commands go to a daemon.
func (c *Config) IsRemote() bool {
	return c.Server != ""
}

// CreateClient returns a connected client and a function releasing it.
// In local mode the engine lives for the duration of one command, so
// volatile assets do not outlive it.
func (c *Config) CreateClient() (client.Client, func(), error) {
	if c.IsRemote() {
		cl, err := client.NewFromURL(c.Server)
		if err != nil {
			return nil, nil, err
		}
		if c.TLSInsecure || c.TLSCACert != "" {
			address, http3 := c.Server, false
			if rest, ok := strings.CutPrefix(address, "quic://"); ok {
				address, http3 = "https://"+rest, true
			}
			cl, err = client.New(&client.Config{
				Address:               address,
				HTTP3:                 http3,
				Timeout:               c.Timeout,
				TLSInsecureSkipVerify: c.TLSInsecure,
				TLSCAFile:             c.TLSCACert,
			})
			if err != nil {
				return nil, nil, err
			}
		}
		return cl, func() { _ = cl.Close() }, nil
	}

	cfg, err := c.engineConfig()
	if err != nil {
		return nil, nil, err
	}
	level := slog.LevelWarn
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := logging.NewWithWriter(os.Stderr, level, false)
	eng, err := engine.New(cfg, nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start local engine: %w", err)
	}
	return newLocalClient(eng), func() { _ = eng.Close() }, nil
}

func (c *Config) engineConfig() (*config.Config, error) {
	if c.ConfigFile == "" {
		return config.Parse(nil)
	}
	return config.Load(c.ConfigFile)
}
