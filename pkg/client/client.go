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

// Package client talks to the engine daemon (hsmd) over its REST API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// DefaultAddress is the daemon's default listen address.
const DefaultAddress = "http://127.0.0.1:8480"

// DefaultUnixSocketPath is the daemon's default socket path
const DefaultUnixSocketPath = "/var/run/hsm/hsm.sock"

var (
	// ErrConnectionFailed is returned when the daemon cannot be reached
	ErrConnectionFailed = errors.New("connection failed")
	// ErrNotConnected is returned when trying to use a client that is not connected
	ErrNotConnected = errors.New("client not connected")
	// ErrUnsupportedScheme is returned for URLs other than http and https
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
)

// Config configures the client.
type Config struct {
	// Address is http://host:port or https://host:port
	Address string

	// SocketPath dials a Unix socket instead of Address
	SocketPath string

	// HTTP3 sends requests over QUIC; Address must be https
	HTTP3 bool

	// Timeout bounds each request (default: 30s)
	Timeout time.Duration

	// TLSInsecureSkipVerify skips TLS certificate verification (not recommended)
	TLSInsecureSkipVerify bool

	// TLSCertFile is the path to the client certificate file (for mTLS)
	TLSCertFile string

	// TLSKeyFile is the path to the client key file (for mTLS)
	TLSKeyFile string

	// TLSCAFile is the path to the CA certificate file
	TLSCAFile string

	// TLSServerName overrides the name verified against the server certificate
	TLSServerName string

	// Headers are additional HTTP headers to include in requests
	Headers map[string]string
}

// Client is the daemon API. Errors returned by the daemon wrap the
// matching types sentinel, so errors.Is(err, types.ErrAccess) works
// across the wire.
type Client interface {
	// Connect verifies the daemon is reachable.
	Connect(ctx context.Context) error

	// Close releases idle connections.
	Close() error

	// Health returns the readiness probe result.
	Health(ctx context.Context) (*HealthResponse, error)

	// Hash computes a digest.
	Hash(ctx context.Context, hash string, data []byte) (*DigestResponse, error)

	// HMAC computes a MAC with a plaintext key.
	HMAC(ctx context.Context, hash string, key, data []byte) (*DigestResponse, error)

	// Allocate creates an asset.
	Allocate(ctx context.Context, req *AllocateRequest) (*AssetInfo, error)

	// Info describes an asset.
	Info(ctx context.Context, id types.AssetID) (*AssetInfo, error)

	// Free releases an asset.
	Free(ctx context.Context, id types.AssetID) error

	// LoadPlaintext loads asset contents.
	LoadPlaintext(ctx context.Context, id types.AssetID, data []byte) error

	// LoadRandom fills an asset from the device RNG.
	LoadRandom(ctx context.Context, id types.AssetID) error

	// PublicData reads a public static asset.
	PublicData(ctx context.Context, id types.AssetID) ([]byte, error)

	// Search finds a static asset by number.
	Search(ctx context.Context, number int) (*AssetInfo, error)

	// RootKey describes the root key.
	RootKey(ctx context.Context) (*AssetInfo, error)

	// CounterRead reads a monotonic counter.
	CounterRead(ctx context.Context, number int) (uint64, error)

	// CounterIncrement increments a monotonic counter.
	CounterIncrement(ctx context.Context, number int) (uint64, error)

	// EncodePolicy encodes named policy fields.
	EncodePolicy(ctx context.Context, req *PolicyRequest) (*PolicyResponse, error)
}

// New creates a client for cfg.Address.
func New(cfg *Config) (Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return newRESTClient(cfg)
}

// NewFromURL creates a client from a server URL: http://, https://,
// quic://host:port (HTTP/3) or unix:///path/to/socket. A bare host:port is
// treated as http.
func NewFromURL(serverURL string) (Client, error) {
	if !strings.Contains(serverURL, "://") {
		serverURL = "http://" + serverURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "unix":
		path := u.Path
		if path == "" {
			path = DefaultUnixSocketPath
		}
		return New(&Config{SocketPath: path})
	case "quic":
		if u.Host == "" {
			return nil, fmt.Errorf("invalid server URL: missing host")
		}
		return New(&Config{Address: "https://" + u.Host, HTTP3: true})
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server URL: missing host")
	}
	return New(&Config{Address: u.Scheme + "://" + u.Host})
}

// HealthResponse is the readiness probe body.
type HealthResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Checks  []HealthCheck `json:"checks,omitempty"`
}

// HealthCheck is one readiness check result.
type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DigestResponse carries a hex digest.
type DigestResponse struct {
	Hash   string `json:"hash"`
	Digest string `json:"digest"`
}

// AllocateRequest describes a new asset.
type AllocateRequest struct {
	Policy     policy.Policy `json:"policy"`
	Size       int           `json:"size"`
	Lifetime   string        `json:"lifetime,omitempty"`
	Exportable bool          `json:"exportable,omitempty"`
}

// AssetInfo describes an asset.
type AssetInfo struct {
	ID       string `json:"id"`
	Policy   string `json:"policy,omitempty"`
	Flags    string `json:"flags,omitempty"`
	Size     int    `json:"size"`
	Loaded   bool   `json:"loaded"`
	Lifetime string `json:"lifetime,omitempty"`
}

// AssetID parses the ID field.
func (a *AssetInfo) AssetID() (types.AssetID, error) {
	return types.ParseAssetID(a.ID)
}

// PolicyRequest names the fields of a policy.
type PolicyRequest struct {
	Family        string `json:"family"`
	Direction     string `json:"direction,omitempty"`
	Mode          string `json:"mode,omitempty"`
	Hash          string `json:"hash,omitempty"`
	KeySize       int    `json:"key_size,omitempty"`
	Exportable    bool   `json:"exportable,omitempty"`
	TrustedExport bool   `json:"trusted_export,omitempty"`
	NonSecure     bool   `json:"non_secure,omitempty"`
	Temporary     bool   `json:"temporary,omitempty"`
	FIPS          bool   `json:"fips,omitempty"`
}

// PolicyResponse carries an encoded policy.
type PolicyResponse struct {
	Policy policy.Policy `json:"policy"`
	Hex    string        `json:"hex"`
	Flags  string        `json:"flags"`
}

// ServerError is a non-2xx reply from the daemon.
type ServerError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *ServerError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server error (%d %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
}

// Unwrap maps the reported kind back to its sentinel.
func (e *ServerError) Unwrap() error {
	return types.ErrorFromKind(e.Kind)
}
