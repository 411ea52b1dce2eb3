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

package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/quic-go/quic-go/http3"

	"github.com/jeremyhahn/go-hsm/pkg/correlation"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

const apiPrefix = "/api/v1"

// restClient implements Client over HTTP.
type restClient struct {
	config     *Config
	httpClient *http.Client
	closer     io.Closer
	baseURL    string
}

func newRESTClient(cfg *Config) (*restClient, error) {
	baseURL := cfg.Address
	if cfg.SocketPath != "" {
		baseURL = "http://unix"
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	if cfg.HTTP3 && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("%w: HTTP/3 requires an https address", ErrUnsupportedScheme)
	}
	return &restClient{
		config:  cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Connect builds the transport and probes readiness.
func (c *restClient) Connect(ctx context.Context) error {
	tlsConfig, err := c.tlsConfig()
	if err != nil {
		return err
	}
	var transport http.RoundTripper
	if c.config.HTTP3 {
		h3 := &http3.Transport{TLSClientConfig: tlsConfig}
		transport, c.closer = h3, h3
	} else {
		t := &http.Transport{TLSClientConfig: tlsConfig}
		if path := c.config.SocketPath; path != "" {
			t.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			}
		}
		transport = t
	}
	c.httpClient = &http.Client{
		Transport: transport,
		Timeout:   c.config.Timeout,
	}
	if _, err := c.Health(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

func (c *restClient) tlsConfig() (*tls.Config, error) {
	if !strings.HasPrefix(c.baseURL, "https://") {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.config.TLSInsecureSkipVerify, // #nosec G402 - operator opt-in
		ServerName:         c.config.TLSServerName,
		MinVersion:         tls.VersionTLS12,
	}
	if c.config.HTTP3 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}
	if c.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(c.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if c.config.TLSCertFile != "" && c.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.config.TLSCertFile, c.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Close closes idle connections and, over HTTP/3, the QUIC transport.
func (c *restClient) Close() error {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	c.httpClient = nil
	if c.closer != nil {
		err := c.closer.Close()
		c.closer = nil
		return err
	}
	return nil
}

// doRequest sends body as JSON and decodes a 2xx reply into out, which
// may be nil. Replies of 400 and above become *ServerError.
func (c *restClient) doRequest(ctx context.Context, method, path string, body, out any) error {
	if c.httpClient == nil {
		return ErrNotConnected
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	correlation.Inject(ctx, req)
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("failed to close response body: %v", closeErr)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		serr := &ServerError{StatusCode: resp.StatusCode}
		var errResp struct {
			Error   string `json:"error"`
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil {
			serr.Kind = errResp.Kind
			serr.Message = errResp.Error
			if errResp.Message != "" {
				serr.Message = errResp.Message
			}
		}
		if serr.Message == "" {
			serr.Message = strings.TrimSpace(string(respBody))
		}
		return serr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// Health returns the readiness probe. An unready daemon yields a
// *ServerError with status 503.
func (c *restClient) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health/ready", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *restClient) Hash(ctx context.Context, hash string, data []byte) (*DigestResponse, error) {
	var resp DigestResponse
	body := map[string]any{"hash": hash, "data": data}
	if err := c.doRequest(ctx, http.MethodPost, apiPrefix+"/hash", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *restClient) HMAC(ctx context.Context, hash string, key, data []byte) (*DigestResponse, error) {
	var resp DigestResponse
	body := map[string]any{"hash": hash, "key": key, "data": data}
	if err := c.doRequest(ctx, http.MethodPost, apiPrefix+"/hmac", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *restClient) Allocate(ctx context.Context, req *AllocateRequest) (*AssetInfo, error) {
	var resp AssetInfo
	if err := c.doRequest(ctx, http.MethodPost, apiPrefix+"/assets", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *restClient) Info(ctx context.Context, id types.AssetID) (*AssetInfo, error) {
	var resp AssetInfo
	if err := c.doRequest(ctx, http.MethodGet, assetPath(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *restClient) Free(ctx context.Context, id types.AssetID) error {
	return c.doRequest(ctx, http.MethodDelete, assetPath(id), nil, nil)
}

func (c *restClient) LoadPlaintext(ctx context.Context, id types.AssetID, data []byte) error {
	body := map[string]any{"data": data}
	return c.doRequest(ctx, http.MethodPut, assetPath(id)+"/plaintext", body, nil)
}

func (c *restClient) LoadRandom(ctx context.Context, id types.AssetID) error {
	return c.doRequest(ctx, http.MethodPost, assetPath(id)+"/random", nil, nil)
}

func (c *restClient) PublicData(ctx context.Context, id types.AssetID) ([]byte, error) {
	var resp struct {
		Data []byte `json:"data"`
	}
	if err := c.doRequest(ctx, http.MethodGet, assetPath(id)+"/public", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *restClient) Search(ctx context.Context, number int) (*AssetInfo, error) {
	var resp AssetInfo
	path := fmt.Sprintf("%s/assets/search/%d", apiPrefix, number)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *restClient) RootKey(ctx context.Context) (*AssetInfo, error) {
	var resp AssetInfo
	if err := c.doRequest(ctx, http.MethodGet, apiPrefix+"/rootkey", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *restClient) CounterRead(ctx context.Context, number int) (uint64, error) {
	return c.counter(ctx, http.MethodGet, number)
}

func (c *restClient) CounterIncrement(ctx context.Context, number int) (uint64, error) {
	return c.counter(ctx, http.MethodPost, number)
}

func (c *restClient) counter(ctx context.Context, method string, number int) (uint64, error) {
	var resp struct {
		Value uint64 `json:"value"`
	}
	path := fmt.Sprintf("%s/counters/%d", apiPrefix, number)
	if err := c.doRequest(ctx, method, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Value, nil
}

func (c *restClient) EncodePolicy(ctx context.Context, req *PolicyRequest) (*PolicyResponse, error) {
	var resp PolicyResponse
	if err := c.doRequest(ctx, http.MethodPost, apiPrefix+"/policy", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func assetPath(id types.AssetID) string {
	return apiPrefix + "/assets/" + id.String()
}
