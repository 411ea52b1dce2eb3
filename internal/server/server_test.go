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

package server

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-hsm/internal/config"
	"github.com/jeremyhahn/go-hsm/internal/testutil"
)

func TestServerLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Name = t.Name()
	cfg.Server.Port = 0
	cfg.Server.RateLimit.Enabled = true

	s, err := New(cfg, afero.NewMemMapFs(), "test")
	require.NoError(t, err)
	require.NoError(t, s.Start())

	rec := httptest.NewRecorder()
	s.RESTServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.RESTServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/startup", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, s.Shutdown())
	s.WaitForShutdown()
	assert.False(t, s.Engine().Channel.Locked())
}

func TestNewFailsOnMissingManifest(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Name = t.Name()
	cfg.Simulator.Manifest = "/nope.yaml"

	_, err := New(cfg, afero.NewMemMapFs(), "test")
	assert.Error(t, err)
}

func TestServerServesHTTP3(t *testing.T) {
	ca, err := testutil.NewCA()
	require.NoError(t, err)
	cert, err := ca.IssueServer()
	require.NoError(t, err)
	certFile, keyFile, err := cert.WriteFiles(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Device.Name = t.Name()
	cfg.Server.Port = 0
	cfg.Server.QUIC = config.QUICConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}

	s, err := New(cfg, afero.NewMemMapFs(), "test")
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer func() { _ = s.Shutdown() }()

	transport := &http3.Transport{
		TLSClientConfig: &tls.Config{RootCAs: ca.Pool(), ServerName: "localhost"},
	}
	defer func() { _ = transport.Close() }()
	client := &http.Client{Transport: transport, Timeout: 5 * time.Second}

	resp, err := client.Get("https://" + s.QUICServer().Addr() + "/health/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, resp.ProtoMajor)
}

func TestNewFailsOnMissingQUICCertificate(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Name = t.Name()
	cfg.Server.QUIC = config.QUICConfig{Enabled: true, CertFile: "/nope.pem", KeyFile: "/nope.key"}

	_, err := New(cfg, afero.NewMemMapFs(), "test")
	assert.Error(t, err)
}
