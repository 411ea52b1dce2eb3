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
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-hsm/internal/config"
	"github.com/jeremyhahn/go-hsm/internal/engine"
	"github.com/jeremyhahn/go-hsm/internal/quic"
	"github.com/jeremyhahn/go-hsm/internal/rest"
	"github.com/jeremyhahn/go-hsm/internal/testutil"
	"github.com/jeremyhahn/go-hsm/pkg/correlation"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

const manifest = `
root_key: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
assets:
  - number: 7
    policy: 0x1
    size: 2
    data: "cafe"
    public: true
  - number: 20
    counter: true
    value: 5
`

func newDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/manifest.yaml", []byte(manifest), 0600))

	cfg := config.Default()
	cfg.Device.Name = t.Name()
	cfg.Simulator.Manifest = "/manifest.yaml"
	eng, err := engine.New(cfg, fsys, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	srv, err := rest.NewServer(&rest.Config{Engine: eng})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func connect(t *testing.T, address string) Client {
	t.Helper()
	c, err := New(&Config{Address: address})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNotConnected(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	_, err = c.Hash(context.Background(), "sha256", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	c, err := New(&Config{Address: ts.URL})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrConnectionFailed)
}

func TestNewFromURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://127.0.0.1:8480", false},
		{"https://hsm.example.com", false},
		{"127.0.0.1:8480", false},
		{"unix:///var/run/hsm/hsm.sock", false},
		{"quic://127.0.0.1:8481", false},
		{"quic://", true},
		{"grpc://127.0.0.1:9090", true},
		{"http://", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, err := NewFromURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHashAndHMAC(t *testing.T) {
	c := connect(t, newDaemon(t).URL)
	ctx := context.Background()

	resp, err := c.Hash(ctx, "sha256", []byte("abc"))
	require.NoError(t, err)
	want := sha256.Sum256([]byte("abc"))
	assert.Equal(t, hex.EncodeToString(want[:]), resp.Digest)
	assert.Equal(t, "sha256", resp.Hash)

	mac, err := c.HMAC(ctx, "sha256", []byte("key"), []byte("abc"))
	require.NoError(t, err)
	assert.Len(t, mac.Digest, 64)

	_, err = c.Hash(ctx, "md5", []byte("abc"))
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusBadRequest, serr.StatusCode)
}

func TestAssetLifecycle(t *testing.T) {
	c := connect(t, newDaemon(t).URL)
	ctx := context.Background()

	p := policy.MustEncode(policy.Spec{Family: policy.FamilyAES, Direction: policy.DirectionBoth, Mode: policy.CipherModeCBC})
	info, err := c.Allocate(ctx, &AllocateRequest{Policy: p, Size: 16})
	require.NoError(t, err)
	assert.False(t, info.Loaded)
	id, err := info.AssetID()
	require.NoError(t, err)

	require.NoError(t, c.LoadPlaintext(ctx, id, make([]byte, 16)))
	err = c.LoadRandom(ctx, id)
	assert.ErrorIs(t, err, types.ErrInvalidLocation)

	info, err = c.Info(ctx, id)
	require.NoError(t, err)
	assert.True(t, info.Loaded)
	assert.Equal(t, 16, info.Size)

	require.NoError(t, c.Free(ctx, id))
	_, err = c.Info(ctx, id)
	assert.ErrorIs(t, err, types.ErrInvalidAsset)
}

func TestStaticAssets(t *testing.T) {
	c := connect(t, newDaemon(t).URL)
	ctx := context.Background()

	info, err := c.Search(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Size)
	id, err := info.AssetID()
	require.NoError(t, err)

	data, err := c.PublicData(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xca, 0xfe}, data)

	root, err := c.RootKey(ctx)
	require.NoError(t, err)
	assert.True(t, root.Loaded)

	v, err := c.CounterRead(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
	v, err = c.CounterIncrement(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), v)

	_, err = c.Search(ctx, 99)
	assert.ErrorIs(t, err, types.ErrInvalidAsset)
}

func TestEncodePolicy(t *testing.T) {
	c := connect(t, newDaemon(t).URL)

	resp, err := c.EncodePolicy(context.Background(), &PolicyRequest{Family: "hmac", Direction: "encrypt", Hash: "sha256"})
	require.NoError(t, err)
	want := policy.MustEncode(policy.Spec{Family: policy.FamilyHMAC, Direction: policy.DirectionEncrypt, Hash: types.HashSHA256})
	assert.Equal(t, want, resp.Policy)

	_, err = c.EncodePolicy(context.Background(), &PolicyRequest{Family: "rot13"})
	assert.ErrorIs(t, err, types.ErrBadArgument)
}

func TestCorrelationHeader(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(correlation.Header)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer ts.Close()

	c := connect(t, ts.URL)
	ctx := correlation.With(context.Background(), "req-42")
	_, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "req-42", got)
}

func TestUnixSocket(t *testing.T) {
	ts := newDaemon(t)
	dir, err := os.MkdirTemp("", "hsm")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "hsm.sock")

	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	srv := &http.Server{Handler: ts.Config.Handler, ReadHeaderTimeout: time.Second}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	c, err := NewFromURL("unix://" + path)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Close() }()

	resp, err := c.Hash(context.Background(), "sha256", []byte("abc"))
	require.NoError(t, err)
	want := sha256.Sum256([]byte("abc"))
	assert.Equal(t, hex.EncodeToString(want[:]), resp.Digest)
}

func TestHTTP3(t *testing.T) {
	ts := newDaemon(t)

	ca, err := testutil.NewCA()
	require.NoError(t, err)
	cert, err := ca.IssueServer()
	require.NoError(t, err)
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, ca.CertPEM, 0600))

	srv, err := quic.NewServer(&quic.Config{
		Addr:      "127.0.0.1:0",
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}},
		Handler:   ts.Config.Handler,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	c, err := New(&Config{
		Address:       "https://" + srv.Addr(),
		HTTP3:         true,
		TLSCAFile:     caFile,
		TLSServerName: "localhost",
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Close() }()

	resp, err := c.Hash(context.Background(), "sha256", []byte("abc"))
	require.NoError(t, err)
	want := sha256.Sum256([]byte("abc"))
	assert.Equal(t, hex.EncodeToString(want[:]), resp.Digest)

	_, err = New(&Config{Address: "http://127.0.0.1:8481", HTTP3: true})
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}
