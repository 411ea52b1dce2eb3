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
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-hsm/internal/config"
	"github.com/jeremyhahn/go-hsm/internal/engine"
	"github.com/jeremyhahn/go-hsm/pkg/correlation"
	"github.com/jeremyhahn/go-hsm/pkg/health"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/ratelimit"
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

type fixture struct {
	engine  *engine.Engine
	handler http.Handler
	checker *health.Checker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/manifest.yaml", []byte(manifest), 0600))

	cfg := config.Default()
	cfg.Device.Name = t.Name()
	cfg.Simulator.Manifest = "/manifest.yaml"
	eng, err := engine.New(cfg, fsys, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	checker := health.NewChecker()
	checker.RegisterCheck("engine", health.EngineCheck(eng.Channel, 50*time.Millisecond))

	srv, err := NewServer(&Config{
		Engine:        eng,
		MetricsPath:   "/metrics",
		HealthChecker: checker,
	})
	require.NoError(t, err)
	return &fixture{engine: eng, handler: srv.Handler(), checker: checker}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)
	_, err = NewServer(&Config{})
	assert.Error(t, err)
}

func TestHashEndpoints(t *testing.T) {
	f := newFixture(t)
	data := []byte("hash me over http")

	rec := f.do(t, http.MethodPost, "/api/v1/hash", HashRequest{Hash: "sha256", Data: data})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[HashResponse](t, rec)
	want := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(want[:]), resp.Digest)

	key := []byte("http key")
	rec = f.do(t, http.MethodPost, "/api/v1/hmac", HashRequest{Hash: "sha384", Key: key, Data: data})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decodeBody[HashResponse](t, rec)
	mac := hmac.New(sha512.New384, key)
	mac.Write(data)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), resp.Digest)

	rec = f.do(t, http.MethodPost, "/api/v1/hash", HashRequest{Hash: "md5", Data: data})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/hmac", HashRequest{Data: data})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_argument", decodeBody[ErrorResponse](t, rec).Kind)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hash", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	f.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestAssetLifecycle(t *testing.T) {
	f := newFixture(t)
	p := policy.MustEncode(policy.Spec{Family: policy.FamilyAES, Direction: policy.DirectionBoth, Mode: policy.CipherModeCBC})

	rec := f.do(t, http.MethodPost, "/api/v1/assets", AllocateRequest{Policy: p, Size: 16})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[AssetResponse](t, rec)
	assert.False(t, created.Loaded)
	assert.Equal(t, 16, created.Size)
	assert.Equal(t, "volatile", created.Lifetime)

	rec = f.do(t, http.MethodPut, "/api/v1/assets/"+created.ID+"/plaintext", LoadRequest{Data: make([]byte, 16)})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/assets/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[AssetResponse](t, rec).Loaded)

	// Contents load once.
	rec = f.do(t, http.MethodPost, "/api/v1/assets/"+created.ID+"/random", nil)
	assert.GreaterOrEqual(t, rec.Code, 400)

	rec = f.do(t, http.MethodDelete, "/api/v1/assets/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/assets/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "invalid_asset", decodeBody[ErrorResponse](t, rec).Kind)
}

func TestAllocateErrors(t *testing.T) {
	f := newFixture(t)
	p := policy.MustEncode(policy.Spec{Family: policy.FamilyAES, Direction: policy.DirectionBoth, Mode: policy.CipherModeCBC})

	rec := f.do(t, http.MethodPost, "/api/v1/assets", AllocateRequest{Policy: p, Size: 16, Lifetime: "forever"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/assets", AllocateRequest{Policy: p, Size: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, id := range []string{"0", "zz", "0x1ffffffff"} {
		rec = f.do(t, http.MethodGet, "/api/v1/assets/"+id, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)
	}
}

func TestStaticAssetsAndCounters(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/assets/search/7", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	found := decodeBody[AssetResponse](t, rec)
	assert.Equal(t, 2, found.Size)

	rec = f.do(t, http.MethodGet, "/api/v1/assets/"+found.ID+"/public", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []byte{0xca, 0xfe}, decodeBody[PublicDataResponse](t, rec).Data)

	rec = f.do(t, http.MethodGet, "/api/v1/assets/search/8", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/assets/search/500", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/rootkey", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "persistent", decodeBody[AssetResponse](t, rec).Lifetime)

	rec = f.do(t, http.MethodGet, "/api/v1/counters/20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(5), decodeBody[CounterResponse](t, rec).Value)

	rec = f.do(t, http.MethodPost, "/api/v1/counters/20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(6), decodeBody[CounterResponse](t, rec).Value)
}

func TestPolicyEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/policy", PolicyRequest{Family: "hmac", Direction: "encrypt", Hash: "sha256"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[PolicyResponse](t, rec)
	assert.Equal(t, policy.SymMacHash|policy.HashSHA256|policy.DirEncGen, resp.Policy)
	assert.Contains(t, resp.Flags, "machash")

	rec = f.do(t, http.MethodPost, "/api/v1/policy", PolicyRequest{Family: "aes", Direction: "both", Mode: "cbc", KeySize: 20})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/policy", PolicyRequest{Family: "rsa"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/health/startup", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	f.checker.MarkStarted()
	rec = f.do(t, http.MethodGet, "/health/startup", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decodeBody[HealthCheckResponse](t, rec)
	assert.Equal(t, health.StatusHealthy, ready.Status)
	require.Len(t, ready.Checks, 1)

	require.NoError(t, f.engine.Device.Close())
	rec = f.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hsm_")
}

func TestCorrelationHeader(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health/live", nil)
	assert.NotEmpty(t, rec.Header().Get(correlation.Header))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set(correlation.RequestHeader, "req-42")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(correlation.Header))
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrBadArgument, http.StatusBadRequest},
		{types.ErrBufferTooSmall, http.StatusBadRequest},
		{types.ErrorFromResult(types.ResultInvalidAsset), http.StatusNotFound},
		{types.ErrorFromResult(types.ResultAccessError), http.StatusForbidden},
		{types.ErrorFromResult(types.ResultVerifyError), http.StatusUnprocessableEntity},
		{types.ErrResourceUnavailable, http.StatusServiceUnavailable},
		{types.ErrCanceled, http.StatusRequestTimeout},
		{types.ErrOperationFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, mapErrorToStatusCode(tt.err), tt.err.Error())
	}
}

func TestRateLimitAppliesToAPIOnly(t *testing.T) {
	f := newFixture(t)
	limiter := ratelimit.New(&ratelimit.Config{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	t.Cleanup(limiter.Stop)
	srv, err := NewServer(&Config{Engine: f.engine, RateLimiter: limiter})
	require.NoError(t, err)
	h := srv.Handler()

	serve := func(path string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, serve("/api/v1/rootkey"))
	assert.Equal(t, http.StatusTooManyRequests, serve("/api/v1/rootkey"))
	assert.Equal(t, http.StatusOK, serve("/health/live"))
}

func TestRootKeyUnprovisioned(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Name = t.Name()
	eng, err := engine.New(cfg, afero.NewMemMapFs(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	srv, err := NewServer(&Config{Engine: eng})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rootkey", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, types.InvalidAssetID.String(), decodeBody[AssetResponse](t, rec).ID)
}
