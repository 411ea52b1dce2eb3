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
package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWith(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		id   string
	}{
		{"background", context.Background(), "tok-1"},
		{"nil context", nil, "tok-2"},
		{"empty id", context.Background(), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := With(tt.ctx, tt.id)
			require.NotNil(t, ctx)
			assert.Equal(t, tt.id, ID(ctx))
		})
	}
}

func TestIDMissing(t *testing.T) {
	assert.Empty(t, ID(context.Background()))
	assert.Empty(t, ID(nil)) //nolint:staticcheck
}

func TestEnsure(t *testing.T) {
	ctx, id := Ensure(context.Background())
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, ID(ctx))

	ctx2, id2 := Ensure(ctx)
	assert.Equal(t, id, id2)
	assert.Equal(t, ctx, ctx2)
}

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"none", nil, ""},
		{"request id", map[string]string{RequestHeader: "req-1"}, "req-1"},
		{"correlation wins", map[string]string{RequestHeader: "req-1", Header: "cor-1"}, "cor-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, FromRequest(r))
		})
	}
}

func TestInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	Inject(context.Background(), r)
	assert.Empty(t, r.Header.Get(Header))

	Inject(With(context.Background(), "cor-9"), r)
	assert.Equal(t, "cor-9", r.Header.Get(Header))
}
