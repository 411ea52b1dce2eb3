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
// Package correlation ties a REST request, the operations it triggers and
// the tokens they submit together in logs.
package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey struct{}

// HTTP headers carrying the ID. Header takes precedence.
const (
	Header        = "X-Correlation-ID"
	RequestHeader = "X-Request-ID"
)

// With returns ctx carrying id.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// ID returns the ID carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// NewID returns a random UUID.
func NewID() string {
	return uuid.NewString()
}

// Ensure returns ctx carrying an ID, generating one if needed, and the ID.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return With(ctx, id), id
}

// FromRequest returns the ID sent by the caller, or "".
func FromRequest(r *http.Request) string {
	if id := r.Header.Get(Header); id != "" {
		return id
	}
	return r.Header.Get(RequestHeader)
}

// Inject copies the ID carried by ctx onto an outgoing request.
func Inject(ctx context.Context, r *http.Request) {
	if id := ID(ctx); id != "" {
		r.Header.Set(Header, id)
	}
}
