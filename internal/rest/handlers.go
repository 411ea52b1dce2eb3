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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-hsm/internal/engine"
	"github.com/jeremyhahn/go-hsm/pkg/asset"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// maxBodyBytes bounds request bodies; base64 of one DMA transaction fits.
const maxBodyBytes = 24 << 20

// HandlerContext holds the dependencies of the handlers.
type HandlerContext struct {
	Version       string
	Engine        *engine.Engine
	HealthChecker HealthChecker
}

// NewHandlerContext creates a handler context.
func NewHandlerContext(eng *engine.Engine, version string) *HandlerContext {
	return &HandlerContext{
		Version: version,
		Engine:  eng,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorWithMessage(w, ErrInvalidRequest, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func assetParam(r *http.Request) (types.AssetID, error) {
	raw := chi.URLParam(r, "id")
	id, err := types.ParseAssetID(raw)
	if err != nil {
		return types.InvalidAssetID, fmt.Errorf("%w: %q", ErrInvalidAssetID, raw)
	}
	return id, nil
}

func numberParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "number")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > policy.AssetNumberMax {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
	return n, nil
}

func hashParam(name string) (types.HashType, error) {
	if name == "" {
		return types.HashSHA256, nil
	}
	return types.ParseHashType(name)
}

// HashHandler handles POST /api/v1/hash.
func (h *HandlerContext) HashHandler(w http.ResponseWriter, r *http.Request) {
	var req HashRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := hashParam(req.Hash)
	if err != nil {
		handleError(w, err)
		return
	}
	digest, err := h.Engine.Digest(r.Context(), t, req.Data)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, HashResponse{Hash: t.String(), Digest: hex.EncodeToString(digest)}, http.StatusOK)
}

// HMACHandler handles POST /api/v1/hmac.
func (h *HandlerContext) HMACHandler(w http.ResponseWriter, r *http.Request) {
	var req HashRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := hashParam(req.Hash)
	if err != nil {
		handleError(w, err)
		return
	}
	mac, err := h.Engine.MAC(r.Context(), t, req.Key, req.Data)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, HashResponse{Hash: t.String(), Digest: hex.EncodeToString(mac)}, http.StatusOK)
}

// AllocateHandler handles POST /api/v1/assets.
func (h *HandlerContext) AllocateHandler(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !decode(w, r, &req) {
		return
	}
	lifetime, err := types.ParseLifetime(req.Lifetime)
	if err != nil {
		handleError(w, err)
		return
	}
	id, err := h.Engine.Store.Allocate(r.Context(), asset.AllocateParams{
		Policy:     req.Policy,
		Size:       req.Size,
		Lifetime:   lifetime,
		Exportable: req.Exportable,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	info, err := h.Engine.Store.Info(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, newAssetResponse(info), http.StatusCreated)
}

// InfoHandler handles GET /api/v1/assets/{id}.
func (h *HandlerContext) InfoHandler(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		handleError(w, err)
		return
	}
	info, err := h.Engine.Store.Info(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, newAssetResponse(info), http.StatusOK)
}

// FreeHandler handles DELETE /api/v1/assets/{id}.
func (h *HandlerContext) FreeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		handleError(w, err)
		return
	}
	if err := h.Engine.Store.Free(r.Context(), id); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LoadPlaintextHandler handles PUT /api/v1/assets/{id}/plaintext.
func (h *HandlerContext) LoadPlaintextHandler(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		handleError(w, err)
		return
	}
	var req LoadRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Engine.Store.LoadPlaintext(r.Context(), id, req.Data); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LoadRandomHandler handles POST /api/v1/assets/{id}/random.
func (h *HandlerContext) LoadRandomHandler(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		handleError(w, err)
		return
	}
	if err := h.Engine.Store.LoadRandom(r.Context(), id); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PublicDataHandler handles GET /api/v1/assets/{id}/public.
func (h *HandlerContext) PublicDataHandler(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		handleError(w, err)
		return
	}
	buf := make([]byte, policy.AssetSizeMax)
	n, err := h.Engine.Store.PublicDataRead(r.Context(), id, buf)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, PublicDataResponse{ID: id.String(), Data: buf[:n]}, http.StatusOK)
}

// SearchHandler handles GET /api/v1/assets/search/{number}.
func (h *HandlerContext) SearchHandler(w http.ResponseWriter, r *http.Request) {
	number, err := numberParam(r)
	if err != nil {
		handleError(w, err)
		return
	}
	id, size, err := h.Engine.Store.Search(r.Context(), number)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, AssetResponse{
		ID:       id.String(),
		Size:     size,
		Loaded:   true,
		Lifetime: types.LifetimePersistent.String(),
	}, http.StatusOK)
}

// RootKeyHandler handles GET /api/v1/rootkey. A device without a root
// key reports the invalid handle.
func (h *HandlerContext) RootKeyHandler(w http.ResponseWriter, r *http.Request) {
	id, err := h.Engine.Store.GetRootKey(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	if !id.IsValid() {
		writeJSON(w, AssetResponse{ID: id.String()}, http.StatusOK)
		return
	}
	info, err := h.Engine.Store.Info(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, newAssetResponse(info), http.StatusOK)
}

// CounterReadHandler handles GET /api/v1/counters/{number}.
func (h *HandlerContext) CounterReadHandler(w http.ResponseWriter, r *http.Request) {
	number, err := numberParam(r)
	if err != nil {
		handleError(w, err)
		return
	}
	v, err := h.Engine.Store.CounterRead(r.Context(), number)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, CounterResponse{Number: number, Value: v}, http.StatusOK)
}

// CounterIncrementHandler handles POST /api/v1/counters/{number}.
func (h *HandlerContext) CounterIncrementHandler(w http.ResponseWriter, r *http.Request) {
	number, err := numberParam(r)
	if err != nil {
		handleError(w, err)
		return
	}
	v, err := h.Engine.Store.CounterIncrement(r.Context(), number)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, CounterResponse{Number: number, Value: v}, http.StatusOK)
}

// PolicyHandler handles POST /api/v1/policy.
func (h *HandlerContext) PolicyHandler(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if !decode(w, r, &req) {
		return
	}
	spec, err := req.spec()
	if err != nil {
		handleError(w, err)
		return
	}
	p, err := policy.Encode(spec)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, PolicyResponse{Policy: p, Hex: policyHex(p), Flags: p.String()}, http.StatusOK)
}

func (req PolicyRequest) spec() (policy.Spec, error) {
	spec := policy.Spec{
		KeySize:       req.KeySize,
		Exportable:    req.Exportable,
		TrustedExport: req.TrustedExport,
		NonSecure:     req.NonSecure,
		Temporary:     req.Temporary,
		FIPS:          req.FIPS,
	}
	var err error
	if spec.Family, err = policy.ParseFamily(req.Family); err != nil {
		return spec, err
	}
	if req.Direction != "" {
		if spec.Direction, err = policy.ParseDirection(req.Direction); err != nil {
			return spec, err
		}
	}
	if req.Mode != "" {
		if spec.Mode, err = policy.ParseCipherMode(req.Mode); err != nil {
			return spec, err
		}
	}
	if req.Hash != "" {
		if spec.Hash, err = types.ParseHashType(req.Hash); err != nil {
			return spec, err
		}
	}
	return spec, nil
}
