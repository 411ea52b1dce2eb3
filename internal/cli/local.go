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
	"context"
	"encoding/hex"
	"fmt"

	"github.com/jeremyhahn/go-hsm/internal/engine"
	"github.com/jeremyhahn/go-hsm/pkg/asset"
	"github.com/jeremyhahn/go-hsm/pkg/client"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// localClient serves client.Client from an in-process engine.
type localClient struct {
	engine *engine.Engine
}

func newLocalClient(eng *engine.Engine) *localClient {
	return &localClient{engine: eng}
}

func (c *localClient) Connect(ctx context.Context) error { return nil }

func (c *localClient) Close() error { return nil }

func (c *localClient) Health(ctx context.Context) (*client.HealthResponse, error) {
	return &client.HealthResponse{Status: "healthy", Message: "local engine " + c.engine.Name()}, nil
}

func (c *localClient) Hash(ctx context.Context, hash string, data []byte) (*client.DigestResponse, error) {
	t, err := hashType(hash)
	if err != nil {
		return nil, err
	}
	digest, err := c.engine.Digest(ctx, t, data)
	if err != nil {
		return nil, err
	}
	return &client.DigestResponse{Hash: t.String(), Digest: hex.EncodeToString(digest)}, nil
}

func (c *localClient) HMAC(ctx context.Context, hash string, key, data []byte) (*client.DigestResponse, error) {
	t, err := hashType(hash)
	if err != nil {
		return nil, err
	}
	mac, err := c.engine.MAC(ctx, t, key, data)
	if err != nil {
		return nil, err
	}
	return &client.DigestResponse{Hash: t.String(), Digest: hex.EncodeToString(mac)}, nil
}

func (c *localClient) Allocate(ctx context.Context, req *client.AllocateRequest) (*client.AssetInfo, error) {
	lifetime, err := types.ParseLifetime(req.Lifetime)
	if err != nil {
		return nil, err
	}
	id, err := c.engine.Store.Allocate(ctx, asset.AllocateParams{
		Policy:     req.Policy,
		Size:       req.Size,
		Lifetime:   lifetime,
		Exportable: req.Exportable,
	})
	if err != nil {
		return nil, err
	}
	return c.Info(ctx, id)
}

func (c *localClient) Info(ctx context.Context, id types.AssetID) (*client.AssetInfo, error) {
	info, err := c.engine.Store.Info(ctx, id)
	if err != nil {
		return nil, err
	}
	return &client.AssetInfo{
		ID:       info.ID.String(),
		Policy:   fmt.Sprintf("0x%016x", uint64(info.Policy)),
		Flags:    info.Policy.String(),
		Size:     info.Size,
		Loaded:   info.Loaded,
		Lifetime: info.Lifetime.String(),
	}, nil
}

func (c *localClient) Free(ctx context.Context, id types.AssetID) error {
	return c.engine.Store.Free(ctx, id)
}

func (c *localClient) LoadPlaintext(ctx context.Context, id types.AssetID, data []byte) error {
	return c.engine.Store.LoadPlaintext(ctx, id, data)
}

func (c *localClient) LoadRandom(ctx context.Context, id types.AssetID) error {
	return c.engine.Store.LoadRandom(ctx, id)
}

func (c *localClient) PublicData(ctx context.Context, id types.AssetID) ([]byte, error) {
	buf := make([]byte, policy.AssetSizeMax)
	n, err := c.engine.Store.PublicDataRead(ctx, id, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *localClient) Search(ctx context.Context, number int) (*client.AssetInfo, error) {
	id, size, err := c.engine.Store.Search(ctx, number)
	if err != nil {
		return nil, err
	}
	return &client.AssetInfo{
		ID:       id.String(),
		Size:     size,
		Loaded:   true,
		Lifetime: types.LifetimePersistent.String(),
	}, nil
}

func (c *localClient) RootKey(ctx context.Context) (*client.AssetInfo, error) {
	id, err := c.engine.Store.GetRootKey(ctx)
	if err != nil {
		return nil, err
	}
	if !id.IsValid() {
		return &client.AssetInfo{ID: id.String()}, nil
	}
	return c.Info(ctx, id)
}

func (c *localClient) CounterRead(ctx context.Context, number int) (uint64, error) {
	return c.engine.Store.CounterRead(ctx, number)
}

func (c *localClient) CounterIncrement(ctx context.Context, number int) (uint64, error) {
	return c.engine.Store.CounterIncrement(ctx, number)
}

func (c *localClient) EncodePolicy(ctx context.Context, req *client.PolicyRequest) (*client.PolicyResponse, error) {
	spec, err := policySpec(req)
	if err != nil {
		return nil, err
	}
	p, err := policy.Encode(spec)
	if err != nil {
		return nil, err
	}
	return &client.PolicyResponse{Policy: p, Hex: fmt.Sprintf("0x%016x", uint64(p)), Flags: p.String()}, nil
}

func hashType(name string) (types.HashType, error) {
	if name == "" {
		return types.HashSHA256, nil
	}
	return types.ParseHashType(name)
}

func policySpec(req *client.PolicyRequest) (policy.Spec, error) {
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

var _ client.Client = (*localClient)(nil)
