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
	"fmt"

	"github.com/jeremyhahn/go-hsm/pkg/asset"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// HashRequest asks for a digest, or an HMAC when Key is set.
type HashRequest struct {
	Hash string `json:"hash"`
	Key  []byte `json:"key,omitempty"`
	Data []byte `json:"data"`
}

// HashResponse carries a hex digest.
type HashResponse struct {
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

// AssetResponse describes an asset.
type AssetResponse struct {
	ID       string `json:"id"`
	Policy   string `json:"policy,omitempty"`
	Flags    string `json:"flags,omitempty"`
	Size     int    `json:"size"`
	Loaded   bool   `json:"loaded"`
	Lifetime string `json:"lifetime,omitempty"`
}

func newAssetResponse(info asset.Info) AssetResponse {
	return AssetResponse{
		ID:       info.ID.String(),
		Policy:   policyHex(info.Policy),
		Flags:    info.Policy.String(),
		Size:     info.Size,
		Loaded:   info.Loaded,
		Lifetime: info.Lifetime.String(),
	}
}

// LoadRequest carries plaintext asset contents.
type LoadRequest struct {
	Data []byte `json:"data"`
}

// PublicDataResponse carries the contents of a public asset.
type PublicDataResponse struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// CounterResponse carries a counter value.
type CounterResponse struct {
	Number int    `json:"number"`
	Value  uint64 `json:"value"`
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

func policyHex(p policy.Policy) string {
	return fmt.Sprintf("0x%016x", uint64(p))
}
