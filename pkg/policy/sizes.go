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

package policy

import (
	"fmt"
	"slices"

	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// Engine limits.
const (
	// AssetSizeMax is the largest asset the engine stores, in bytes.
	AssetSizeMax = (96 + 3072 + 3072 + 256) / 8

	// AssetNumberMax is the highest static asset number.
	AssetNumberMax = 126

	// KDFLabelMin and KDFLabelMax bound the derivation label length.
	KDFLabelMin = 53
	KDFLabelMax = 204

	// KeyBlobAADMin and KeyBlobAADMax bound the key blob associated data.
	KeyBlobAADMin = 33
	KeyBlobAADMax = 224

	// KeyBlobOverhead is the authentication tag added to a wrapped asset.
	KeyBlobOverhead = 16

	// KeyBlobKEKSize is the size of an AES-SIV key blob encryption key.
	KeyBlobKEKSize = 64

	// HMACKeyMax is the largest key a MAC-hash asset accepts.
	HMACKeyMax = 128
)

// KeyBlobSize returns the size of a key blob wrapping size bytes.
func KeyBlobSize(size int) int {
	return size + KeyBlobOverhead
}

// sizeRule is either a discrete allow-list or an inclusive range.
type sizeRule struct {
	name    string
	allowed []int
	min     int
	max     int
}

func (r sizeRule) permits(size int) bool {
	if len(r.allowed) > 0 {
		return slices.Contains(r.allowed, size)
	}
	return size >= r.min && size <= r.max
}

var (
	ruleAES          = sizeRule{name: "aes", allowed: []int{16, 24, 32}}
	ruleTDES         = sizeRule{name: "tdes", allowed: []int{24}}
	ruleChaCha20     = sizeRule{name: "chacha20", allowed: []int{32}}
	ruleHMAC         = sizeRule{name: "hmac", min: 1, max: HMACKeyMax}
	ruleKeyBlob      = sizeRule{name: "keyblob", allowed: []int{KeyBlobKEKSize}}
	ruleKeyWrap      = sizeRule{name: "keywrap", allowed: []int{16, 24, 32}}
	ruleTrustedKDK   = sizeRule{name: "derive-trusted", allowed: []int{32}}
	ruleNormalKDK    = sizeRule{name: "derive-normal", allowed: []int{16, 32, 48, 56}}
	ruleCMACKDK      = sizeRule{name: "derive-cmac", allowed: []int{16, 24, 32}}
	ruleHashState    = sizeRule{name: "hash", min: 1, max: 64}
	ruleGeneric      = sizeRule{name: "data", min: 1, max: AssetSizeMax}
	ruleUnrestricted = sizeRule{name: "any", min: 1, max: AssetSizeMax}
)

// ruleFor selects the size rule for an encoded policy.
func ruleFor(p Policy) sizeRule {
	if !p.IsSymmetric() {
		if p.IsGenericData() {
			return ruleGeneric
		}
		return ruleUnrestricted
	}

	switch p.Usage() {
	case UsageHash:
		return ruleHashState
	case UsageMacHash:
		return ruleHMAC
	case UsageMacCipher, UsageCipherBulk, UsageCipherAuth:
		switch p.CipherAlgorithm() {
		case CipherTDES:
			return ruleTDES
		case CipherChaCha20:
			return ruleChaCha20
		default:
			return ruleAES
		}
	case UsageWrap:
		if p.WrapAlgorithm() == WrapKey {
			return ruleKeyWrap
		}
		return ruleKeyBlob
	case UsageDerive:
		switch p.DeriveKind() {
		case DeriveTrusted:
			return ruleTrustedKDK
		case DeriveNormalCMAC:
			return ruleCMACKDK
		default:
			return ruleNormalKDK
		}
	default:
		return ruleUnrestricted
	}
}

// ValidateSize checks size against the absolute maximum and the allow-list
// of the family encoded in p. The returned error matches both
// types.ErrBadArgument and types.ErrInvalidLength.
func ValidateSize(p Policy, size int) error {
	if size <= 0 || size > AssetSizeMax {
		return fmt.Errorf("%w: %w: size %d outside 1..%d", types.ErrBadArgument, types.ErrInvalidLength, size, AssetSizeMax)
	}
	rule := ruleFor(p)
	if !rule.permits(size) {
		return fmt.Errorf("%w: %w: size %d not permitted for %s", types.ErrBadArgument, types.ErrInvalidLength, size, rule.name)
	}
	return nil
}

// AllowedSizes returns the discrete allow-list of a family, or nil when the
// family accepts a range.
func AllowedSizes(f Family) []int {
	var rule sizeRule
	switch f {
	case FamilyAES, FamilyAESGCM, FamilyAESCMAC:
		rule = ruleAES
	case FamilyTDES:
		rule = ruleTDES
	case FamilyChaCha20:
		rule = ruleChaCha20
	case FamilyKeyBlob:
		rule = ruleKeyBlob
	case FamilyKeyWrap:
		rule = ruleKeyWrap
	case FamilyDeriveTrusted:
		rule = ruleTrustedKDK
	case FamilyDeriveHMAC, FamilyDeriveHash:
		rule = ruleNormalKDK
	case FamilyDeriveCMAC:
		rule = ruleCMACKDK
	default:
		return nil
	}
	return slices.Clone(rule.allowed)
}
