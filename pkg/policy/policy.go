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

// Package policy encodes asset capabilities into the 64-bit policy bitmask
// consumed by the secure engine, and validates asset sizes against the
// per-family allow-lists the engine enforces.
package policy

import (
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// Policy is the immutable capability bitmask attached to an asset at
// allocation time.
type Policy uint64

// General policy bits.
const (
	NonModifiable   Policy = 0x0000000000000001
	Temporary       Policy = 0x0000000000000002
	Exportable      Policy = 0x0000000000000004
	TrustedExport   Policy = 0x0000000000000008
	SourceNonSecure Policy = 0x0000000000000100
	CrossDomain     Policy = 0x0000000000000200
	NoDomain        Policy = 0x0000000000000400
	PrivateData     Policy = 0x0000000000000800
	FIPSApproved    Policy = 0x0000000000001000
	SymCrypto       Policy = 0x0000000000002000
	AsymCrypto      Policy = 0x0000000000004000
)

// Generic data usage. These share the usage field with the symmetric
// usage values and are only meaningful for generic data assets.
const (
	GDMonotonic Policy = 0x0000000000000000
	GDHUK       Policy = 0x0000000000050000
)

// Symmetric usage.
const (
	UsageHash       Policy = 0x0000000000000000
	UsageMacHash    Policy = 0x0000000000010000
	UsageMacCipher  Policy = 0x0000000000020000
	UsageCipherBulk Policy = 0x0000000000030000
	UsageCipherAuth Policy = 0x0000000000040000
	UsageWrap       Policy = 0x0000000000050000
	UsageDerive     Policy = 0x0000000000060000
)

// Direction.
const (
	DirNotUsed   Policy = 0x0000000000000000
	DirEncGen    Policy = 0x0000000000100000
	DirDecVerify Policy = 0x0000000000200000
	DirEncDec    Policy = 0x0000000000300000
)

// Hash algorithms.
const (
	HashSHA1   Policy = 0x0000000000400000
	HashSHA224 Policy = 0x0000000001000000
	HashSHA256 Policy = 0x0000000001400000
	HashSHA384 Policy = 0x0000000001800000
	HashSHA512 Policy = 0x0000000001C00000
)

// Cipher algorithms.
const (
	CipherAES      Policy = 0x0000000000000000
	CipherTDES     Policy = 0x0000000000400000
	CipherChaCha20 Policy = 0x0000000000800000
)

// Wrap algorithms.
const (
	WrapAESSIV Policy = 0x0000000000000000
	WrapKey    Policy = 0x0000000008000000
)

// Key derivation flavours. They occupy the direction field.
const (
	DeriveTrusted    Policy = 0x0000000000000000
	DeriveNormalHash Policy = 0x0000000000100000
	DeriveNormalHMAC Policy = 0x0000000000300000
	DeriveNormalCMAC Policy = 0x0000000000200000
)

// Cipher modes.
const (
	ModeECB   Policy = 0x0000000000000000
	ModeCBC   Policy = 0x0000000008000000
	ModeCTR32 Policy = 0x0000000018000000
	ModeGCM   Policy = 0x0000000008000000
	ModeCMAC  Policy = 0x0000000000000000
)

// Composite bases.
const (
	SymBase    = NonModifiable | PrivateData | SymCrypto
	SymTemp    = Temporary | PrivateData | SymCrypto
	AsymBase   = NonModifiable | AsymCrypto
	SymMacHash = SymBase | UsageMacHash
	SymBulk    = SymBase | UsageCipherBulk
	SymWrap    = SymBase | UsageWrap
	SymDerive  = SymBase | UsageDerive
)

// Field masks.
const (
	maskCategory  Policy = 0x0000000000006000
	maskUsage     Policy = 0x00000000000F0000
	maskDirection Policy = 0x0000000000300000
	maskHash      Policy = 0x0000000003C00000
	maskCipher    Policy = 0x0000000001C00000
	maskMode      Policy = 0x0000000038000000
	maskWrap      Policy = 0x0000000018000000
)

// Has reports whether every bit in bits is set.
func (p Policy) Has(bits Policy) bool {
	return p&bits == bits
}

// IsSymmetric reports whether the asset belongs to the symmetric category.
func (p Policy) IsSymmetric() bool {
	return p&maskCategory == SymCrypto
}

// IsAsymmetric reports whether the asset belongs to the asymmetric category.
func (p Policy) IsAsymmetric() bool {
	return p&maskCategory == AsymCrypto
}

// IsGenericData reports whether the asset holds generic (non-crypto) data.
func (p Policy) IsGenericData() bool {
	return p&maskCategory == 0
}

// Usage returns the usage field.
func (p Policy) Usage() Policy { return p & maskUsage }

// Direction returns the direction field.
func (p Policy) Direction() Policy { return p & maskDirection }

// DeriveKind returns the derivation flavour of a derive asset.
func (p Policy) DeriveKind() Policy { return p & maskDirection }

// HashAlgorithm returns the hash algorithm field.
func (p Policy) HashAlgorithm() Policy { return p & maskHash }

// CipherAlgorithm returns the cipher algorithm field.
func (p Policy) CipherAlgorithm() Policy { return p & maskCipher }

// Mode returns the cipher mode field.
func (p Policy) Mode() Policy { return p & maskMode }

// WrapAlgorithm returns the wrap algorithm field.
func (p Policy) WrapAlgorithm() Policy { return p & maskWrap }

// HashBits returns the policy bits for a SHA-2 variant.
func HashBits(h types.HashType) (Policy, error) {
	switch h {
	case types.HashSHA224:
		return HashSHA224, nil
	case types.HashSHA256:
		return HashSHA256, nil
	case types.HashSHA384:
		return HashSHA384, nil
	case types.HashSHA512:
		return HashSHA512, nil
	default:
		return 0, fmt.Errorf("%w: unsupported hash %s", types.ErrBadArgument, h)
	}
}

// HashType returns the SHA-2 variant encoded in the hash field.
func (p Policy) HashType() (types.HashType, bool) {
	switch p.HashAlgorithm() {
	case HashSHA224:
		return types.HashSHA224, true
	case HashSHA256:
		return types.HashSHA256, true
	case HashSHA384:
		return types.HashSHA384, true
	case HashSHA512:
		return types.HashSHA512, true
	default:
		return 0, false
	}
}

// String renders the set flags and fields for logs.
func (p Policy) String() string {
	var parts []string
	flags := []struct {
		bit  Policy
		name string
	}{
		{NonModifiable, "nonmodifiable"},
		{Temporary, "temporary"},
		{Exportable, "exportable"},
		{TrustedExport, "trustexport"},
		{SourceNonSecure, "nonsecure"},
		{CrossDomain, "crossdomain"},
		{NoDomain, "nodomain"},
		{PrivateData, "private"},
		{FIPSApproved, "fips"},
	}
	for _, f := range flags {
		if p.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}

	switch {
	case p.IsSymmetric():
		parts = append(parts, "sym", usageName(p.Usage()))
	case p.IsAsymmetric():
		parts = append(parts, "asym")
	default:
		parts = append(parts, "data")
	}

	return fmt.Sprintf("0x%016x[%s]", uint64(p), strings.Join(parts, ","))
}

func usageName(u Policy) string {
	switch u {
	case UsageHash:
		return "hash"
	case UsageMacHash:
		return "machash"
	case UsageMacCipher:
		return "maccipher"
	case UsageCipherBulk:
		return "cipherbulk"
	case UsageCipherAuth:
		return "cipherauth"
	case UsageWrap:
		return "wrap"
	case UsageDerive:
		return "derive"
	default:
		return fmt.Sprintf("usage(0x%x)", uint64(u))
	}
}
