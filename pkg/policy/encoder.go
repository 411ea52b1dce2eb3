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
	"strings"

	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// Family is an abstract algorithm family.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyAES
	FamilyAESGCM
	FamilyAESCMAC
	FamilyTDES
	FamilyChaCha20
	FamilyHMAC
	FamilyKeyBlob
	FamilyKeyWrap
	FamilyDeriveTrusted
	FamilyDeriveHMAC
	FamilyDeriveHash
	FamilyDeriveCMAC
	FamilyData
)

var familyNames = map[Family]string{
	FamilyAES:           "aes",
	FamilyAESGCM:        "aes-gcm",
	FamilyAESCMAC:       "aes-cmac",
	FamilyTDES:          "tdes",
	FamilyChaCha20:      "chacha20",
	FamilyHMAC:          "hmac",
	FamilyKeyBlob:       "keyblob",
	FamilyKeyWrap:       "keywrap",
	FamilyDeriveTrusted: "derive-trusted",
	FamilyDeriveHMAC:    "derive-hmac",
	FamilyDeriveHash:    "derive-hash",
	FamilyDeriveCMAC:    "derive-cmac",
	FamilyData:          "data",
}

// String returns the family name.
func (f Family) String() string {
	if n, ok := familyNames[f]; ok {
		return n
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// ParseFamily parses a family name as printed by Family.String.
func ParseFamily(s string) (Family, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	for f, name := range familyNames {
		if name == n {
			return f, nil
		}
	}
	return FamilyUnknown, fmt.Errorf("%w: unknown family %q", types.ErrBadArgument, s)
}

// Direction is the permitted direction of a key.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionEncrypt
	DirectionDecrypt
	DirectionBoth
)

// ParseDirection parses "encrypt", "decrypt", "both" or "none".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return DirectionNone, nil
	case "encrypt", "enc", "generate":
		return DirectionEncrypt, nil
	case "decrypt", "dec", "verify":
		return DirectionDecrypt, nil
	case "both", "encdec":
		return DirectionBoth, nil
	default:
		return DirectionNone, fmt.Errorf("%w: unknown direction %q", types.ErrBadArgument, s)
	}
}

// CipherMode is the block mode of a bulk cipher key.
type CipherMode int

const (
	CipherModeNone CipherMode = iota
	CipherModeECB
	CipherModeCBC
	CipherModeCTR32
)

// ParseCipherMode parses "ecb", "cbc" or "ctr".
func ParseCipherMode(s string) (CipherMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CipherModeNone, nil
	case "ecb":
		return CipherModeECB, nil
	case "cbc":
		return CipherModeCBC, nil
	case "ctr", "ctr32":
		return CipherModeCTR32, nil
	default:
		return CipherModeNone, fmt.Errorf("%w: unknown cipher mode %q", types.ErrBadArgument, s)
	}
}

// Spec is an abstract capability description.
type Spec struct {
	Family    Family
	Direction Direction
	Mode      CipherMode
	// Hash selects the digest for HMAC keys and HMAC/hash based derivation keys.
	Hash types.HashType
	// KeySize is validated against the family allow-list when non-zero.
	KeySize       int
	Exportable    bool
	TrustedExport bool
	NonSecure     bool
	Temporary     bool
	FIPS          bool
}

// Encode translates spec into a policy bitmask. It is a pure function and
// never clamps: an unsupported combination or a disallowed key size is
// reported as types.ErrBadArgument.
func Encode(spec Spec) (Policy, error) {
	p, err := familyBits(spec)
	if err != nil {
		return 0, err
	}

	switch {
	case spec.Family == FamilyData:
		if spec.Temporary {
			p = p&^NonModifiable | Temporary
		}
	case spec.Temporary:
		p |= SymTemp
	default:
		p |= SymBase
	}
	if spec.Exportable {
		p |= Exportable
	}
	if spec.TrustedExport {
		p |= TrustedExport
	}
	if spec.NonSecure {
		p |= SourceNonSecure
	}
	if spec.FIPS {
		p |= FIPSApproved
	}

	if spec.KeySize != 0 {
		if err := ValidateSize(p, spec.KeySize); err != nil {
			return 0, fmt.Errorf("policy: %s: %w", spec.Family, err)
		}
	}
	return p, nil
}

// MustEncode is Encode for static tables; it panics on error.
func MustEncode(spec Spec) Policy {
	p, err := Encode(spec)
	if err != nil {
		panic(err)
	}
	return p
}

func directionBits(d Direction) (Policy, error) {
	switch d {
	case DirectionEncrypt:
		return DirEncGen, nil
	case DirectionDecrypt:
		return DirDecVerify, nil
	case DirectionBoth:
		return DirEncDec, nil
	default:
		return 0, fmt.Errorf("%w: direction required", types.ErrBadArgument)
	}
}

func modeBits(m CipherMode) (Policy, error) {
	switch m {
	case CipherModeECB:
		return ModeECB, nil
	case CipherModeCBC:
		return ModeCBC, nil
	case CipherModeCTR32:
		return ModeCTR32, nil
	default:
		return 0, fmt.Errorf("%w: cipher mode required", types.ErrBadArgument)
	}
}

// familyBits returns the usage, algorithm, mode and direction bits of a
// family, enforcing the fields each family requires.
func familyBits(spec Spec) (Policy, error) {
	bad := func(format string, args ...any) (Policy, error) {
		return 0, fmt.Errorf("%w: %s: %s", types.ErrBadArgument, spec.Family, fmt.Sprintf(format, args...))
	}

	switch spec.Family {
	case FamilyAES, FamilyTDES, FamilyChaCha20:
		dir, err := directionBits(spec.Direction)
		if err != nil {
			return bad("%v", err)
		}
		alg := CipherAES
		switch spec.Family {
		case FamilyTDES:
			alg = CipherTDES
		case FamilyChaCha20:
			alg = CipherChaCha20
		}
		var mode Policy
		if spec.Family == FamilyChaCha20 {
			if spec.Mode != CipherModeNone {
				return bad("chacha20 takes no block mode")
			}
		} else {
			if mode, err = modeBits(spec.Mode); err != nil {
				return bad("%v", err)
			}
		}
		return UsageCipherBulk | alg | mode | dir, nil

	case FamilyAESGCM:
		dir, err := directionBits(spec.Direction)
		if err != nil {
			return bad("%v", err)
		}
		return UsageCipherAuth | CipherAES | ModeGCM | dir, nil

	case FamilyAESCMAC:
		dir, err := directionBits(spec.Direction)
		if err != nil {
			return bad("%v", err)
		}
		return UsageMacCipher | CipherAES | ModeCMAC | dir, nil

	case FamilyHMAC:
		dir, err := directionBits(spec.Direction)
		if err != nil {
			return bad("%v", err)
		}
		h, err := HashBits(spec.Hash)
		if err != nil {
			return bad("%v", err)
		}
		return UsageMacHash | h | dir, nil

	case FamilyKeyBlob, FamilyKeyWrap:
		dir, err := directionBits(spec.Direction)
		if err != nil {
			return bad("%v", err)
		}
		alg := WrapAESSIV
		if spec.Family == FamilyKeyWrap {
			alg = WrapKey
		}
		return UsageWrap | alg | dir, nil

	case FamilyDeriveTrusted, FamilyDeriveHMAC, FamilyDeriveHash, FamilyDeriveCMAC:
		if spec.Direction != DirectionNone {
			return bad("derivation keys take no direction")
		}
		switch spec.Family {
		case FamilyDeriveTrusted:
			return UsageDerive | DeriveTrusted, nil
		case FamilyDeriveCMAC:
			return UsageDerive | DeriveNormalCMAC | CipherAES, nil
		}
		h, err := HashBits(spec.Hash)
		if err != nil {
			return bad("%v", err)
		}
		kind := DeriveNormalHMAC
		if spec.Family == FamilyDeriveHash {
			kind = DeriveNormalHash
		}
		return UsageDerive | kind | h, nil

	case FamilyData:
		return PrivateData | NonModifiable, nil

	default:
		return bad("unknown family")
	}
}
