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

// Package types contains shared type definitions used across go-hsm,
// including asset handles, result codes, hash variants and completion modes.
// This package has no dependencies on other go-hsm packages to prevent
// import cycles.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// AssetID is an opaque, hardware-issued handle to a secure object.
// It is never dereferenced; its only valid use is as an argument to the
// asset store and the drivers built on it.
type AssetID uint32

// InvalidAssetID is the sentinel handle. The hardware never issues it.
const InvalidAssetID AssetID = 0

// IsValid reports whether the handle is not the invalid sentinel.
func (id AssetID) IsValid() bool {
	return id != InvalidAssetID
}

// String returns the handle in the hexadecimal form used by the device logs.
func (id AssetID) String() string {
	return fmt.Sprintf("0x%08x", uint32(id))
}

// ParseAssetID parses a handle in decimal or 0x-prefixed hexadecimal.
// The invalid sentinel is rejected.
func ParseAssetID(s string) (AssetID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return InvalidAssetID, fmt.Errorf("%w: asset id %q", ErrBadArgument, s)
	}
	if v == 0 {
		return InvalidAssetID, fmt.Errorf("%w: asset id is zero", ErrBadArgument)
	}
	return AssetID(v), nil
}

// Lifetime describes how long an asset survives.
type Lifetime int

const (
	// LifetimeVolatile assets are lost on power cycle and must be freed.
	LifetimeVolatile Lifetime = iota
	// LifetimePersistent assets are provisioned in secure storage.
	LifetimePersistent
)

// String returns the lifetime name.
func (l Lifetime) String() string {
	switch l {
	case LifetimeVolatile:
		return "volatile"
	case LifetimePersistent:
		return "persistent"
	default:
		return fmt.Sprintf("lifetime(%d)", int(l))
	}
}

// CompletionMode selects how a caller learns that a submitted token has
// produced a result.
type CompletionMode int

const (
	// ModePolling spins on the result flag in the caller's goroutine.
	ModePolling CompletionMode = iota
	// ModeBlocking parks the caller until the device signals completion.
	ModeBlocking
	// ModeCallback returns immediately; post-processing runs later on the
	// delivery goroutine.
	ModeCallback
)

// String returns the completion mode name.
func (m CompletionMode) String() string {
	switch m {
	case ModePolling:
		return "polling"
	case ModeBlocking:
		return "blocking"
	case ModeCallback:
		return "callback"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseLifetime parses a lifetime name. Empty means volatile.
func ParseLifetime(s string) (Lifetime, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "volatile":
		return LifetimeVolatile, nil
	case "persistent":
		return LifetimePersistent, nil
	default:
		return 0, fmt.Errorf("%w: unknown lifetime %q", ErrBadArgument, s)
	}
}

// ParseCompletionMode parses a completion mode name.
func ParseCompletionMode(s string) (CompletionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "polling", "poll":
		return ModePolling, nil
	case "blocking", "block", "":
		return ModeBlocking, nil
	case "callback":
		return ModeCallback, nil
	default:
		return 0, fmt.Errorf("%w: unknown completion mode %q", ErrBadArgument, s)
	}
}

// HashType identifies a SHA-2 variant supported by the engine.
type HashType int

const (
	HashSHA224 HashType = iota
	HashSHA256
	HashSHA384
	HashSHA512
)

// BlockSize returns the compression block size in bytes.
func (h HashType) BlockSize() int {
	switch h {
	case HashSHA384, HashSHA512:
		return 128
	default:
		return 64
	}
}

// DigestSize returns the final digest length in bytes.
func (h HashType) DigestSize() int {
	switch h {
	case HashSHA224:
		return 28
	case HashSHA256:
		return 32
	case HashSHA384:
		return 48
	case HashSHA512:
		return 64
	default:
		return 0
	}
}

// IntermediateSize returns the length of the chaining state the engine
// hands back between segments. The truncated variants carry the full
// state of their parent function.
func (h HashType) IntermediateSize() int {
	switch h {
	case HashSHA224, HashSHA256:
		return 32
	case HashSHA384, HashSHA512:
		return 64
	default:
		return 0
	}
}

// Valid reports whether h is a known variant.
func (h HashType) Valid() bool {
	return h >= HashSHA224 && h <= HashSHA512
}

// String returns the variant name.
func (h HashType) String() string {
	switch h {
	case HashSHA224:
		return "sha224"
	case HashSHA256:
		return "sha256"
	case HashSHA384:
		return "sha384"
	case HashSHA512:
		return "sha512"
	default:
		return fmt.Sprintf("hash(%d)", int(h))
	}
}

// ParseHashType parses a variant name such as "sha256" or "SHA-384".
func ParseHashType(s string) (HashType, error) {
	n := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	switch n {
	case "sha224":
		return HashSHA224, nil
	case "sha256":
		return HashSHA256, nil
	case "sha384":
		return HashSHA384, nil
	case "sha512":
		return HashSHA512, nil
	default:
		return 0, fmt.Errorf("%w: unknown hash type %q", ErrBadArgument, s)
	}
}

// AllHashTypes returns every supported variant.
func AllHashTypes() []HashType {
	return []HashType{HashSHA224, HashSHA256, HashSHA384, HashSHA512}
}
