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

package types

import (
	"errors"
	"fmt"
)

var (
	// ErrBadArgument is returned for nil inputs, zero or oversized lengths,
	// disallowed key sizes and mutually exclusive flags. It is always
	// detected before a token is built.
	ErrBadArgument = errors.New("hsm: bad argument")

	// ErrInvalidLength is returned when a length is well formed but not
	// accepted for the asset or algorithm.
	ErrInvalidLength = errors.New("hsm: invalid length")

	// ErrInvalidLocation is returned when an asset is in the wrong lifecycle
	// state, e.g. loading an asset that is already loaded.
	ErrInvalidLocation = errors.New("hsm: invalid location")

	// ErrInvalidAsset is returned when a handle does not exist, was freed,
	// or does not match the requested operation.
	ErrInvalidAsset = errors.New("hsm: invalid asset")

	// ErrAccess is returned when the asset policy forbids the operation.
	ErrAccess = errors.New("hsm: access error")

	// ErrUnwrap is returned when a key blob fails authentication.
	ErrUnwrap = errors.New("hsm: unwrap error")

	// ErrVerify is returned when a signature or tag does not verify.
	ErrVerify = errors.New("hsm: verify error")

	// ErrResourceUnavailable is returned when the device lock could not be
	// obtained or the engine is out of resources.
	ErrResourceUnavailable = errors.New("hsm: resource unavailable")

	// ErrOperationFailed is returned for engine failures not otherwise classified.
	ErrOperationFailed = errors.New("hsm: operation failed")

	// ErrCanceled is returned to the caller of an operation that was canceled.
	// The engine-side effect, if any, has already happened.
	ErrCanceled = errors.New("hsm: operation canceled")

	// ErrBufferTooSmall is returned by export operations when the output
	// buffer cannot hold the blob. The required size is returned alongside.
	ErrBufferTooSmall = errors.New("hsm: buffer too small")
)

// ResultError carries the raw result code behind a classified error.
type ResultError struct {
	Code ResultCode
	Kind error
}

// Error implements error.
func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Code.String())
}

// Unwrap returns the error kind so errors.Is matches the sentinels.
func (e *ResultError) Unwrap() error {
	return e.Kind
}

// ErrorFromResult translates a result code into an error kind.
// It returns nil for success.
func ErrorFromResult(code ResultCode) error {
	var kind error
	switch code.Category() {
	case ResultSuccess:
		return nil
	case ResultInvalidParameter, ResultInvalidKeySize, ResultInvalidLength:
		kind = ErrInvalidLength
	case ResultInvalidLocation:
		kind = ErrInvalidLocation
	case ResultAccessError:
		kind = ErrAccess
	case ResultUnwrapError:
		kind = ErrUnwrap
	case ResultVerifyError:
		kind = ErrVerify
	case ResultInvalidAsset:
		kind = ErrInvalidAsset
	case ResultFullError:
		kind = ErrResourceUnavailable
	default:
		kind = ErrOperationFailed
	}
	return &ResultError{Code: code, Kind: kind}
}

// Kind returns a short snake_case label for err, used as a metrics label.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrBadArgument):
		return "bad_argument"
	case errors.Is(err, ErrInvalidLength):
		return "invalid_length"
	case errors.Is(err, ErrInvalidLocation):
		return "invalid_location"
	case errors.Is(err, ErrInvalidAsset):
		return "invalid_asset"
	case errors.Is(err, ErrAccess):
		return "access_error"
	case errors.Is(err, ErrUnwrap):
		return "unwrap_error"
	case errors.Is(err, ErrVerify):
		return "verify_error"
	case errors.Is(err, ErrResourceUnavailable):
		return "resource_unavailable"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrBufferTooSmall):
		return "buffer_too_small"
	default:
		return "operation_failed"
	}
}

var kindErrors = map[string]error{
	"bad_argument":         ErrBadArgument,
	"invalid_length":       ErrInvalidLength,
	"invalid_location":     ErrInvalidLocation,
	"invalid_asset":        ErrInvalidAsset,
	"access_error":         ErrAccess,
	"unwrap_error":         ErrUnwrap,
	"verify_error":         ErrVerify,
	"resource_unavailable": ErrResourceUnavailable,
	"canceled":             ErrCanceled,
	"buffer_too_small":     ErrBufferTooSmall,
	"operation_failed":     ErrOperationFailed,
}

// ErrorFromKind is the inverse of Kind. It returns nil for "none" and
// unknown labels.
func ErrorFromKind(kind string) error {
	return kindErrors[kind]
}
