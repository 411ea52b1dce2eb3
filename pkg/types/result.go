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

import "fmt"

// ResultCode is the status word returned in a result token. The low eight
// bits hold the category; the remaining bits carry detail such as the
// failing sub-operation.
type ResultCode int32

// ResultMask selects the category bits of a ResultCode.
const ResultMask ResultCode = 0xFF

// Result categories reported by the engine.
const (
	ResultSuccess          ResultCode = 0
	ResultInvalidToken     ResultCode = 1
	ResultInvalidParameter ResultCode = 2
	ResultInvalidKeySize   ResultCode = 3
	ResultInvalidLength    ResultCode = 4
	ResultInvalidLocation  ResultCode = 5
	ResultClockError       ResultCode = 6
	ResultAccessError      ResultCode = 7
	ResultUnwrapError      ResultCode = 10
	ResultDataOverrun      ResultCode = 11
	ResultAssetChecksum    ResultCode = 12
	ResultInvalidAsset     ResultCode = 13
	ResultFullError        ResultCode = 14
	ResultInvalidAddress   ResultCode = 15
	ResultInvalidModulus   ResultCode = 17
	ResultVerifyError      ResultCode = 18
	ResultInvalidState     ResultCode = 19
	ResultOTPWriteError    ResultCode = 20
	ResultPanicError       ResultCode = 23
)

var resultNames = map[ResultCode]string{
	ResultSuccess:          "success",
	ResultInvalidToken:     "invalid token",
	ResultInvalidParameter: "invalid parameter",
	ResultInvalidKeySize:   "invalid key size",
	ResultInvalidLength:    "invalid length",
	ResultInvalidLocation:  "invalid location",
	ResultClockError:       "clock error",
	ResultAccessError:      "access error",
	ResultUnwrapError:      "unwrap error",
	ResultDataOverrun:      "data overrun",
	ResultAssetChecksum:    "asset checksum error",
	ResultInvalidAsset:     "invalid asset",
	ResultFullError:        "full error",
	ResultInvalidAddress:   "invalid address",
	ResultInvalidModulus:   "invalid modulus",
	ResultVerifyError:      "verify error",
	ResultInvalidState:     "invalid state",
	ResultOTPWriteError:    "OTP write error",
	ResultPanicError:       "panic error",
}

// NewResultCode builds a code from a category and a detail value.
func NewResultCode(category ResultCode, detail int32) ResultCode {
	return (category & ResultMask) | ResultCode(detail<<8)
}

// Category returns the category bits.
func (c ResultCode) Category() ResultCode {
	return c & ResultMask
}

// Detail returns the bits above the category.
func (c ResultCode) Detail() int32 {
	return int32(c) >> 8
}

// OK reports whether the category is success.
func (c ResultCode) OK() bool {
	return c.Category() == ResultSuccess
}

// String returns the category name, with the detail when present.
func (c ResultCode) String() string {
	name, ok := resultNames[c.Category()]
	if !ok {
		name = fmt.Sprintf("result %d", int32(c.Category()))
	}
	if d := c.Detail(); d != 0 {
		return fmt.Sprintf("%s (detail %d)", name, d)
	}
	return name
}
