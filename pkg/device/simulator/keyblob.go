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

package simulator

import (
	"github.com/google/tink/go/daead/subtle"

	"github.com/jeremyhahn/go-hsm/pkg/device"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// kek returns the AES-SIV cipher of a wrap asset permitted for dir.
func (s *Simulator) kek(id types.AssetID, dir policy.Policy) (*subtle.AESSIV, types.ResultCode) {
	e, fail := s.usable(id, policy.UsageWrap)
	if fail != nil {
		return nil, fail.Code
	}
	if e.policy.WrapAlgorithm() != policy.WrapAESSIV {
		return nil, types.ResultAccessError
	}
	if e.policy.Direction()&dir != dir {
		return nil, types.ResultAccessError
	}
	siv, err := subtle.NewAESSIV(e.data)
	if err != nil {
		return nil, types.ResultInvalidKeySize
	}
	return siv, types.ResultSuccess
}

func validAAD(aad []byte) bool {
	return len(aad) >= policy.KeyBlobAADMin && len(aad) <= policy.KeyBlobAADMax
}

// wrap produces a key blob of data under kek.
func (s *Simulator) wrap(kek types.AssetID, aad, data []byte) ([]byte, types.ResultCode) {
	if !validAAD(aad) {
		return nil, types.ResultInvalidLength
	}
	siv, code := s.kek(kek, policy.DirEncGen)
	if !code.OK() {
		return nil, code
	}
	blob, err := siv.EncryptDeterministically(data, aad)
	if err != nil {
		return nil, types.ResultPanicError
	}
	return blob, types.ResultSuccess
}

func (s *Simulator) loadImport(req *device.Request) *device.Result {
	e, fail := s.loadable(req.Asset)
	if fail != nil {
		return fail
	}
	if !validAAD(req.AAD) || len(req.Blob) != policy.KeyBlobSize(e.size) {
		return device.Fail(types.ResultInvalidLength)
	}
	siv, code := s.kek(req.KEK, policy.DirDecVerify)
	if !code.OK() {
		return device.Fail(code)
	}
	data, err := siv.DecryptDeterministically(req.Blob, req.AAD)
	if err != nil {
		return device.Fail(types.ResultUnwrapError)
	}
	e.data = data
	e.loaded = true
	return &device.Result{Code: types.ResultSuccess, Asset: e.id, Size: e.size}
}
