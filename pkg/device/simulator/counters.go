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
	"math"

	"github.com/jeremyhahn/go-hsm/pkg/device"
	"github.com/jeremyhahn/go-hsm/pkg/storage"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

func (s *Simulator) counterEntry(number int) (*assetEntry, *device.Result) {
	e, found := s.assets.byNumber[number]
	if !found || !e.counter {
		return nil, device.Fail(types.ResultInvalidAsset)
	}
	return e, nil
}

func (s *Simulator) counterRead(req *device.Request) *device.Result {
	e, fail := s.counterEntry(req.Number)
	if fail != nil {
		return fail
	}
	v, err := storage.ReadCounter(s.storage, req.Number)
	if err != nil {
		s.logger.Warn("counter read failed", "device", s.name, "number", req.Number, "error", err)
		return device.Fail(types.ResultPanicError)
	}
	return &device.Result{Code: types.ResultSuccess, Asset: e.id, Counter: v}
}

func (s *Simulator) counterIncrement(req *device.Request) *device.Result {
	e, fail := s.counterEntry(req.Number)
	if fail != nil {
		return fail
	}
	v, err := storage.ReadCounter(s.storage, req.Number)
	if err != nil {
		s.logger.Warn("counter read failed", "device", s.name, "number", req.Number, "error", err)
		return device.Fail(types.ResultPanicError)
	}
	if v == math.MaxUint64 {
		return device.Fail(types.ResultOTPWriteError)
	}
	if err := storage.WriteCounter(s.storage, req.Number, v+1); err != nil {
		s.logger.Warn("counter write failed", "device", s.name, "number", req.Number, "error", err)
		return device.Fail(types.ResultOTPWriteError)
	}
	return &device.Result{Code: types.ResultSuccess, Asset: e.id, Counter: v + 1}
}
