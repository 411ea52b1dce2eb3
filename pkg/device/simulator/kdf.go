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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/jeremyhahn/go-hsm/pkg/device"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

func validLabel(label []byte) bool {
	return len(label) >= policy.KDFLabelMin && len(label) <= policy.KDFLabelMax
}

func (s *Simulator) loadDerive(req *device.Request) *device.Result {
	if req.CounterMode && req.ExtractThenExpand {
		return device.Fail(types.ResultInvalidParameter)
	}
	target, fail := s.loadable(req.Asset)
	if fail != nil {
		return fail
	}
	base, fail := s.usable(req.BaseKey, policy.UsageDerive)
	if fail != nil {
		return fail
	}
	if !validLabel(req.Label) {
		return device.Fail(types.ResultInvalidLength)
	}

	// The derived value is bound to the target policy.
	fixed := fixedInput(req.Label, req.Salt, target.policy, target.size)

	var out []byte
	switch {
	case req.ExtractThenExpand:
		ht, ok := base.policy.HashType()
		if !ok {
			ht = types.HashSHA256
		}
		out = make([]byte, target.size)
		r := hkdf.New(newHash(ht), base.data, req.Salt, fixed)
		if _, err := io.ReadFull(r, out); err != nil {
			return device.Fail(types.ResultInvalidLength)
		}
	case req.CounterMode:
		out = counterKDF(base.data, fixed, target.size)
	default:
		out = feedbackKDF(base.data, req.IV, fixed, target.size)
	}

	target.data = out
	target.loaded = true
	return &device.Result{Code: types.ResultSuccess, Asset: target.id, Size: target.size}
}

// fixedInput is Label || 0x00 || Context || policy || [L]32, where L is
// the output length in bits.
func fixedInput(label, salt []byte, p policy.Policy, size int) []byte {
	buf := make([]byte, 0, len(label)+1+len(salt)+8+4)
	buf = append(buf, label...)
	buf = append(buf, 0x00)
	buf = append(buf, salt...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p))
	buf = binary.BigEndian.AppendUint32(buf, uint32(size)*8)
	return buf
}

// counterKDF is NIST SP 800-108 counter mode with HMAC-SHA-256.
func counterKDF(key, fixed []byte, size int) []byte {
	prf := hmac.New(sha256.New, key)
	out := make([]byte, 0, size+prf.Size())
	for i := uint32(1); len(out) < size; i++ {
		prf.Reset()
		prf.Write(binary.BigEndian.AppendUint32(nil, i))
		prf.Write(fixed)
		out = prf.Sum(out)
	}
	return out[:size]
}

// feedbackKDF is NIST SP 800-108 feedback mode with HMAC-SHA-256 and
// K(0) = iv.
func feedbackKDF(key, iv, fixed []byte, size int) []byte {
	prf := hmac.New(sha256.New, key)
	out := make([]byte, 0, size+prf.Size())
	prev := iv
	for i := uint32(1); len(out) < size; i++ {
		prev = block(prf, prev, i, fixed)
		out = append(out, prev...)
	}
	return out[:size]
}

func block(prf hash.Hash, prev []byte, i uint32, fixed []byte) []byte {
	prf.Reset()
	prf.Write(prev)
	prf.Write(binary.BigEndian.AppendUint32(nil, i))
	prf.Write(fixed)
	return prf.Sum(nil)
}
