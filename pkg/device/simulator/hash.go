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
	"crypto/sha512"
	"encoding"
	"encoding/binary"
	"errors"
	"hash"

	"github.com/jeremyhahn/go-hsm/pkg/device"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

var errHashState = errors.New("simulator: invalid hash state")

func newHash(t types.HashType) func() hash.Hash {
	switch t {
	case types.HashSHA224:
		return sha256.New224
	case types.HashSHA256:
		return sha256.New
	case types.HashSHA384:
		return sha512.New384
	case types.HashSHA512:
		return sha512.New
	default:
		return nil
	}
}

// stateMagic is the header of the crypto/sha256 and crypto/sha512
// binary state encoding.
func stateMagic(t types.HashType) string {
	switch t {
	case types.HashSHA224:
		return "sha\x02"
	case types.HashSHA256:
		return "sha\x03"
	case types.HashSHA384:
		return "sha\x04"
	default:
		return "sha\x07"
	}
}

// exportState returns the chaining value of h. h must be block aligned.
func exportState(t types.HashType, h hash.Hash) ([]byte, error) {
	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, errHashState
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	n := len(stateMagic(t))
	return b[n : n+t.IntermediateSize()], nil
}

// importState rebuilds a hash from a chaining value and the number of
// bytes already absorbed, which must be a multiple of the block size.
func importState(t types.HashType, intermediate []byte, processed uint64) (hash.Hash, error) {
	if len(intermediate) != t.IntermediateSize() || processed%uint64(t.BlockSize()) != 0 {
		return nil, errHashState
	}
	magic := stateMagic(t)
	buf := make([]byte, 0, len(magic)+len(intermediate)+t.BlockSize()+8)
	buf = append(buf, magic...)
	buf = append(buf, intermediate...)
	buf = append(buf, make([]byte, t.BlockSize())...)
	buf = binary.BigEndian.AppendUint64(buf, processed)

	h := newHash(t)()
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, errHashState
	}
	if err := u.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return h, nil
}

// segment validates the framing shared by hash and MAC tokens and returns
// the number of message bytes absorbed before this segment.
func segment(req *device.Request) (uint64, types.ResultCode) {
	if !req.Hash.Valid() {
		return 0, types.ResultInvalidParameter
	}
	n := uint64(len(req.Data))
	if req.TotalLength < n {
		return 0, types.ResultInvalidLength
	}
	before := req.TotalLength - n
	block := uint64(req.Hash.BlockSize())

	if req.HashMode.Initial() && before != 0 {
		return 0, types.ResultInvalidLength
	}
	if !req.HashMode.Final() && (n == 0 || n%block != 0) {
		return 0, types.ResultInvalidLength
	}
	if !req.HashMode.Initial() && (before == 0 || before%block != 0) {
		return 0, types.ResultInvalidLength
	}
	return before, types.ResultSuccess
}

func (s *Simulator) hash(req *device.Request) *device.Result {
	before, code := segment(req)
	if !code.OK() {
		return device.Fail(code)
	}

	var h hash.Hash
	if req.HashMode.Initial() {
		h = newHash(req.Hash)()
	} else {
		var err error
		if h, err = importState(req.Hash, req.Intermediate, before); err != nil {
			return device.Fail(types.ResultInvalidLength)
		}
	}
	h.Write(req.Data)

	if req.HashMode.Final() {
		return &device.Result{Code: types.ResultSuccess, Digest: h.Sum(nil)}
	}
	state, err := exportState(req.Hash, h)
	if err != nil {
		return device.Fail(types.ResultPanicError)
	}
	return &device.Result{Code: types.ResultSuccess, Digest: state}
}

// mac runs one HMAC segment. The inner hash chaining value lives in the
// temporary state asset between segments; the inner hash has absorbed one
// block of padded key ahead of the message.
func (s *Simulator) mac(req *device.Request) *device.Result {
	before, code := segment(req)
	if !code.OK() {
		return device.Fail(code)
	}

	key, fail := s.usable(req.KeyAsset, policy.UsageMacHash)
	if fail != nil {
		return fail
	}
	if kh, ok := key.policy.HashType(); !ok || kh != req.Hash {
		return device.Fail(types.ResultAccessError)
	}
	if dir := key.policy.Direction(); dir != policy.DirEncGen && dir != policy.DirEncDec {
		return device.Fail(types.ResultAccessError)
	}

	if req.HashMode == device.Init2Final {
		m := hmac.New(newHash(req.Hash), key.data)
		m.Write(req.Data)
		return &device.Result{Code: types.ResultSuccess, Digest: m.Sum(nil)}
	}

	state, found := s.assets.get(req.StateAsset)
	if !found {
		return device.Fail(types.ResultInvalidAsset)
	}
	if !state.policy.Has(policy.Temporary) || state.policy.Usage() != policy.UsageMacHash || state.size != req.Hash.IntermediateSize() {
		return device.Fail(types.ResultAccessError)
	}

	block := req.Hash.BlockSize()
	ipad, opad := padKeys(req.Hash, key.data)

	var inner hash.Hash
	if req.HashMode.Initial() {
		inner = newHash(req.Hash)()
		inner.Write(ipad)
	} else {
		if !state.loaded {
			return device.Fail(types.ResultInvalidLocation)
		}
		var err error
		if inner, err = importState(req.Hash, state.data, uint64(block)+before); err != nil {
			return device.Fail(types.ResultInvalidLength)
		}
	}
	inner.Write(req.Data)

	if !req.HashMode.Final() {
		chain, err := exportState(req.Hash, inner)
		if err != nil {
			return device.Fail(types.ResultPanicError)
		}
		state.data = chain
		state.loaded = true
		return ok()
	}

	outer := newHash(req.Hash)()
	outer.Write(opad)
	outer.Write(inner.Sum(nil))
	clear(state.data)
	state.loaded = false
	return &device.Result{Code: types.ResultSuccess, Digest: outer.Sum(nil)}
}

func padKeys(t types.HashType, key []byte) (ipad, opad []byte) {
	block := t.BlockSize()
	k := key
	if len(k) > block {
		h := newHash(t)()
		h.Write(k)
		k = h.Sum(nil)
	}
	ipad = make([]byte, block)
	opad = make([]byte, block)
	copy(ipad, k)
	copy(opad, k)
	for i := range ipad {
		ipad[i] ^= 0x36
		opad[i] ^= 0x5c
	}
	return ipad, opad
}
