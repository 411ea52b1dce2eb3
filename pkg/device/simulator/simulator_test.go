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
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-hsm/pkg/device"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/storage"
	"github.com/jeremyhahn/go-hsm/pkg/storage/file"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

func newSim(t *testing.T, cfg *Config) *Simulator {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func exec(t *testing.T, s *Simulator, req *device.Request) *device.Result {
	t.Helper()
	ch, err := s.Submit(req)
	require.NoError(t, err)
	select {
	case res := <-ch:
		require.NotNil(t, res)
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
		return nil
	}
}

func create(t *testing.T, s *Simulator, p policy.Policy, size int) types.AssetID {
	t.Helper()
	res := exec(t, s, &device.Request{Opcode: device.OpAssetCreate, Policy: p, Size: size})
	require.True(t, res.Code.OK(), res.Code.String())
	return res.Asset
}

func loadPlain(t *testing.T, s *Simulator, id types.AssetID, data []byte) {
	t.Helper()
	res := exec(t, s, &device.Request{Opcode: device.OpAssetLoadPlaintext, Asset: id, Data: data})
	require.True(t, res.Code.OK(), res.Code.String())
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func TestHashContinuationMatchesOneShot(t *testing.T) {
	s := newSim(t, nil)

	for _, ht := range types.AllHashTypes() {
		t.Run(ht.String(), func(t *testing.T) {
			block := ht.BlockSize()
			msg := randBytes(3*block + 17)

			want := newHash(ht)()
			want.Write(msg)

			res := exec(t, s, &device.Request{
				Opcode: device.OpHash, Hash: ht, HashMode: device.Init2Cont,
				Data: msg[:2*block], TotalLength: uint64(2 * block),
			})
			require.True(t, res.Code.OK())
			require.Len(t, res.Digest, ht.IntermediateSize())

			res = exec(t, s, &device.Request{
				Opcode: device.OpHash, Hash: ht, HashMode: device.Cont2Cont,
				Data: msg[2*block : 3*block], TotalLength: uint64(3 * block), Intermediate: res.Digest,
			})
			require.True(t, res.Code.OK())

			res = exec(t, s, &device.Request{
				Opcode: device.OpHash, Hash: ht, HashMode: device.Cont2Final,
				Data: msg[3*block:], TotalLength: uint64(len(msg)), Intermediate: res.Digest,
			})
			require.True(t, res.Code.OK())
			if diff := cmp.Diff(want.Sum(nil), res.Digest); diff != "" {
				t.Errorf("digest mismatch (-want +got):\n%s", diff)
			}

			res = exec(t, s, &device.Request{
				Opcode: device.OpHash, Hash: ht, HashMode: device.Init2Final,
				Data: msg, TotalLength: uint64(len(msg)),
			})
			require.True(t, res.Code.OK())
			assert.Equal(t, want.Sum(nil), res.Digest)
		})
	}
}

func TestHashFraming(t *testing.T) {
	s := newSim(t, nil)
	block := types.HashSHA256.BlockSize()
	state := make([]byte, types.HashSHA256.IntermediateSize())

	tests := []struct {
		name string
		req  device.Request
		want types.ResultCode
	}{
		{"unknown hash", device.Request{Hash: types.HashType(9), HashMode: device.Init2Final}, types.ResultInvalidParameter},
		{"init not aligned", device.Request{Hash: types.HashSHA256, HashMode: device.Init2Cont, Data: make([]byte, block+1), TotalLength: uint64(block + 1)}, types.ResultInvalidLength},
		{"init empty", device.Request{Hash: types.HashSHA256, HashMode: device.Init2Cont}, types.ResultInvalidLength},
		{"cont without history", device.Request{Hash: types.HashSHA256, HashMode: device.Cont2Final, Data: []byte{1}, TotalLength: 1, Intermediate: state}, types.ResultInvalidLength},
		{"short intermediate", device.Request{Hash: types.HashSHA256, HashMode: device.Cont2Final, Data: []byte{1}, TotalLength: uint64(block + 1), Intermediate: state[:8]}, types.ResultInvalidLength},
		{"total below data", device.Request{Hash: types.HashSHA256, HashMode: device.Init2Final, Data: []byte{1, 2}, TotalLength: 1}, types.ResultInvalidLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Opcode = device.OpHash
			res := exec(t, s, &req)
			assert.Equal(t, tt.want, res.Code.Category())
		})
	}
}

func TestMACStreamingMatchesHMAC(t *testing.T) {
	s := newSim(t, nil)

	for _, ht := range types.AllHashTypes() {
		t.Run(ht.String(), func(t *testing.T) {
			hb, err := policy.HashBits(ht)
			require.NoError(t, err)
			block := ht.BlockSize()

			// Longer than the SHA-256 block so that key is pre-hashed.
			key := randBytes(min(block+5, policy.HMACKeyMax))
			keyID := create(t, s, policy.SymMacHash|hb|policy.DirEncGen, len(key))
			loadPlain(t, s, keyID, key)
			stateID := create(t, s, policy.SymTemp|policy.UsageMacHash|hb|policy.DirEncGen, ht.IntermediateSize())

			msg := randBytes(2*block + 3)
			want := hmac.New(newHash(ht), key)
			want.Write(msg)

			res := exec(t, s, &device.Request{
				Opcode: device.OpMAC, Hash: ht, HashMode: device.Init2Cont, KeyAsset: keyID, StateAsset: stateID,
				Data: msg[:block], TotalLength: uint64(block),
			})
			require.True(t, res.Code.OK(), res.Code.String())
			res = exec(t, s, &device.Request{
				Opcode: device.OpMAC, Hash: ht, HashMode: device.Cont2Cont, KeyAsset: keyID, StateAsset: stateID,
				Data: msg[block : 2*block], TotalLength: uint64(2 * block),
			})
			require.True(t, res.Code.OK(), res.Code.String())
			res = exec(t, s, &device.Request{
				Opcode: device.OpMAC, Hash: ht, HashMode: device.Cont2Final, KeyAsset: keyID, StateAsset: stateID,
				Data: msg[2*block:], TotalLength: uint64(len(msg)),
			})
			require.True(t, res.Code.OK(), res.Code.String())
			assert.Equal(t, want.Sum(nil), res.Digest)

			res = exec(t, s, &device.Request{
				Opcode: device.OpMAC, Hash: ht, HashMode: device.Init2Final, KeyAsset: keyID,
				Data: msg, TotalLength: uint64(len(msg)),
			})
			require.True(t, res.Code.OK())
			assert.Equal(t, want.Sum(nil), res.Digest)
		})
	}
}

func TestMACRejectsWrongKey(t *testing.T) {
	s := newSim(t, nil)
	aes := create(t, s, policy.SymBulk|policy.CipherAES|policy.ModeCBC|policy.DirEncDec, 16)
	loadPlain(t, s, aes, randBytes(16))

	res := exec(t, s, &device.Request{Opcode: device.OpMAC, Hash: types.HashSHA256, HashMode: device.Init2Final, KeyAsset: aes, Data: []byte("x"), TotalLength: 1})
	assert.Equal(t, types.ResultAccessError, res.Code.Category())

	key := create(t, s, policy.SymMacHash|policy.HashSHA512|policy.DirEncGen, 32)
	loadPlain(t, s, key, randBytes(32))
	res = exec(t, s, &device.Request{Opcode: device.OpMAC, Hash: types.HashSHA256, HashMode: device.Init2Final, KeyAsset: key, Data: []byte("x"), TotalLength: 1})
	assert.Equal(t, types.ResultAccessError, res.Code.Category())
}

func TestAssetLifecycle(t *testing.T) {
	s := newSim(t, nil)
	p := policy.SymBulk | policy.CipherAES | policy.ModeCBC | policy.DirEncDec

	id := create(t, s, p, 32)
	assert.Equal(t, firstVolatileID, id)

	res := exec(t, s, &device.Request{Opcode: device.OpAssetLoadPlaintext, Asset: id, Data: randBytes(16)})
	assert.Equal(t, types.ResultInvalidLength, res.Code.Category())

	loadPlain(t, s, id, randBytes(32))
	res = exec(t, s, &device.Request{Opcode: device.OpAssetLoadPlaintext, Asset: id, Data: randBytes(32)})
	assert.Equal(t, types.ResultInvalidLocation, res.Code.Category())

	res = exec(t, s, &device.Request{Opcode: device.OpAssetInfo, Asset: id})
	require.True(t, res.Code.OK())
	assert.True(t, res.Loaded)
	assert.Equal(t, 32, res.Size)
	assert.Equal(t, p, res.Policy)

	res = exec(t, s, &device.Request{Opcode: device.OpAssetDelete, Asset: id})
	assert.True(t, res.Code.OK())
	res = exec(t, s, &device.Request{Opcode: device.OpAssetDelete, Asset: id})
	assert.Equal(t, types.ResultInvalidAsset, res.Code.Category())
}

func TestCreateChecks(t *testing.T) {
	s := newSim(t, &Config{MaxAssets: 1})

	tests := []struct {
		name   string
		policy policy.Policy
		size   int
		want   types.ResultCode
	}{
		{"zero policy", 0, 16, types.ResultInvalidParameter},
		{"aes 20 bytes", policy.SymBulk | policy.CipherAES | policy.DirEncDec, 20, types.ResultInvalidLength},
		{"bulk without direction", policy.SymBulk | policy.CipherAES | policy.ModeCBC, 16, types.ResultAccessError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := exec(t, s, &device.Request{Opcode: device.OpAssetCreate, Policy: tt.policy, Size: tt.size})
			assert.Equal(t, tt.want, res.Code.Category())
		})
	}

	create(t, s, policy.PrivateData|policy.NonModifiable, 4)
	res := exec(t, s, &device.Request{Opcode: device.OpAssetCreate, Policy: policy.PrivateData, Size: 4})
	assert.Equal(t, types.ResultFullError, res.Code.Category())
}

func TestKeyBlobRoundTrip(t *testing.T) {
	s := newSim(t, nil)
	aad := bytes.Repeat([]byte{0xA5}, policy.KeyBlobAADMin)

	kek := create(t, s, policy.SymWrap|policy.WrapAESSIV|policy.DirEncDec, policy.KeyBlobKEKSize)
	loadPlain(t, s, kek, randBytes(policy.KeyBlobKEKSize))

	secret := randBytes(32)
	src := create(t, s, policy.SymBulk|policy.CipherAES|policy.ModeCBC|policy.DirEncDec|policy.Exportable, 32)
	res := exec(t, s, &device.Request{Opcode: device.OpAssetLoadPlaintext, Asset: src, Data: secret, Export: true, KEK: kek, AAD: aad})
	require.True(t, res.Code.OK(), res.Code.String())
	blob := res.Data
	require.Len(t, blob, policy.KeyBlobSize(32))

	dst := create(t, s, policy.SymBulk|policy.CipherAES|policy.ModeCBC|policy.DirEncDec, 32)
	res = exec(t, s, &device.Request{Opcode: device.OpAssetLoadImport, Asset: dst, KEK: kek, AAD: aad, Blob: blob})
	require.True(t, res.Code.OK(), res.Code.String())

	dstEntry, _ := s.assets.get(dst)
	assert.Equal(t, secret, dstEntry.data)

	t.Run("tampered", func(t *testing.T) {
		bad := bytes.Clone(blob)
		bad[len(bad)-1] ^= 1
		id := create(t, s, policy.SymBulk|policy.CipherAES|policy.ModeCBC|policy.DirEncDec, 32)
		res := exec(t, s, &device.Request{Opcode: device.OpAssetLoadImport, Asset: id, KEK: kek, AAD: aad, Blob: bad})
		assert.Equal(t, types.ResultUnwrapError, res.Code.Category())
	})

	t.Run("wrong aad", func(t *testing.T) {
		other := bytes.Repeat([]byte{0x5A}, policy.KeyBlobAADMin)
		id := create(t, s, policy.SymBulk|policy.CipherAES|policy.ModeCBC|policy.DirEncDec, 32)
		res := exec(t, s, &device.Request{Opcode: device.OpAssetLoadImport, Asset: id, KEK: kek, AAD: other, Blob: blob})
		assert.Equal(t, types.ResultUnwrapError, res.Code.Category())
	})

	t.Run("short aad", func(t *testing.T) {
		id := create(t, s, policy.SymBulk|policy.CipherAES|policy.ModeCBC|policy.DirEncDec, 32)
		res := exec(t, s, &device.Request{Opcode: device.OpAssetLoadImport, Asset: id, KEK: kek, AAD: aad[:10], Blob: blob})
		assert.Equal(t, types.ResultInvalidLength, res.Code.Category())
	})

	t.Run("not exportable", func(t *testing.T) {
		id := create(t, s, policy.SymBulk|policy.CipherAES|policy.ModeCBC|policy.DirEncDec, 32)
		res := exec(t, s, &device.Request{Opcode: device.OpAssetLoadRandom, Asset: id, Export: true, KEK: kek, AAD: aad})
		assert.Equal(t, types.ResultAccessError, res.Code.Category())
		info := exec(t, s, &device.Request{Opcode: device.OpAssetInfo, Asset: id})
		assert.False(t, info.Loaded)
	})

	t.Run("kek not a wrap asset", func(t *testing.T) {
		id := create(t, s, policy.SymBulk|policy.CipherAES|policy.ModeCBC|policy.DirEncDec, 32)
		res := exec(t, s, &device.Request{Opcode: device.OpAssetLoadImport, Asset: id, KEK: src, AAD: aad, Blob: blob})
		assert.Equal(t, types.ResultAccessError, res.Code.Category())
	})
}

func TestDerive(t *testing.T) {
	s := newSim(t, nil)
	kdk := create(t, s, policy.SymDerive|policy.DeriveNormalHMAC|policy.HashSHA256, 32)
	loadPlain(t, s, kdk, randBytes(32))
	label := bytes.Repeat([]byte("L"), policy.KDFLabelMin)
	target := policy.SymMacHash | policy.HashSHA256 | policy.DirEncGen

	derive := func(req device.Request) []byte {
		id := create(t, s, target, 48)
		req.Opcode = device.OpAssetLoadDerive
		req.Asset = id
		req.BaseKey = kdk
		res := exec(t, s, &req)
		require.True(t, res.Code.OK(), res.Code.String())
		e, _ := s.assets.get(id)
		return e.data
	}

	counter1 := derive(device.Request{Label: label, CounterMode: true})
	counter2 := derive(device.Request{Label: label, CounterMode: true})
	hkdf1 := derive(device.Request{Label: label, Salt: []byte("salt"), ExtractThenExpand: true})
	feedback := derive(device.Request{Label: label, IV: randBytes(32)})

	assert.Len(t, counter1, 48)
	assert.Equal(t, counter1, counter2)
	assert.NotEqual(t, counter1, hkdf1)
	assert.NotEqual(t, counter1, feedback)

	id := create(t, s, target, 32)
	res := exec(t, s, &device.Request{Opcode: device.OpAssetLoadDerive, Asset: id, BaseKey: kdk, Label: label[:10]})
	assert.Equal(t, types.ResultInvalidLength, res.Code.Category())

	res = exec(t, s, &device.Request{Opcode: device.OpAssetLoadDerive, Asset: id, BaseKey: kdk, Label: label, CounterMode: true, ExtractThenExpand: true})
	assert.Equal(t, types.ResultInvalidParameter, res.Code.Category())

	notKDK := create(t, s, target, 32)
	loadPlain(t, s, notKDK, randBytes(32))
	res = exec(t, s, &device.Request{Opcode: device.OpAssetLoadDerive, Asset: id, BaseKey: notKDK, Label: label})
	assert.Equal(t, types.ResultAccessError, res.Code.Category())
}

const testManifest = `
root_key: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
assets:
  - number: 3
    policy: 0x800
    size: 4
    data: "deadbeef"
  - number: 7
    policy: 0x1
    size: 2
    data: "cafe"
    public: true
  - number: 20
    counter: true
    value: 5
`

func TestManifestProvisioning(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/etc/hsm/manifest.yaml", []byte(testManifest), 0600))

	m, err := LoadManifest(fsys, "/etc/hsm/manifest.yaml")
	require.NoError(t, err)
	s := newSim(t, &Config{Manifest: m})

	res := exec(t, s, &device.Request{Opcode: device.OpRootKey})
	require.True(t, res.Code.OK())
	assert.True(t, res.Asset.IsValid())

	res = exec(t, s, &device.Request{Opcode: device.OpAssetSearch, Number: 3})
	require.True(t, res.Code.OK())
	assert.Equal(t, 4, res.Size)
	private := res.Asset

	res = exec(t, s, &device.Request{Opcode: device.OpAssetSearch, Number: 4})
	assert.Equal(t, types.ResultInvalidAsset, res.Code.Category())

	res = exec(t, s, &device.Request{Opcode: device.OpPublicDataRead, Asset: private})
	assert.Equal(t, types.ResultAccessError, res.Code.Category())

	res = exec(t, s, &device.Request{Opcode: device.OpAssetSearch, Number: 7})
	require.True(t, res.Code.OK())
	res = exec(t, s, &device.Request{Opcode: device.OpPublicDataRead, Asset: res.Asset})
	require.True(t, res.Code.OK())
	assert.Equal(t, []byte{0xca, 0xfe}, res.Data)

	res = exec(t, s, &device.Request{Opcode: device.OpAssetDelete, Asset: private})
	assert.Equal(t, types.ResultInvalidAsset, res.Code.Category())
}

func TestManifestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad root key", `root_key: "zz"`},
		{"short root key", `root_key: "0011"`},
		{"number out of range", "assets:\n  - number: 200\n    size: 1\n    data: \"00\""},
		{"duplicate", "assets:\n  - number: 1\n    size: 1\n    data: \"00\"\n  - number: 1\n    size: 1\n    data: \"00\""},
		{"size mismatch", "assets:\n  - number: 1\n    size: 2\n    data: \"00\""},
		{"not yaml", "assets: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}

	_, err := LoadManifest(afero.NewMemMapFs(), "/missing.yaml")
	assert.Error(t, err)
}

func TestCountersPersistAcrossRestart(t *testing.T) {
	fsys := afero.NewMemMapFs()
	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)

	backend, err := file.New(fsys, "/var/lib/hsm")
	require.NoError(t, err)
	s1, err := New(&Config{Manifest: m, Storage: backend})
	require.NoError(t, err)

	res := exec(t, s1, &device.Request{Opcode: device.OpCounterRead, Number: 20})
	require.True(t, res.Code.OK())
	assert.Equal(t, uint64(5), res.Counter)

	res = exec(t, s1, &device.Request{Opcode: device.OpCounterIncrement, Number: 20})
	require.True(t, res.Code.OK())
	assert.Equal(t, uint64(6), res.Counter)
	require.NoError(t, s1.Close())

	backend2, err := file.New(fsys, "/var/lib/hsm")
	require.NoError(t, err)
	s2 := newSim(t, &Config{Manifest: m, Storage: backend2})
	res = exec(t, s2, &device.Request{Opcode: device.OpCounterRead, Number: 20})
	require.True(t, res.Code.OK())
	assert.Equal(t, uint64(6), res.Counter)

	res = exec(t, s2, &device.Request{Opcode: device.OpCounterRead, Number: 3})
	assert.Equal(t, types.ResultInvalidAsset, res.Code.Category())

	v, err := storage.ReadCounter(backend2, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), v)
}

func TestMailboxAcceptsOneToken(t *testing.T) {
	s := newSim(t, &Config{Latency: 50 * time.Millisecond})

	first, err := s.Submit(&device.Request{Opcode: device.OpNop})
	require.NoError(t, err)
	assert.True(t, s.Busy())

	_, err = s.Submit(&device.Request{Opcode: device.OpNop})
	assert.ErrorIs(t, err, device.ErrMailboxInUse)

	res := <-first
	assert.True(t, res.Code.OK())
	assert.False(t, s.Busy())

	_, err = s.Submit(nil)
	assert.ErrorIs(t, err, device.ErrInvalidToken)
	_, err = s.Submit(&device.Request{Opcode: device.Opcode(99)})
	assert.ErrorIs(t, err, device.ErrInvalidToken)
}

func TestCloseAnswersOutstandingToken(t *testing.T) {
	s, err := New(&Config{Latency: time.Hour})
	require.NoError(t, err)

	out, err := s.Submit(&device.Request{Opcode: device.OpRandom, Size: 16})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	res := <-out
	require.NotNil(t, res)
	assert.Len(t, res.Data, 16)

	_, err = s.Submit(&device.Request{Opcode: device.OpNop})
	assert.ErrorIs(t, err, device.ErrClosed)
	assert.NoError(t, s.Close())
}

func TestRandom(t *testing.T) {
	s := newSim(t, &Config{TokensPerSecond: 1000})
	res := exec(t, s, &device.Request{Opcode: device.OpRandom, Size: 32})
	require.True(t, res.Code.OK())
	assert.Len(t, res.Data, 32)

	res = exec(t, s, &device.Request{Opcode: device.OpRandom})
	assert.Equal(t, types.ResultInvalidLength, res.Code.Category())
}

func TestStateEncodingRoundTrip(t *testing.T) {
	for _, ht := range types.AllHashTypes() {
		h := newHash(ht)()
		h.Write(make([]byte, ht.BlockSize()))
		state, err := exportState(ht, h)
		require.NoError(t, err)

		restored, err := importState(ht, state, uint64(ht.BlockSize()))
		require.NoError(t, err)
		restored.Write([]byte("tail"))
		h.Write([]byte("tail"))
		assert.Equal(t, hex.EncodeToString(h.Sum(nil)), hex.EncodeToString(restored.Sum(nil)), ht.String())
	}
}
