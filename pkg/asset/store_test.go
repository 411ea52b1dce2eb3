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

package asset

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-hsm/pkg/device/simulator"
	"github.com/jeremyhahn/go-hsm/pkg/metrics"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/token"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

const testManifest = `
root_key: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
assets:
  - number: 1
    policy: 0x1
    size: 4
    data: "01020304"
    public: true
  - number: 2
    policy: 0x801
    size: 2
    data: "abcd"
  - number: 30
    counter: true
`

var (
	aesCBC = policy.MustEncode(policy.Spec{Family: policy.FamilyAES, Direction: policy.DirectionBoth, Mode: policy.CipherModeCBC})
	kekPol = policy.MustEncode(policy.Spec{Family: policy.FamilyKeyBlob, Direction: policy.DirectionBoth})
	kdkPol = policy.MustEncode(policy.Spec{Family: policy.FamilyDeriveHMAC, Hash: types.HashSHA256})
	aad    = bytes.Repeat([]byte{0x42}, policy.KeyBlobAADMin)
	label  = bytes.Repeat([]byte{0x4c}, policy.KDFLabelMin)
)

type fixture struct {
	store *Store
	ch    *token.Channel
	name  string
}

func newFixture(t *testing.T, cfg *Config, simCfg *simulator.Config) *fixture {
	t.Helper()
	if simCfg == nil {
		simCfg = &simulator.Config{}
	}
	sim, err := simulator.New(simCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })

	ch := token.NewChannel(sim, token.WithName(t.Name()))
	return &fixture{store: NewStore(ch, cfg), ch: ch, name: t.Name()}
}

func withManifest(t *testing.T) *simulator.Config {
	t.Helper()
	m, err := simulator.ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	return &simulator.Config{Manifest: m}
}

func (f *fixture) allocate(t *testing.T, p policy.Policy, size int) types.AssetID {
	t.Helper()
	id, err := f.store.Allocate(context.Background(), AllocateParams{Policy: p, Size: size})
	require.NoError(t, err)
	require.True(t, id.IsValid())
	return id
}

func (f *fixture) kek(t *testing.T) types.AssetID {
	t.Helper()
	id := f.allocate(t, kekPol, policy.KeyBlobKEKSize)
	require.NoError(t, f.store.LoadRandom(context.Background(), id))
	return id
}

func TestAllocateSizeTable(t *testing.T) {
	for _, strict := range []bool{false, true} {
		f := newFixture(t, &Config{StrictArgs: strict}, nil)
		ctx := context.Background()

		for _, size := range []int{16, 24, 32} {
			id, err := f.store.Allocate(ctx, AllocateParams{Policy: aesCBC, Size: size})
			require.NoError(t, err, "size %d", size)
			require.NoError(t, f.store.Free(ctx, id))
		}

		for _, size := range []int{8, 30, 33, 48} {
			id, err := f.store.Allocate(ctx, AllocateParams{Policy: aesCBC, Size: size})
			assert.ErrorIs(t, err, types.ErrInvalidLength, "strict=%v size %d", strict, size)
			assert.Equal(t, types.InvalidAssetID, id)
		}

		_, err := f.store.Allocate(ctx, AllocateParams{Policy: aesCBC, Size: 0})
		assert.ErrorIs(t, err, types.ErrBadArgument)
	}
}

func TestAllocateBadArguments(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		params AllocateParams
	}{
		{"zero policy", AllocateParams{Size: 16}},
		{"zero size", AllocateParams{Policy: aesCBC}},
		{"oversized", AllocateParams{Policy: policy.PrivateData, Size: policy.AssetSizeMax + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.store.Allocate(ctx, tt.params)
			assert.ErrorIs(t, err, types.ErrBadArgument)
		})
	}

	// Rejected locally: the device lock was never taken.
	assert.False(t, f.ch.Locked())
}

func TestAllocateExportable(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	id, err := f.store.Allocate(ctx, AllocateParams{Policy: aesCBC, Size: 16, Exportable: true})
	require.NoError(t, err)

	info, err := f.store.Info(ctx, id)
	require.NoError(t, err)
	assert.True(t, info.Policy.Has(policy.Exportable))
	assert.False(t, info.Loaded)
	assert.Equal(t, types.LifetimeVolatile, info.Lifetime)
}

func TestFreeIsOneShot(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.allocate(t, aesCBC, 16)

	require.NoError(t, f.store.Free(ctx, id))
	assert.ErrorIs(t, f.store.Free(ctx, id), types.ErrInvalidAsset)
	assert.ErrorIs(t, f.store.Free(ctx, types.InvalidAssetID), types.ErrBadArgument)

	var rerr *types.ResultError
	err := f.store.Free(ctx, id)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, types.ResultInvalidAsset, rerr.Code.Category())
}

func TestLoadOnce(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.allocate(t, aesCBC, 16)
	key := bytes.Repeat([]byte{7}, 16)

	require.NoError(t, f.store.LoadPlaintext(ctx, id, key))
	assert.ErrorIs(t, f.store.LoadPlaintext(ctx, id, key), types.ErrInvalidLocation)
	assert.ErrorIs(t, f.store.LoadRandom(ctx, id), types.ErrInvalidLocation)

	info, err := f.store.Info(ctx, id)
	require.NoError(t, err)
	assert.True(t, info.Loaded)

	// Freed handles never come back.
	require.NoError(t, f.store.Free(ctx, id))
	assert.ErrorIs(t, f.store.LoadPlaintext(ctx, id, key), types.ErrInvalidAsset)
}

func TestLoadPlaintextArguments(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.allocate(t, aesCBC, 16)

	assert.ErrorIs(t, f.store.LoadPlaintext(ctx, id, nil), types.ErrBadArgument)
	assert.ErrorIs(t, f.store.LoadPlaintext(ctx, id, make([]byte, policy.AssetSizeMax+1)), types.ErrBadArgument)
	assert.ErrorIs(t, f.store.LoadPlaintext(ctx, types.InvalidAssetID, []byte{1}), types.ErrBadArgument)
	assert.ErrorIs(t, f.store.LoadPlaintext(ctx, id, make([]byte, 32)), types.ErrInvalidLength)
}

func TestKeyBlobRoundTrip(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	kek := f.kek(t)

	exportable := aesCBC | policy.Exportable
	src := f.allocate(t, exportable, 32)

	// Size query: nothing is loaded.
	n, err := f.store.LoadRandomExport(ctx, src, kek, aad, nil)
	assert.ErrorIs(t, err, types.ErrBufferTooSmall)
	assert.Equal(t, policy.KeyBlobSize(32), n)
	info, err := f.store.Info(ctx, src)
	require.NoError(t, err)
	assert.False(t, info.Loaded)

	blob := make([]byte, n)
	n, err = f.store.LoadRandomExport(ctx, src, kek, aad, blob)
	require.NoError(t, err)
	assert.Equal(t, policy.KeyBlobSize(32), n)

	dst := f.allocate(t, aesCBC, 32)
	require.NoError(t, f.store.LoadImport(ctx, dst, kek, aad, blob))
	assert.ErrorIs(t, f.store.LoadImport(ctx, dst, kek, aad, blob), types.ErrInvalidLocation)

	for i := range blob {
		tampered := bytes.Clone(blob)
		tampered[i] ^= 0x80
		id := f.allocate(t, aesCBC, 32)
		assert.ErrorIs(t, f.store.LoadImport(ctx, id, kek, aad, tampered), types.ErrUnwrap, "byte %d", i)
		require.NoError(t, f.store.Free(ctx, id))
	}
}

func TestLoadPlaintextExport(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	kek := f.kek(t)
	secret := bytes.Repeat([]byte{0x11}, 24)

	src := f.allocate(t, aesCBC|policy.Exportable, 24)
	out := make([]byte, 100)
	n, err := f.store.LoadPlaintextExport(ctx, src, secret, kek, aad, out)
	require.NoError(t, err)
	require.Equal(t, policy.KeyBlobSize(24), n)

	dst := f.allocate(t, aesCBC, 24)
	require.NoError(t, f.store.LoadImport(ctx, dst, kek, aad, out[:n]))

	_, err = f.store.LoadPlaintextExport(ctx, src, nil, kek, aad, out)
	assert.ErrorIs(t, err, types.ErrBadArgument)

	notExportable := f.allocate(t, aesCBC, 24)
	_, err = f.store.LoadPlaintextExport(ctx, notExportable, secret, kek, aad, out)
	assert.ErrorIs(t, err, types.ErrAccess)
}

func TestWrapArguments(t *testing.T) {
	ctx := context.Background()

	t.Run("lenient", func(t *testing.T) {
		f := newFixture(t, &Config{StrictArgs: false}, nil)
		kek := f.kek(t)
		id := f.allocate(t, aesCBC, 16)
		err := f.store.LoadImport(ctx, id, kek, aad[:8], make([]byte, 32))
		assert.ErrorIs(t, err, types.ErrInvalidLength)
		assert.NotErrorIs(t, err, types.ErrBadArgument)
	})

	t.Run("strict", func(t *testing.T) {
		f := newFixture(t, &Config{StrictArgs: true}, nil)
		kek := f.kek(t)
		id := f.allocate(t, aesCBC, 16)
		err := f.store.LoadImport(ctx, id, kek, aad[:8], make([]byte, 32))
		assert.ErrorIs(t, err, types.ErrBadArgument)
		long := bytes.Repeat([]byte{1}, policy.KeyBlobAADMax+1)
		_, err = f.store.LoadRandomExport(ctx, id, kek, long, nil)
		assert.ErrorIs(t, err, types.ErrBadArgument)
	})

	t.Run("always local", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		id := f.allocate(t, aesCBC, 16)
		assert.ErrorIs(t, f.store.LoadImport(ctx, id, types.InvalidAssetID, aad, []byte{1}), types.ErrBadArgument)
		assert.ErrorIs(t, f.store.LoadImport(ctx, id, id, nil, []byte{1}), types.ErrBadArgument)
		assert.ErrorIs(t, f.store.LoadImport(ctx, id, id, aad, nil), types.ErrBadArgument)
		assert.ErrorIs(t, f.store.LoadImport(ctx, id, id, aad, make([]byte, policy.KeyBlobSize(policy.AssetSizeMax)+1)), types.ErrBadArgument)
	})
}

func TestLoadDerive(t *testing.T) {
	ctx := context.Background()
	target := policy.MustEncode(policy.Spec{Family: policy.FamilyHMAC, Direction: policy.DirectionEncrypt, Hash: types.HashSHA256})

	f := newFixture(t, nil, nil)
	kdk := f.allocate(t, kdkPol, 32)
	require.NoError(t, f.store.LoadRandom(ctx, kdk))

	for _, params := range []DeriveParams{
		{BaseKey: kdk, Label: label, CounterMode: true},
		{BaseKey: kdk, Label: label, ExtractThenExpand: true, Salt: []byte("salt")},
		{BaseKey: kdk, Label: label, IV: bytes.Repeat([]byte{9}, 32)},
	} {
		id := f.allocate(t, target, 32)
		require.NoError(t, f.store.LoadDerive(ctx, id, params))
		assert.ErrorIs(t, f.store.LoadDerive(ctx, id, params), types.ErrInvalidLocation)
	}

	id := f.allocate(t, target, 32)
	err := f.store.LoadDerive(ctx, id, DeriveParams{BaseKey: kdk, Label: label, CounterMode: true, ExtractThenExpand: true})
	assert.ErrorIs(t, err, types.ErrBadArgument)

	err = f.store.LoadDerive(ctx, id, DeriveParams{BaseKey: kdk, Label: label[:10], CounterMode: true})
	assert.ErrorIs(t, err, types.ErrInvalidLength)

	err = f.store.LoadDerive(ctx, id, DeriveParams{BaseKey: types.InvalidAssetID, Label: label})
	assert.ErrorIs(t, err, types.ErrBadArgument)

	err = f.store.LoadDerive(ctx, id, DeriveParams{BaseKey: id, Label: label})
	assert.ErrorIs(t, err, types.ErrInvalidLocation)

	strict := newFixture(t, &Config{StrictArgs: true}, nil)
	sid := strict.allocate(t, target, 32)
	err = strict.store.LoadDerive(ctx, sid, DeriveParams{BaseKey: kdk, Label: label[:10], CounterMode: true})
	assert.ErrorIs(t, err, types.ErrBadArgument)
}

func TestSearchAndRootKey(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, nil, withManifest(t))
	id, size, err := f.store.Search(ctx, 1)
	require.NoError(t, err)
	assert.True(t, id.IsValid())
	assert.Equal(t, 4, size)

	_, _, err = f.store.Search(ctx, 5)
	assert.ErrorIs(t, err, types.ErrInvalidAsset)
	_, _, err = f.store.Search(ctx, policy.AssetNumberMax+1)
	assert.ErrorIs(t, err, types.ErrBadArgument)

	info, err := f.store.Info(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.LifetimePersistent, info.Lifetime)
	assert.ErrorIs(t, f.store.Free(ctx, id), types.ErrInvalidAsset)

	root, err := f.store.GetRootKey(ctx)
	require.NoError(t, err)
	assert.True(t, root.IsValid())

	bare := newFixture(t, nil, nil)
	root, err = bare.store.GetRootKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.InvalidAssetID, root)
}

func TestPublicDataAndCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, withManifest(t))

	pub, _, err := f.store.Search(ctx, 1)
	require.NoError(t, err)

	n, err := f.store.PublicDataRead(ctx, pub, nil)
	assert.ErrorIs(t, err, types.ErrBufferTooSmall)
	assert.Equal(t, 4, n)

	out := make([]byte, 4)
	n, err = f.store.PublicDataRead(ctx, pub, out)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, out[:n])

	priv, _, err := f.store.Search(ctx, 2)
	require.NoError(t, err)
	_, err = f.store.PublicDataRead(ctx, priv, out)
	assert.ErrorIs(t, err, types.ErrAccess)

	v, err := f.store.CounterRead(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, v)
	v, err = f.store.CounterIncrement(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	v, err = f.store.CounterRead(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	_, err = f.store.CounterRead(ctx, 1)
	assert.ErrorIs(t, err, types.ErrInvalidAsset)
	_, err = f.store.CounterIncrement(ctx, -1)
	assert.ErrorIs(t, err, types.ErrBadArgument)
}

func TestLockTimeout(t *testing.T) {
	f := newFixture(t, &Config{LockTimeout: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	sess, err := f.ch.Acquire(ctx, time.Second)
	require.NoError(t, err)

	_, err = f.store.Allocate(ctx, AllocateParams{Policy: aesCBC, Size: 16})
	assert.ErrorIs(t, err, types.ErrResourceUnavailable)

	sess.Release()
	f.allocate(t, aesCBC, 16)
	assert.Equal(t, 0, f.ch.PowerConstraints())
}

func TestCompletionModes(t *testing.T) {
	modes := []types.CompletionMode{types.ModePolling, types.ModeBlocking, types.ModeCallback}
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t, &Config{Mode: mode}, nil)
			ctx := context.Background()

			id := f.allocate(t, aesCBC, 16)
			require.NoError(t, f.store.LoadRandom(ctx, id))
			require.NoError(t, f.store.Free(ctx, id))
			assert.ErrorIs(t, f.store.Free(ctx, id), types.ErrInvalidAsset)
			assert.False(t, f.ch.Locked())
		})
	}
}

func TestCanceledContext(t *testing.T) {
	f := newFixture(t, nil, &simulator.Config{Latency: 20 * time.Millisecond})

	sess, err := f.ch.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	sess.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err = f.store.Allocate(ctx, AllocateParams{Policy: aesCBC, Size: 16})
	assert.ErrorIs(t, err, types.ErrCanceled)
	assert.False(t, f.ch.Locked())

	// The next operation proceeds immediately.
	f.allocate(t, aesCBC, 16)
}

func TestMetricsRecorded(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	success := metrics.OperationsTotal.WithLabelValues(metrics.OpAllocate, f.name, metrics.StatusSuccess)
	failures := metrics.ErrorsTotal.WithLabelValues(metrics.OpFree, f.name, "invalid_asset")
	before := testutil.ToFloat64(success)
	failedBefore := testutil.ToFloat64(failures)

	id := f.allocate(t, aesCBC, 16)
	require.NoError(t, f.store.Free(ctx, id))
	_ = f.store.Free(ctx, id)

	assert.Equal(t, before+1, testutil.ToFloat64(success))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failures))
}
