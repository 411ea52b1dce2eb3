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

// Package asset manages the lifecycle of engine assets: allocation,
// loading by plaintext, random, derivation or key blob import, export as
// key blobs, lookup of provisioned assets, and release.
//
// Arguments that are malformed regardless of engine state are rejected
// locally with types.ErrBadArgument before any token is built. All other
// failures come from the engine result code.
package asset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-hsm/pkg/device"
	"github.com/jeremyhahn/go-hsm/pkg/logging"
	"github.com/jeremyhahn/go-hsm/pkg/metrics"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/token"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// DefaultLockTimeout bounds the wait for the device lock.
const DefaultLockTimeout = 5 * time.Second

// Config configures a Store.
type Config struct {
	// StrictArgs moves label and AAD length checks in front of the engine,
	// turning them into ErrBadArgument. When false the engine reports them
	// as ErrInvalidLength.
	StrictArgs bool

	LockTimeout time.Duration
	Mode        types.CompletionMode
	Logger      *logging.Logger
}

// Store is the asset API over a token channel.
type Store struct {
	ch      *token.Channel
	strict  bool
	timeout time.Duration
	mode    types.CompletionMode
	logger  *logging.Logger
}

// NewStore returns a store using ch.
func NewStore(ch *token.Channel, cfg *Config) *Store {
	if cfg == nil {
		cfg = &Config{Mode: types.ModeBlocking}
	}
	s := &Store{
		ch:      ch,
		strict:  cfg.StrictArgs,
		timeout: cfg.LockTimeout,
		mode:    cfg.Mode,
		logger:  cfg.Logger,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultLockTimeout
	}
	if s.logger == nil {
		s.logger = ch.Logger()
	}
	return s
}

// AllocateParams describes a new asset.
type AllocateParams struct {
	Policy   policy.Policy
	Size     int
	Lifetime types.Lifetime

	// Exportable adds the exportable bit to Policy.
	Exportable bool

	// AsOther allocates on behalf of another security domain.
	AsOther   bool
	DomainRef uint32
}

// DeriveParams selects the key derivation. CounterMode and
// ExtractThenExpand are mutually exclusive; with neither set the feedback
// construction seeded by IV is used.
type DeriveParams struct {
	BaseKey           types.AssetID
	Label             []byte
	Salt              []byte
	IV                []byte
	CounterMode       bool
	ExtractThenExpand bool
}

// Info describes an asset.
type Info struct {
	ID       types.AssetID
	Policy   policy.Policy
	Size     int
	Loaded   bool
	Lifetime types.Lifetime
}

// Allocate creates an unloaded asset and returns its handle.
func (s *Store) Allocate(ctx context.Context, params AllocateParams) (id types.AssetID, err error) {
	defer s.record(metrics.OpAllocate, time.Now(), &err)

	if params.Policy == 0 {
		return types.InvalidAssetID, fmt.Errorf("%w: zero policy", types.ErrBadArgument)
	}
	if params.Size <= 0 || params.Size > policy.AssetSizeMax {
		return types.InvalidAssetID, fmt.Errorf("%w: size %d", types.ErrBadArgument, params.Size)
	}
	p := params.Policy
	if params.Exportable {
		p |= policy.Exportable
	}
	if s.strict {
		if err := policy.ValidateSize(p, params.Size); err != nil {
			return types.InvalidAssetID, err
		}
	}

	res, err := s.exec(ctx, &device.Request{
		Opcode:    device.OpAssetCreate,
		Policy:    p,
		Size:      params.Size,
		Lifetime:  params.Lifetime,
		AsOther:   params.AsOther,
		DomainRef: params.DomainRef,
	})
	if err != nil {
		return types.InvalidAssetID, err
	}
	s.logger.Debug("asset allocated", "asset", res.Asset.String(), "policy", p.String(), "size", params.Size)
	return res.Asset, nil
}

// Free releases an asset, loaded or not. Freeing a freed or unknown handle
// returns types.ErrInvalidAsset.
func (s *Store) Free(ctx context.Context, id types.AssetID) (err error) {
	defer s.record(metrics.OpFree, time.Now(), &err)

	if !id.IsValid() {
		return fmt.Errorf("%w: invalid asset handle", types.ErrBadArgument)
	}
	if _, err = s.exec(ctx, &device.Request{Opcode: device.OpAssetDelete, Asset: id}); err != nil {
		return err
	}
	s.logger.Debug("asset freed", "asset", id.String())
	return nil
}

// LoadPlaintext loads data into an unloaded asset. len(data) must equal
// the asset size.
func (s *Store) LoadPlaintext(ctx context.Context, id types.AssetID, data []byte) (err error) {
	defer s.record(metrics.OpLoadPlaintext, time.Now(), &err)

	if err := checkTarget(id); err != nil {
		return err
	}
	if err := checkData(data); err != nil {
		return err
	}
	_, err = s.exec(ctx, &device.Request{Opcode: device.OpAssetLoadPlaintext, Asset: id, Data: data})
	return err
}

// LoadRandom fills an unloaded asset from the engine TRNG.
func (s *Store) LoadRandom(ctx context.Context, id types.AssetID) (err error) {
	defer s.record(metrics.OpLoadRandom, time.Now(), &err)

	if err := checkTarget(id); err != nil {
		return err
	}
	_, err = s.exec(ctx, &device.Request{Opcode: device.OpAssetLoadRandom, Asset: id})
	return err
}

// LoadDerive loads an asset with key material derived from a key
// derivation key.
func (s *Store) LoadDerive(ctx context.Context, id types.AssetID, params DeriveParams) (err error) {
	defer s.record(metrics.OpLoadDerive, time.Now(), &err)

	if err := checkTarget(id); err != nil {
		return err
	}
	if !params.BaseKey.IsValid() {
		return fmt.Errorf("%w: invalid base key handle", types.ErrBadArgument)
	}
	if params.CounterMode && params.ExtractThenExpand {
		return fmt.Errorf("%w: counter mode and extract-then-expand are mutually exclusive", types.ErrBadArgument)
	}
	if len(params.Label) == 0 {
		return fmt.Errorf("%w: empty label", types.ErrBadArgument)
	}
	if s.strict && (len(params.Label) < policy.KDFLabelMin || len(params.Label) > policy.KDFLabelMax) {
		return fmt.Errorf("%w: label length %d outside [%d, %d]",
			types.ErrBadArgument, len(params.Label), policy.KDFLabelMin, policy.KDFLabelMax)
	}

	_, err = s.exec(ctx, &device.Request{
		Opcode:            device.OpAssetLoadDerive,
		Asset:             id,
		BaseKey:           params.BaseKey,
		Label:             params.Label,
		Salt:              params.Salt,
		IV:                params.IV,
		CounterMode:       params.CounterMode,
		ExtractThenExpand: params.ExtractThenExpand,
	})
	return err
}

// LoadImport unwraps blob under kek into an unloaded asset. A blob that
// fails authentication returns types.ErrUnwrap.
func (s *Store) LoadImport(ctx context.Context, id, kek types.AssetID, aad, blob []byte) (err error) {
	defer s.record(metrics.OpLoadImport, time.Now(), &err)

	if err := checkTarget(id); err != nil {
		return err
	}
	if err := s.checkWrap(kek, aad); err != nil {
		return err
	}
	if len(blob) == 0 || len(blob) > policy.KeyBlobSize(policy.AssetSizeMax) {
		return fmt.Errorf("%w: blob length %d", types.ErrBadArgument, len(blob))
	}
	_, err = s.exec(ctx, &device.Request{Opcode: device.OpAssetLoadImport, Asset: id, KEK: kek, AAD: aad, Blob: blob})
	return err
}

// LoadRandomExport fills an unloaded asset from the TRNG and writes the
// key blob of its contents to out. If out is too small it returns the
// required size with types.ErrBufferTooSmall and loads nothing.
func (s *Store) LoadRandomExport(ctx context.Context, id, kek types.AssetID, aad, out []byte) (int, error) {
	return s.loadExport(ctx, &device.Request{Opcode: device.OpAssetLoadRandom, Asset: id}, kek, aad, out)
}

// LoadPlaintextExport loads data into an unloaded asset and writes its key
// blob to out, with the same size query behavior as LoadRandomExport.
func (s *Store) LoadPlaintextExport(ctx context.Context, id types.AssetID, data []byte, kek types.AssetID, aad, out []byte) (int, error) {
	if err := checkData(data); err != nil {
		s.record(metrics.OpLoadExport, time.Now(), &err)
		return 0, err
	}
	return s.loadExport(ctx, &device.Request{Opcode: device.OpAssetLoadPlaintext, Asset: id, Data: data}, kek, aad, out)
}

func (s *Store) loadExport(ctx context.Context, req *device.Request, kek types.AssetID, aad, out []byte) (n int, err error) {
	defer s.record(metrics.OpLoadExport, time.Now(), &err)

	if err := checkTarget(req.Asset); err != nil {
		return 0, err
	}
	if err := s.checkWrap(kek, aad); err != nil {
		return 0, err
	}

	sess, err := s.ch.Acquire(ctx, s.timeout)
	if err != nil {
		return 0, err
	}
	defer sess.Release()

	info, err := s.call(ctx, sess, &device.Request{Opcode: device.OpAssetInfo, Asset: req.Asset})
	if err != nil {
		return 0, err
	}
	required := policy.KeyBlobSize(info.Size)
	if len(out) < required {
		return required, fmt.Errorf("%w: need %d bytes, have %d", types.ErrBufferTooSmall, required, len(out))
	}

	req.Export = true
	req.KEK = kek
	req.AAD = aad
	res, err := s.call(ctx, sess, req)
	if err != nil {
		return 0, err
	}
	return copy(out, res.Data), nil
}

// Search returns the handle and size of a provisioned asset.
func (s *Store) Search(ctx context.Context, number int) (id types.AssetID, size int, err error) {
	defer s.record(metrics.OpSearch, time.Now(), &err)

	if number < 0 || number > policy.AssetNumberMax {
		return types.InvalidAssetID, 0, fmt.Errorf("%w: asset number %d outside [0, %d]",
			types.ErrBadArgument, number, policy.AssetNumberMax)
	}
	res, err := s.exec(ctx, &device.Request{Opcode: device.OpAssetSearch, Number: number})
	if err != nil {
		return types.InvalidAssetID, 0, err
	}
	return res.Asset, res.Size, nil
}

// GetRootKey returns the root key handle. types.InvalidAssetID with a nil
// error means no root key is provisioned.
func (s *Store) GetRootKey(ctx context.Context) (id types.AssetID, err error) {
	defer s.record(metrics.OpRootKey, time.Now(), &err)

	res, err := s.exec(ctx, &device.Request{Opcode: device.OpRootKey})
	if err != nil {
		return types.InvalidAssetID, err
	}
	return res.Asset, nil
}

// Info returns the policy, size and state of an asset.
func (s *Store) Info(ctx context.Context, id types.AssetID) (info Info, err error) {
	defer s.record(metrics.OpInfo, time.Now(), &err)

	if !id.IsValid() {
		return Info{}, fmt.Errorf("%w: invalid asset handle", types.ErrBadArgument)
	}
	res, err := s.exec(ctx, &device.Request{Opcode: device.OpAssetInfo, Asset: id})
	if err != nil {
		return Info{}, err
	}
	info = Info{
		ID:       res.Asset,
		Policy:   res.Policy,
		Size:     res.Size,
		Loaded:   res.Loaded,
		Lifetime: types.LifetimeVolatile,
	}
	if res.Static {
		info.Lifetime = types.LifetimePersistent
	}
	return info, nil
}

// PublicDataRead copies the contents of a public static asset into out.
// If out is too small it returns the required size with
// types.ErrBufferTooSmall.
func (s *Store) PublicDataRead(ctx context.Context, id types.AssetID, out []byte) (n int, err error) {
	defer s.record(metrics.OpPublicData, time.Now(), &err)

	if !id.IsValid() {
		return 0, fmt.Errorf("%w: invalid asset handle", types.ErrBadArgument)
	}
	res, err := s.exec(ctx, &device.Request{Opcode: device.OpPublicDataRead, Asset: id})
	if err != nil {
		return 0, err
	}
	if len(out) < len(res.Data) {
		return len(res.Data), fmt.Errorf("%w: need %d bytes, have %d", types.ErrBufferTooSmall, len(res.Data), len(out))
	}
	return copy(out, res.Data), nil
}

// CounterRead returns the value of a monotonic counter.
func (s *Store) CounterRead(ctx context.Context, number int) (v uint64, err error) {
	defer s.record(metrics.OpCounter, time.Now(), &err)

	if number < 0 || number > policy.AssetNumberMax {
		return 0, fmt.Errorf("%w: counter number %d", types.ErrBadArgument, number)
	}
	res, err := s.exec(ctx, &device.Request{Opcode: device.OpCounterRead, Number: number})
	if err != nil {
		return 0, err
	}
	return res.Counter, nil
}

// CounterIncrement increments a monotonic counter and returns the new value.
func (s *Store) CounterIncrement(ctx context.Context, number int) (v uint64, err error) {
	defer s.record(metrics.OpCounter, time.Now(), &err)

	if number < 0 || number > policy.AssetNumberMax {
		return 0, fmt.Errorf("%w: counter number %d", types.ErrBadArgument, number)
	}
	res, err := s.exec(ctx, &device.Request{Opcode: device.OpCounterIncrement, Number: number})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("counter incremented", "number", number, "value", res.Counter)
	return res.Counter, nil
}

// exec runs one token in its own session.
func (s *Store) exec(ctx context.Context, req *device.Request) (*device.Result, error) {
	sess, err := s.ch.Acquire(ctx, s.timeout)
	if err != nil {
		return nil, err
	}
	defer sess.Release()
	return s.call(ctx, sess, req)
}

// call submits req within sess and translates the result code.
func (s *Store) call(ctx context.Context, sess *token.Session, req *device.Request) (*device.Result, error) {
	f, err := sess.Submit(req, s.mode, nil)
	if err != nil {
		return nil, err
	}
	res, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := types.ErrorFromResult(res.Code); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) record(op string, start time.Time, errp *error) {
	err := *errp
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
		if errors.Is(err, types.ErrCanceled) {
			status = metrics.StatusCanceled
		}
		metrics.RecordError(op, s.ch.Name(), types.Kind(err))
		s.logger.Debug("asset operation failed", "operation", op, "error", err)
	}
	metrics.RecordOperation(op, s.ch.Name(), status, time.Since(start).Seconds())
}

func (s *Store) checkWrap(kek types.AssetID, aad []byte) error {
	if !kek.IsValid() {
		return fmt.Errorf("%w: invalid key encryption key handle", types.ErrBadArgument)
	}
	if len(aad) == 0 {
		return fmt.Errorf("%w: empty additional data", types.ErrBadArgument)
	}
	if s.strict && (len(aad) < policy.KeyBlobAADMin || len(aad) > policy.KeyBlobAADMax) {
		return fmt.Errorf("%w: additional data length %d outside [%d, %d]",
			types.ErrBadArgument, len(aad), policy.KeyBlobAADMin, policy.KeyBlobAADMax)
	}
	return nil
}

func checkTarget(id types.AssetID) error {
	if !id.IsValid() {
		return fmt.Errorf("%w: invalid asset handle", types.ErrBadArgument)
	}
	return nil
}

func checkData(data []byte) error {
	if len(data) == 0 || len(data) > policy.AssetSizeMax {
		return fmt.Errorf("%w: data length %d", types.ErrBadArgument, len(data))
	}
	return nil
}
