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

// Package sha2 drives segmented SHA-2 hash and HMAC computations on the
// engine. Data is accumulated into block-sized segments; the engine
// carries the chaining value between transactions.
//
// The driver never leaves its buffer empty between transactions once
// data has been supplied: when the accumulated length is an exact block
// multiple one full block is retained, so a terminal transaction always
// has data to work on.
package sha2

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jeremyhahn/go-hsm/pkg/asset"
	"github.com/jeremyhahn/go-hsm/pkg/logging"
	"github.com/jeremyhahn/go-hsm/pkg/metrics"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/token"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

const (
	// DMALimit is the largest transaction the engine accepts.
	DMALimit = 0x00FFFFFF

	// DefaultLockTimeout bounds the wait for the device lock.
	DefaultLockTimeout = 5 * time.Second
)

// Callback receives the outcome of an operation in ModeCallback.
type Callback func(err error)

// Config configures a Hash.
type Config struct {
	HashType    types.HashType
	Mode        types.CompletionMode
	LockTimeout time.Duration
	Logger      *logging.Logger

	// Callback is invoked once per AddData, Finalize, HashData or HMAC
	// call in ModeCallback, including calls that only buffered data.
	Callback Callback

	// MaxTransaction caps the bytes sent in one continuation transaction.
	// It is rounded down to a whole block. Zero means DMALimit.
	MaxTransaction int
}

// Hash is a streaming hash or HMAC handle. Methods are safe for
// concurrent use, but only one operation may be outstanding at a time.
type Hash struct {
	ch       *token.Channel
	store    *asset.Store
	mode     types.CompletionMode
	timeout  time.Duration
	logger   *logging.Logger
	callback Callback
	maxTx    int

	mu        sync.Mutex
	hashType  types.HashType
	buffer    []byte
	processed uint64
	digest    []byte
	pending   *operation

	hmac       bool
	keyAsset   types.AssetID
	stateAsset types.AssetID
	ownKey     bool
}

// New returns a hash handle on ch.
func New(ch *token.Channel, cfg *Config) (*Hash, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", types.ErrBadArgument)
	}
	if cfg == nil {
		cfg = &Config{HashType: types.HashSHA256, Mode: types.ModeBlocking}
	}
	if !cfg.HashType.Valid() {
		return nil, fmt.Errorf("%w: unsupported hash %s", types.ErrBadArgument, cfg.HashType)
	}
	if cfg.Mode == types.ModeCallback && cfg.Callback == nil {
		return nil, fmt.Errorf("%w: callback mode requires a callback", types.ErrBadArgument)
	}

	h := &Hash{
		ch:       ch,
		mode:     cfg.Mode,
		timeout:  cfg.LockTimeout,
		logger:   cfg.Logger,
		callback: cfg.Callback,
		hashType: cfg.HashType,
	}
	if h.timeout <= 0 {
		h.timeout = DefaultLockTimeout
	}
	if h.logger == nil {
		h.logger = ch.Logger()
	}
	h.maxTx = cfg.MaxTransaction
	if h.maxTx <= 0 || h.maxTx > DMALimit {
		h.maxTx = DMALimit
	}
	h.buffer = make([]byte, 0, h.hashType.BlockSize())

	// Asset bookkeeping for HMAC always completes synchronously.
	storeMode := h.mode
	if storeMode == types.ModeCallback {
		storeMode = types.ModeBlocking
	}
	h.store = asset.NewStore(ch, &asset.Config{
		LockTimeout: h.timeout,
		Mode:        storeMode,
		Logger:      h.logger,
	})
	return h, nil
}

// HashType returns the configured algorithm.
func (h *Hash) HashType() types.HashType {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hashType
}

// SetHashType changes the algorithm of an idle handle that has not yet
// processed any data.
func (h *Hash) SetHashType(t types.HashType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unsupported hash %s", types.ErrBadArgument, t)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending != nil || h.processed > 0 || h.hmac {
		return fmt.Errorf("%w: operation in progress", types.ErrBadArgument)
	}
	h.hashType = t
	h.buffer = make([]byte, 0, t.BlockSize())
	return nil
}

// Buffered returns the number of bytes held back from the engine.
func (h *Hash) Buffered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buffer)
}

// Processed returns the number of bytes absorbed by the engine.
func (h *Hash) Processed() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.processed
}

// maxSegment returns the transaction limit rounded down to a block.
func (h *Hash) maxSegment() int {
	block := h.hashType.BlockSize()
	n := h.maxTx / block * block
	if n < block {
		n = block
	}
	return n
}

// AddData feeds data into the stream. Data that does not complete a
// block beyond the buffer is only buffered. Any engine failure discards
// the whole stream.
func (h *Hash) AddData(ctx context.Context, data []byte) error {
	start := time.Now()
	sess, err := h.begin(ctx)
	if err != nil {
		h.record(metrics.OpHashUpdate, start, err)
		return err
	}

	h.mu.Lock()
	block := h.hashType.BlockSize()
	if len(h.buffer)+len(data) <= block {
		h.buffer = append(h.buffer, data...)
		h.mu.Unlock()
		sess.Release()
		h.record(metrics.OpHashUpdate, start, nil)
		h.notify(nil)
		return nil
	}

	segments, keep := h.plan(slices.Clone(data))
	op := &operation{
		name:     metrics.OpHashUpdate,
		sess:     sess,
		segments: segments,
		keep:     keep,
		start:    start,
		done:     make(chan struct{}),
	}
	h.pending = op
	h.mu.Unlock()

	return h.launch(ctx, op)
}

// plan splits buffer+data into transaction segments and the remainder to
// keep. The remainder is between 1 and blockSize bytes. The caller holds
// the mutex and guarantees len(buffer)+len(data) > blockSize.
func (h *Hash) plan(data []byte) ([][]byte, []byte) {
	block := h.hashType.BlockSize()
	var segments [][]byte

	if len(h.buffer) > 0 {
		fill := block - len(h.buffer)
		first := make([]byte, 0, block)
		first = append(first, h.buffer...)
		first = append(first, data[:fill]...)
		segments = append(segments, first)
		data = data[fill:]
	}

	aligned := len(data) / block * block
	if aligned == len(data) {
		aligned -= block
	}
	limit := h.maxSegment()
	for aligned > 0 {
		n := min(aligned, limit)
		segments = append(segments, data[:n])
		data = data[n:]
		aligned -= n
	}
	return segments, data
}

// Finalize completes the stream and writes the digest (or MAC) to out.
// out is left untouched on failure. The stream, including any HMAC
// assets, is cleared either way.
// In ModeCallback it returns 0; out holds the digest once the callback
// reports success.
func (h *Hash) Finalize(ctx context.Context, out []byte) (int, error) {
	start := time.Now()

	h.mu.Lock()
	size := h.hashType.DigestSize()
	h.mu.Unlock()
	if len(out) < size {
		err := fmt.Errorf("%w: digest buffer of %d bytes, need %d", types.ErrBadArgument, len(out), size)
		h.record(metrics.OpHashFinal, start, err)
		return size, err
	}

	sess, err := h.begin(ctx)
	if err != nil {
		h.record(metrics.OpHashFinal, start, err)
		return 0, err
	}

	h.mu.Lock()
	if h.processed > 0 && len(h.buffer) == 0 {
		h.mu.Unlock()
		err := fmt.Errorf("%w: nothing buffered to finalize", types.ErrOperationFailed)
		h.abandon(sess, metrics.OpHashFinal, start, err)
		return 0, err
	}
	op := &operation{
		name:     metrics.OpHashFinal,
		sess:     sess,
		segments: [][]byte{slices.Clone(h.buffer)},
		final:    true,
		out:      out,
		start:    start,
		done:     make(chan struct{}),
	}
	h.pending = op
	h.mu.Unlock()

	return h.complete(ctx, op)
}

// FinalizeHMAC completes an HMAC stream. It is Finalize under another name.
func (h *Hash) FinalizeHMAC(ctx context.Context, out []byte) (int, error) {
	return h.Finalize(ctx, out)
}

// HashData hashes data in a single transaction, discarding any stream in
// progress.
func (h *Hash) HashData(ctx context.Context, data, out []byte) (int, error) {
	start := time.Now()

	h.mu.Lock()
	size := h.hashType.DigestSize()
	h.mu.Unlock()
	if len(out) < size {
		err := fmt.Errorf("%w: digest buffer of %d bytes, need %d", types.ErrBadArgument, len(out), size)
		h.record(metrics.OpHashOneShot, start, err)
		return size, err
	}
	if len(data) > DMALimit {
		err := fmt.Errorf("%w: %d bytes exceeds the transaction limit", types.ErrBadArgument, len(data))
		h.record(metrics.OpHashOneShot, start, err)
		return 0, err
	}

	if h.busy() {
		err := fmt.Errorf("%w: operation in progress", types.ErrResourceUnavailable)
		h.record(metrics.OpHashOneShot, start, err)
		return 0, err
	}
	// Drop HMAC assets and buffered data before taking the lock.
	h.clear(ctx)

	sess, err := h.begin(ctx)
	if err != nil {
		h.record(metrics.OpHashOneShot, start, err)
		return 0, err
	}

	h.mu.Lock()
	op := &operation{
		name:     metrics.OpHashOneShot,
		sess:     sess,
		segments: [][]byte{slices.Clone(data)},
		final:    true,
		out:      out,
		start:    start,
		done:     make(chan struct{}),
	}
	h.pending = op
	h.mu.Unlock()

	return h.complete(ctx, op)
}

// SetupHMAC loads key into a MAC key asset and allocates the state asset.
// Subsequent AddData and Finalize calls compute HMAC.
func (h *Hash) SetupHMAC(ctx context.Context, key []byte) (err error) {
	start := time.Now()
	defer func() { h.record(metrics.OpHMACSetup, start, err) }()

	if len(key) == 0 || len(key) > policy.HMACKeyMax {
		return fmt.Errorf("%w: HMAC key length %d", types.ErrBadArgument, len(key))
	}
	t, err := h.idleForSetup()
	if err != nil {
		return err
	}
	hashBits, err := policy.HashBits(t)
	if err != nil {
		return err
	}

	keyID, err := h.store.Allocate(ctx, asset.AllocateParams{
		Policy: policy.SymMacHash | policy.DirEncGen | hashBits,
		Size:   len(key),
	})
	if err != nil {
		return err
	}
	if err := h.store.LoadPlaintext(ctx, keyID, key); err != nil {
		h.freeAssets(keyID)
		return err
	}
	if err := h.attachHMAC(ctx, t, keyID, true); err != nil {
		h.freeAssets(keyID)
		return err
	}
	return nil
}

// SetupHMACAsset uses an already loaded MAC key asset. The key asset is
// not freed by Finalize.
func (h *Hash) SetupHMACAsset(ctx context.Context, keyID types.AssetID) (err error) {
	start := time.Now()
	defer func() { h.record(metrics.OpHMACSetup, start, err) }()

	if !keyID.IsValid() {
		return fmt.Errorf("%w: invalid key handle", types.ErrBadArgument)
	}
	t, err := h.idleForSetup()
	if err != nil {
		return err
	}
	return h.attachHMAC(ctx, t, keyID, false)
}

// HMAC computes the MAC of data under key in one transaction.
func (h *Hash) HMAC(ctx context.Context, key, data, out []byte) (int, error) {
	h.mu.Lock()
	size := h.hashType.DigestSize()
	h.mu.Unlock()
	if len(out) < size {
		return size, fmt.Errorf("%w: digest buffer of %d bytes, need %d", types.ErrBadArgument, len(out), size)
	}
	if len(data) > DMALimit {
		return 0, fmt.Errorf("%w: %d bytes exceeds the transaction limit", types.ErrBadArgument, len(data))
	}

	if h.busy() {
		return 0, fmt.Errorf("%w: operation in progress", types.ErrResourceUnavailable)
	}
	h.clear(ctx)
	if err := h.SetupHMAC(ctx, key); err != nil {
		return 0, err
	}

	start := time.Now()
	sess, err := h.begin(ctx)
	if err != nil {
		h.clear(ctx)
		h.record(metrics.OpHashOneShot, start, err)
		return 0, err
	}
	h.mu.Lock()
	op := &operation{
		name:     metrics.OpHashOneShot,
		sess:     sess,
		segments: [][]byte{slices.Clone(data)},
		final:    true,
		out:      out,
		start:    start,
		done:     make(chan struct{}),
	}
	h.pending = op
	h.mu.Unlock()

	return h.complete(ctx, op)
}

func (h *Hash) idleForSetup() (types.HashType, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending != nil {
		return 0, fmt.Errorf("%w: operation in progress", types.ErrResourceUnavailable)
	}
	if h.processed > 0 || len(h.buffer) > 0 || h.hmac {
		return 0, fmt.Errorf("%w: stream already started", types.ErrBadArgument)
	}
	return h.hashType, nil
}

func (h *Hash) attachHMAC(ctx context.Context, t types.HashType, keyID types.AssetID, own bool) error {
	hashBits, err := policy.HashBits(t)
	if err != nil {
		return err
	}
	stateID, err := h.store.Allocate(ctx, asset.AllocateParams{
		Policy: policy.SymTemp | policy.UsageMacHash | policy.DirEncGen | hashBits,
		Size:   t.IntermediateSize(),
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.hmac = true
	h.keyAsset = keyID
	h.stateAsset = stateID
	h.ownKey = own
	h.mu.Unlock()

	h.logger.Debug("hmac set up", "key", keyID.String(), "state", stateID.String(), "hash", t.String())
	return nil
}

// Reset cancels any outstanding operation and clears the stream.
func (h *Hash) Reset() {
	_ = h.Cancel()
	h.clear(context.Background())
}

// Cancel abandons the outstanding operation, if any, and clears the
// stream. It returns after the engine has answered. In ModeCallback the
// callback of a canceled operation receives types.ErrCanceled.
func (h *Hash) Cancel() error {
	h.mu.Lock()
	op := h.pending
	if op != nil {
		op.canceled = true
	}
	h.mu.Unlock()

	if op != nil {
		op.sess.Cancel()
		<-op.done
	}
	h.clear(context.Background())
	return nil
}

func (h *Hash) busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending != nil
}

// begin takes the device lock for one operation.
func (h *Hash) begin(ctx context.Context) (*token.Session, error) {
	if h.busy() {
		return nil, fmt.Errorf("%w: operation in progress", types.ErrResourceUnavailable)
	}
	return h.ch.Acquire(ctx, h.timeout)
}

// abandon ends an operation that failed before any token was submitted.
func (h *Hash) abandon(sess *token.Session, name string, start time.Time, err error) {
	sess.Release()
	h.clear(context.Background())
	h.record(name, start, err)
}

// clear drops buffered data and chaining state and frees HMAC assets.
func (h *Hash) clear(ctx context.Context) {
	h.mu.Lock()
	ids := h.resetLocked()
	h.mu.Unlock()
	h.freeAssetsCtx(ctx, ids...)
}

// resetLocked clears the stream and returns the HMAC assets to free.
func (h *Hash) resetLocked() []types.AssetID {
	h.buffer = h.buffer[:0]
	h.processed = 0
	clear(h.digest)
	h.digest = nil

	var ids []types.AssetID
	if h.hmac {
		ids = append(ids, h.stateAsset)
		if h.ownKey {
			ids = append(ids, h.keyAsset)
		}
	}
	h.hmac = false
	h.keyAsset = types.InvalidAssetID
	h.stateAsset = types.InvalidAssetID
	h.ownKey = false
	return ids
}

func (h *Hash) freeAssets(ids ...types.AssetID) {
	h.freeAssetsCtx(context.Background(), ids...)
}

func (h *Hash) freeAssetsCtx(ctx context.Context, ids ...types.AssetID) {
	for _, id := range ids {
		if err := h.store.Free(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, types.ErrInvalidAsset) {
			h.logger.Warn("failed to free hmac asset", "asset", id.String(), "error", err)
		}
	}
}

func (h *Hash) notify(err error) {
	if h.mode == types.ModeCallback && h.callback != nil {
		h.callback(err)
	}
}

func (h *Hash) record(op string, start time.Time, err error) {
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
		if errors.Is(err, types.ErrCanceled) {
			status = metrics.StatusCanceled
		}
		metrics.RecordError(op, h.ch.Name(), types.Kind(err))
		h.logger.Debug("hash operation failed", "operation", op, "error", err)
	}
	metrics.RecordOperation(op, h.ch.Name(), status, time.Since(start).Seconds())
}
