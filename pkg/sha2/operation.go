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

package sha2

import (
	"context"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-hsm/pkg/device"
	"github.com/jeremyhahn/go-hsm/pkg/token"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// operation is one AddData, Finalize or one-shot call: a chain of segment
// tokens submitted within a single session. Each token's continuation
// applies its result and submits the next segment, so the three
// completion modes share one code path; the synchronous modes only pump
// Future.Wait on the caller's goroutine.
type operation struct {
	name     string
	sess     *token.Session
	segments [][]byte
	next     int
	final    bool
	keep     []byte
	out      []byte
	n        int
	start    time.Time

	future   *token.Future
	canceled bool
	async    bool
	release  []types.AssetID

	err  error
	done chan struct{}
}

// launch submits the first segment. In ModeCallback it returns at once;
// otherwise it waits until the chain completes.
func (h *Hash) launch(ctx context.Context, op *operation) error {
	h.mu.Lock()
	f, err := h.submitLocked(op)
	if err != nil {
		h.settleLocked(op, err)
		h.mu.Unlock()
		h.finish(op, err)
		return err
	}
	op.future = f
	if h.mode == types.ModeCallback {
		op.async = true
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	for {
		select {
		case <-op.done:
			return op.err
		default:
		}
		h.mu.Lock()
		f := op.future
		h.mu.Unlock()
		_, _ = f.Wait(ctx)
	}
}

// complete launches a terminal operation and returns the digest length.
// In ModeCallback the digest is not yet written when launch returns, so the
// count is 0 and out is valid once the callback reports success.
func (h *Hash) complete(ctx context.Context, op *operation) (int, error) {
	if err := h.launch(ctx, op); err != nil {
		return 0, err
	}
	if op.async {
		return 0, nil
	}
	return op.n, nil
}

// submitLocked sends the next segment. The caller holds the mutex.
func (h *Hash) submitLocked(op *operation) (*token.Future, error) {
	seg := op.segments[op.next]
	last := op.final && op.next == len(op.segments)-1
	initial := h.processed == 0

	var mode device.HashMode
	switch {
	case initial && last:
		mode = device.Init2Final
	case initial:
		mode = device.Init2Cont
	case last:
		mode = device.Cont2Final
	default:
		mode = device.Cont2Cont
	}

	req := &device.Request{
		Opcode:      device.OpHash,
		Hash:        h.hashType,
		HashMode:    mode,
		Data:        seg,
		TotalLength: h.processed + uint64(len(seg)),
	}
	if h.hmac {
		req.Opcode = device.OpMAC
		req.KeyAsset = h.keyAsset
		req.StateAsset = h.stateAsset
	} else if !initial {
		req.Intermediate = h.digest
	}

	return op.sess.Submit(req, h.mode, func(res *device.Result, err error) {
		h.onResult(op, res, err)
	})
}

// onResult is the continuation of every segment token.
func (h *Hash) onResult(op *operation, res *device.Result, err error) {
	h.mu.Lock()
	if err == nil && op.canceled {
		err = types.ErrCanceled
	}
	if err == nil {
		if rerr := types.ErrorFromResult(res.Code); rerr != nil {
			err = fmt.Errorf("%w: %w", types.ErrOperationFailed, rerr)
		}
	}
	if err == nil {
		err = h.applyLocked(op, res)
	}
	if err == nil && op.next < len(op.segments) {
		f, serr := h.submitLocked(op)
		if serr == nil {
			op.future = f
			h.mu.Unlock()
			return
		}
		err = serr
	}
	h.settleLocked(op, err)
	h.mu.Unlock()
	h.finish(op, err)
}

// applyLocked folds a successful segment result into the stream.
func (h *Hash) applyLocked(op *operation, res *device.Result) error {
	seg := op.segments[op.next]
	last := op.final && op.next == len(op.segments)-1
	op.next++

	if last {
		if len(res.Digest) < h.hashType.DigestSize() {
			return fmt.Errorf("%w: short digest of %d bytes", types.ErrOperationFailed, len(res.Digest))
		}
		op.n = copy(op.out, res.Digest[:h.hashType.DigestSize()])
		return nil
	}
	if !h.hmac {
		if len(res.Digest) != h.hashType.IntermediateSize() {
			return fmt.Errorf("%w: intermediate digest of %d bytes", types.ErrOperationFailed, len(res.Digest))
		}
		h.digest = res.Digest
	}
	h.processed += uint64(len(seg))
	return nil
}

// settleLocked updates the stream after the chain ends. Failures and
// terminal transactions clear it.
func (h *Hash) settleLocked(op *operation, err error) {
	if h.pending == op {
		h.pending = nil
	}
	if err != nil || op.final {
		op.release = h.resetLocked()
		return
	}
	h.buffer = append(h.buffer[:0], op.keep...)
}

// finish releases the session and reports the outcome. It runs outside
// the mutex.
func (h *Hash) finish(op *operation, err error) {
	op.sess.Release()
	h.freeAssets(op.release...)
	h.record(op.name, op.start, err)

	op.err = err
	if op.async {
		h.notify(err)
	}
	close(op.done)
}
