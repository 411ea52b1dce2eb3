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

package token

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-hsm/pkg/device"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// Continuation is the post-processing step of a token. It runs exactly
// once, with a nil error when the result was taken normally or with
// types.ErrCanceled when the caller canceled before it was taken.
type Continuation func(res *device.Result, err error)

type futureState int

const (
	statePending futureState = iota
	stateCompleted
	stateCanceled
)

// Future is the pending result of one submitted token.
type Future struct {
	opcode device.Opcode
	mode   types.CompletionMode
	cont   Continuation
	poll   time.Duration

	arrived chan struct{}
	ready   atomic.Bool
	result  *device.Result

	mu    sync.Mutex
	state futureState
	once  sync.Once
	done  chan struct{}
	err   error
}

func newFuture(opcode device.Opcode, mode types.CompletionMode, cont Continuation, poll time.Duration) *Future {
	return &Future{
		opcode:  opcode,
		mode:    mode,
		cont:    cont,
		poll:    poll,
		arrived: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Mode returns the completion discipline of the token.
func (f *Future) Mode() types.CompletionMode {
	return f.mode
}

// Done is closed once the continuation has run.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Canceled reports whether the token was canceled before completion.
func (f *Future) Canceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateCanceled
}

// Result returns the outcome after Done is closed.
func (f *Future) Result() (*device.Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		return nil, types.ErrResourceUnavailable
	}
}

// Wait waits for the result, runs the continuation on the calling
// goroutine (Polling and Blocking) and returns the outcome. In Callback
// mode it only waits for the delivery goroutine to finish.
//
// Cancelling ctx cancels the token: Wait still waits for the engine to
// answer and then returns types.ErrCanceled.
func (f *Future) Wait(ctx context.Context) (*device.Result, error) {
	var interrupted bool
	switch f.mode {
	case types.ModePolling:
		interrupted = f.pollArrival(ctx)
	default:
		select {
		case <-f.arrived:
		case <-ctx.Done():
			interrupted = true
		}
	}

	if interrupted {
		f.cancel()
		<-f.arrived
	}

	if f.mode != types.ModeCallback {
		f.finish()
	}
	<-f.done
	return f.result, f.err
}

// pollArrival spins on the ready flag. It returns true if ctx ended first.
func (f *Future) pollArrival(ctx context.Context) bool {
	if f.ready.Load() {
		return false
	}
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			if f.ready.Load() {
				return false
			}
		}
	}
}

// deliver stores the raw result. It is called once by the delivery goroutine.
func (f *Future) deliver(res *device.Result) {
	f.result = res
	f.ready.Store(true)
	close(f.arrived)
}

// cancel marks a pending token canceled. It reports whether the state changed.
func (f *Future) cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != statePending {
		return false
	}
	f.state = stateCanceled
	return true
}

// finish settles the state and runs the continuation exactly once.
// The result must have arrived.
func (f *Future) finish() {
	f.once.Do(func() {
		f.mu.Lock()
		if f.state == statePending {
			f.state = stateCompleted
		}
		if f.state == stateCanceled {
			f.err = types.ErrCanceled
		}
		f.mu.Unlock()

		if f.cont != nil {
			f.cont(f.result, f.err)
		}
		close(f.done)
	})
}
