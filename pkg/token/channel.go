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

// Package token serializes access to a secure engine. A Channel owns the
// device lock and the power guard; a Session is one lock ownership during
// which tokens are submitted one at a time and their results taken by
// polling, blocking or callback.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-hsm/pkg/correlation"
	"github.com/jeremyhahn/go-hsm/pkg/device"
	"github.com/jeremyhahn/go-hsm/pkg/logging"
	"github.com/jeremyhahn/go-hsm/pkg/metrics"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

const (
	// DefaultPollInterval is the spin interval used in ModePolling.
	DefaultPollInterval = 50 * time.Microsecond

	// DefaultName is the device label used in logs and metrics.
	DefaultName = "hsm0"
)

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPowerGuard replaces the default reference-counting power guard.
func WithPowerGuard(guard PowerGuard) Option {
	return func(c *Channel) {
		if guard != nil {
			c.power = guard
		}
	}
}

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithName sets the device label.
func WithName(name string) Option {
	return func(c *Channel) {
		if name != "" {
			c.name = name
		}
	}
}

// Channel is the single path to a Device.
type Channel struct {
	dev    device.Device
	name   string
	logger *logging.Logger
	power  PowerGuard
	poll   time.Duration

	lock chan struct{}

	mu       sync.Mutex
	owner    *Session
	inflight *Future
}

// NewChannel returns a channel for dev.
func NewChannel(dev device.Device, opts ...Option) *Channel {
	c := &Channel{
		dev:    dev,
		name:   DefaultName,
		logger: logging.DefaultLogger(),
		poll:   DefaultPollInterval,
		lock:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.power == nil {
		c.power = NewPowerGuard(c.name)
	}
	return c
}

// Name returns the device label.
func (c *Channel) Name() string {
	return c.name
}

// Logger returns the channel logger.
func (c *Channel) Logger() *logging.Logger {
	return c.logger
}

// Locked reports whether a session currently owns the device.
func (c *Channel) Locked() bool {
	return len(c.lock) == 1
}

// InFlight reports whether a token is outstanding on the device.
func (c *Channel) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil && !c.inflight.ready.Load()
}

// PowerConstraints returns the number of active power constraints.
func (c *Channel) PowerConstraints() int {
	return c.power.Count()
}

// Acquire obtains exclusive use of the device and sets the power
// constraint. A timeout <= 0 waits until ctx is done.
func (c *Channel) Acquire(ctx context.Context, timeout time.Duration) (*Session, error) {
	start := time.Now()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case c.lock <- struct{}{}:
	case <-expired:
		metrics.RecordLockWait(c.name, time.Since(start).Seconds(), true)
		return nil, fmt.Errorf("%w: device lock not acquired within %s", types.ErrResourceUnavailable, timeout)
	case <-ctx.Done():
		metrics.RecordLockWait(c.name, time.Since(start).Seconds(), true)
		return nil, fmt.Errorf("%w: %v", types.ErrResourceUnavailable, ctx.Err())
	}
	metrics.RecordLockWait(c.name, time.Since(start).Seconds(), false)

	_, cid := correlation.Ensure(ctx)
	s := &Session{
		ch:            c,
		id:            uuid.NewString(),
		correlationID: cid,
	}
	c.mu.Lock()
	c.owner = s
	c.mu.Unlock()
	c.power.SetConstraint()

	c.logger.Debug("device lock acquired",
		"device", c.name,
		"session", s.id,
		"correlation_id", s.correlationID)
	return s, nil
}

// Exec runs one token to completion: acquire, submit, wait and release.
// The returned error covers lock, submission and cancellation failures;
// the engine result code is left to the caller.
func (c *Channel) Exec(ctx context.Context, timeout time.Duration, mode types.CompletionMode, req *device.Request) (*device.Result, error) {
	s, err := c.Acquire(ctx, timeout)
	if err != nil {
		return nil, err
	}
	defer s.Release()

	f, err := s.Submit(req, mode, nil)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

func (c *Channel) owns(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner == s
}

// deliver waits for the engine answer and, in callback mode, runs the
// continuation on this goroutine.
func (c *Channel) deliver(s *Session, f *Future, results <-chan *device.Result) {
	res, ok := <-results
	if !ok || res == nil {
		res = device.Fail(types.ResultPanicError)
	}
	f.deliver(res)
	metrics.SetTokenInFlight(c.name, false)

	c.logger.Debug("token completed",
		"device", c.name,
		"session", s.id,
		"correlation_id", s.correlationID,
		"opcode", f.opcode.String(),
		"result", res.Code.String())

	if f.mode == types.ModeCallback {
		f.finish()
	}
}

// Session is one ownership of the device lock.
type Session struct {
	ch            *Channel
	id            string
	correlationID string

	mu      sync.Mutex
	current *Future
	once    sync.Once
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Submit hands req to the engine. The continuation, if any, runs once the
// result is taken: on the caller's goroutine from Future.Wait for polling
// and blocking, on the delivery goroutine for callback.
func (s *Session) Submit(req *device.Request, mode types.CompletionMode, cont Continuation) (*Future, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", types.ErrBadArgument)
	}
	if !s.ch.owns(s) {
		return nil, fmt.Errorf("%w: session %s does not hold the device lock", types.ErrResourceUnavailable, s.id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && !s.current.ready.Load() {
		return nil, fmt.Errorf("%w: token outstanding", types.ErrResourceUnavailable)
	}

	results, err := s.ch.dev.Submit(req)
	if err != nil {
		if errors.Is(err, device.ErrMailboxInUse) {
			return nil, fmt.Errorf("%w: %v", types.ErrResourceUnavailable, err)
		}
		return nil, fmt.Errorf("%w: submit %s: %v", types.ErrOperationFailed, req.Opcode, err)
	}

	f := newFuture(req.Opcode, mode, cont, s.ch.poll)
	s.current = f
	s.ch.mu.Lock()
	s.ch.inflight = f
	s.ch.mu.Unlock()

	metrics.RecordToken(req.Opcode.String(), mode.String())
	metrics.SetTokenInFlight(s.ch.name, true)
	s.ch.logger.Debug("token submitted",
		"device", s.ch.name,
		"session", s.id,
		"correlation_id", s.correlationID,
		"opcode", req.Opcode.String(),
		"mode", mode.String())

	go s.ch.deliver(s, f, results)
	return f, nil
}

// Cancel abandons the outstanding token, waits for the engine to answer,
// and releases the session. The continuation of a canceled token observes
// types.ErrCanceled. The engine-side effect is not rolled back.
func (s *Session) Cancel() {
	s.mu.Lock()
	f := s.current
	s.mu.Unlock()

	if f != nil {
		if f.cancel() {
			s.ch.logger.Debug("token canceled",
				"device", s.ch.name,
				"session", s.id,
				"opcode", f.opcode.String())
		}
		<-f.arrived
		if f.mode != types.ModeCallback {
			f.finish()
		}
	}
	s.Release()
}

// Release drops the power constraint and the device lock. It waits for an
// outstanding token first. Only the first call has an effect.
func (s *Session) Release() {
	s.once.Do(func() {
		s.mu.Lock()
		f := s.current
		s.mu.Unlock()
		if f != nil {
			<-f.arrived
		}

		c := s.ch
		c.mu.Lock()
		if c.owner == s {
			c.owner = nil
		}
		c.inflight = nil
		c.mu.Unlock()

		c.power.ReleaseConstraint()
		<-c.lock

		c.logger.Debug("device lock released",
			"device", c.name,
			"session", s.id,
			"correlation_id", s.correlationID)
	})
}
