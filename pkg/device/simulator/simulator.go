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

// Package simulator implements device.Device in software. It keeps an
// asset table private to the engine, computes real digests, MACs,
// derivations and key blobs, and serves one token at a time through a
// single mailbox goroutine.
package simulator

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeremyhahn/go-hsm/pkg/device"
	"github.com/jeremyhahn/go-hsm/pkg/logging"
	"github.com/jeremyhahn/go-hsm/pkg/metrics"
	"github.com/jeremyhahn/go-hsm/pkg/storage"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

const (
	// DefaultMaxAssets is the volatile asset table capacity.
	DefaultMaxAssets = 256

	// DefaultName labels the simulator in logs and metrics.
	DefaultName = "sim0"
)

// Config configures a Simulator. The zero value is a fast, empty engine
// with in-memory counters.
type Config struct {
	Name string

	// Latency is added to every token.
	Latency time.Duration

	// TokensPerSecond limits throughput; 0 means unlimited.
	TokensPerSecond float64

	// MaxAssets bounds the number of volatile assets.
	MaxAssets int

	Manifest *Manifest
	Storage  storage.Backend
	Logger   *logging.Logger
}

type job struct {
	req *device.Request
	out chan *device.Result
}

// Simulator is a software secure engine.
type Simulator struct {
	name      string
	latency   time.Duration
	limiter   *rate.Limiter
	maxAssets int
	storage   storage.Backend
	logger    *logging.Logger

	mu     sync.Mutex
	busy   bool
	closed bool
	jobs   chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Engine-private state, touched only by the mailbox goroutine and
	// during construction.
	assets  *assetTable
	rootKey types.AssetID
}

// New provisions a simulator and starts its mailbox goroutine.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	s := &Simulator{
		name:      cfg.Name,
		latency:   cfg.Latency,
		maxAssets: cfg.MaxAssets,
		storage:   cfg.Storage,
		logger:    cfg.Logger,
		jobs:      make(chan job, 1),
		assets:    newAssetTable(),
	}
	if s.name == "" {
		s.name = DefaultName
	}
	if s.maxAssets <= 0 {
		s.maxAssets = DefaultMaxAssets
	}
	if s.storage == nil {
		s.storage = storage.NewMemory()
	}
	if s.logger == nil {
		s.logger = logging.DefaultLogger()
	}
	if cfg.TokensPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.TokensPerSecond), 1)
	}

	if cfg.Manifest != nil {
		if err := s.provision(cfg.Manifest); err != nil {
			return nil, err
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.run()

	s.logger.Info("simulator started",
		"device", s.name,
		"static_assets", s.assets.staticCount(),
		"root_key", s.rootKey.IsValid())
	return s, nil
}

func (s *Simulator) provision(m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.RootKey != "" {
		key, _ := hex.DecodeString(m.RootKey)
		s.rootKey = s.assets.addStatic(rootKeyNumber, rootKeyPolicy, key, false, false)
	}
	for _, a := range m.Assets {
		if a.Counter {
			if err := s.provisionCounter(a); err != nil {
				return err
			}
			continue
		}
		data, err := a.bytes()
		if err != nil {
			return err
		}
		s.assets.addStatic(a.Number, a.Policy, data, a.Public, false)
	}
	return nil
}

// provisionCounter registers a counter and seeds it unless the backend
// already holds a value from a previous run.
func (s *Simulator) provisionCounter(a StaticAsset) error {
	s.assets.addStatic(a.Number, a.Policy, nil, false, true)
	exists, err := s.storage.Exists(storage.CounterPath(a.Number))
	if err != nil {
		return fmt.Errorf("simulator: counter %d: %w", a.Number, err)
	}
	if exists {
		return nil
	}
	return storage.WriteCounter(s.storage, a.Number, a.Value)
}

// Name returns the device label.
func (s *Simulator) Name() string {
	return s.name
}

// Submit implements device.Device.
func (s *Simulator) Submit(req *device.Request) (<-chan *device.Result, error) {
	if req == nil || req.Opcode < device.OpNop || req.Opcode > device.OpCounterIncrement {
		return nil, device.ErrInvalidToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, device.ErrClosed
	}
	if s.busy {
		return nil, device.ErrMailboxInUse
	}
	s.busy = true

	out := make(chan *device.Result, 1)
	s.jobs <- job{req: cloneRequest(req), out: out}
	return out, nil
}

// Close stops the mailbox after the outstanding token, if any, has been
// answered. The storage backend is left open.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("simulator stopped", "device", s.name)
	return nil
}

// Busy reports whether a token is outstanding.
func (s *Simulator) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Simulator) run() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.throttle()
		res := s.process(j.req)

		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
		j.out <- res
	}
}

// throttle applies the rate limit and latency. Both are skipped once the
// simulator is closing.
func (s *Simulator) throttle() {
	if s.limiter != nil {
		_ = s.limiter.Wait(s.ctx)
	}
	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.ctx.Done():
		}
	}
}

func (s *Simulator) process(req *device.Request) *device.Result {
	var res *device.Result
	switch req.Opcode {
	case device.OpNop:
		res = ok()
	case device.OpHash:
		res = s.hash(req)
	case device.OpMAC:
		res = s.mac(req)
	case device.OpRandom:
		res = s.random(req)
	case device.OpAssetCreate:
		res = s.createAsset(req)
	case device.OpAssetDelete:
		res = s.deleteAsset(req)
	case device.OpAssetLoadPlaintext:
		res = s.loadPlaintext(req)
	case device.OpAssetLoadRandom:
		res = s.loadRandom(req)
	case device.OpAssetLoadDerive:
		res = s.loadDerive(req)
	case device.OpAssetLoadImport:
		res = s.loadImport(req)
	case device.OpAssetSearch:
		res = s.search(req)
	case device.OpAssetInfo:
		res = s.info(req)
	case device.OpRootKey:
		res = &device.Result{Code: types.ResultSuccess, Asset: s.rootKey}
	case device.OpPublicDataRead:
		res = s.publicData(req)
	case device.OpCounterRead:
		res = s.counterRead(req)
	case device.OpCounterIncrement:
		res = s.counterIncrement(req)
	default:
		res = device.Fail(types.ResultInvalidToken)
	}

	if !res.Code.OK() {
		s.logger.Debug("token rejected",
			"device", s.name,
			"opcode", req.Opcode.String(),
			"result", res.Code.String())
	}
	return res
}

func ok() *device.Result {
	return &device.Result{Code: types.ResultSuccess}
}

func cloneRequest(req *device.Request) *device.Request {
	r := *req
	r.Data = slices.Clone(req.Data)
	r.Intermediate = slices.Clone(req.Intermediate)
	r.AAD = slices.Clone(req.AAD)
	r.Blob = slices.Clone(req.Blob)
	r.Label = slices.Clone(req.Label)
	r.Salt = slices.Clone(req.Salt)
	r.IV = slices.Clone(req.IV)
	return &r
}

func (s *Simulator) publishAssets() {
	metrics.SetAssetsLive(s.name, s.assets.volatileCount())
}
