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

// Package engine assembles a simulator, token channel and asset store
// from configuration and exposes the hash helpers used by the daemon and
// the CLI.
package engine

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/jeremyhahn/go-hsm/internal/config"
	"github.com/jeremyhahn/go-hsm/pkg/asset"
	"github.com/jeremyhahn/go-hsm/pkg/device/simulator"
	"github.com/jeremyhahn/go-hsm/pkg/logging"
	"github.com/jeremyhahn/go-hsm/pkg/sha2"
	"github.com/jeremyhahn/go-hsm/pkg/storage"
	"github.com/jeremyhahn/go-hsm/pkg/storage/file"
	"github.com/jeremyhahn/go-hsm/pkg/token"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

// Engine is a running simulator with its channel and asset store.
type Engine struct {
	cfg     *config.Config
	logger  *logging.Logger
	mode    types.CompletionMode
	backend storage.Backend

	Device  *simulator.Simulator
	Channel *token.Channel
	Store   *asset.Store
}

// New starts a simulator as described by cfg. The manifest, if any, is
// read from fsys; a nil fsys means the host filesystem.
func New(cfg *config.Config, fsys afero.Fs, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = cfg.Logging.NewLogger()
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}

	var backend storage.Backend
	switch cfg.Simulator.Storage {
	case config.StorageFile:
		backend, err = file.New(fsys, cfg.Simulator.StoragePath)
		if err != nil {
			return nil, err
		}
	default:
		backend = storage.NewMemory()
	}

	var manifest *simulator.Manifest
	if cfg.Simulator.Manifest != "" {
		manifest, err = simulator.LoadManifest(fsys, cfg.Simulator.Manifest)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
	}

	sim, err := simulator.New(&simulator.Config{
		Name:            cfg.Device.Name,
		Latency:         cfg.Simulator.Latency,
		TokensPerSecond: cfg.Simulator.TokensPerSecond,
		MaxAssets:       cfg.Simulator.MaxAssets,
		Manifest:        manifest,
		Storage:         backend,
		Logger:          logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to start simulator: %w", err)
	}

	opts := []token.Option{
		token.WithName(cfg.Device.Name),
		token.WithLogger(logger),
	}
	if cfg.Device.PollInterval > 0 {
		opts = append(opts, token.WithPollInterval(cfg.Device.PollInterval))
	}
	ch := token.NewChannel(sim, opts...)

	// Asset calls are synchronous at this layer; callback mode only
	// applies to the hash driver.
	storeMode := mode
	if storeMode == types.ModeCallback {
		storeMode = types.ModeBlocking
	}

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		mode:    mode,
		backend: backend,
		Device:  sim,
		Channel: ch,
		Store: asset.NewStore(ch, &asset.Config{
			StrictArgs:  cfg.Device.StrictArgs,
			LockTimeout: cfg.Device.LockTimeout,
			Mode:        storeMode,
			Logger:      logger,
		}),
	}, nil
}

// Name returns the device name.
func (e *Engine) Name() string {
	return e.Channel.Name()
}

// Mode returns the configured completion mode.
func (e *Engine) Mode() types.CompletionMode {
	return e.mode
}

// Logger returns the engine logger.
func (e *Engine) Logger() *logging.Logger {
	return e.logger
}

// Digest hashes data in one transaction.
func (e *Engine) Digest(ctx context.Context, t types.HashType, data []byte) ([]byte, error) {
	return e.run(ctx, t, func(c *call, out []byte) error {
		_, err := c.h.HashData(ctx, data, out)
		return c.wait(ctx, err)
	})
}

// MAC computes the HMAC of data under key in one transaction.
func (e *Engine) MAC(ctx context.Context, t types.HashType, key, data []byte) ([]byte, error) {
	return e.run(ctx, t, func(c *call, out []byte) error {
		_, err := c.h.HMAC(ctx, key, data, out)
		return c.wait(ctx, err)
	})
}

// Stream feeds chunks through one hash handle and returns the digest, or
// the MAC when key is set.
func (e *Engine) Stream(ctx context.Context, t types.HashType, key []byte, chunks [][]byte) ([]byte, error) {
	return e.run(ctx, t, func(c *call, out []byte) error {
		if len(key) > 0 {
			if err := c.h.SetupHMAC(ctx, key); err != nil {
				return err
			}
		}
		for _, chunk := range chunks {
			if err := c.wait(ctx, c.h.AddData(ctx, chunk)); err != nil {
				return err
			}
		}
		_, err := c.h.Finalize(ctx, out)
		return c.wait(ctx, err)
	})
}

// call is one hash handle plus the channel its callbacks land on.
type call struct {
	h    *sha2.Hash
	done chan error
}

// wait returns err, or in ModeCallback the outcome delivered to the
// callback of an accepted call. Synchronous errors carry no callback.
func (c *call) wait(ctx context.Context, err error) error {
	if err != nil || c.done == nil {
		return err
	}
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		_ = c.h.Cancel()
		return <-c.done
	}
}

// run creates a hash handle in the configured mode.
func (e *Engine) run(ctx context.Context, t types.HashType, fn func(c *call, out []byte) error) ([]byte, error) {
	c := &call{}
	cfg := &sha2.Config{
		HashType:    t,
		Mode:        e.mode,
		LockTimeout: e.cfg.Device.LockTimeout,
		Logger:      e.logger,
	}
	if e.mode == types.ModeCallback {
		c.done = make(chan error, 1)
		cfg.Callback = func(err error) { c.done <- err }
	}
	h, err := sha2.New(e.Channel, cfg)
	if err != nil {
		return nil, err
	}
	c.h = h
	defer h.Reset()

	out := make([]byte, t.DigestSize())
	if err := fn(c, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close stops the simulator and closes its storage.
func (e *Engine) Close() error {
	if err := e.Device.Close(); err != nil {
		return err
	}
	return e.backend.Close()
}
