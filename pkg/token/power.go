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
	"sync"

	"github.com/jeremyhahn/go-hsm/pkg/metrics"
)

// PowerGuard keeps the engine out of low-power states while work is
// pending. Every SetConstraint must be paired with one ReleaseConstraint.
type PowerGuard interface {
	SetConstraint()
	ReleaseConstraint()
	Count() int
}

// RefCounter is the default PowerGuard: a reference count published as
// the power_constraints gauge.
type RefCounter struct {
	mu    sync.Mutex
	name  string
	count int
}

// NewPowerGuard returns a reference-counting guard for the named device.
func NewPowerGuard(name string) *RefCounter {
	return &RefCounter{name: name}
}

// SetConstraint increments the reference count.
func (r *RefCounter) SetConstraint() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	metrics.SetPowerConstraints(r.name, r.count)
}

// ReleaseConstraint decrements the reference count. An unbalanced release
// is ignored.
func (r *RefCounter) ReleaseConstraint() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return
	}
	r.count--
	metrics.SetPowerConstraints(r.name, r.count)
}

// Count returns the current reference count.
func (r *RefCounter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
