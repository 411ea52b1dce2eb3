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
	"crypto/rand"
	"slices"

	"github.com/jeremyhahn/go-hsm/pkg/device"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

const (
	firstVolatileID types.AssetID = 0x5000
	staticIDBase    types.AssetID = 0x4000

	rootKeyNumber = -1
	rootKeyPolicy = policy.SymDerive | policy.DeriveTrusted

	// randomMax bounds a single TRNG request.
	randomMax = 0xFFFF
)

type assetEntry struct {
	id       types.AssetID
	policy   policy.Policy
	size     int
	data     []byte
	loaded   bool
	static   bool
	number   int
	public   bool
	counter  bool
	lifetime types.Lifetime
}

type assetTable struct {
	next     types.AssetID
	entries  map[types.AssetID]*assetEntry
	byNumber map[int]*assetEntry
	volatile int
}

func newAssetTable() *assetTable {
	return &assetTable{
		next:     firstVolatileID,
		entries:  make(map[types.AssetID]*assetEntry),
		byNumber: make(map[int]*assetEntry),
	}
}

func (t *assetTable) addStatic(number int, p policy.Policy, data []byte, public, counter bool) types.AssetID {
	id := staticIDBase + types.AssetID(number&0xFFF)
	if number == rootKeyNumber {
		id = staticIDBase + 0xFFF
	}
	e := &assetEntry{
		id:       id,
		policy:   p,
		size:     len(data),
		data:     data,
		loaded:   true,
		static:   true,
		number:   number,
		public:   public,
		counter:  counter,
		lifetime: types.LifetimePersistent,
	}
	if counter {
		e.size = 8
	}
	t.entries[id] = e
	if number != rootKeyNumber {
		t.byNumber[number] = e
	}
	return id
}

func (t *assetTable) add(p policy.Policy, size int, lifetime types.Lifetime) *assetEntry {
	e := &assetEntry{
		id:       t.next,
		policy:   p,
		size:     size,
		lifetime: lifetime,
	}
	t.next++
	if t.next == 0 {
		t.next = firstVolatileID
	}
	t.entries[e.id] = e
	t.volatile++
	return e
}

func (t *assetTable) get(id types.AssetID) (*assetEntry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

func (t *assetTable) remove(e *assetEntry) {
	clear(e.data)
	delete(t.entries, e.id)
	t.volatile--
}

func (t *assetTable) staticCount() int {
	return len(t.entries) - t.volatile
}

func (t *assetTable) volatileCount() int {
	return t.volatile
}

// loadable returns the entry for a load target, or the failing result.
func (s *Simulator) loadable(id types.AssetID) (*assetEntry, *device.Result) {
	e, found := s.assets.get(id)
	if !found {
		return nil, device.Fail(types.ResultInvalidAsset)
	}
	if e.loaded {
		return nil, device.Fail(types.ResultInvalidLocation)
	}
	return e, nil
}

// usable returns a loaded entry with the given usage, or the failing result.
func (s *Simulator) usable(id types.AssetID, usage policy.Policy) (*assetEntry, *device.Result) {
	e, found := s.assets.get(id)
	if !found {
		return nil, device.Fail(types.ResultInvalidAsset)
	}
	if !e.loaded {
		return nil, device.Fail(types.ResultInvalidLocation)
	}
	if !e.policy.IsSymmetric() || e.policy.Usage() != usage {
		return nil, device.Fail(types.ResultAccessError)
	}
	return e, nil
}

func (s *Simulator) createAsset(req *device.Request) *device.Result {
	if req.Policy == 0 {
		return device.Fail(types.ResultInvalidParameter)
	}
	if err := policy.ValidateSize(req.Policy, req.Size); err != nil {
		return device.Fail(types.ResultInvalidLength)
	}
	if req.Policy.IsSymmetric() {
		switch req.Policy.Usage() {
		case policy.UsageCipherBulk, policy.UsageCipherAuth, policy.UsageMacCipher:
			if req.Policy.Direction() == policy.DirNotUsed {
				return device.Fail(types.ResultAccessError)
			}
		}
	}
	if s.assets.volatileCount() >= s.maxAssets {
		return device.Fail(types.ResultFullError)
	}

	e := s.assets.add(req.Policy, req.Size, req.Lifetime)
	s.publishAssets()
	return &device.Result{Code: types.ResultSuccess, Asset: e.id, Size: e.size, Policy: e.policy}
}

func (s *Simulator) deleteAsset(req *device.Request) *device.Result {
	e, found := s.assets.get(req.Asset)
	if !found || e.static {
		return device.Fail(types.ResultInvalidAsset)
	}
	s.assets.remove(e)
	s.publishAssets()
	return ok()
}

func (s *Simulator) loadPlaintext(req *device.Request) *device.Result {
	e, fail := s.loadable(req.Asset)
	if fail != nil {
		return fail
	}
	if len(req.Data) != e.size {
		return device.Fail(types.ResultInvalidLength)
	}
	return s.commitLoad(e, slices.Clone(req.Data), req)
}

func (s *Simulator) loadRandom(req *device.Request) *device.Result {
	e, fail := s.loadable(req.Asset)
	if fail != nil {
		return fail
	}
	data := make([]byte, e.size)
	if _, err := rand.Read(data); err != nil {
		return device.Fail(types.ResultPanicError)
	}
	return s.commitLoad(e, data, req)
}

// commitLoad stores data into e, wrapping it first when the request asks
// for an export. Nothing is stored when the export fails.
func (s *Simulator) commitLoad(e *assetEntry, data []byte, req *device.Request) *device.Result {
	res := ok()
	if req.Export {
		if !e.policy.Has(policy.Exportable) {
			return device.Fail(types.ResultAccessError)
		}
		blob, code := s.wrap(req.KEK, req.AAD, data)
		if !code.OK() {
			return device.Fail(code)
		}
		res.Data = blob
	}
	e.data = data
	e.loaded = true
	res.Asset = e.id
	res.Size = e.size
	return res
}

func (s *Simulator) search(req *device.Request) *device.Result {
	if req.Number < 0 || req.Number > policy.AssetNumberMax {
		return device.Fail(types.ResultInvalidParameter)
	}
	e, found := s.assets.byNumber[req.Number]
	if !found {
		return device.Fail(types.ResultInvalidAsset)
	}
	return &device.Result{Code: types.ResultSuccess, Asset: e.id, Size: e.size, Policy: e.policy, Static: true, Loaded: true}
}

func (s *Simulator) info(req *device.Request) *device.Result {
	e, found := s.assets.get(req.Asset)
	if !found {
		return device.Fail(types.ResultInvalidAsset)
	}
	return &device.Result{
		Code:   types.ResultSuccess,
		Asset:  e.id,
		Size:   e.size,
		Policy: e.policy,
		Loaded: e.loaded,
		Static: e.static,
	}
}

func (s *Simulator) publicData(req *device.Request) *device.Result {
	e, found := s.assets.get(req.Asset)
	if !found || !e.static || e.counter {
		return device.Fail(types.ResultInvalidAsset)
	}
	if !e.public || e.policy.Has(policy.PrivateData) {
		return device.Fail(types.ResultAccessError)
	}
	return &device.Result{Code: types.ResultSuccess, Asset: e.id, Size: e.size, Data: slices.Clone(e.data)}
}

func (s *Simulator) random(req *device.Request) *device.Result {
	if req.Size <= 0 || req.Size > randomMax {
		return device.Fail(types.ResultInvalidLength)
	}
	data := make([]byte, req.Size)
	if _, err := rand.Read(data); err != nil {
		return device.Fail(types.ResultPanicError)
	}
	return &device.Result{Code: types.ResultSuccess, Size: req.Size, Data: data}
}
