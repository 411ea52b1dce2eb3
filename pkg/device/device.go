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

// Package device defines the contract between go-hsm and a secure engine:
// request and result tokens, and the accept/deliver primitive that moves
// them through the engine mailbox.
package device

import (
	"errors"

	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

var (
	// ErrMailboxInUse is returned by Submit while a token is outstanding.
	ErrMailboxInUse = errors.New("device: mailbox in use")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("device: closed")

	// ErrInvalidToken is returned by Submit for a malformed request.
	ErrInvalidToken = errors.New("device: invalid token")
)

// Device is a secure engine reachable through a single mailbox.
//
// Submit either rejects the request immediately or accepts it and returns
// a channel that receives exactly one result. At most one request may be
// outstanding; the engine cannot abort a request once accepted.
type Device interface {
	Submit(req *Request) (<-chan *Result, error)
	Close() error
}

// Opcode selects the engine service.
type Opcode int

const (
	OpNop Opcode = iota
	OpHash
	OpMAC
	OpRandom
	OpAssetCreate
	OpAssetDelete
	OpAssetLoadPlaintext
	OpAssetLoadRandom
	OpAssetLoadDerive
	OpAssetLoadImport
	OpAssetSearch
	OpAssetInfo
	OpRootKey
	OpPublicDataRead
	OpCounterRead
	OpCounterIncrement
)

var opcodeNames = map[Opcode]string{
	OpNop:                "nop",
	OpHash:               "hash",
	OpMAC:                "mac",
	OpRandom:             "random",
	OpAssetCreate:        "asset_create",
	OpAssetDelete:        "asset_delete",
	OpAssetLoadPlaintext: "asset_load_plaintext",
	OpAssetLoadRandom:    "asset_load_random",
	OpAssetLoadDerive:    "asset_load_derive",
	OpAssetLoadImport:    "asset_load_import",
	OpAssetSearch:        "asset_search",
	OpAssetInfo:          "asset_info",
	OpRootKey:            "root_key",
	OpPublicDataRead:     "public_data_read",
	OpCounterRead:        "counter_read",
	OpCounterIncrement:   "counter_increment",
}

// String returns the opcode name used in logs and metrics.
func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return "unknown"
}

// HashMode frames a hash or MAC segment.
type HashMode int

const (
	// Init2Cont starts a stream and returns an intermediate state.
	Init2Cont HashMode = iota
	// Cont2Cont continues a stream from an intermediate state.
	Cont2Cont
	// Init2Final hashes a complete message in one transaction.
	Init2Final
	// Cont2Final finishes a stream from an intermediate state.
	Cont2Final
)

// String returns the mode name.
func (m HashMode) String() string {
	switch m {
	case Init2Cont:
		return "init2cont"
	case Cont2Cont:
		return "cont2cont"
	case Init2Final:
		return "init2final"
	case Cont2Final:
		return "cont2final"
	default:
		return "unknown"
	}
}

// Initial reports whether the segment starts a stream.
func (m HashMode) Initial() bool { return m == Init2Cont || m == Init2Final }

// Final reports whether the segment finishes a stream.
func (m HashMode) Final() bool { return m == Init2Final || m == Cont2Final }

// Request is a command token.
type Request struct {
	Opcode Opcode

	// Hash and MAC.
	Hash         types.HashType
	HashMode     HashMode
	Data         []byte
	TotalLength  uint64
	Intermediate []byte
	KeyAsset     types.AssetID
	StateAsset   types.AssetID

	// Asset management.
	Asset     types.AssetID
	Policy    policy.Policy
	Size      int
	Lifetime  types.Lifetime
	AsOther   bool
	DomainRef uint32

	// Key blobs: KEK is the wrapping asset; Export asks the engine to
	// return the wrapped contents of a load.
	KEK    types.AssetID
	AAD    []byte
	Blob   []byte
	Export bool

	// Derivation.
	BaseKey           types.AssetID
	Label             []byte
	Salt              []byte
	IV                []byte
	CounterMode       bool
	ExtractThenExpand bool

	// Search and counters.
	Number int
}

// Result is a response token.
type Result struct {
	Code    types.ResultCode
	Asset   types.AssetID
	Size    int
	Policy  policy.Policy
	Loaded  bool
	Static  bool
	Digest  []byte
	Data    []byte
	Counter uint64
}

// Fail builds a failure result.
func Fail(code types.ResultCode) *Result {
	return &Result{Code: code}
}
