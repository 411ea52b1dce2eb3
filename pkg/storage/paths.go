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

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const (
	counterPrefix = "counters/"
	assetPrefix   = "assets/"
)

// CounterPath returns the key of monotonic counter number.
func CounterPath(number int) string {
	return counterPrefix + strconv.Itoa(number)
}

// AssetPath returns the key of a persistent asset slot.
func AssetPath(number int) string {
	return assetPrefix + strconv.Itoa(number)
}

// ReadCounter returns the stored value of a counter, or 0 when it has
// never been written.
func ReadCounter(backend Backend, number int) (uint64, error) {
	data, err := backend.Get(CounterPath(number))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("storage: counter %d: corrupt record of %d bytes", number, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// WriteCounter stores a counter value.
func WriteCounter(backend Backend, number int, value uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	return backend.Put(CounterPath(number), buf[:], DefaultOptions())
}

// ListCounters returns the numbers of all stored counters.
func ListCounters(backend Backend) ([]int, error) {
	keys, err := backend.List(counterPrefix)
	if err != nil {
		return nil, err
	}
	numbers := make([]int, 0, len(keys))
	for _, k := range keys {
		n, err := strconv.Atoi(strings.TrimPrefix(k, counterPrefix))
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)
	return numbers, nil
}
