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
	"encoding/hex"
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-hsm/pkg/policy"
)

// Manifest describes the static assets provisioned into the engine's
// one-time-programmable area.
type Manifest struct {
	// RootKey is the hex-encoded trusted key derivation key returned by
	// the root key service. Empty means no root key is provisioned.
	RootKey string `yaml:"root_key"`

	Assets []StaticAsset `yaml:"assets"`
}

// StaticAsset is one provisioned asset.
type StaticAsset struct {
	Number  int           `yaml:"number"`
	Policy  policy.Policy `yaml:"policy"`
	Size    int           `yaml:"size"`
	Data    string        `yaml:"data"`
	Public  bool          `yaml:"public"`
	Counter bool          `yaml:"counter"`
	Value   uint64        `yaml:"value"`
}

// LoadManifest reads a YAML manifest from fsys.
func LoadManifest(fsys afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("simulator: failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("simulator: failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks numbers, sizes and hex data.
func (m *Manifest) Validate() error {
	if m.RootKey != "" {
		key, err := hex.DecodeString(m.RootKey)
		if err != nil {
			return fmt.Errorf("simulator: root_key: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("simulator: root_key must be 32 bytes, got %d", len(key))
		}
	}

	seen := make(map[int]bool, len(m.Assets))
	for _, a := range m.Assets {
		if a.Number < 0 || a.Number > policy.AssetNumberMax {
			return fmt.Errorf("simulator: asset number %d out of range", a.Number)
		}
		if seen[a.Number] {
			return fmt.Errorf("simulator: duplicate asset number %d", a.Number)
		}
		seen[a.Number] = true

		if a.Counter {
			continue
		}
		if a.Size <= 0 || a.Size > policy.AssetSizeMax {
			return fmt.Errorf("simulator: asset %d: invalid size %d", a.Number, a.Size)
		}
		if _, err := a.bytes(); err != nil {
			return err
		}
	}
	return nil
}

func (a StaticAsset) bytes() ([]byte, error) {
	data, err := hex.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("simulator: asset %d: %w", a.Number, err)
	}
	if len(data) != a.Size {
		return nil, fmt.Errorf("simulator: asset %d: data is %d bytes, size is %d", a.Number, len(data), a.Size)
	}
	return data, nil
}
