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

package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-hsm/pkg/client"
)

// inputFlags selects the message: --data, --hex, --file, or stdin.
type inputFlags struct {
	data string
	hex  string
	file string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.data, "data", "", "message as a string")
	cmd.Flags().StringVar(&f.hex, "hex", "", "message as hex")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "read the message from a file")
	cmd.MarkFlagsMutuallyExclusive("data", "hex", "file")
}

func (f *inputFlags) read(cmd *cobra.Command) ([]byte, error) {
	switch {
	case f.data != "":
		return []byte(f.data), nil
	case f.hex != "":
		b, err := hex.DecodeString(f.hex)
		if err != nil {
			return nil, fmt.Errorf("invalid --hex: %w", err)
		}
		return b, nil
	case f.file != "":
		// #nosec G304 - path is provided by the operator
		return os.ReadFile(f.file)
	default:
		return io.ReadAll(cmd.InOrStdin())
	}
}

func newHashCmd(cfg *Config) *cobra.Command {
	var (
		hashName string
		input    inputFlags
	)
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Compute a SHA-2 digest on the engine",
		Example: `  hsmctl hash --data abc
  hsmctl hash -H sha512 -f firmware.bin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := input.read(cmd)
			if err != nil {
				return err
			}
			return withClient(cmd, cfg, func(ctx context.Context, cl client.Client) error {
				resp, err := cl.Hash(ctx, hashName, data)
				if err != nil {
					return err
				}
				return printer(cmd, cfg).PrintDigest(resp)
			})
		},
	}
	cmd.Flags().StringVarP(&hashName, "hash", "H", "sha256", "hash algorithm (sha224, sha256, sha384, sha512)")
	input.register(cmd)
	return cmd
}

func newHMACCmd(cfg *Config) *cobra.Command {
	var (
		hashName string
		keyHex   string
		input    inputFlags
	)
	cmd := &cobra.Command{
		Use:   "hmac",
		Short: "Compute an HMAC on the engine with a plaintext key",
		Example: `  hsmctl hmac --key 6b6579 --data "The quick brown fox"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := hex.DecodeString(keyHex)
			if err != nil {
				return fmt.Errorf("invalid --key: %w", err)
			}
			data, err := input.read(cmd)
			if err != nil {
				return err
			}
			return withClient(cmd, cfg, func(ctx context.Context, cl client.Client) error {
				resp, err := cl.HMAC(ctx, hashName, key, data)
				if err != nil {
					return err
				}
				return printer(cmd, cfg).PrintDigest(resp)
			})
		},
	}
	cmd.Flags().StringVarP(&hashName, "hash", "H", "sha256", "hash algorithm (sha224, sha256, sha384, sha512)")
	cmd.Flags().StringVarP(&keyHex, "key", "k", "", "HMAC key as hex")
	_ = cmd.MarkFlagRequired("key")
	input.register(cmd)
	return cmd
}
