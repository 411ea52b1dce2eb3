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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-hsm/pkg/client"
	"github.com/jeremyhahn/go-hsm/pkg/policy"
	"github.com/jeremyhahn/go-hsm/pkg/types"
)

func newAssetCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asset",
		Short: "Asset store operations",
	}
	cmd.AddCommand(
		newAssetAllocCmd(cfg),
		newAssetInfoCmd(cfg),
		newAssetFreeCmd(cfg),
		newAssetLoadCmd(cfg),
		newAssetSearchCmd(cfg),
		newAssetPublicCmd(cfg),
		newAssetRootKeyCmd(cfg),
	)
	return cmd
}

func newAssetAllocCmd(cfg *Config) *cobra.Command {
	var (
		policyStr string
		req       client.AllocateRequest
		random    bool
		dataHex   string
	)
	cmd := &cobra.Command{
		Use:   "alloc",
		Short: "Allocate an asset, optionally loading it",
		Example: `  hsmctl asset alloc --policy $(hsmctl policy encode --family aes --direction both --mode cbc | cut -d' ' -f1) --size 16 --random`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := strconv.ParseUint(policyStr, 0, 64)
			if err != nil {
				return fmt.Errorf("%w: invalid --policy %q", types.ErrBadArgument, policyStr)
			}
			req.Policy = policy.Policy(p)
			var data []byte
			if dataHex != "" {
				if data, err = hex.DecodeString(dataHex); err != nil {
					return fmt.Errorf("invalid --hex: %w", err)
				}
			}
			return withClient(cmd, cfg, func(ctx context.Context, cl client.Client) error {
				info, err := cl.Allocate(ctx, &req)
				if err != nil {
					return err
				}
				id, err := info.AssetID()
				if err != nil {
					return err
				}
				switch {
				case random:
					err = cl.LoadRandom(ctx, id)
				case data != nil:
					err = cl.LoadPlaintext(ctx, id, data)
				}
				if err != nil {
					_ = cl.Free(ctx, id)
					return err
				}
				if random || data != nil {
					if info, err = cl.Info(ctx, id); err != nil {
						return err
					}
				}
				return printer(cmd, cfg).PrintAsset(info)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&policyStr, "policy", "p", "", "64-bit policy (decimal or 0x hex)")
	f.IntVar(&req.Size, "size", 0, "asset size in bytes")
	f.StringVar(&req.Lifetime, "lifetime", "volatile", "lifetime (volatile, persistent)")
	f.BoolVar(&req.Exportable, "exportable", false, "add the exportable bit")
	f.BoolVar(&random, "random", false, "load from the device RNG")
	f.StringVar(&dataHex, "hex", "", "load plaintext contents given as hex")
	cmd.MarkFlagsMutuallyExclusive("random", "hex")
	_ = cmd.MarkFlagRequired("policy")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func newAssetInfoCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Describe an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseAssetID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, cfg, func(ctx context.Context, cl client.Client) error {
				info, err := cl.Info(ctx, id)
				if err != nil {
					return err
				}
				return printer(cmd, cfg).PrintAsset(info)
			})
		},
	}
}

func newAssetFreeCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "free <id>",
		Short: "Free an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseAssetID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, cfg, func(ctx context.Context, cl client.Client) error {
				if err := cl.Free(ctx, id); err != nil {
					return err
				}
				return printer(cmd, cfg).PrintSuccess("freed " + id.String())
			})
		},
	}
}

func newAssetLoadCmd(cfg *Config) *cobra.Command {
	var (
		random  bool
		dataHex string
	)
	cmd := &cobra.Command{
		Use:   "load <id>",
		Short: "Load an allocated asset from plaintext or the RNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseAssetID(args[0])
			if err != nil {
				return err
			}
			if !random && dataHex == "" {
				return fmt.Errorf("%w: one of --random or --hex is required", types.ErrBadArgument)
			}
			data, err := hex.DecodeString(dataHex)
			if err != nil {
				return fmt.Errorf("invalid --hex: %w", err)
			}
			return withClient(cmd, cfg, func(ctx context.Context, cl client.Client) error {
				if random {
					err = cl.LoadRandom(ctx, id)
				} else {
					err = cl.LoadPlaintext(ctx, id, data)
				}
				if err != nil {
					return err
				}
				return printer(cmd, cfg).PrintSuccess("loaded " + id.String())
			})
		},
	}
	cmd.Flags().BoolVar(&random, "random", false, "load from the device RNG")
	cmd.Flags().StringVar(&dataHex, "hex", "", "plaintext contents as hex")
	cmd.MarkFlagsMutuallyExclusive("random", "hex")
	return cmd
}

func newAssetSearchCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "search <number>",
		Short: "Find a static asset by number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := assetNumber(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, cfg, func(ctx context.Context, cl client.Client) error {
				info, err := cl.Search(ctx, number)
				if err != nil {
					return err
				}
				return printer(cmd, cfg).PrintAsset(info)
			})
		},
	}
}

func newAssetPublicCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "public <id>",
		Short: "Read a public static asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseAssetID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, cfg, func(ctx context.Context, cl client.Client) error {
				data, err := cl.PublicData(ctx, id)
				if err != nil {
					return err
				}
				return printer(cmd, cfg).PrintData(data)
			})
		},
	}
}

func newAssetRootKeyCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rootkey",
		Short: "Describe the root key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, func(ctx context.Context, cl client.Client) error {
				info, err := cl.RootKey(ctx)
				if err != nil {
					return err
				}
				return printer(cmd, cfg).PrintAsset(info)
			})
		},
	}
}

func assetNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > policy.AssetNumberMax {
		return 0, fmt.Errorf("%w: asset number %q", types.ErrBadArgument, s)
	}
	return n, nil
}
