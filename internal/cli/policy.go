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

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-hsm/pkg/client"
)

func newPolicyCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Asset policy operations",
	}

	var req client.PolicyRequest
	encodeCmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode named policy fields into a 64-bit policy",
		Example: `  hsmctl policy encode --family aes --direction both --mode cbc
  hsmctl policy encode --family hmac --direction encrypt --hash sha256`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, func(ctx context.Context, cl client.Client) error {
				resp, err := cl.EncodePolicy(ctx, &req)
				if err != nil {
					return err
				}
				return printer(cmd, cfg).PrintPolicy(resp)
			})
		},
	}
	f := encodeCmd.Flags()
	f.StringVar(&req.Family, "family", "", "key family (aes, aes-gcm, aes-cmac, tdes, chacha20, hmac, keyblob, keywrap, derive-trusted, derive-hmac, derive-hash, derive-cmac, data)")
	f.StringVar(&req.Direction, "direction", "", "direction (encrypt, decrypt, both)")
	f.StringVar(&req.Mode, "mode", "", "cipher mode")
	f.StringVar(&req.Hash, "hash", "", "hash algorithm")
	f.IntVar(&req.KeySize, "key-size", 0, "key size in bytes, checked against the family")
	f.BoolVar(&req.Exportable, "exportable", false, "allow export as a key blob")
	f.BoolVar(&req.TrustedExport, "trusted-export", false, "allow export under a trusted key only")
	f.BoolVar(&req.NonSecure, "non-secure", false, "owned by the non-secure world")
	f.BoolVar(&req.Temporary, "temporary", false, "temporary asset")
	f.BoolVar(&req.FIPS, "fips", false, "restrict to FIPS-approved use")
	_ = encodeCmd.MarkFlagRequired("family")

	cmd.AddCommand(encodeCmd)
	return cmd
}
