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

func newCounterCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Monotonic counter operations",
	}

	run := func(increment bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			number, err := assetNumber(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, cfg, func(ctx context.Context, cl client.Client) error {
				var v uint64
				if increment {
					v, err = cl.CounterIncrement(ctx, number)
				} else {
					v, err = cl.CounterRead(ctx, number)
				}
				if err != nil {
					return err
				}
				return printer(cmd, cfg).PrintCounter(number, v)
			})
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "read <number>",
			Short: "Read a counter",
			Args:  cobra.ExactArgs(1),
			RunE:  run(false),
		},
		&cobra.Command{
			Use:   "increment <number>",
			Short: "Increment a counter and print the new value",
			Args:  cobra.ExactArgs(1),
			RunE:  run(true),
		},
	)
	return cmd
}
