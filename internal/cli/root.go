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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-hsm/pkg/client"
	"github.com/jeremyhahn/go-hsm/pkg/correlation"
)

// NewRootCmd builds the hsmctl command tree around cfg.
func NewRootCmd(cfg *Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hsmctl",
		Short: "go-hsm CLI - secure co-processor engine tool",
		Long: `hsmctl drives the engine through a running hsmd (--server) or
through an in-process simulator configured by --config.

Volatile assets created in local mode are released when the command
exits; use a daemon to keep them across commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.ConfigFile, "config", "", "engine config file for local mode")
	flags.StringVarP(&cfg.Server, "server", "s", os.Getenv("HSM_SERVER"), "hsmd URL: http(s)://, quic:// or unix:// (empty runs a local engine)")
	flags.StringVarP(&cfg.OutputFormat, "output", "o", cfg.OutputFormat, "output format (text, json)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "verbose output")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-command timeout")
	flags.BoolVar(&cfg.TLSInsecure, "tls-insecure", false, "skip TLS certificate verification")
	flags.StringVar(&cfg.TLSCACert, "tls-ca", "", "CA certificate for https servers")

	rootCmd.AddCommand(
		newVersionCmd(cfg),
		newHashCmd(cfg),
		newHMACCmd(cfg),
		newPolicyCmd(cfg),
		newAssetCmd(cfg),
		newCounterCmd(cfg),
		newHealthCmd(cfg),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() error {
	cfg := NewConfig()
	cmd := NewRootCmd(cfg)
	if err := cmd.Execute(); err != nil {
		_ = NewPrinter(cfg.OutputFormat, os.Stderr).PrintError(err)
		return err
	}
	return nil
}

// withClient runs fn against a connected client under the command timeout.
func withClient(cmd *cobra.Command, cfg *Config, fn func(ctx context.Context, cl client.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()
	ctx, id := correlation.Ensure(ctx)
	printVerbose(cmd, cfg, "correlation id %s", id)

	cl, release, err := cfg.CreateClient()
	if err != nil {
		return err
	}
	defer release()

	if err := cl.Connect(ctx); err != nil {
		return err
	}
	return fn(ctx, cl)
}

func printer(cmd *cobra.Command, cfg *Config) *Printer {
	return NewPrinter(cfg.OutputFormat, cmd.OutOrStdout())
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(cmd *cobra.Command, cfg *Config, format string, args ...any) {
	if cfg.Verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "[VERBOSE] "+format+"\n", args...)
	}
}
