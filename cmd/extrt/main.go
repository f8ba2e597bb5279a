// Package main provides the CLI entry point for the extrt extension
// runtime: a sandboxed host for untrusted JS/TS extensions, brokering
// every privileged operation through a capability-gated host-call
// bridge.
//
// # Basic Usage
//
// Run the runtime with every configured extension loaded:
//
//	extrt run --config extrt.yaml
//
// List discovered extensions and their preflight verdicts:
//
//	extrt list --config extrt.yaml
//
// Inspect the risk ledger:
//
//	extrt doctor --config extrt.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "extrt",
		Short: "extrt - sandboxed extension runtime",
		Long: `extrt loads untrusted JavaScript/TypeScript extensions into an
embedded script engine and brokers every privileged operation through a
capability-gated host-call bridge. All extension-owned work runs under a
structured-concurrency region so shutdown is bounded and leak-free.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildListCmd(),
		buildDoctorCmd(),
	)
	return rootCmd
}
