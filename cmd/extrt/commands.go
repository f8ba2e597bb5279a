package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "extrt.yaml"

// buildRunCmd creates the "run" command: load every configured
// extension and serve until interrupted.
func buildRunCmd() *cobra.Command {
	var (
		configPath    string
		workspaceRoot string
	)
	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"load"},
		Short:   "Load all extensions and run until interrupted",
		Long: `Discover extensions under the configured roots, preflight and
activate each, and keep their event loops running until SIGINT/SIGTERM.
Shutdown drains every region within the configured cleanup budget.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, workspaceRoot)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&workspaceRoot, "workspace", ".", "Workspace root bounding exec working directories")
	return cmd
}

// buildListCmd creates the "list" command: discovery plus preflight,
// with no activation.
func buildListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered extensions and their preflight verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// buildDoctorCmd creates the "doctor" command: config validation plus a
// risk-ledger rollup.
func buildDoctorCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and summarize the risk ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}
