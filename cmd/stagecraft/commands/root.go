// Package commands wires the stagecraft CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stagecraft",
		Short: "Stagecraft - stage orchestration and cloud convergence",
		Long: `Stagecraft converges declared deployment stages onto real
infrastructure: it provisions cloud servers, waits for them to become
reachable, sequences their container services, and keeps DNS records
pointing at the right addresses.

All operations are idempotent: re-running converges from whatever state
the last run left behind.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "stagecraft.yml", "project file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand(version))
	rootCmd.AddCommand(newUpCommand(version))
	rootCmd.AddCommand(newDownCommand(version))
	rootCmd.AddCommand(newStatusCommand(version))

	return rootCmd
}
