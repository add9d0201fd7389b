package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "remedyd",
		Short: "Remedy - incident remediation control plane",
		Long: `Remedyd is the control plane of the remediation engine. It accepts
runbook-backed remediation sessions over HTTP, gates risky steps behind
policy-driven approvals, and hands execution to workers over durable
streams. All state lives in a single SQLite database shared with the
workers.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())

	return rootCmd
}
