package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command
func NewRootCmd(version, buildTime string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tableshift",
		Short: "Phased, low-downtime table migrations with dual-write and gradual read switching",
		Long: `A phased table migration engine that moves reads and writes from a source
table to a target table with minimal downtime.

Features:
  - Strict phase ordering with an append-only audit ledger
  - Dual-write mirroring with configurable retry backoff
  - STRICT and EVENTUAL consistency modes with a catch-up queue
  - Sampled and full-scan consistency validation with scored reports
  - Gradual percentage-based read switching with automatic rollback
  - Threshold alerting with pluggable notification channels`,
		Version: version,
	}

	// Add subcommands
	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewValidateCmd())
	rootCmd.AddCommand(NewVersionCmd(version, buildTime))

	return rootCmd
}
