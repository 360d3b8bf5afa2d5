package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tableshift/tableshift/internal/logging"
	"github.com/tableshift/tableshift/internal/store"
	"github.com/tableshift/tableshift/pkg/config"
)

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	var configFile string
	var migrationID string
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current state of a migration",
		Long: `Show the phase, flags, dual-write metrics and read-switch state of a
migration.

  tableshift status --migration-id orders-v2 --config config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.NewDefaultConfig()
			if configFile != "" {
				loaded, err := config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}
			if migrationID == "" {
				migrationID = cfg.Migration.ID
			}
			if migrationID == "" {
				return fmt.Errorf("--migration-id is required")
			}

			st, err := store.Open(cfg.Database, logging.ForComponent("store"))
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}

			ctx := cmd.Context()
			mcfg, err := st.GetMigration(ctx, migrationID)
			if err != nil {
				return err
			}

			fmt.Printf("Migration:       %s\n", mcfg.MigrationID)
			fmt.Printf("Phase:           %s\n", mcfg.Phase)
			fmt.Printf("Tables:          %s -> %s\n", mcfg.SourceTable, mcfg.TargetTable)
			fmt.Printf("Consistency:     %s\n", mcfg.ConsistencyLevel)
			fmt.Printf("Dual-write:      %v\n", mcfg.DualWriteEnabled)
			fmt.Printf("Read target:     %v\n", mcfg.ReadFromTarget)
			fmt.Printf("Updated:         %s\n", mcfg.UpdatedAt.Format(time.RFC3339))

			metrics, err := st.DualWriteMetrics(ctx, migrationID, time.Now().Add(-window))
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Printf("Dual-write window (%s):\n", window)
			fmt.Printf("  Operations:    %d\n", metrics.TotalOperations)
			fmt.Printf("  Success rate:  %.2f%%\n", metrics.SuccessRate*100)
			fmt.Printf("  Avg latency:   %.1fms\n", metrics.AvgLatencyMS)

			if scfg, err := st.GetSwitchForTable(ctx, mcfg.SourceTable); err == nil {
				fmt.Println()
				fmt.Printf("Read switch:\n")
				fmt.Printf("  Status:        %s\n", scfg.Status)
				fmt.Printf("  Percentage:    %d%%\n", scfg.SwitchPercentage)
				fmt.Printf("  Strategy:      %s\n", scfg.Strategy)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&migrationID, "migration-id", "", "Migration id")
	cmd.Flags().DurationVar(&window, "window", time.Hour, "Dual-write metrics window")

	return cmd
}
