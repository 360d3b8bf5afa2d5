package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tableshift/tableshift/internal/consistency"
	"github.com/tableshift/tableshift/internal/logging"
	"github.com/tableshift/tableshift/internal/models"
	"github.com/tableshift/tableshift/internal/store"
	"github.com/tableshift/tableshift/pkg/config"
)

// NewValidateCmd creates the validate command
func NewValidateCmd() *cobra.Command {
	var configFile string
	var level string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run a one-off consistency check between source and target",
		Long: `Run a consistency validation between the source and target tables
without advancing the migration.

This is useful for checking convergence before or after a run:
  tableshift validate --config config.yaml --level COMPREHENSIVE`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.NewDefaultConfig()
			if configFile != "" {
				loaded, err := config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}
			if level != "" {
				cfg.Validation.Level = level
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}

			logging.Setup(cfg.Output.LogLevel, cfg.Output.LogFile)

			st, err := store.Open(cfg.Database, logging.ForComponent("store"))
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}

			v := consistency.New(st, cfg.Validation, cfg.Migration.KeyColumn,
				logging.ForComponent("consistency"))
			result, err := v.ValidateTableConsistency(cmd.Context(), cfg.Migration.ID,
				cfg.Migration.SourceTable, cfg.Migration.TargetTable,
				models.ValidationLevel(cfg.Validation.Level), cfg.Validation.SampleSize)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			fmt.Printf("Validation:      %s\n", result.ValidationID)
			fmt.Printf("Level:           %s\n", result.Level)
			fmt.Printf("Score:           %.4f\n", result.ConsistencyScore)
			fmt.Printf("Rows examined:   %d\n", result.RowsExamined)
			fmt.Printf("Differences:     %d\n", len(result.Differences))
			if result.Vacuous {
				fmt.Println("Note: both tables are empty, score is vacuous")
			}

			if cfg.Output.ReportDir != "" {
				path := filepath.Join(cfg.Output.ReportDir,
					fmt.Sprintf("validation-%s.json", result.ValidationID))
				if err := v.ExportReport(result.ValidationID, path, consistency.FileSink{}); err != nil {
					return fmt.Errorf("failed to export report: %w", err)
				}
				fmt.Printf("Report:          %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&level, "level", "", "Validation level: BASIC, DETAILED, COMPREHENSIVE")

	return cmd
}
