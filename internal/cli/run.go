package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tableshift/tableshift/internal/clock"
	"github.com/tableshift/tableshift/internal/logging"
	"github.com/tableshift/tableshift/internal/orchestrator"
	"github.com/tableshift/tableshift/internal/store"
	"github.com/tableshift/tableshift/internal/telemetry"
	"github.com/tableshift/tableshift/pkg/config"
)

// NewRunCmd creates the run command
func NewRunCmd() *cobra.Command {
	cfg := config.NewDefaultConfig()
	var configFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a migration through its full phase sequence",
		Long: `Run a migration from registration through dual-write, validation,
gradual read switching and cleanup.

For detailed configuration, use a config file (recommended):
  tableshift run --config config.yaml

Quick run with CLI flags:
  tableshift run \
    --source-table orders \
    --target-table orders_v2 \
    --key-column order_id

See config.example.yaml for all available options.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				loadedCfg, err := config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config file: %w", err)
				}
				cfg = mergeConfigs(loadedCfg, cfg, cmd)
			}
			return runMigration(cmd.Context(), cfg)
		},
	}

	// Essential CLI flags only - use config file for detailed configuration
	flags := cmd.Flags()

	flags.StringVarP(&configFile, "config", "c", "", "Config file path (recommended)")

	flags.StringVar(&cfg.Database.DSN, "dsn", cfg.Database.DSN, "Database DSN")
	flags.StringVar(&cfg.Migration.ID, "migration-id", "", "Migration id (generated if empty)")
	flags.StringVar(&cfg.Migration.SourceTable, "source-table", "", "Source table name")
	flags.StringVar(&cfg.Migration.TargetTable, "target-table", "", "Target table name")
	flags.StringVar(&cfg.Migration.KeyColumn, "key-column", cfg.Migration.KeyColumn, "Primary key column used for sampling and routing")
	flags.StringVar(&cfg.Migration.ConsistencyLevel, "consistency-level", cfg.Migration.ConsistencyLevel, "Consistency level: STRICT, EVENTUAL")
	flags.StringVar(&cfg.Validation.Level, "validation-level", cfg.Validation.Level, "Validation level: BASIC, DETAILED, COMPREHENSIVE")
	flags.StringVar(&cfg.Output.ReportDir, "report-dir", cfg.Output.ReportDir, "Directory for validation reports")
	flags.StringVar(&cfg.Output.LogLevel, "log-level", cfg.Output.LogLevel, "Log level: debug, info, warn, error")

	return cmd
}

// mergeConfigs merges loaded config with CLI flags, giving precedence to CLI flags
func mergeConfigs(fileConfig, cliConfig *config.Config, cmd *cobra.Command) *config.Config {
	merged := fileConfig
	flags := cmd.Flags()

	if flags.Changed("dsn") {
		merged.Database.DSN = cliConfig.Database.DSN
	}
	if flags.Changed("migration-id") {
		merged.Migration.ID = cliConfig.Migration.ID
	}
	if flags.Changed("source-table") {
		merged.Migration.SourceTable = cliConfig.Migration.SourceTable
	}
	if flags.Changed("target-table") {
		merged.Migration.TargetTable = cliConfig.Migration.TargetTable
	}
	if flags.Changed("key-column") {
		merged.Migration.KeyColumn = cliConfig.Migration.KeyColumn
	}
	if flags.Changed("consistency-level") {
		merged.Migration.ConsistencyLevel = cliConfig.Migration.ConsistencyLevel
	}
	if flags.Changed("validation-level") {
		merged.Validation.Level = cliConfig.Validation.Level
	}
	if flags.Changed("report-dir") {
		merged.Output.ReportDir = cliConfig.Output.ReportDir
	}
	if flags.Changed("log-level") {
		merged.Output.LogLevel = cliConfig.Output.LogLevel
	}

	return merged
}

func runMigration(ctx context.Context, cfg *config.Config) error {
	if cfg.Migration.ID == "" {
		cfg.Migration.ID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logging.Setup(cfg.Output.LogLevel, cfg.Output.LogFile)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nReceived interrupt signal, shutting down gracefully...")
		cancel()
	}()

	st, err := store.Open(cfg.Database, logging.ForComponent("store"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	orch, err := orchestrator.New(cfg, st, telemetry.NewMetrics(), clock.New(), logging.ForComponent("orchestrator"))
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if cfg.Output.Progress {
		var bar *progressbar.ProgressBar
		orch.OnStep(func(step, total, percentage int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("Switching reads"),
					progressbar.OptionShowCount(),
					progressbar.OptionSetWidth(40),
				)
			}
			_ = bar.Add(1)
		})
	}

	result, err := orch.Run(ctx)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	printRunSummary(result)

	if result.RolledBack {
		return fmt.Errorf("migration rolled back: %s", result.RollbackReason)
	}
	return nil
}

func printRunSummary(result *orchestrator.Result) {
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	if result.RolledBack {
		fmt.Println("                   MIGRATION ROLLED BACK")
	} else {
		fmt.Println("               MIGRATION COMPLETED SUCCESSFULLY")
	}
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("  Migration:       %s\n", result.MigrationID)
	fmt.Printf("  Final phase:     %s\n", result.FinalPhase)
	fmt.Printf("  Duration:        %s\n", result.Duration.Round(time.Second))
	fmt.Printf("  Consistency:     %.4f\n", result.ConsistencyScore)
	fmt.Printf("  Validations:     %d\n", result.Validations)
	fmt.Printf("  Read switch:     %d%%\n", result.SwitchPercentage)
	if result.DualWrite != nil {
		fmt.Printf("  Dual writes:     %d (%.2f%% success)\n",
			result.DualWrite.TotalOperations, result.DualWrite.SuccessRate*100)
	}
	if result.Report != "" {
		fmt.Printf("  Report:          %s\n", result.Report)
	}
	if result.RolledBack {
		fmt.Printf("  Reason:          %s\n", result.RollbackReason)
	}
	fmt.Println("═══════════════════════════════════════════════════════════════")
}
