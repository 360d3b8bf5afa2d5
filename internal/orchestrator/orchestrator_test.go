package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tableshift/tableshift/internal/clock"
	"github.com/tableshift/tableshift/internal/models"
	"github.com/tableshift/tableshift/internal/store"
	"github.com/tableshift/tableshift/internal/telemetry"
	"github.com/tableshift/tableshift/pkg/config"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	st := store.New(db, nil)
	require.NoError(t, st.AutoMigrate())

	ctx := context.Background()
	require.NoError(t, st.Execute(ctx, "CREATE TABLE orders (id TEXT PRIMARY KEY, amount INT)"))
	require.NoError(t, st.Execute(ctx, "CREATE TABLE orders_v2 (id TEXT PRIMARY KEY, amount INT)"))
	return st
}

func seedBoth(t *testing.T, st *store.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%03d", i)
		require.NoError(t, st.Execute(ctx, "INSERT INTO orders (id, amount) VALUES (?, ?)", key, i))
		require.NoError(t, st.Execute(ctx, "INSERT INTO orders_v2 (id, amount) VALUES (?, ?)", key, i))
	}
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Migration.ID = "m1"
	cfg.Migration.SourceTable = "orders"
	cfg.Migration.TargetTable = "orders_v2"
	cfg.Migration.KeyColumn = "id"
	cfg.Migration.AutoSwitchThreshold = 0.99
	cfg.Validation.Level = "COMPREHENSIVE"
	cfg.Validation.ScanRateLimit = 0
	cfg.Switch.StepWait = time.Second
	cfg.Orchestrator.StabilizationWait = time.Second
	cfg.Orchestrator.MaxValidationRetries = 1
	cfg.Output.ReportDir = filepath.Join(t.TempDir(), "reports")
	cfg.Output.Progress = false
	return cfg
}

func TestRun_CompletesWhenTablesConverge(t *testing.T) {
	st := setupStore(t)
	seedBoth(t, st, 20)
	cfg := testConfig(t)
	clk := clock.NewFake()

	orch, err := New(cfg, st, telemetry.NewMetrics(), clk, nil)
	require.NoError(t, err)

	var steps []int
	orch.OnStep(func(step, total, pct int) {
		steps = append(steps, pct)
	})

	result, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.RolledBack)
	assert.Equal(t, models.PhaseCompleted, result.FinalPhase)
	assert.Equal(t, 1.0, result.ConsistencyScore)
	assert.Equal(t, 100, result.SwitchPercentage)
	assert.Equal(t, []int{10, 25, 50, 75, 100}, steps)
	assert.NotEmpty(t, result.Report)

	ctx := context.Background()
	mcfg, err := st.GetMigration(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCompleted, mcfg.Phase)
	assert.False(t, mcfg.DualWriteEnabled, "cleanup must disable dual-write")
	assert.True(t, mcfg.ReadFromTarget)

	scfg, err := st.GetSwitchForTable(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 100, scfg.SwitchPercentage)

	// Reads route to the target once the run has completed
	for i := 0; i < 20; i++ {
		assert.Equal(t, models.ReadSourceTarget, orch.Router().Route(fmt.Sprintf("k%03d", i)))
	}
}

func TestRun_RollsBackWhenValidationFails(t *testing.T) {
	st := setupStore(t)
	seedBoth(t, st, 20)
	ctx := context.Background()
	// Half the target diverges; the score can never clear 0.99
	require.NoError(t, st.Execute(ctx, "UPDATE orders_v2 SET amount = -1 WHERE amount < 10"))

	cfg := testConfig(t)
	clk := clock.NewFake()

	orch, err := New(cfg, st, telemetry.NewMetrics(), clk, nil)
	require.NoError(t, err)

	result, err := orch.Run(ctx)
	require.NoError(t, err)

	assert.True(t, result.RolledBack)
	assert.Equal(t, models.PhaseRolledBack, result.FinalPhase)
	assert.Contains(t, result.RollbackReason, "consistency score below threshold")
	assert.Equal(t, 2, result.Validations, "one retry before giving up")

	mcfg, err := st.GetMigration(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseRolledBack, mcfg.Phase)
	assert.True(t, mcfg.DualWriteEnabled, "rollback must leave dual-write on")
}

func TestRun_ValidationRetryThenPass(t *testing.T) {
	st := setupStore(t)
	seedBoth(t, st, 20)
	ctx := context.Background()
	// One divergent row: 19/20 = 0.95 under the threshold
	require.NoError(t, st.Execute(ctx, "UPDATE orders_v2 SET amount = -1 WHERE id = 'k000'"))

	cfg := testConfig(t)
	cfg.Orchestrator.MaxValidationRetries = 2
	clk := clock.NewFake()

	orch, err := New(cfg, st, telemetry.NewMetrics(), clk, nil)
	require.NoError(t, err)

	// Repair the divergence after the first failed validation, as the
	// catch-up path would.
	var scores []float64
	orch.OnValidation(func(attempt int, score float64) {
		scores = append(scores, score)
		if attempt == 1 {
			require.NoError(t, st.Execute(ctx, "UPDATE orders_v2 SET amount = 0 WHERE id = 'k000'"))
		}
	})

	result, err := orch.Run(ctx)
	require.NoError(t, err)
	assert.False(t, result.RolledBack)
	assert.Equal(t, models.PhaseCompleted, result.FinalPhase)
	assert.Equal(t, []float64{0.95, 1.0}, scores)
}

func TestRun_DuplicateMigrationIDFails(t *testing.T) {
	st := setupStore(t)
	seedBoth(t, st, 5)
	cfg := testConfig(t)
	clk := clock.NewFake()

	orch, err := New(cfg, st, telemetry.NewMetrics(), clk, nil)
	require.NoError(t, err)
	_, err = orch.Run(context.Background())
	require.NoError(t, err)

	// Same id again must conflict on registration
	cfg2 := testConfig(t)
	orch2, err := New(cfg2, st, telemetry.NewMetrics(), clock.NewFake(), nil)
	require.NoError(t, err)
	_, err = orch2.Run(context.Background())
	assert.ErrorIs(t, err, models.ErrConfigConflict)
}
