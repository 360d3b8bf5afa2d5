package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tableshift/tableshift/internal/models"
	"github.com/tableshift/tableshift/internal/store"
)

// fakeFlusher records coordinator interactions.
type fakeFlusher struct {
	enabled  bool
	setCalls int
	flushes  int
	flushErr error
}

func (f *fakeFlusher) SetEnabled(enabled bool) {
	f.enabled = enabled
	f.setCalls++
}

func (f *fakeFlusher) Flush(ctx context.Context) error {
	f.flushes++
	return f.flushErr
}

func setupController(t *testing.T) (*Controller, *store.Store, *fakeFlusher) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	st := store.New(db, nil)
	require.NoError(t, st.AutoMigrate())

	c := New(st, nil, nil)
	flusher := &fakeFlusher{}
	c.SetFlusher(flusher)
	return c, st, flusher
}

func register(t *testing.T, c *Controller) *models.MigrationConfig {
	t.Helper()
	cfg := &models.MigrationConfig{
		MigrationID:      "m1",
		SourceTable:      "orders",
		TargetTable:      "orders_v2",
		ConsistencyLevel: models.ConsistencyEventual,
	}
	require.NoError(t, c.RegisterMigration(context.Background(), cfg))
	return cfg
}

// advance walks a migration to the given phase through the legal sequence.
func advance(t *testing.T, c *Controller, id string, to models.Phase) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.EnableDualWrite(ctx, id))
	for _, p := range []models.Phase{models.PhaseDualWrite, models.PhaseValidation,
		models.PhaseReadSwitch, models.PhaseCleanup, models.PhaseCompleted} {
		require.NoError(t, c.UpdateMigrationPhase(ctx, id, p))
		if p == to {
			return
		}
	}
}

func TestRegisterMigration(t *testing.T) {
	t.Run("StartsInPreparation", func(t *testing.T) {
		c, st, _ := setupController(t)
		register(t, c)

		got, err := st.GetMigration(context.Background(), "m1")
		require.NoError(t, err)
		assert.Equal(t, models.PhasePreparation, got.Phase)
		assert.False(t, got.DualWriteEnabled)
	})

	t.Run("RecordsLedgerEntry", func(t *testing.T) {
		c, st, _ := setupController(t)
		register(t, c)

		entries, err := st.LogsSince(context.Background(), "m1", "register", time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("DuplicateConflicts", func(t *testing.T) {
		c, _, _ := setupController(t)
		register(t, c)

		err := c.RegisterMigration(context.Background(), &models.MigrationConfig{
			MigrationID: "m1",
			SourceTable: "orders",
			TargetTable: "orders_v2",
		})
		assert.ErrorIs(t, err, models.ErrConfigConflict)
	})

	t.Run("MissingFields", func(t *testing.T) {
		c, _, _ := setupController(t)
		err := c.RegisterMigration(context.Background(), &models.MigrationConfig{MigrationID: "m2"})
		assert.ErrorIs(t, err, models.ErrPreconditionFailed)
	})

	t.Run("BadConsistencyLevel", func(t *testing.T) {
		c, _, _ := setupController(t)
		err := c.RegisterMigration(context.Background(), &models.MigrationConfig{
			MigrationID:      "m2",
			SourceTable:      "a",
			TargetTable:      "b",
			ConsistencyLevel: "BEST_EFFORT",
		})
		assert.ErrorIs(t, err, models.ErrPreconditionFailed)
	})
}

func TestUpdateMigrationPhase(t *testing.T) {
	t.Run("ImmediateSuccessorOnly", func(t *testing.T) {
		c, _, _ := setupController(t)
		register(t, c)
		ctx := context.Background()

		// Skipping DUAL_WRITE and VALIDATION is a phase order violation
		err := c.UpdateMigrationPhase(ctx, "m1", models.PhaseReadSwitch)
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrPhaseOrderViolation)

		var phaseErr *models.PhaseError
		require.ErrorAs(t, err, &phaseErr)
		assert.Equal(t, models.PhasePreparation, phaseErr.Current)
		assert.Equal(t, models.PhaseReadSwitch, phaseErr.Requested)
	})

	t.Run("DualWriteRequiresFlag", func(t *testing.T) {
		c, _, _ := setupController(t)
		register(t, c)

		err := c.UpdateMigrationPhase(context.Background(), "m1", models.PhaseDualWrite)
		assert.ErrorIs(t, err, models.ErrPreconditionFailed)
	})

	t.Run("FullForwardSequence", func(t *testing.T) {
		c, st, _ := setupController(t)
		register(t, c)
		advance(t, c, "m1", models.PhaseCompleted)

		got, err := st.GetMigration(context.Background(), "m1")
		require.NoError(t, err)
		assert.Equal(t, models.PhaseCompleted, got.Phase)
	})

	t.Run("RolledBackFromAnyNonTerminal", func(t *testing.T) {
		c, st, _ := setupController(t)
		register(t, c)
		advance(t, c, "m1", models.PhaseValidation)

		require.NoError(t, c.UpdateMigrationPhase(context.Background(), "m1", models.PhaseRolledBack))
		got, err := st.GetMigration(context.Background(), "m1")
		require.NoError(t, err)
		assert.Equal(t, models.PhaseRolledBack, got.Phase)
	})

	t.Run("TerminalPhasesAreFinal", func(t *testing.T) {
		c, _, _ := setupController(t)
		register(t, c)
		advance(t, c, "m1", models.PhaseCompleted)

		err := c.UpdateMigrationPhase(context.Background(), "m1", models.PhaseRolledBack)
		assert.ErrorIs(t, err, models.ErrPhaseOrderViolation)
	})

	t.Run("RejectedTransitionLogsFailure", func(t *testing.T) {
		c, st, _ := setupController(t)
		register(t, c)

		_ = c.UpdateMigrationPhase(context.Background(), "m1", models.PhaseCleanup)

		entries, err := st.LogsSince(context.Background(), "m1",
			"phase:PREPARATION->CLEANUP", time.Now().Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, models.LogStatusFailed, entries[0].Status)
	})

	t.Run("UnknownMigration", func(t *testing.T) {
		c, _, _ := setupController(t)
		err := c.UpdateMigrationPhase(context.Background(), "ghost", models.PhaseDualWrite)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestEnableDualWrite(t *testing.T) {
	c, st, flusher := setupController(t)
	register(t, c)
	ctx := context.Background()

	require.NoError(t, c.EnableDualWrite(ctx, "m1"))

	got, err := st.GetMigration(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.DualWriteEnabled)
	assert.True(t, flusher.enabled)

	t.Run("RejectedWhenTerminal", func(t *testing.T) {
		require.NoError(t, c.UpdateMigrationPhase(ctx, "m1", models.PhaseDualWrite))
		require.NoError(t, c.UpdateMigrationPhase(ctx, "m1", models.PhaseRolledBack))

		err := c.EnableDualWrite(ctx, "m1")
		assert.ErrorIs(t, err, models.ErrPreconditionFailed)
	})
}

func TestDisableDualWrite(t *testing.T) {
	t.Run("RejectedBeforeCleanup", func(t *testing.T) {
		c, _, flusher := setupController(t)
		register(t, c)
		ctx := context.Background()
		require.NoError(t, c.EnableDualWrite(ctx, "m1"))
		require.NoError(t, c.UpdateMigrationPhase(ctx, "m1", models.PhaseDualWrite))

		err := c.DisableDualWrite(ctx, "m1")
		assert.ErrorIs(t, err, models.ErrPreconditionFailed)
		assert.Zero(t, flusher.flushes, "premature disable must not touch the queue")
	})

	t.Run("DrainsThenDisables", func(t *testing.T) {
		c, st, flusher := setupController(t)
		register(t, c)
		ctx := context.Background()
		advance(t, c, "m1", models.PhaseCleanup)

		require.NoError(t, c.DisableDualWrite(ctx, "m1"))
		assert.Equal(t, 1, flusher.flushes, "queue must drain before disable")
		assert.False(t, flusher.enabled)

		got, err := st.GetMigration(ctx, "m1")
		require.NoError(t, err)
		assert.False(t, got.DualWriteEnabled)
	})

	t.Run("FlushFailureAborts", func(t *testing.T) {
		c, st, flusher := setupController(t)
		register(t, c)
		ctx := context.Background()
		advance(t, c, "m1", models.PhaseCleanup)
		flusher.flushErr = assert.AnError

		err := c.DisableDualWrite(ctx, "m1")
		require.Error(t, err)

		got, err2 := st.GetMigration(ctx, "m1")
		require.NoError(t, err2)
		assert.True(t, got.DualWriteEnabled, "failed drain must leave dual-write on")
	})
}

func TestGetDualWriteMetrics(t *testing.T) {
	c, st, _ := setupController(t)
	register(t, c)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, st.AppendLog(ctx, &models.MigrationLogEntry{
			MigrationID: "m1", Operation: store.OperationDualWrite, Status: models.LogStatusSuccess,
		}))
	}
	require.NoError(t, st.AppendLog(ctx, &models.MigrationLogEntry{
		MigrationID: "m1", Operation: store.OperationDualWrite, Status: models.LogStatusFailed,
	}))

	m, err := c.GetDualWriteMetrics(ctx, "m1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.TotalOperations)
	assert.InDelta(t, 0.8, m.SuccessRate, 0.001)

	_, err = c.GetDualWriteMetrics(ctx, "ghost", time.Hour)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
