package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

type recordingSink struct {
	mu     sync.Mutex
	alerts []models.Severity
}

func (r *recordingSink) Emit(migrationID string, severity models.Severity, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, severity)
}

func setupRouter(t *testing.T, cfg *models.SwitchConfig) (*Router, *store.Store, *recordingSink) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	st := store.New(db, nil)
	require.NoError(t, st.AutoMigrate())

	if cfg == nil {
		cfg = &models.SwitchConfig{TableName: "orders", RollbackEnabled: true, AutoRollbackThreshold: 0.10}
	}
	require.NoError(t, RegisterConfig(context.Background(), st, cfg))

	sink := &recordingSink{}
	return New(st, cfg, "m1", nil, sink, nil), st, sink
}

func TestBucket_Deterministic(t *testing.T) {
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		first := bucket(key)
		for j := 0; j < 10; j++ {
			if got := bucket(key); got != first {
				t.Fatalf("bucket(%q) not deterministic: %d then %d", key, first, got)
			}
		}
		if first < 0 || first >= 100 {
			t.Fatalf("bucket(%q) = %d outside [0, 100)", key, first)
		}
	}
}

func TestRoute_InactiveAlwaysSource(t *testing.T) {
	r, _, _ := setupRouter(t, nil)

	for i := 0; i < 100; i++ {
		if got := r.Route(fmt.Sprintf("k%d", i)); got != models.ReadSourceSource {
			t.Fatalf("inactive switch routed %q to %s", fmt.Sprintf("k%d", i), got)
		}
	}
}

func TestRoute_TargetSubsetGrowsMonotonically(t *testing.T) {
	r, _, _ := setupRouter(t, nil)
	ctx := context.Background()
	require.NoError(t, r.Activate(ctx))

	keys := make([]string, 1000)
	for i := range keys {
		keys[i] = fmt.Sprintf("entity-%d", i)
	}

	previous := map[string]bool{}
	for _, pct := range []int{10, 25, 50, 75, 100} {
		require.NoError(t, r.UpdatePercentage(ctx, pct))

		current := map[string]bool{}
		for _, key := range keys {
			if r.Route(key) == models.ReadSourceTarget {
				current[key] = true
			}
		}

		// Every key on the target at a lower percentage stays there
		for key := range previous {
			if !current[key] {
				t.Fatalf("key %q regressed to source when percentage rose to %d", key, pct)
			}
		}
		previous = current
	}

	assert.Len(t, previous, len(keys), "at 100%% every key must hit the target")
}

func TestUpdatePercentage_Validation(t *testing.T) {
	t.Run("RejectsOutOfRange", func(t *testing.T) {
		r, _, _ := setupRouter(t, nil)
		assert.ErrorIs(t, r.UpdatePercentage(context.Background(), 101), models.ErrPreconditionFailed)
		assert.ErrorIs(t, r.UpdatePercentage(context.Background(), -1), models.ErrPreconditionFailed)
	})

	t.Run("RejectsDecreaseWithoutRollback", func(t *testing.T) {
		r, _, _ := setupRouter(t, &models.SwitchConfig{TableName: "orders", RollbackEnabled: false})
		ctx := context.Background()
		require.NoError(t, r.UpdatePercentage(ctx, 50))

		err := r.UpdatePercentage(ctx, 25)
		assert.ErrorIs(t, err, models.ErrPreconditionFailed)
		assert.Equal(t, 50, r.Percentage())
	})

	t.Run("AllowsDecreaseWithRollback", func(t *testing.T) {
		r, _, _ := setupRouter(t, nil)
		ctx := context.Background()
		require.NoError(t, r.UpdatePercentage(ctx, 50))
		require.NoError(t, r.UpdatePercentage(ctx, 25))
		assert.Equal(t, 25, r.Percentage())
	})

	t.Run("PersistsThroughCAS", func(t *testing.T) {
		r, st, _ := setupRouter(t, nil)
		ctx := context.Background()
		require.NoError(t, r.UpdatePercentage(ctx, 75))

		stored, err := st.GetSwitchForTable(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, 75, stored.SwitchPercentage)
	})
}

func TestRollback_ResetsAndAlerts(t *testing.T) {
	r, st, sink := setupRouter(t, nil)
	ctx := context.Background()
	require.NoError(t, r.Activate(ctx))
	require.NoError(t, r.UpdatePercentage(ctx, 75))

	require.NoError(t, r.Rollback(ctx, "error rate spike"))

	assert.Equal(t, 0, r.Percentage())
	assert.Equal(t, models.SwitchStatusRolledBack, r.Status())

	// Every read goes back to the source immediately
	for i := 0; i < 50; i++ {
		assert.Equal(t, models.ReadSourceSource, r.Route(fmt.Sprintf("k%d", i)))
	}

	stored, err := st.GetSwitchForTable(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, models.SwitchStatusRolledBack, stored.Status)
	assert.Equal(t, 0, stored.SwitchPercentage)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, models.SeverityCritical, sink.alerts[0])
}

func TestAnalytics_CountsWindow(t *testing.T) {
	r, _, _ := setupRouter(t, nil)

	for i := 0; i < 6; i++ {
		r.RecordRead(models.ReadSourceSource, 5*time.Millisecond, nil)
	}
	for i := 0; i < 4; i++ {
		r.RecordRead(models.ReadSourceTarget, 8*time.Millisecond, nil)
	}
	r.RecordRead(models.ReadSourceTarget, 20*time.Millisecond, errors.New("boom"))

	a := r.Analytics(time.Minute)
	assert.Equal(t, int64(6), a.SourceRequests)
	assert.Equal(t, int64(5), a.TargetRequests)
	assert.Equal(t, int64(1), a.TotalErrors)
	assert.InDelta(t, 1.0/11.0, a.ErrorRate, 0.001)
	assert.Equal(t, int64(1), a.ErrorCounts["TARGET_error"])
}

func TestEvaluate_AutoRollbackOnErrorRate(t *testing.T) {
	r, _, _ := setupRouter(t, nil)
	ctx := context.Background()
	require.NoError(t, r.Activate(ctx))
	require.NoError(t, r.UpdatePercentage(ctx, 50))

	// Error rate 50%, well over the 5% default threshold
	for i := 0; i < 5; i++ {
		r.RecordRead(models.ReadSourceTarget, time.Millisecond, nil)
		r.RecordRead(models.ReadSourceTarget, time.Millisecond, errors.New("boom"))
	}

	err := r.Evaluate(ctx, 1.0, time.Minute)
	assert.ErrorIs(t, err, models.ErrAutoRollbackTriggered)
	assert.Equal(t, 0, r.Percentage())
	assert.Equal(t, models.SwitchStatusRolledBack, r.Status())
}

func TestEvaluate_AutoRollbackOnConsistency(t *testing.T) {
	r, _, _ := setupRouter(t, nil)
	ctx := context.Background()
	require.NoError(t, r.Activate(ctx))
	require.NoError(t, r.UpdatePercentage(ctx, 50))

	err := r.Evaluate(ctx, 0.80, time.Minute)
	assert.ErrorIs(t, err, models.ErrAutoRollbackTriggered)
	assert.Equal(t, models.SwitchStatusRolledBack, r.Status())
}

func TestEvaluate_NoBreachNoAction(t *testing.T) {
	r, _, _ := setupRouter(t, nil)
	ctx := context.Background()
	require.NoError(t, r.Activate(ctx))
	require.NoError(t, r.UpdatePercentage(ctx, 50))

	require.NoError(t, r.Evaluate(ctx, 1.0, time.Minute))
	assert.Equal(t, models.SwitchStatusActive, r.Status())
	assert.Equal(t, 50, r.Percentage())
}

func TestEvaluate_WarnOnlyWithoutAutoRollback(t *testing.T) {
	r, _, _ := setupRouter(t, &models.SwitchConfig{
		TableName:       "orders",
		RollbackEnabled: true,
		// AutoRollbackThreshold zero: breaches log but never roll back
	})
	ctx := context.Background()
	require.NoError(t, r.Activate(ctx))
	require.NoError(t, r.UpdatePercentage(ctx, 50))

	require.NoError(t, r.Evaluate(ctx, 0.50, time.Minute))
	assert.Equal(t, models.SwitchStatusActive, r.Status())
	assert.Equal(t, 50, r.Percentage())
}

func TestRegisterConfig(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st := store.New(db, nil)
	require.NoError(t, st.AutoMigrate())
	ctx := context.Background()

	t.Run("FillsDefaults", func(t *testing.T) {
		cfg := &models.SwitchConfig{TableName: "orders"}
		require.NoError(t, RegisterConfig(ctx, st, cfg))

		assert.NotEmpty(t, cfg.ConfigID)
		assert.Equal(t, models.ReadSourceSource, cfg.CurrentSource)
		assert.Equal(t, models.ReadSourceTarget, cfg.TargetSource)
		assert.Equal(t, models.SwitchStatusInactive, cfg.Status)
		assert.InDelta(t, 0.99, cfg.Conditions.ConsistencyThreshold, 0.001)
	})

	t.Run("RequiresTableName", func(t *testing.T) {
		err := RegisterConfig(ctx, st, &models.SwitchConfig{})
		assert.ErrorIs(t, err, models.ErrPreconditionFailed)
	})

	t.Run("DuplicateTableConflicts", func(t *testing.T) {
		err := RegisterConfig(ctx, st, &models.SwitchConfig{TableName: "orders"})
		assert.ErrorIs(t, err, models.ErrConfigConflict)
	})
}
