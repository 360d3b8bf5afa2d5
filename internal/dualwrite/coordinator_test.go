package dualwrite

import (
	"context"
	"errors"
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
	"github.com/tableshift/tableshift/pkg/config"
)

// flakyTarget fails the first failures calls to Execute, then succeeds.
type flakyTarget struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyTarget) Execute(ctx context.Context, sql string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyTarget) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingSink collects emitted alerts.
type recordingSink struct {
	mu     sync.Mutex
	alerts []models.Severity
}

func (r *recordingSink) Emit(migrationID string, severity models.Severity, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, severity)
}

func (r *recordingSink) severities() []models.Severity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Severity(nil), r.alerts...)
}

func setupCoordinator(t *testing.T, level models.ConsistencyLevel, cfg config.DualWriteConfig) (*Coordinator, *store.Store, *recordingSink) {
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

	mcfg := &models.MigrationConfig{
		MigrationID:      "m1",
		SourceTable:      "orders",
		TargetTable:      "orders_v2",
		ConsistencyLevel: level,
	}
	sink := &recordingSink{}
	c := New(st, cfg, mcfg, nil, sink, nil)
	c.SetEnabled(true)
	return c, st, sink
}

func fastBackoff(maxAttempts int) config.DualWriteConfig {
	return config.DualWriteConfig{
		MaxAttempts:  maxAttempts,
		QueueSize:    16,
		FlushTimeout: 2 * time.Second,
		Backoff: config.BackoffConfig{
			Strategy: "FIXED",
			Base:     time.Millisecond,
			MaxDelay: 2 * time.Millisecond,
		},
	}
}

func writeOp(key string, amount int) Operation {
	return Operation{
		Key:        key,
		SourceSQL:  "INSERT INTO orders (id, amount) VALUES (?, ?)",
		SourceArgs: []any{key, amount},
		TargetSQL:  "INSERT INTO orders_v2 (id, amount) VALUES (?, ?)",
		TargetArgs: []any{key, amount},
	}
}

func TestWrite_MirrorsToTarget(t *testing.T) {
	c, st, _ := setupCoordinator(t, models.ConsistencyStrict, fastBackoff(3))
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, writeOp("a", 10)))

	for _, table := range []string{"orders", "orders_v2"} {
		n, err := st.CountRows(ctx, table)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "row missing in %s", table)
	}

	entries, err := st.LogsSince(ctx, "m1", store.OperationDualWrite, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LogStatusSuccess, entries[0].Status)
}

func TestWrite_DisabledSkipsTarget(t *testing.T) {
	c, st, _ := setupCoordinator(t, models.ConsistencyStrict, fastBackoff(3))
	c.SetEnabled(false)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, writeOp("a", 10)))

	n, err := st.CountRows(ctx, "orders_v2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	entries, err := st.LogsSince(ctx, "m1", store.OperationDualWrite, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, entries, "disabled mirroring must not touch the ledger")
}

func TestWrite_SourceFailurePropagates(t *testing.T) {
	c, st, _ := setupCoordinator(t, models.ConsistencyStrict, fastBackoff(3))
	ctx := context.Background()

	op := writeOp("a", 10)
	op.SourceSQL = "INSERT INTO no_such_table (id) VALUES (?)"
	op.SourceArgs = []any{"a"}

	err := c.Write(ctx, op)
	require.Error(t, err)

	// Nothing reaches the target when the source write fails
	n, err := st.CountRows(ctx, "orders_v2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestWrite_RetriesThenSucceeds(t *testing.T) {
	c, st, _ := setupCoordinator(t, models.ConsistencyStrict, fastBackoff(3))
	ctx := context.Background()

	target := &flakyTarget{failures: 2, err: errors.New("database is locked")}
	c.SetTarget(target)

	require.NoError(t, c.Write(ctx, writeOp("a", 10)))
	assert.Equal(t, 3, target.callCount())

	entries, err := st.LogsSince(ctx, "m1", store.OperationDualWrite, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LogStatusSuccess, entries[0].Status)
}

func TestWrite_StrictExhaustionKeepsSourceCommitted(t *testing.T) {
	c, st, sink := setupCoordinator(t, models.ConsistencyStrict, fastBackoff(2))
	ctx := context.Background()

	target := &flakyTarget{failures: 10, err: errors.New("connection refused")}
	c.SetTarget(target)

	// The application write still succeeds
	require.NoError(t, c.Write(ctx, writeOp("a", 10)))
	assert.Equal(t, 2, target.callCount(), "expected MaxAttempts calls")

	n, err := st.CountRows(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "source write must stay committed")

	entries, err := st.LogsSince(ctx, "m1", store.OperationDualWrite, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LogStatusFailed, entries[0].Status)
	assert.Contains(t, entries[0].ErrorMessage, "dual-write target failure")

	require.Len(t, sink.severities(), 1)
	assert.Equal(t, models.SeverityHigh, sink.severities()[0])
	assert.Equal(t, 0, c.QueueDepth(), "STRICT failures are not queued")
}

func TestWrite_NonRetryableStopsImmediately(t *testing.T) {
	c, _, _ := setupCoordinator(t, models.ConsistencyStrict, fastBackoff(5))
	ctx := context.Background()

	target := &flakyTarget{failures: 10, err: errors.New("UNIQUE constraint failed: orders_v2.id")}
	c.SetTarget(target)

	require.NoError(t, c.Write(ctx, writeOp("a", 10)))
	assert.Equal(t, 1, target.callCount(), "non-retryable errors must not be retried")
}

func TestWrite_EventualQueuesForCatchUp(t *testing.T) {
	c, _, sink := setupCoordinator(t, models.ConsistencyEventual, fastBackoff(2))
	ctx := context.Background()

	target := &flakyTarget{failures: 10, err: errors.New("connection reset by peer")}
	c.SetTarget(target)

	require.NoError(t, c.Write(ctx, writeOp("a", 10)))
	assert.Equal(t, 1, c.QueueDepth())

	require.Len(t, sink.severities(), 1)
	assert.Equal(t, models.SeverityMedium, sink.severities()[0])
}

func TestFlush_DrainsQueue(t *testing.T) {
	c, st, _ := setupCoordinator(t, models.ConsistencyEventual, fastBackoff(2))
	ctx := context.Background()

	// First two attempts fail so the op lands on the queue, then the target
	// recovers before the flush.
	target := &flakyTarget{failures: 2, err: errors.New("database is locked")}
	c.SetTarget(target)

	require.NoError(t, c.Write(ctx, writeOp("a", 10)))
	require.Equal(t, 1, c.QueueDepth())

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, c.QueueDepth())

	entries, err := st.LogsSince(ctx, "m1", "dual_write_catchup", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LogStatusSuccess, entries[0].Status)
}

func TestFlush_RecordsAbandonedOperations(t *testing.T) {
	c, st, sink := setupCoordinator(t, models.ConsistencyEventual, config.DualWriteConfig{
		MaxAttempts:  1,
		QueueSize:    16,
		FlushTimeout: 50 * time.Millisecond,
		Backoff: config.BackoffConfig{
			Strategy: "FIXED",
			Base:     time.Millisecond,
			MaxDelay: 2 * time.Millisecond,
		},
	})
	ctx := context.Background()

	target := &flakyTarget{failures: 1 << 30, err: errors.New("service unavailable")}
	c.SetTarget(target)

	require.NoError(t, c.Write(ctx, writeOp("a", 10)))
	require.Equal(t, 1, c.QueueDepth())

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, c.QueueDepth())

	entries, err := st.LogsSince(ctx, "m1", "dual_write_catchup", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, models.LogStatusFailed, entries[len(entries)-1].Status)

	assert.NotEmpty(t, sink.severities())
}

func TestCatchUpWorker_ReplaysQueuedOps(t *testing.T) {
	c, st, _ := setupCoordinator(t, models.ConsistencyEventual, fastBackoff(2))
	ctx := context.Background()

	target := &flakyTarget{failures: 2, err: errors.New("database is locked")}
	c.SetTarget(target)

	require.NoError(t, c.Write(ctx, writeOp("a", 10)))
	require.Equal(t, 1, c.QueueDepth())

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	require.Eventually(t, func() bool {
		return c.QueueDepth() == 0
	}, 2*time.Second, 10*time.Millisecond, "catch-up worker should drain the queue")

	require.Eventually(t, func() bool {
		entries, err := st.LogsSince(ctx, "m1", "dual_write_catchup", time.Now().Add(-time.Minute))
		return err == nil && len(entries) == 1 && entries[0].Status == models.LogStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCatchUpWorker_PauseAndResume(t *testing.T) {
	c, _, _ := setupCoordinator(t, models.ConsistencyEventual, fastBackoff(2))
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	c.Pause()

	target := &flakyTarget{failures: 1, err: errors.New("database is locked")}
	c.SetTarget(target)
	require.NoError(t, c.Write(ctx, writeOp("a", 10)))
	require.Equal(t, 1, c.QueueDepth())

	// While paused the queue must not drain
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.QueueDepth())

	c.Resume()
	require.Eventually(t, func() bool {
		return c.QueueDepth() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
