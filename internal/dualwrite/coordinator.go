// Package dualwrite mirrors application writes from the source table to the
// target table during a migration window. The source write is authoritative:
// it runs in its own transaction and is never blocked or failed by target
// problems. The target write begins only after the source transaction
// commits, so target latency and retries never increase source write latency.
package dualwrite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tableshift/tableshift/internal/backoff"
	"github.com/tableshift/tableshift/internal/models"
	"github.com/tableshift/tableshift/internal/store"
	"github.com/tableshift/tableshift/internal/telemetry"
	"github.com/tableshift/tableshift/pkg/config"
)

// Operation is one application write, expressed against both schemas.
type Operation struct {
	Key        string
	SourceSQL  string
	SourceArgs []any
	TargetSQL  string
	TargetArgs []any
}

// TargetExecutor performs the mirrored write. The store satisfies it; tests
// substitute failure-injecting fakes.
type TargetExecutor interface {
	Execute(ctx context.Context, sql string, args ...any) error
}

// AlertSink receives severity-tagged telemetry events from the coordinator.
type AlertSink interface {
	Emit(migrationID string, severity models.Severity, message string)
}

// Coordinator performs paired writes and owns the eventual-consistency
// catch-up queue.
type Coordinator struct {
	store       *store.Store
	target      TargetExecutor
	policy      backoff.Policy
	level       models.ConsistencyLevel
	migrationID string
	metrics     *telemetry.Metrics
	alerts      AlertSink
	logger      *slog.Logger

	flushTimeout time.Duration
	enabled      atomic.Bool
	queue        chan Operation

	mu       sync.Mutex
	running  bool
	paused   bool
	pauseCh  chan struct{}
	resumeCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a coordinator for one migration.
func New(st *store.Store, cfg config.DualWriteConfig, mcfg *models.MigrationConfig,
	metrics *telemetry.Metrics, alerts AlertSink, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	flushTimeout := cfg.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = 30 * time.Second
	}

	return &Coordinator{
		store:        st,
		target:       st,
		policy:       backoff.FromConfig(cfg),
		level:        mcfg.ConsistencyLevel,
		migrationID:  mcfg.MigrationID,
		metrics:      metrics,
		alerts:       alerts,
		logger:       logger,
		flushTimeout: flushTimeout,
		queue:        make(chan Operation, queueSize),
		pauseCh:      make(chan struct{}),
		resumeCh:     make(chan struct{}),
		stopCh:       make(chan struct{}),
	}
}

// SetTarget overrides the target executor.
func (c *Coordinator) SetTarget(t TargetExecutor) {
	c.target = t
}

// SetEnabled flips mirroring on or off. The phase controller calls this when
// dual-write is enabled or disabled for the migration.
func (c *Coordinator) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Enabled reports whether writes are currently mirrored.
func (c *Coordinator) Enabled() bool {
	return c.enabled.Load()
}

// QueueDepth returns the number of operations pending catch-up.
func (c *Coordinator) QueueDepth() int {
	return len(c.queue)
}

// Write performs the source write and, if dual-write is enabled, mirrors it
// to the target. The returned error reflects only the source write; target
// failures are recorded in the ledger and escalated through telemetry, never
// propagated to the application path.
func (c *Coordinator) Write(ctx context.Context, op Operation) error {
	err := c.store.Transaction(ctx, func(tx *store.Store) error {
		return tx.Execute(ctx, op.SourceSQL, op.SourceArgs...)
	})
	if err != nil {
		return fmt.Errorf("source write for key %s failed: %w", op.Key, err)
	}

	if !c.enabled.Load() {
		return nil
	}

	entry := &models.MigrationLogEntry{
		MigrationID: c.migrationID,
		Operation:   store.OperationDualWrite,
		Status:      models.LogStatusRunning,
	}
	if err := c.store.AppendLog(ctx, entry); err != nil {
		c.logger.Error("failed to open ledger entry for dual-write", "key", op.Key, "error", err)
	}

	start := time.Now()
	mirrorErr := c.mirror(ctx, op)
	elapsed := time.Since(start)

	if c.metrics != nil {
		c.metrics.DualWriteLatency.Observe(elapsed.Seconds())
	}

	if mirrorErr == nil {
		c.closeEntry(ctx, entry, models.LogStatusSuccess, "", elapsed)
		return nil
	}

	c.closeEntry(ctx, entry, models.LogStatusFailed, mirrorErr.Error(), elapsed)

	switch c.level {
	case models.ConsistencyStrict:
		// The committed source write is never rolled back; compensating
		// catch-up happens via the validator/resync path.
		c.logger.Error("target write exhausted retries",
			"migration_id", c.migrationID, "key", op.Key, "error", mirrorErr)
		if c.alerts != nil {
			c.alerts.Emit(c.migrationID, models.SeverityHigh,
				fmt.Sprintf("dual-write failed for key %s: %v", op.Key, mirrorErr))
		}
	case models.ConsistencyEventual:
		c.logger.Warn("target write failed, queueing for catch-up",
			"migration_id", c.migrationID, "key", op.Key, "error", mirrorErr)
		if c.alerts != nil {
			c.alerts.Emit(c.migrationID, models.SeverityMedium,
				fmt.Sprintf("dual-write queued for catch-up, key %s: %v", op.Key, mirrorErr))
		}
		c.enqueue(ctx, op)
	}

	return nil
}

// mirror attempts the target write, retrying per the backoff policy. A
// non-retryable error stops immediately; exhausting MaxAttempts is reported,
// never silently swallowed.
func (c *Coordinator) mirror(ctx context.Context, op Operation) error {
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		err := c.target.Execute(ctx, op.TargetSQL, op.TargetArgs...)
		if err == nil {
			if c.metrics != nil {
				c.metrics.DualWriteAttempts.WithLabelValues("success").Inc()
			}
			return nil
		}
		lastErr = err

		if !backoff.Retryable(err) {
			if c.metrics != nil {
				c.metrics.DualWriteAttempts.WithLabelValues("failed").Inc()
			}
			return fmt.Errorf("%w: %w", models.ErrDualWriteFailure, err)
		}

		if c.metrics != nil {
			c.metrics.DualWriteAttempts.WithLabelValues("retry").Inc()
		}
		if attempt < c.policy.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.policy.Delay(attempt)):
			}
		}
	}

	if c.metrics != nil {
		c.metrics.DualWriteAttempts.WithLabelValues("failed").Inc()
	}
	return fmt.Errorf("%w after %d attempts: %w", models.ErrDualWriteFailure, c.policy.MaxAttempts, lastErr)
}

func (c *Coordinator) enqueue(ctx context.Context, op Operation) {
	select {
	case c.queue <- op:
		if c.metrics != nil {
			c.metrics.CatchUpQueueDepth.Set(float64(len(c.queue)))
		}
	default:
		// A full queue means catch-up is not keeping pace. Record the drop so
		// the validator/resync path finds the row.
		c.logger.Error("catch-up queue full, dropping operation",
			"migration_id", c.migrationID, "key", op.Key)
		c.appendCatchUpEntry(ctx, op, models.LogStatusFailed, "catch-up queue full")
	}
}

func (c *Coordinator) closeEntry(ctx context.Context, entry *models.MigrationLogEntry,
	status models.LogStatus, errMsg string, elapsed time.Duration) {
	if entry.ID == 0 {
		return
	}
	if err := c.store.CloseLog(ctx, entry.ID, status, errMsg, elapsed.Milliseconds()); err != nil {
		c.logger.Error("failed to close ledger entry", "entry_id", entry.ID, "error", err)
	}
}

func (c *Coordinator) appendCatchUpEntry(ctx context.Context, op Operation, status models.LogStatus, errMsg string) {
	entry := &models.MigrationLogEntry{
		MigrationID:  c.migrationID,
		Operation:    "dual_write_catchup",
		Status:       status,
		ErrorMessage: errMsg,
	}
	if err := c.store.AppendLog(ctx, entry); err != nil {
		c.logger.Error("failed to append catch-up ledger entry", "key", op.Key, "error", err)
	}
}
