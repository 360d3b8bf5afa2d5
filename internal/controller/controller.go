// Package controller owns the migration phase state machine. All phase
// transitions flow through it so the ledger and the CAS-guarded config row
// stay the single source of truth for where a migration is.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tableshift/tableshift/internal/models"
	"github.com/tableshift/tableshift/internal/store"
	"github.com/tableshift/tableshift/internal/telemetry"
)

// Flusher drains any pending mirrored writes before dual-write is disabled.
// The dual-write coordinator satisfies it.
type Flusher interface {
	SetEnabled(enabled bool)
	Flush(ctx context.Context) error
}

// Controller coordinates migration lifecycle transitions.
type Controller struct {
	store   *store.Store
	metrics *telemetry.Metrics
	logger  *slog.Logger
	flusher Flusher
}

// New creates a phase controller.
func New(st *store.Store, metrics *telemetry.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: st, metrics: metrics, logger: logger}
}

// SetFlusher attaches the dual-write coordinator so disable can drain first.
func (c *Controller) SetFlusher(f Flusher) {
	c.flusher = f
}

// RegisterMigration creates a migration in PREPARATION. Registration is the
// only way a migration comes into existence.
func (c *Controller) RegisterMigration(ctx context.Context, cfg *models.MigrationConfig) error {
	if cfg.MigrationID == "" || cfg.SourceTable == "" || cfg.TargetTable == "" {
		return fmt.Errorf("migration id, source table and target table are required: %w", models.ErrPreconditionFailed)
	}
	if cfg.ConsistencyLevel == "" {
		cfg.ConsistencyLevel = models.ConsistencyEventual
	}
	if cfg.ConsistencyLevel != models.ConsistencyStrict && cfg.ConsistencyLevel != models.ConsistencyEventual {
		return fmt.Errorf("unknown consistency level %q: %w", cfg.ConsistencyLevel, models.ErrPreconditionFailed)
	}
	if cfg.AutoSwitchThreshold < 0 || cfg.AutoSwitchThreshold > 1 {
		return fmt.Errorf("auto-switch threshold %f must be within [0, 1]: %w",
			cfg.AutoSwitchThreshold, models.ErrPreconditionFailed)
	}
	cfg.Phase = models.PhasePreparation

	if err := c.store.CreateMigration(ctx, cfg); err != nil {
		return err
	}

	c.appendLedger(ctx, cfg.MigrationID, "register", models.LogStatusSuccess, "")
	c.logger.Info("migration registered",
		"migration_id", cfg.MigrationID,
		"source_table", cfg.SourceTable,
		"target_table", cfg.TargetTable,
		"consistency_level", cfg.ConsistencyLevel)
	return nil
}

// GetMigration loads the current state of a migration.
func (c *Controller) GetMigration(ctx context.Context, id string) (*models.MigrationConfig, error) {
	return c.store.GetMigration(ctx, id)
}

// UpdateMigrationPhase moves a migration to the requested phase. The only
// legal targets are the immediate successor of the current phase, or
// ROLLED_BACK from any non-terminal phase. The transition is CAS-guarded so
// concurrent controllers cannot both win.
func (c *Controller) UpdateMigrationPhase(ctx context.Context, id string, requested models.Phase) error {
	if !requested.Valid() {
		return fmt.Errorf("unknown phase %q: %w", requested, models.ErrPhaseOrderViolation)
	}

	cfg, err := c.store.GetMigration(ctx, id)
	if err != nil {
		return err
	}

	if err := c.checkTransition(cfg, requested); err != nil {
		c.appendLedger(ctx, id, transitionOp(cfg.Phase, requested), models.LogStatusFailed, err.Error())
		return err
	}

	if err := c.store.CASPhase(ctx, id, cfg.Phase, requested); err != nil {
		c.appendLedger(ctx, id, transitionOp(cfg.Phase, requested), models.LogStatusFailed, err.Error())
		return err
	}

	status := models.LogStatusSuccess
	if requested == models.PhaseRolledBack {
		status = models.LogStatusRolledBack
	}
	c.appendLedger(ctx, id, transitionOp(cfg.Phase, requested), status, "")

	if c.metrics != nil {
		c.metrics.PhaseTransitions.WithLabelValues(string(requested)).Inc()
	}
	c.logger.Info("phase transition",
		"migration_id", id, "from", cfg.Phase, "to", requested)
	return nil
}

// checkTransition enforces ordering and per-phase preconditions.
func (c *Controller) checkTransition(cfg *models.MigrationConfig, requested models.Phase) error {
	if requested == models.PhaseRolledBack {
		if cfg.Phase.Terminal() {
			return &models.PhaseError{
				MigrationID: cfg.MigrationID,
				Current:     cfg.Phase,
				Requested:   requested,
				Err:         models.ErrPhaseOrderViolation,
			}
		}
		return nil
	}

	next, ok := cfg.Phase.Next()
	if !ok || next != requested {
		return &models.PhaseError{
			MigrationID: cfg.MigrationID,
			Current:     cfg.Phase,
			Requested:   requested,
			Err:         models.ErrPhaseOrderViolation,
		}
	}

	// Entering DUAL_WRITE without mirroring enabled would silently lose
	// writes on the target side.
	if requested == models.PhaseDualWrite && !cfg.DualWriteEnabled {
		return &models.PhaseError{
			MigrationID: cfg.MigrationID,
			Current:     cfg.Phase,
			Requested:   requested,
			Err:         fmt.Errorf("dual-write not enabled: %w", models.ErrPreconditionFailed),
		}
	}
	return nil
}

// EnableDualWrite turns on write mirroring. Legal in any non-terminal phase;
// the usual call site is PREPARATION, right before advancing to DUAL_WRITE.
func (c *Controller) EnableDualWrite(ctx context.Context, id string) error {
	cfg, err := c.store.GetMigration(ctx, id)
	if err != nil {
		return err
	}
	if cfg.Phase.Terminal() {
		return fmt.Errorf("migration %s is %s: %w", id, cfg.Phase, models.ErrPreconditionFailed)
	}

	if err := c.store.SetDualWrite(ctx, id, true); err != nil {
		return err
	}
	if c.flusher != nil {
		c.flusher.SetEnabled(true)
	}

	c.appendLedger(ctx, id, "dual_write_enable", models.LogStatusSuccess, "")
	c.logger.Info("dual-write enabled", "migration_id", id)
	return nil
}

// DisableDualWrite turns off write mirroring. Only legal once the migration
// has reached CLEANUP, and only after the catch-up queue has been drained;
// disabling earlier would strand writes that never reached the target.
func (c *Controller) DisableDualWrite(ctx context.Context, id string) error {
	cfg, err := c.store.GetMigration(ctx, id)
	if err != nil {
		return err
	}
	if cfg.Phase != models.PhaseCleanup && cfg.Phase != models.PhaseCompleted {
		err := fmt.Errorf("migration %s is in %s, dual-write can be disabled only in %s or %s: %w",
			id, cfg.Phase, models.PhaseCleanup, models.PhaseCompleted, models.ErrPreconditionFailed)
		c.appendLedger(ctx, id, "dual_write_disable", models.LogStatusFailed, err.Error())
		return err
	}

	if c.flusher != nil {
		if err := c.flusher.Flush(ctx); err != nil {
			c.appendLedger(ctx, id, "dual_write_disable", models.LogStatusFailed, err.Error())
			return fmt.Errorf("failed to drain catch-up queue: %w", err)
		}
		c.flusher.SetEnabled(false)
	}

	if err := c.store.SetDualWrite(ctx, id, false); err != nil {
		return err
	}

	c.appendLedger(ctx, id, "dual_write_disable", models.LogStatusSuccess, "")
	c.logger.Info("dual-write disabled", "migration_id", id)
	return nil
}

// GetDualWriteMetrics aggregates dual-write outcomes over the trailing window.
func (c *Controller) GetDualWriteMetrics(ctx context.Context, id string, window time.Duration) (*models.DualWriteMetrics, error) {
	if _, err := c.store.GetMigration(ctx, id); err != nil {
		return nil, err
	}
	return c.store.DualWriteMetrics(ctx, id, time.Now().Add(-window))
}

// Rollback moves the migration to ROLLED_BACK from whatever non-terminal
// phase it is in. Dual-write stays enabled so the target keeps receiving
// writes while operators decide what to do next.
func (c *Controller) Rollback(ctx context.Context, id, reason string) error {
	err := c.UpdateMigrationPhase(ctx, id, models.PhaseRolledBack)
	if err != nil && !errors.Is(err, models.ErrPhaseOrderViolation) {
		return err
	}
	if err == nil {
		c.logger.Warn("migration rolled back", "migration_id", id, "reason", reason)
	}
	return err
}

func (c *Controller) appendLedger(ctx context.Context, id, operation string, status models.LogStatus, errMsg string) {
	entry := &models.MigrationLogEntry{
		MigrationID:  id,
		Operation:    operation,
		Status:       status,
		ErrorMessage: errMsg,
	}
	if err := c.store.AppendLog(ctx, entry); err != nil {
		c.logger.Error("failed to append ledger entry",
			"migration_id", id, "operation", operation, "error", err)
	}
}

func transitionOp(from, to models.Phase) string {
	return fmt.Sprintf("phase:%s->%s", from, to)
}
