// Package router decides, per read, whether the source or target table
// serves it. Deterministic key bucketing keeps a given entity's reads on one
// side of the cutover as the percentage rises; re-reading the same entity
// from alternating sources mid-migration can expose dual-write lag as
// apparent corruption.
package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tableshift/tableshift/internal/models"
	"github.com/tableshift/tableshift/internal/store"
	"github.com/tableshift/tableshift/internal/telemetry"
)

// AlertSink receives severity-tagged events from the router.
type AlertSink interface {
	Emit(migrationID string, severity models.Severity, message string)
}

// observation is one recorded read outcome.
type observation struct {
	at      time.Time
	side    models.ReadSource
	errKind string
	latency time.Duration
}

// Router routes reads for one table.
type Router struct {
	store       *store.Store
	metrics     *telemetry.Metrics
	alerts      AlertSink
	logger      *slog.Logger
	migrationID string

	configID              string
	tableName             string
	currentSource         models.ReadSource
	targetSource          models.ReadSource
	conditions            models.SwitchConditions
	rollbackEnabled       bool
	autoRollbackThreshold float64

	// percentage and status are read on every routing decision; they are
	// mirrored into atomics so readers never observe a torn value while the
	// persisted row is being updated.
	percentage atomic.Int64
	status     atomic.Value // models.SwitchStatus

	obsMu sync.Mutex
	obs   []observation
}

// RegisterConfig validates and persists a new switch config. Thresholds left
// at zero take the package defaults.
func RegisterConfig(ctx context.Context, st *store.Store, cfg *models.SwitchConfig) error {
	if cfg.ConfigID == "" {
		cfg.ConfigID = uuid.NewString()
	}
	if cfg.TableName == "" {
		return fmt.Errorf("switch config requires a table name: %w", models.ErrPreconditionFailed)
	}
	if cfg.SwitchPercentage < 0 || cfg.SwitchPercentage > 100 {
		return fmt.Errorf("switch percentage %d outside [0,100]: %w", cfg.SwitchPercentage, models.ErrPreconditionFailed)
	}
	if cfg.CurrentSource == "" {
		cfg.CurrentSource = models.ReadSourceSource
	}
	if cfg.TargetSource == "" {
		cfg.TargetSource = models.ReadSourceTarget
	}
	if cfg.Strategy == "" {
		cfg.Strategy = models.SwitchStrategyGradual
	}
	if cfg.Status == "" {
		cfg.Status = models.SwitchStatusInactive
	}
	defaults := models.DefaultSwitchConditions()
	if cfg.Conditions.ConsistencyThreshold == 0 {
		cfg.Conditions.ConsistencyThreshold = defaults.ConsistencyThreshold
	}
	if cfg.Conditions.ErrorRateThreshold == 0 {
		cfg.Conditions.ErrorRateThreshold = defaults.ErrorRateThreshold
	}
	if cfg.Conditions.LatencyThreshold == 0 {
		cfg.Conditions.LatencyThreshold = defaults.LatencyThreshold
	}
	return st.CreateSwitch(ctx, cfg)
}

// New builds a router from a persisted switch config.
func New(st *store.Store, cfg *models.SwitchConfig, migrationID string,
	metrics *telemetry.Metrics, alerts AlertSink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		store:                 st,
		metrics:               metrics,
		alerts:                alerts,
		logger:                logger,
		migrationID:           migrationID,
		configID:              cfg.ConfigID,
		tableName:             cfg.TableName,
		currentSource:         cfg.CurrentSource,
		targetSource:          cfg.TargetSource,
		conditions:            cfg.Conditions,
		rollbackEnabled:       cfg.RollbackEnabled,
		autoRollbackThreshold: cfg.AutoRollbackThreshold,
	}
	r.percentage.Store(int64(cfg.SwitchPercentage))
	r.status.Store(cfg.Status)
	return r
}

// bucket hashes a routing key into [0, 100).
func bucket(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % 100)
}

// Route returns the side that serves a read for the given routing key. The
// target serves it iff the switch is active and the key's bucket falls under
// the current percentage.
func (r *Router) Route(key string) models.ReadSource {
	side := r.currentSource
	if r.Status() == models.SwitchStatusActive && bucket(key) < int(r.percentage.Load()) {
		side = r.targetSource
	}
	if r.metrics != nil {
		r.metrics.RoutedReads.WithLabelValues(string(side)).Inc()
	}
	return side
}

// Percentage returns the current switch percentage.
func (r *Router) Percentage() int {
	return int(r.percentage.Load())
}

// Status returns the current switch status.
func (r *Router) Status() models.SwitchStatus {
	s, _ := r.status.Load().(models.SwitchStatus)
	return s
}

// Activate turns the switch on.
func (r *Router) Activate(ctx context.Context) error {
	if r.Status() == models.SwitchStatusActive {
		return nil
	}
	if err := r.store.SetSwitchStatus(ctx, r.configID, models.SwitchStatusActive, r.Percentage()); err != nil {
		return err
	}
	r.status.Store(models.SwitchStatusActive)
	r.appendLedger(ctx, "switch_activate", models.LogStatusSuccess, "")
	r.logger.Info("switch activated", "table", r.tableName, "percentage", r.Percentage())
	return nil
}

// Deactivate turns the switch off without touching the percentage.
func (r *Router) Deactivate(ctx context.Context) error {
	if err := r.store.SetSwitchStatus(ctx, r.configID, models.SwitchStatusInactive, r.Percentage()); err != nil {
		return err
	}
	r.status.Store(models.SwitchStatusInactive)
	r.appendLedger(ctx, "switch_deactivate", models.LogStatusSuccess, "")
	return nil
}

// UpdatePercentage moves the cutover percentage. Values outside [0,100] are
// rejected, and decreases are rejected unless rollback is enabled: planned
// cutovers only move forward. The persisted row is updated with a
// compare-and-swap so concurrent updates surface instead of interleaving.
func (r *Router) UpdatePercentage(ctx context.Context, pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("percentage %d outside [0,100]: %w", pct, models.ErrPreconditionFailed)
	}

	current := r.Percentage()
	if pct < current && !r.rollbackEnabled {
		return fmt.Errorf("percentage decrease %d -> %d without rollback enabled: %w",
			current, pct, models.ErrPreconditionFailed)
	}

	if err := r.store.CASSwitchPercentage(ctx, r.configID, current, pct); err != nil {
		return err
	}
	r.percentage.Store(int64(pct))
	if r.metrics != nil {
		r.metrics.SwitchPercentage.Set(float64(pct))
	}
	r.appendLedger(ctx, fmt.Sprintf("switch_percentage:%d", pct), models.LogStatusSuccess, "")
	r.logger.Info("switch percentage updated", "table", r.tableName, "from", current, "to", pct)
	return nil
}

// Rollback forces the percentage to zero and marks the switch ROLLED_BACK.
func (r *Router) Rollback(ctx context.Context, reason string) error {
	if err := r.store.SetSwitchStatus(ctx, r.configID, models.SwitchStatusRolledBack, 0); err != nil {
		return err
	}
	r.percentage.Store(0)
	r.status.Store(models.SwitchStatusRolledBack)
	if r.metrics != nil {
		r.metrics.SwitchPercentage.Set(0)
	}
	r.appendLedger(ctx, "switch_rollback", models.LogStatusRolledBack, reason)
	r.logger.Error("switch rolled back", "table", r.tableName, "reason", reason)
	if r.alerts != nil {
		r.alerts.Emit(r.migrationID, models.SeverityCritical,
			fmt.Sprintf("read switch for %s rolled back: %s", r.tableName, reason))
	}
	return nil
}

// RecordRead records a read outcome for analytics.
func (r *Router) RecordRead(side models.ReadSource, latency time.Duration, err error) {
	var errKind string
	if err != nil {
		errKind = fmt.Sprintf("%s_error", side)
	}
	r.obsMu.Lock()
	r.obs = append(r.obs, observation{
		at:      time.Now(),
		side:    side,
		errKind: errKind,
		latency: latency,
	})
	r.obsMu.Unlock()
}

// Analytics summarizes routing outcomes over the trailing window.
func (r *Router) Analytics(window time.Duration) models.SwitchAnalytics {
	cutoff := time.Now().Add(-window)

	a := models.SwitchAnalytics{
		Window:      window,
		ErrorCounts: make(map[string]int64),
	}

	r.obsMu.Lock()
	// Trim observations that have aged out of every reasonable window.
	firstLive := 0
	for i, o := range r.obs {
		if o.at.After(cutoff) {
			firstLive = i
			break
		}
		firstLive = i + 1
	}
	r.obs = r.obs[firstLive:]

	var total int64
	for _, o := range r.obs {
		if !o.at.After(cutoff) {
			continue
		}
		total++
		if o.side == r.targetSource {
			a.TargetRequests++
		} else {
			a.SourceRequests++
		}
		if o.errKind != "" {
			a.ErrorCounts[o.errKind]++
			a.TotalErrors++
		}
	}
	r.obsMu.Unlock()

	if total > 0 {
		a.ErrorRate = float64(a.TotalErrors) / float64(total)
	}
	return a
}

// Evaluate applies the safety conditions at one tick. A breach of the error
// rate or consistency threshold with auto-rollback configured forces the
// percentage to zero.
func (r *Router) Evaluate(ctx context.Context, consistencyScore float64, window time.Duration) error {
	if r.Status() != models.SwitchStatusActive {
		return nil
	}

	analytics := r.Analytics(window)

	breach := ""
	if analytics.ErrorRate > r.conditions.ErrorRateThreshold {
		breach = fmt.Sprintf("error rate %.4f over threshold %.4f",
			analytics.ErrorRate, r.conditions.ErrorRateThreshold)
	} else if consistencyScore < r.conditions.ConsistencyThreshold {
		breach = fmt.Sprintf("consistency score %.4f under threshold %.4f",
			consistencyScore, r.conditions.ConsistencyThreshold)
	}
	if breach == "" {
		return nil
	}

	if r.autoRollbackThreshold <= 0 {
		r.logger.Warn("switch condition breached, auto-rollback not configured",
			"table", r.tableName, "breach", breach)
		return nil
	}

	if err := r.Rollback(ctx, breach); err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", breach, models.ErrAutoRollbackTriggered)
}

func (r *Router) appendLedger(ctx context.Context, operation string, status models.LogStatus, errMsg string) {
	entry := &models.MigrationLogEntry{
		MigrationID:  r.migrationID,
		Operation:    operation,
		Status:       status,
		ErrorMessage: errMsg,
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		r.logger.Error("failed to append switch ledger entry", "operation", operation, "error", err)
	}
}
