// Package orchestrator drives a migration through its full phase sequence:
// register, dual-write, validate, gradual read switch, cleanup. Each phase
// gate reads the ledger and the latest validation; a breached gate rolls the
// migration back instead of advancing it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tableshift/tableshift/internal/alerting"
	"github.com/tableshift/tableshift/internal/clock"
	"github.com/tableshift/tableshift/internal/consistency"
	"github.com/tableshift/tableshift/internal/controller"
	"github.com/tableshift/tableshift/internal/dualwrite"
	"github.com/tableshift/tableshift/internal/models"
	"github.com/tableshift/tableshift/internal/router"
	"github.com/tableshift/tableshift/internal/store"
	"github.com/tableshift/tableshift/internal/telemetry"
	"github.com/tableshift/tableshift/pkg/config"
)

// Result summarizes a finished orchestration run.
type Result struct {
	MigrationID      string
	FinalPhase       models.Phase
	ConsistencyScore float64
	Validations      int
	SwitchPercentage int
	DualWrite        *models.DualWriteMetrics
	RolledBack       bool
	RollbackReason   string
	Duration         time.Duration
	Report           string
}

// StepFunc reports cutover progress, one call per completed percentage step.
type StepFunc func(step, total, percentage int)

// ValidationFunc reports each validation attempt and its consistency score.
type ValidationFunc func(attempt int, score float64)

// Orchestrator owns the end-to-end migration run.
type Orchestrator struct {
	config     *config.Config
	store      *store.Store
	controller *controller.Controller
	coord      *dualwrite.Coordinator
	validator  *consistency.Validator
	alerts     *alerting.Engine
	metrics    *telemetry.Metrics
	clock      clock.Clock
	logger     *slog.Logger

	router       *router.Router
	onStep       StepFunc
	onValidation ValidationFunc
	startedAt    time.Time
}

// New wires the engine components for one migration run.
func New(cfg *config.Config, st *store.Store, metrics *telemetry.Metrics,
	clk clock.Clock, logger *slog.Logger) (*Orchestrator, error) {
	if cfg.Migration.ID == "" {
		cfg.Migration.ID = uuid.NewString()
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	engine := alerting.NewEngine(st, cfg.Migration.ID, cfg.Alerting, metrics,
		logger.With("component", "alerting"))
	engine.RegisterNotifier(&alerting.LogNotifier{Logger: logger})
	if len(cfg.Alerting.NotifierURLs) > 0 {
		n, err := alerting.NewShoutrrrNotifier(cfg.Alerting.NotifierURLs)
		if err != nil {
			return nil, fmt.Errorf("failed to create notifier: %w", err)
		}
		engine.RegisterNotifier(n)
	}

	mcfg := &models.MigrationConfig{
		MigrationID:         cfg.Migration.ID,
		SourceTable:         cfg.Migration.SourceTable,
		TargetTable:         cfg.Migration.TargetTable,
		ConsistencyLevel:    models.ConsistencyLevel(cfg.Migration.ConsistencyLevel),
		ValidationEnabled:   cfg.Migration.ValidationEnabled,
		AutoSwitchThreshold: cfg.Migration.AutoSwitchThreshold,
		RollbackEnabled:     cfg.Migration.RollbackEnabled,
	}

	ctrl := controller.New(st, metrics, logger.With("component", "controller"))
	coord := dualwrite.New(st, cfg.DualWrite, mcfg, metrics, engine,
		logger.With("component", "dualwrite"))
	ctrl.SetFlusher(coord)

	val := consistency.New(st, cfg.Validation, cfg.Migration.KeyColumn,
		logger.With("component", "consistency"))

	return &Orchestrator{
		config:     cfg,
		store:      st,
		controller: ctrl,
		coord:      coord,
		validator:  val,
		alerts:     engine,
		metrics:    metrics,
		clock:      clk,
		logger:     logger.With("component", "orchestrator"),
	}, nil
}

// OnStep registers a cutover progress callback.
func (o *Orchestrator) OnStep(fn StepFunc) { o.onStep = fn }

// OnValidation registers a per-attempt validation callback.
func (o *Orchestrator) OnValidation(fn ValidationFunc) { o.onValidation = fn }

// Coordinator exposes the dual-write coordinator for the application write path.
func (o *Orchestrator) Coordinator() *dualwrite.Coordinator { return o.coord }

// Router exposes the read-switch router for the application read path. Nil
// until the run reaches READ_SWITCH.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Run executes the full migration sequence.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	o.startedAt = o.clock.Now()
	mcfg := &models.MigrationConfig{
		MigrationID:         o.config.Migration.ID,
		SourceTable:         o.config.Migration.SourceTable,
		TargetTable:         o.config.Migration.TargetTable,
		ConsistencyLevel:    models.ConsistencyLevel(o.config.Migration.ConsistencyLevel),
		ValidationEnabled:   o.config.Migration.ValidationEnabled,
		AutoSwitchThreshold: o.config.Migration.AutoSwitchThreshold,
		RollbackEnabled:     o.config.Migration.RollbackEnabled,
	}
	result := &Result{MigrationID: mcfg.MigrationID}

	// Step 1: register migration, switch config and alert rules.
	if err := o.controller.RegisterMigration(ctx, mcfg); err != nil {
		return nil, err
	}
	if err := o.registerSwitch(ctx); err != nil {
		return nil, err
	}
	o.registerRules()

	// Background loops: rule evaluation and eventual-consistency catch-up.
	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go o.alerts.Run(bgCtx)
	if err := o.coord.Start(bgCtx); err != nil {
		return nil, err
	}
	defer o.coord.Stop()

	// Step 2: enable dual-write and enter DUAL_WRITE.
	if err := o.controller.EnableDualWrite(ctx, mcfg.MigrationID); err != nil {
		return nil, err
	}
	if err := o.controller.UpdateMigrationPhase(ctx, mcfg.MigrationID, models.PhaseDualWrite); err != nil {
		return nil, err
	}

	// Step 3: let dual-write stabilize, then gate on its success rate.
	if err := o.wait(ctx, o.config.Orchestrator.StabilizationWait); err != nil {
		return o.rollback(ctx, result, err.Error())
	}
	metrics, err := o.controller.GetDualWriteMetrics(ctx, mcfg.MigrationID, o.config.Orchestrator.MetricsWindow)
	if err != nil {
		return nil, err
	}
	result.DualWrite = metrics
	if metrics.TotalOperations > 0 && metrics.SuccessRate < o.config.Orchestrator.MinDualWriteSuccess {
		return o.rollback(ctx, result, fmt.Sprintf(
			"dual-write success rate %.4f under minimum %.4f",
			metrics.SuccessRate, o.config.Orchestrator.MinDualWriteSuccess))
	}

	// Step 4: validate until the consistency score clears the switch threshold.
	if err := o.controller.UpdateMigrationPhase(ctx, mcfg.MigrationID, models.PhaseValidation); err != nil {
		return nil, err
	}
	score, err := o.validateUntilPassing(ctx, result)
	if err != nil {
		if errors.Is(err, models.ErrValidationBelowThreshold) || isCancel(err) {
			return o.rollback(ctx, result, err.Error())
		}
		return nil, err
	}
	result.ConsistencyScore = score

	// Step 5: gradual read switch.
	if err := o.controller.UpdateMigrationPhase(ctx, mcfg.MigrationID, models.PhaseReadSwitch); err != nil {
		return nil, err
	}
	if err := o.runSwitch(ctx, result, score); err != nil {
		if errors.Is(err, models.ErrAutoRollbackTriggered) || isCancel(err) {
			return o.rollback(ctx, result, err.Error())
		}
		return nil, err
	}
	if err := o.store.SetReadFromTarget(ctx, mcfg.MigrationID, true); err != nil {
		return nil, err
	}

	// Step 6: cleanup. Draining the catch-up queue happens inside disable.
	if err := o.controller.UpdateMigrationPhase(ctx, mcfg.MigrationID, models.PhaseCleanup); err != nil {
		return nil, err
	}
	if err := o.controller.DisableDualWrite(ctx, mcfg.MigrationID); err != nil {
		return nil, err
	}

	// Final full-table sweep. Differences here include any catch-up writes
	// abandoned at drain time.
	final, err := o.validator.ValidateTableConsistency(ctx, mcfg.MigrationID,
		mcfg.SourceTable, mcfg.TargetTable, models.ValidationComprehensive, 0)
	if err != nil {
		return nil, err
	}
	result.Validations++
	result.ConsistencyScore = final.ConsistencyScore
	o.alerts.SetConsistencyScore(final.ConsistencyScore)
	if final.ConsistencyScore < o.config.Migration.AutoSwitchThreshold {
		o.alerts.Emit(mcfg.MigrationID, models.SeverityHigh, fmt.Sprintf(
			"final validation score %.4f under threshold %.4f, %d differences recorded",
			final.ConsistencyScore, o.config.Migration.AutoSwitchThreshold, len(final.Differences)))
	}
	if o.config.Output.ReportDir != "" {
		path := filepath.Join(o.config.Output.ReportDir,
			fmt.Sprintf("validation-%s.json", final.ValidationID))
		if err := o.validator.ExportReport(final.ValidationID, path, consistency.FileSink{}); err != nil {
			o.logger.Error("failed to export validation report", "error", err)
		} else {
			result.Report = path
		}
	}

	if err := o.controller.UpdateMigrationPhase(ctx, mcfg.MigrationID, models.PhaseCompleted); err != nil {
		return nil, err
	}

	result.FinalPhase = models.PhaseCompleted
	result.SwitchPercentage = o.router.Percentage()
	result.Duration = o.clock.Now().Sub(o.startedAt)
	o.logger.Info("migration completed",
		"migration_id", mcfg.MigrationID,
		"score", result.ConsistencyScore,
		"duration", result.Duration)
	return result, nil
}

// registerSwitch persists the cutover config and builds the router.
func (o *Orchestrator) registerSwitch(ctx context.Context) error {
	scfg := &models.SwitchConfig{
		TableName: o.config.Migration.SourceTable,
		Strategy:  models.SwitchStrategy(o.config.Switch.Strategy),
		Conditions: models.SwitchConditions{
			ConsistencyThreshold: o.config.Switch.Conditions.ConsistencyThreshold,
			ErrorRateThreshold:   o.config.Switch.Conditions.ErrorRateThreshold,
			LatencyThreshold:     o.config.Switch.Conditions.LatencyThreshold,
		},
		RollbackEnabled:       o.config.Switch.RollbackEnabled,
		AutoRollbackThreshold: o.config.Switch.AutoRollbackThreshold,
	}
	if err := router.RegisterConfig(ctx, o.store, scfg); err != nil {
		return err
	}
	o.router = router.New(o.store, scfg, o.config.Migration.ID, o.metrics, o.alerts,
		o.logger.With("component", "router"))
	return nil
}

// registerRules installs the default rule set evaluated on every tick.
func (o *Orchestrator) registerRules() {
	window := o.config.Orchestrator.MetricsWindow
	rules := []models.AlertRule{
		{
			RuleID:    "dual-write-error-rate",
			AlertType: "dual_write_degraded",
			Severity:  models.SeverityHigh,
			Condition: models.ConditionErrorRate,
			Threshold: 1 - o.config.Orchestrator.MinDualWriteSuccess,
			Duration:  window,
		},
		{
			RuleID:    "dual-write-failure-burst",
			AlertType: "dual_write_failures",
			Severity:  models.SeverityMedium,
			Condition: models.ConditionFailureCount,
			Threshold: 10,
			Duration:  window,
		},
		{
			RuleID:    "consistency-degraded",
			AlertType: "consistency_degraded",
			Severity:  models.SeverityHigh,
			Condition: models.ConditionConsistencyScore,
			Threshold: o.config.Switch.Conditions.ConsistencyThreshold,
			Duration:  window,
		},
	}
	for _, rule := range rules {
		if err := o.alerts.RegisterRule(rule); err != nil {
			o.logger.Error("failed to register alert rule", "rule_id", rule.RuleID, "error", err)
		}
	}
}

// validateUntilPassing runs validations until the score clears the
// auto-switch threshold or retries are exhausted.
func (o *Orchestrator) validateUntilPassing(ctx context.Context, result *Result) (float64, error) {
	threshold := o.config.Migration.AutoSwitchThreshold
	attempts := o.config.Orchestrator.MaxValidationRetries + 1
	level := models.ValidationLevel(o.config.Validation.Level)

	var score float64
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := o.validator.ValidateTableConsistency(ctx, o.config.Migration.ID,
			o.config.Migration.SourceTable, o.config.Migration.TargetTable,
			level, o.config.Validation.SampleSize)
		if err != nil {
			return 0, err
		}
		result.Validations++
		score = res.ConsistencyScore
		o.alerts.SetConsistencyScore(score)
		if o.onValidation != nil {
			o.onValidation(attempt, score)
		}

		if o.config.Output.ReportDir != "" {
			path := filepath.Join(o.config.Output.ReportDir,
				fmt.Sprintf("validation-%s.json", res.ValidationID))
			if err := o.validator.ExportReport(res.ValidationID, path, consistency.FileSink{}); err != nil {
				o.logger.Error("failed to export validation report", "error", err)
			} else {
				result.Report = path
			}
		}

		if score >= threshold {
			return score, nil
		}
		o.logger.Warn("validation below threshold",
			"attempt", attempt, "score", score, "threshold", threshold,
			"differences", len(res.Differences))
		if attempt < attempts {
			// Give the catch-up queue a chance to repair the gap.
			if err := o.wait(ctx, o.config.Orchestrator.StabilizationWait); err != nil {
				return 0, err
			}
		}
	}
	return score, fmt.Errorf("score %.4f after %d attempts: %w",
		score, attempts, models.ErrValidationBelowThreshold)
}

// runSwitch walks the configured percentage steps, holding at each one and
// re-checking the safety conditions before moving on.
func (o *Orchestrator) runSwitch(ctx context.Context, result *Result, score float64) error {
	if err := o.router.Activate(ctx); err != nil {
		return err
	}

	steps := o.config.Switch.Steps
	if models.SwitchStrategy(o.config.Switch.Strategy) == models.SwitchStrategyImmediate {
		steps = []int{100}
	}

	for i, pct := range steps {
		if err := o.router.UpdatePercentage(ctx, pct); err != nil {
			return err
		}
		result.SwitchPercentage = pct
		if o.onStep != nil {
			o.onStep(i+1, len(steps), pct)
		}
		o.logger.Info("switch step applied", "step", i+1, "of", len(steps), "percentage", pct)

		if err := o.wait(ctx, o.config.Switch.StepWait); err != nil {
			return err
		}

		analytics := o.router.Analytics(o.config.Orchestrator.MetricsWindow)
		if o.config.Switch.MaxStepErrors > 0 && analytics.TotalErrors > o.config.Switch.MaxStepErrors {
			return fmt.Errorf("%d read errors at %d%% exceeds step limit %d: %w",
				analytics.TotalErrors, pct, o.config.Switch.MaxStepErrors,
				models.ErrAutoRollbackTriggered)
		}
		if err := o.router.Evaluate(ctx, score, o.config.Orchestrator.MetricsWindow); err != nil {
			return err
		}
	}
	return nil
}

// wait blocks for d on the injected clock, returning early on context
// cancellation or a critical alert.
func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return o.drainAborts()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case alert := <-o.alerts.Aborts():
		return fmt.Errorf("aborting on critical alert: %s: %w",
			alert.Message, models.ErrAutoRollbackTriggered)
	case <-o.clock.After(d):
		return o.drainAborts()
	}
}

// isCancel reports whether err means the operator aborted the run. An aborted
// phase is treated as failed, so the run rolls back rather than erroring out.
func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (o *Orchestrator) drainAborts() error {
	select {
	case alert := <-o.alerts.Aborts():
		return fmt.Errorf("aborting on critical alert: %s: %w",
			alert.Message, models.ErrAutoRollbackTriggered)
	default:
		return nil
	}
}

// rollback reverts the cutover and marks the migration ROLLED_BACK.
// Dual-write stays enabled so the target keeps tracking the source while
// operators investigate.
func (o *Orchestrator) rollback(ctx context.Context, result *Result, reason string) (*Result, error) {
	// The rollback must still persist when the run context was cancelled.
	ctx = context.WithoutCancel(ctx)
	o.logger.Error("rolling back migration",
		"migration_id", o.config.Migration.ID, "reason", reason)

	if o.router != nil && o.router.Status() == models.SwitchStatusActive {
		if err := o.router.Rollback(ctx, reason); err != nil {
			o.logger.Error("switch rollback failed", "error", err)
		}
	}
	if err := o.controller.Rollback(ctx, o.config.Migration.ID, reason); err != nil {
		o.logger.Error("phase rollback failed", "error", err)
	}
	o.alerts.Emit(o.config.Migration.ID, models.SeverityCritical,
		fmt.Sprintf("migration rolled back: %s", reason))

	result.FinalPhase = models.PhaseRolledBack
	result.RolledBack = true
	result.RollbackReason = reason
	result.Duration = o.clock.Now().Sub(o.startedAt)
	return result, nil
}
