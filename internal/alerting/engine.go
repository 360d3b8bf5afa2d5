// Package alerting evaluates alert rules against the migration ledger and
// fans raised alerts out to notifiers. It observes the engine, it does not
// drive it; its only feedback channel is the abort request.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/tableshift/tableshift/internal/models"
	"github.com/tableshift/tableshift/internal/store"
	"github.com/tableshift/tableshift/internal/telemetry"
	"github.com/tableshift/tableshift/pkg/config"
)

// RecoveryFunc is a bounded automatic action for auto_recovery rules.
type RecoveryFunc func(ctx context.Context, alert models.Alert) error

// Engine evaluates registered rules on a periodic tick.
type Engine struct {
	store       *store.Store
	migrationID string
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	tick        time.Duration

	// suppression coalesces equivalent alerts (same rule and migration)
	// raised within the deduplication window.
	suppression *gocache.Cache
	window      time.Duration

	mu        sync.Mutex
	rules     map[string]models.AlertRule
	notifiers []Notifier
	recovery  map[string]RecoveryFunc

	// latest validation score, pushed by whoever last validated.
	scoreMu    sync.RWMutex
	score      float64
	scoreKnown bool

	aborts chan models.Alert
}

// NewEngine creates an alerting engine for one migration.
func NewEngine(st *store.Store, migrationID string, cfg config.AlertingConfig,
	metrics *telemetry.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = 15 * time.Second
	}
	window := cfg.SuppressionWindow
	if window <= 0 {
		window = 5 * time.Minute
	}

	return &Engine{
		store:       st,
		migrationID: migrationID,
		metrics:     metrics,
		logger:      logger,
		tick:        tick,
		suppression: gocache.New(window, window),
		window:      window,
		rules:       make(map[string]models.AlertRule),
		recovery:    make(map[string]RecoveryFunc),
		aborts:      make(chan models.Alert, 8),
	}
}

// RegisterRule adds a rule. Rules are never mutated after registration
// except to mark them resolved.
func (e *Engine) RegisterRule(rule models.AlertRule) error {
	if rule.RuleID == "" {
		return fmt.Errorf("alert rule requires an id: %w", models.ErrPreconditionFailed)
	}
	if rule.Duration <= 0 {
		return fmt.Errorf("alert rule %s requires a positive duration: %w", rule.RuleID, models.ErrPreconditionFailed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.RuleID]; exists {
		return fmt.Errorf("alert rule %s: %w", rule.RuleID, models.ErrConfigConflict)
	}
	e.rules[rule.RuleID] = rule
	return nil
}

// ResolveRule marks a rule resolved; resolved rules are skipped.
func (e *Engine) ResolveRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rule, ok := e.rules[ruleID]; ok {
		rule.Resolved = true
		e.rules[ruleID] = rule
	}
}

// RegisterNotifier adds a delivery channel.
func (e *Engine) RegisterNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, n)
}

// RegisterRecovery attaches an automatic action to an auto_recovery rule.
func (e *Engine) RegisterRecovery(ruleID string, fn RecoveryFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recovery[ruleID] = fn
}

// SetConsistencyScore records the most recent validation score for rules
// conditioned on it.
func (e *Engine) SetConsistencyScore(score float64) {
	e.scoreMu.Lock()
	e.score = score
	e.scoreKnown = true
	e.scoreMu.Unlock()
	if e.metrics != nil {
		e.metrics.ConsistencyScore.Set(score)
	}
}

// Aborts delivers alerts severe enough that the orchestrator should abort
// the migration.
func (e *Engine) Aborts() <-chan models.Alert {
	return e.aborts
}

// Run evaluates all rules on each tick until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.EvaluateAll(ctx)
		}
	}
}

// EvaluateAll evaluates every registered rule once.
func (e *Engine) EvaluateAll(ctx context.Context) {
	e.mu.Lock()
	rules := make([]models.AlertRule, 0, len(e.rules))
	for _, rule := range e.rules {
		if !rule.Resolved {
			rules = append(rules, rule)
		}
	}
	e.mu.Unlock()

	for _, rule := range rules {
		value, breached, err := e.evaluate(ctx, rule)
		if err != nil {
			e.logger.Error("rule evaluation failed", "rule_id", rule.RuleID, "error", err)
			continue
		}
		if !breached {
			continue
		}

		alert := models.Alert{
			AlertID:     uuid.NewString(),
			RuleID:      rule.RuleID,
			MigrationID: e.migrationID,
			Severity:    rule.Severity,
			Message:     fmt.Sprintf("%s: %s crossed threshold", rule.AlertType, rule.Condition),
			Value:       value,
			Threshold:   rule.Threshold,
			RaisedAt:    time.Now(),
		}
		delivered := e.raise(alert)

		if delivered && rule.AutoRecovery {
			e.mu.Lock()
			fn := e.recovery[rule.RuleID]
			e.mu.Unlock()
			if fn != nil {
				if err := fn(ctx, alert); err != nil {
					e.logger.Error("auto-recovery action failed", "rule_id", rule.RuleID, "error", err)
				}
			}
		}
	}
}

// evaluate computes the rule's condition metric over its trailing duration.
func (e *Engine) evaluate(ctx context.Context, rule models.AlertRule) (value float64, breached bool, err error) {
	since := time.Now().Add(-rule.Duration)

	switch rule.Condition {
	case models.ConditionFailureCount:
		entries, err := e.store.LogsSince(ctx, e.migrationID, "", since)
		if err != nil {
			return 0, false, err
		}
		var failures float64
		for _, entry := range entries {
			if entry.Status == models.LogStatusFailed {
				failures++
			}
		}
		return failures, failures > rule.Threshold, nil

	case models.ConditionErrorRate, models.ConditionSuccessRate:
		metrics, err := e.store.DualWriteMetrics(ctx, e.migrationID, since)
		if err != nil {
			return 0, false, err
		}
		if rule.Condition == models.ConditionSuccessRate {
			return metrics.SuccessRate, metrics.TotalOperations > 0 && metrics.SuccessRate < rule.Threshold, nil
		}
		errorRate := 1 - metrics.SuccessRate
		return errorRate, metrics.TotalOperations > 0 && errorRate > rule.Threshold, nil

	case models.ConditionConsistencyScore:
		e.scoreMu.RLock()
		score, known := e.score, e.scoreKnown
		e.scoreMu.RUnlock()
		return score, known && score < rule.Threshold, nil

	default:
		return 0, false, fmt.Errorf("unknown rule condition %q", rule.Condition)
	}
}

// Emit raises a direct alert from a component, bypassing rule evaluation but
// not deduplication. CRITICAL emissions also request an abort.
func (e *Engine) Emit(migrationID string, severity models.Severity, message string) {
	alert := models.Alert{
		AlertID:     uuid.NewString(),
		RuleID:      fmt.Sprintf("direct:%s", severity),
		MigrationID: migrationID,
		Severity:    severity,
		Message:     message,
		RaisedAt:    time.Now(),
	}
	e.raise(alert)
}

// raise delivers an alert unless an equivalent one was raised within the
// suppression window. Returns true if the alert was delivered.
func (e *Engine) raise(alert models.Alert) bool {
	key := alert.RuleID + "|" + alert.MigrationID
	if _, suppressed := e.suppression.Get(key); suppressed {
		e.logger.Debug("alert suppressed", "rule_id", alert.RuleID, "migration_id", alert.MigrationID)
		return false
	}
	e.suppression.Set(key, alert.AlertID, e.window)

	if e.metrics != nil {
		e.metrics.AlertsRaised.WithLabelValues(string(alert.Severity)).Inc()
	}

	e.mu.Lock()
	notifiers := make([]Notifier, len(e.notifiers))
	copy(notifiers, e.notifiers)
	e.mu.Unlock()

	for _, n := range notifiers {
		if err := n.Send(alert); err != nil {
			// A notifier failure never blocks evaluation of other rules.
			e.logger.Error("notifier failed",
				"notifier", n.Name(), "alert_id", alert.AlertID, "error", err)
		}
	}

	if alert.Severity == models.SeverityCritical {
		select {
		case e.aborts <- alert:
		default:
			// An abort is already pending; one is enough.
		}
	}
	return true
}
