package models

import (
	"time"
)

// Severity ranks the urgency of an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert conditions understood by the alerting engine. Each one is a metric
// computed over the trailing rule duration from the ledger or the latest
// validation.
const (
	ConditionFailureCount     = "failure_count"
	ConditionErrorRate        = "error_rate"
	ConditionSuccessRate      = "success_rate"
	ConditionConsistencyScore = "consistency_score"
)

// AlertRule is a stateless alert definition, evaluated repeatedly against
// recent ledger entries. Rules are never mutated after registration except to
// mark them resolved.
type AlertRule struct {
	RuleID       string        `json:"rule_id" yaml:"rule_id"`
	AlertType    string        `json:"alert_type" yaml:"alert_type"`
	Severity     Severity      `json:"severity" yaml:"severity"`
	Condition    string        `json:"condition" yaml:"condition"`
	Threshold    float64       `json:"threshold" yaml:"threshold"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
	AutoRecovery bool          `json:"auto_recovery" yaml:"auto_recovery"`
	Resolved     bool          `json:"resolved" yaml:"-"`
}

// Alert is one raised occurrence of a rule breach, or a direct emission from
// a component (dual-write exhaustion, auto-rollback).
type Alert struct {
	AlertID     string    `json:"alert_id"`
	RuleID      string    `json:"rule_id"`
	MigrationID string    `json:"migration_id"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	RaisedAt    time.Time `json:"raised_at"`
}
