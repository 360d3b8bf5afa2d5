package models

import (
	"time"
)

// Phase is a stage of the migration state machine. Phases advance strictly
// forward through the enumerated order; ROLLED_BACK is reachable from any
// non-terminal phase.
type Phase string

const (
	PhasePreparation Phase = "PREPARATION"
	PhaseDualWrite   Phase = "DUAL_WRITE"
	PhaseValidation  Phase = "VALIDATION"
	PhaseReadSwitch  Phase = "READ_SWITCH"
	PhaseCleanup     Phase = "CLEANUP"
	PhaseCompleted   Phase = "COMPLETED"
	PhaseRolledBack  Phase = "ROLLED_BACK"
)

// phaseOrder is the forward traversal order of the state machine.
var phaseOrder = []Phase{
	PhasePreparation,
	PhaseDualWrite,
	PhaseValidation,
	PhaseReadSwitch,
	PhaseCleanup,
	PhaseCompleted,
}

// Next returns the immediate successor phase, or false if the phase is
// terminal or unknown.
func (p Phase) Next() (Phase, bool) {
	for i, phase := range phaseOrder {
		if phase == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// Terminal returns true for the two soft-terminal phases.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRolledBack
}

// Valid returns true if p is one of the enumerated phases.
func (p Phase) Valid() bool {
	if p == PhaseRolledBack {
		return true
	}
	for _, phase := range phaseOrder {
		if phase == p {
			return true
		}
	}
	return false
}

// ConsistencyLevel controls how an exhausted target write is handled.
type ConsistencyLevel string

const (
	ConsistencyStrict   ConsistencyLevel = "STRICT"
	ConsistencyEventual ConsistencyLevel = "EVENTUAL"
)

// MigrationConfig is the per-migration configuration row. It is created once
// via registration and mutated only through explicit phase and flag
// transitions; it is never deleted, only marked COMPLETED or ROLLED_BACK.
type MigrationConfig struct {
	MigrationID         string           `gorm:"primaryKey;size:128" json:"migration_id" yaml:"migration_id"`
	SourceTable         string           `gorm:"not null" json:"source_table" yaml:"source_table"`
	TargetTable         string           `gorm:"not null" json:"target_table" yaml:"target_table"`
	Phase               Phase            `gorm:"type:varchar(20);not null;default:'PREPARATION'" json:"phase" yaml:"phase"`
	ConsistencyLevel    ConsistencyLevel `gorm:"type:varchar(10);not null;default:'EVENTUAL'" json:"consistency_level" yaml:"consistency_level"`
	DualWriteEnabled    bool             `json:"dual_write_enabled" yaml:"dual_write_enabled"`
	ReadFromTarget      bool             `json:"read_from_target" yaml:"read_from_target"`
	ValidationEnabled   bool             `json:"validation_enabled" yaml:"validation_enabled"`
	AutoSwitchThreshold float64          `json:"auto_switch_threshold" yaml:"auto_switch_threshold"`
	RollbackEnabled     bool             `json:"rollback_enabled" yaml:"rollback_enabled"`
	CreatedAt           time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt           time.Time        `gorm:"autoUpdateTime" json:"updated_at" yaml:"-"`
}

// TableName returns the table name for GORM.
func (MigrationConfig) TableName() string {
	return "migration_configs"
}

// LogStatus is the lifecycle status of a ledger entry.
type LogStatus string

const (
	LogStatusPending    LogStatus = "pending"
	LogStatusRunning    LogStatus = "running"
	LogStatusSuccess    LogStatus = "success"
	LogStatusFailed     LogStatus = "failed"
	LogStatusRolledBack LogStatus = "rolled_back"
)

// MigrationLogEntry is one row of the append-only audit ledger. Every phase
// transition and every dual-write attempt produces exactly one entry. Entries
// are never updated in place except to close out a running entry.
type MigrationLogEntry struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	MigrationID     string    `gorm:"index;not null" json:"migration_id"`
	Operation       string    `gorm:"index;not null" json:"operation"`
	Status          LogStatus `gorm:"type:varchar(16);not null" json:"status"`
	ErrorMessage    string    `gorm:"type:text" json:"error_message,omitempty"`
	ExecutionTimeMS int64     `json:"execution_time_ms"`
	Timestamp       time.Time `gorm:"index;not null" json:"timestamp"`
}

// TableName returns the table name for GORM.
func (MigrationLogEntry) TableName() string {
	return "migration_logs"
}

// DualWriteMetrics aggregates ledger entries for a time window.
type DualWriteMetrics struct {
	TotalOperations int64   `json:"total_operations"`
	SuccessRate     float64 `json:"success_rate"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
}
