package models

import (
	"time"
)

// ReadSource identifies which side of the migration serves a read.
type ReadSource string

const (
	ReadSourceSource ReadSource = "SOURCE"
	ReadSourceTarget ReadSource = "TARGET"
)

// SwitchStrategy controls how read traffic moves to the target.
type SwitchStrategy string

const (
	SwitchStrategyGradual   SwitchStrategy = "GRADUAL"
	SwitchStrategyImmediate SwitchStrategy = "IMMEDIATE"
	SwitchStrategyCanary    SwitchStrategy = "CANARY"
)

// SwitchStatus is the lifecycle status of a switch configuration.
type SwitchStatus string

const (
	SwitchStatusInactive   SwitchStatus = "INACTIVE"
	SwitchStatusActive     SwitchStatus = "ACTIVE"
	SwitchStatusRolledBack SwitchStatus = "ROLLED_BACK"
)

// SwitchConditions are the safety thresholds gating percentage increases.
type SwitchConditions struct {
	ConsistencyThreshold float64       `gorm:"column:cond_consistency_threshold" json:"consistency_threshold" yaml:"consistency_threshold"`
	ErrorRateThreshold   float64       `gorm:"column:cond_error_rate_threshold" json:"error_rate_threshold" yaml:"error_rate_threshold"`
	LatencyThreshold     time.Duration `gorm:"column:cond_latency_threshold" json:"latency_threshold" yaml:"latency_threshold"`
}

// DefaultSwitchConditions returns the conservative defaults applied when a
// switch is registered without explicit thresholds.
func DefaultSwitchConditions() SwitchConditions {
	return SwitchConditions{
		ConsistencyThreshold: 0.99,
		ErrorRateThreshold:   0.05,
		LatencyThreshold:     500 * time.Millisecond,
	}
}

// SwitchConfig is the per-table read cutover configuration. Exactly one
// SwitchConfig is owned by a MigrationConfig, referenced by table name.
// While ACTIVE the percentage only moves forward; rollback resets it to 0 and
// flips the status to ROLLED_BACK.
type SwitchConfig struct {
	ConfigID              string           `gorm:"primaryKey;size:128" json:"config_id" yaml:"config_id"`
	TableName             string           `gorm:"uniqueIndex;not null;column:table_name" json:"table_name" yaml:"table_name"`
	CurrentSource         ReadSource       `gorm:"type:varchar(10);not null;default:'SOURCE'" json:"current_source" yaml:"current_source"`
	TargetSource          ReadSource       `gorm:"type:varchar(10);not null;default:'TARGET'" json:"target_source" yaml:"target_source"`
	Strategy              SwitchStrategy   `gorm:"type:varchar(12);not null;default:'GRADUAL'" json:"strategy" yaml:"strategy"`
	SwitchPercentage      int              `json:"switch_percentage" yaml:"switch_percentage"`
	Conditions            SwitchConditions `gorm:"embedded" json:"conditions" yaml:"conditions"`
	RollbackEnabled       bool             `json:"rollback_enabled" yaml:"rollback_enabled"`
	AutoRollbackThreshold float64          `json:"auto_rollback_threshold" yaml:"auto_rollback_threshold"`
	Status                SwitchStatus     `gorm:"type:varchar(12);not null;default:'INACTIVE'" json:"status" yaml:"status"`
	CreatedAt             time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt             time.Time        `gorm:"autoUpdateTime" json:"updated_at" yaml:"-"`
}

// SwitchAnalytics summarizes routing decisions and errors over a window.
type SwitchAnalytics struct {
	Window         time.Duration    `json:"window"`
	SourceRequests int64            `json:"source_requests"`
	TargetRequests int64            `json:"target_requests"`
	ErrorCounts    map[string]int64 `json:"error_counts"`
	TotalErrors    int64            `json:"total_errors"`
	ErrorRate      float64          `json:"error_rate"`
}
