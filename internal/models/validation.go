package models

import (
	"time"
)

// ValidationLevel selects how thoroughly two tables are compared.
type ValidationLevel string

const (
	ValidationBasic         ValidationLevel = "BASIC"
	ValidationDetailed      ValidationLevel = "DETAILED"
	ValidationComprehensive ValidationLevel = "COMPREHENSIVE"
)

// DifferenceType classifies a single row-level inconsistency.
type DifferenceType string

const (
	DiffMissingInTarget DifferenceType = "MISSING_IN_TARGET"
	DiffMissingInSource DifferenceType = "MISSING_IN_SOURCE"
	DiffValueMismatch   DifferenceType = "VALUE_MISMATCH"
)

// Difference records one inconsistency found between source and target.
type Difference struct {
	Type        DifferenceType `json:"type"`
	Key         string         `json:"key"`
	Description string         `json:"description"`
}

// ValidationResult is the immutable outcome of one consistency validation.
// Vacuous is set when zero rows were examined so operators don't mistake
// "nothing sampled" for "fully consistent".
type ValidationResult struct {
	ValidationID     string          `json:"validation_id"`
	MigrationID      string          `json:"migration_id"`
	SourceTable      string          `json:"source_table"`
	TargetTable      string          `json:"target_table"`
	Level            ValidationLevel `json:"level"`
	ConsistencyScore float64         `json:"consistency_score"`
	Differences      []Difference    `json:"differences"`
	SampleSize       int             `json:"sample_size"`
	RowsExamined     int             `json:"rows_examined"`
	Vacuous          bool            `json:"vacuous"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      time.Time       `json:"completed_at"`
}
