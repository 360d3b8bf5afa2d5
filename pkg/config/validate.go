package config

import (
	"fmt"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msg := "configuration validation failed:\n"
	for _, err := range e {
		msg += fmt.Sprintf("  - %s\n", err.Error())
	}
	return msg
}

// Validate validates the configuration and returns any errors
func (c *Config) Validate() error {
	var errs ValidationErrors

	// Validate database configuration
	if c.Database.Driver != "sqlite" {
		errs = append(errs, ValidationError{Field: "database.driver", Message: "must be: sqlite"})
	}
	if c.Database.DSN == "" {
		errs = append(errs, ValidationError{Field: "database.dsn", Message: "DSN is required"})
	}

	// Validate migration identity
	if c.Migration.ID == "" {
		errs = append(errs, ValidationError{Field: "migration.id", Message: "migration id is required"})
	}
	if c.Migration.SourceTable == "" {
		errs = append(errs, ValidationError{Field: "migration.source_table", Message: "source table is required"})
	}
	if c.Migration.TargetTable == "" {
		errs = append(errs, ValidationError{Field: "migration.target_table", Message: "target table is required"})
	}
	if c.Migration.SourceTable != "" && c.Migration.SourceTable == c.Migration.TargetTable {
		errs = append(errs, ValidationError{
			Field:   "migration.target_table",
			Message: "source and target tables must differ",
		})
	}
	if c.Migration.KeyColumn == "" {
		errs = append(errs, ValidationError{Field: "migration.key_column", Message: "key column is required"})
	}

	validLevels := map[string]bool{"STRICT": true, "EVENTUAL": true}
	if !validLevels[c.Migration.ConsistencyLevel] {
		errs = append(errs, ValidationError{
			Field:   "migration.consistency_level",
			Message: "must be one of: STRICT, EVENTUAL",
		})
	}

	if c.Migration.AutoSwitchThreshold < 0 || c.Migration.AutoSwitchThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "migration.auto_switch_threshold",
			Message: "must be in [0, 1]",
		})
	}

	// Validate dual-write configuration
	if c.DualWrite.MaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "dual_write.max_attempts", Message: "must be at least 1"})
	}
	if c.DualWrite.QueueSize < 1 {
		errs = append(errs, ValidationError{Field: "dual_write.queue_size", Message: "must be at least 1"})
	}

	validStrategies := map[string]bool{"EXPONENTIAL": true, "LINEAR": true, "FIXED": true, "RANDOM": true}
	if !validStrategies[c.DualWrite.Backoff.Strategy] {
		errs = append(errs, ValidationError{
			Field:   "dual_write.backoff.strategy",
			Message: "must be one of: EXPONENTIAL, LINEAR, FIXED, RANDOM",
		})
	}
	if c.DualWrite.Backoff.Base <= 0 {
		errs = append(errs, ValidationError{Field: "dual_write.backoff.base", Message: "must be positive"})
	}
	if c.DualWrite.Backoff.MaxDelay < c.DualWrite.Backoff.Base {
		errs = append(errs, ValidationError{
			Field:   "dual_write.backoff.max_delay",
			Message: "must not be smaller than base",
		})
	}

	// Validate validation configuration
	validValidationLevels := map[string]bool{"BASIC": true, "DETAILED": true, "COMPREHENSIVE": true}
	if !validValidationLevels[c.Validation.Level] {
		errs = append(errs, ValidationError{
			Field:   "validation.level",
			Message: "must be one of: BASIC, DETAILED, COMPREHENSIVE",
		})
	}
	if c.Validation.SampleSize < 1 {
		errs = append(errs, ValidationError{Field: "validation.sample_size", Message: "must be at least 1"})
	}
	if c.Validation.ChunkSize < 1 {
		errs = append(errs, ValidationError{Field: "validation.chunk_size", Message: "must be at least 1"})
	}
	if c.Validation.Timeout <= 0 {
		errs = append(errs, ValidationError{Field: "validation.timeout", Message: "must be positive"})
	}
	if c.Validation.Workers < 1 {
		errs = append(errs, ValidationError{Field: "validation.workers", Message: "must be at least 1"})
	}

	// Validate switch configuration
	validSwitchStrategies := map[string]bool{"GRADUAL": true, "IMMEDIATE": true, "CANARY": true}
	if !validSwitchStrategies[c.Switch.Strategy] {
		errs = append(errs, ValidationError{
			Field:   "switch.strategy",
			Message: "must be one of: GRADUAL, IMMEDIATE, CANARY",
		})
	}
	if len(c.Switch.Steps) == 0 {
		errs = append(errs, ValidationError{Field: "switch.steps", Message: "at least one percentage step is required"})
	}
	last := 0
	for i, step := range c.Switch.Steps {
		if step < 0 || step > 100 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("switch.steps[%d]", i),
				Message: "must be in [0, 100]",
			})
		}
		if step <= last && i > 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("switch.steps[%d]", i),
				Message: "steps must be strictly increasing",
			})
		}
		last = step
	}
	if c.Switch.Conditions.ConsistencyThreshold < 0 || c.Switch.Conditions.ConsistencyThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "switch.conditions.consistency_threshold",
			Message: "must be in [0, 1]",
		})
	}
	if c.Switch.Conditions.ErrorRateThreshold < 0 || c.Switch.Conditions.ErrorRateThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "switch.conditions.error_rate_threshold",
			Message: "must be in [0, 1]",
		})
	}

	// Validate alerting configuration
	if c.Alerting.Tick <= 0 {
		errs = append(errs, ValidationError{Field: "alerting.tick", Message: "must be positive"})
	}
	if c.Alerting.SuppressionWindow <= 0 {
		errs = append(errs, ValidationError{Field: "alerting.suppression_window", Message: "must be positive"})
	}

	// Validate orchestrator configuration
	if c.Orchestrator.MinDualWriteSuccess < 0 || c.Orchestrator.MinDualWriteSuccess > 1 {
		errs = append(errs, ValidationError{
			Field:   "orchestrator.min_dual_write_success",
			Message: "must be in [0, 1]",
		})
	}
	if c.Orchestrator.MaxValidationRetries < 0 {
		errs = append(errs, ValidationError{Field: "orchestrator.max_validation_retries", Message: "cannot be negative"})
	}

	// Validate output configuration
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Output.LogLevel] {
		errs = append(errs, ValidationError{
			Field:   "output.log_level",
			Message: "must be one of: debug, info, warn, error",
		})
	}

	if len(errs) > 0 {
		return errs
	}

	return nil
}
