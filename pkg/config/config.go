package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the migration engine
type Config struct {
	// Database holds the data-access layer configuration
	Database DatabaseConfig `yaml:"database"`

	// Migration identifies the table pair being migrated
	Migration MigrationConfig `yaml:"migration"`

	// DualWrite controls mirrored target writes and their retry policy
	DualWrite DualWriteConfig `yaml:"dual_write"`

	// Validation controls consistency scans
	Validation ValidationConfig `yaml:"validation"`

	// Switch controls the gradual read cutover
	Switch SwitchConfig `yaml:"switch"`

	// Alerting controls rule evaluation and notification
	Alerting AlertingConfig `yaml:"alerting"`

	// Orchestrator controls phase pacing and gates
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Output configuration
	Output OutputConfig `yaml:"output"`
}

// DatabaseConfig holds the connection settings for the state store
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite
	DSN    string `yaml:"dsn"`
}

// MigrationConfig identifies and parameterizes one migration
type MigrationConfig struct {
	ID                  string  `yaml:"id"`
	SourceTable         string  `yaml:"source_table"`
	TargetTable         string  `yaml:"target_table"`
	KeyColumn           string  `yaml:"key_column"`
	ConsistencyLevel    string  `yaml:"consistency_level"` // STRICT, EVENTUAL
	AutoSwitchThreshold float64 `yaml:"auto_switch_threshold"`
	RollbackEnabled     bool    `yaml:"rollback_enabled"`
	ValidationEnabled   bool    `yaml:"validation_enabled"`
}

// BackoffConfig holds the retry delay policy for target writes
type BackoffConfig struct {
	Strategy   string        `yaml:"strategy"` // EXPONENTIAL, LINEAR, FIXED, RANDOM
	Base       time.Duration `yaml:"base"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// DualWriteConfig holds dual-write coordinator configuration
type DualWriteConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	QueueSize    int           `yaml:"queue_size"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	Backoff      BackoffConfig `yaml:"backoff"`
}

// ValidationConfig holds consistency validator configuration
type ValidationConfig struct {
	Level         string        `yaml:"level"` // BASIC, DETAILED, COMPREHENSIVE
	SampleSize    int           `yaml:"sample_size"`
	Timeout       time.Duration `yaml:"timeout"`
	ChunkSize     int           `yaml:"chunk_size"`
	ScanRateLimit int           `yaml:"scan_rate_limit"` // rows per second, 0 = unlimited
	Workers       int           `yaml:"workers"`
}

// SwitchConditionsConfig holds the safety thresholds for the cutover
type SwitchConditionsConfig struct {
	ConsistencyThreshold float64       `yaml:"consistency_threshold"`
	ErrorRateThreshold   float64       `yaml:"error_rate_threshold"`
	LatencyThreshold     time.Duration `yaml:"latency_threshold"`
}

// SwitchConfig holds read-switch router configuration
type SwitchConfig struct {
	Strategy              string                 `yaml:"strategy"` // GRADUAL, IMMEDIATE, CANARY
	Steps                 []int                  `yaml:"steps"`
	StepWait              time.Duration          `yaml:"step_wait"`
	Conditions            SwitchConditionsConfig `yaml:"conditions"`
	RollbackEnabled       bool                   `yaml:"rollback_enabled"`
	AutoRollbackThreshold float64                `yaml:"auto_rollback_threshold"`
	MaxStepErrors         int64                  `yaml:"max_step_errors"`
}

// AlertingConfig holds alerting engine configuration
type AlertingConfig struct {
	Tick              time.Duration `yaml:"tick"`
	SuppressionWindow time.Duration `yaml:"suppression_window"`
	NotifierURLs      []string      `yaml:"notifier_urls"` // shoutrrr URLs (webhook, email, ...)
}

// OrchestratorConfig holds phase pacing configuration
type OrchestratorConfig struct {
	StabilizationWait    time.Duration `yaml:"stabilization_wait"`
	MetricsWindow        time.Duration `yaml:"metrics_window"`
	MinDualWriteSuccess  float64       `yaml:"min_dual_write_success"`
	MaxValidationRetries int           `yaml:"max_validation_retries"`
}

// OutputConfig holds output configuration
type OutputConfig struct {
	ReportDir string `yaml:"report_dir"`
	Progress  bool   `yaml:"progress"`
	LogFile   string `yaml:"log_file"`
	LogLevel  string `yaml:"log_level"` // debug, info, warn, error
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "tableshift.db",
		},
		Migration: MigrationConfig{
			KeyColumn:           "id",
			ConsistencyLevel:    "EVENTUAL",
			AutoSwitchThreshold: 0.99,
			RollbackEnabled:     true,
			ValidationEnabled:   true,
		},
		DualWrite: DualWriteConfig{
			MaxAttempts:  3,
			QueueSize:    1024,
			FlushTimeout: 30 * time.Second,
			Backoff: BackoffConfig{
				Strategy:   "EXPONENTIAL",
				Base:       100 * time.Millisecond,
				Multiplier: 2,
				MaxDelay:   5 * time.Second,
			},
		},
		Validation: ValidationConfig{
			Level:         "DETAILED",
			SampleSize:    1000,
			Timeout:       5 * time.Minute,
			ChunkSize:     500,
			ScanRateLimit: 1000,
			Workers:       4,
		},
		Switch: SwitchConfig{
			Strategy: "GRADUAL",
			Steps:    []int{10, 25, 50, 75, 100},
			StepWait: 30 * time.Second,
			Conditions: SwitchConditionsConfig{
				ConsistencyThreshold: 0.99,
				ErrorRateThreshold:   0.05,
				LatencyThreshold:     500 * time.Millisecond,
			},
			RollbackEnabled:       true,
			AutoRollbackThreshold: 0.10,
			MaxStepErrors:         10,
		},
		Alerting: AlertingConfig{
			Tick:              15 * time.Second,
			SuppressionWindow: 5 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			StabilizationWait:    60 * time.Second,
			MetricsWindow:        10 * time.Minute,
			MinDualWriteSuccess:  0.95,
			MaxValidationRetries: 3,
		},
		Output: OutputConfig{
			ReportDir: "reports",
			Progress:  true,
			LogLevel:  "info",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := NewDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
