// Package store is the transactional data-access layer. It owns the three
// engine state tables (migration configs, switch configs, append-only ledger)
// and provides generic row access against the application tables being
// migrated. State transitions use atomic SQL updates guarded by a WHERE
// clause on the expected current value, so concurrent callers surface as
// ErrConcurrentModification instead of silently overwriting each other.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tableshift/tableshift/internal/models"
	"github.com/tableshift/tableshift/pkg/config"
)

// Store wraps a gorm connection.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured database and migrates the state tables.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	if cfg.Driver != "sqlite" {
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := New(db, logger)
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm connection.
func New(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// AutoMigrate creates the engine state tables.
func (s *Store) AutoMigrate() error {
	err := s.db.AutoMigrate(
		&models.MigrationConfig{},
		&models.SwitchConfig{},
		&models.MigrationLogEntry{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate state tables: %w", err)
	}
	return nil
}

// DB exposes the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Execute runs a statement against an arbitrary table.
func (s *Store) Execute(ctx context.Context, sql string, args ...any) error {
	return s.db.WithContext(ctx).Exec(sql, args...).Error
}

// Fetch runs a query and scans the result into dest.
func (s *Store) Fetch(ctx context.Context, dest any, sql string, args ...any) error {
	return s.db.WithContext(ctx).Raw(sql, args...).Scan(dest).Error
}

// Transaction runs fn inside a database transaction. The *Store passed to fn
// is scoped to that transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(New(tx, s.logger))
	})
}
