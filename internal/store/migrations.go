package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/tableshift/tableshift/internal/models"
)

// CreateMigration persists a new migration config. Registration fails with
// ErrConfigConflict if the migration id is already taken.
func (s *Store) CreateMigration(ctx context.Context, cfg *models.MigrationConfig) error {
	return s.Transaction(ctx, func(tx *Store) error {
		var count int64
		if err := tx.db.Model(&models.MigrationConfig{}).
			Where("migration_id = ?", cfg.MigrationID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check migration existence: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("migration %s: %w", cfg.MigrationID, models.ErrConfigConflict)
		}
		if err := tx.db.Create(cfg).Error; err != nil {
			return fmt.Errorf("failed to create migration config: %w", err)
		}
		return nil
	})
}

// GetMigration loads a migration config by id.
func (s *Store) GetMigration(ctx context.Context, id string) (*models.MigrationConfig, error) {
	var cfg models.MigrationConfig
	err := s.db.WithContext(ctx).Where("migration_id = ?", id).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("migration %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get migration config: %w", err)
	}
	return &cfg, nil
}

// CASPhase atomically moves a migration from one phase to another. A
// RowsAffected of zero means another caller changed the phase first.
func (s *Store) CASPhase(ctx context.Context, id string, from, to models.Phase) error {
	result := s.db.WithContext(ctx).Model(&models.MigrationConfig{}).
		Where("migration_id = ? AND phase = ?", id, from).
		Update("phase", to)

	if result.Error != nil {
		return fmt.Errorf("failed to update phase: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("migration %s: phase changed underneath %s -> %s: %w",
			id, from, to, models.ErrConcurrentModification)
	}
	return nil
}

// SetDualWrite flips the dual-write flag.
func (s *Store) SetDualWrite(ctx context.Context, id string, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&models.MigrationConfig{}).
		Where("migration_id = ?", id).
		Update("dual_write_enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("failed to set dual_write_enabled: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("migration %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// SetReadFromTarget flips the read-from-target flag.
func (s *Store) SetReadFromTarget(ctx context.Context, id string, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&models.MigrationConfig{}).
		Where("migration_id = ?", id).
		Update("read_from_target", enabled)
	if result.Error != nil {
		return fmt.Errorf("failed to set read_from_target: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("migration %s: %w", id, models.ErrNotFound)
	}
	return nil
}
