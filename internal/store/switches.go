package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/tableshift/tableshift/internal/models"
)

// CreateSwitch persists a new switch config, failing with ErrConfigConflict
// if the config id or table name is already registered.
func (s *Store) CreateSwitch(ctx context.Context, cfg *models.SwitchConfig) error {
	return s.Transaction(ctx, func(tx *Store) error {
		var count int64
		if err := tx.db.Model(&models.SwitchConfig{}).
			Where("config_id = ? OR table_name = ?", cfg.ConfigID, cfg.TableName).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check switch existence: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("switch %s: %w", cfg.ConfigID, models.ErrConfigConflict)
		}
		if err := tx.db.Create(cfg).Error; err != nil {
			return fmt.Errorf("failed to create switch config: %w", err)
		}
		return nil
	})
}

// GetSwitch loads a switch config by id.
func (s *Store) GetSwitch(ctx context.Context, id string) (*models.SwitchConfig, error) {
	var cfg models.SwitchConfig
	err := s.db.WithContext(ctx).Where("config_id = ?", id).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("switch %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get switch config: %w", err)
	}
	return &cfg, nil
}

// GetSwitchForTable loads the switch config owning a table.
func (s *Store) GetSwitchForTable(ctx context.Context, table string) (*models.SwitchConfig, error) {
	var cfg models.SwitchConfig
	err := s.db.WithContext(ctx).Where("table_name = ?", table).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("switch for table %s: %w", table, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get switch config: %w", err)
	}
	return &cfg, nil
}

// CASSwitchPercentage atomically moves the percentage from an expected value
// to a new one, so concurrent updates never interleave into a torn value.
func (s *Store) CASSwitchPercentage(ctx context.Context, id string, from, to int) error {
	result := s.db.WithContext(ctx).Model(&models.SwitchConfig{}).
		Where("config_id = ? AND switch_percentage = ?", id, from).
		Update("switch_percentage", to)

	if result.Error != nil {
		return fmt.Errorf("failed to update switch percentage: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("switch %s: percentage changed underneath %d -> %d: %w",
			id, from, to, models.ErrConcurrentModification)
	}
	return nil
}

// SetSwitchStatus sets the status and percentage in a single update. Used by
// activate, deactivate, and rollback.
func (s *Store) SetSwitchStatus(ctx context.Context, id string, status models.SwitchStatus, percentage int) error {
	result := s.db.WithContext(ctx).Model(&models.SwitchConfig{}).
		Where("config_id = ?", id).
		Updates(map[string]any{
			"status":            status,
			"switch_percentage": percentage,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set switch status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("switch %s: %w", id, models.ErrNotFound)
	}
	return nil
}
