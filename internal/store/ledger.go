package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tableshift/tableshift/internal/models"
)

// OperationDualWrite is the ledger operation name for mirrored writes.
// Metrics aggregation filters on it.
const OperationDualWrite = "dual_write"

// AppendLog appends one entry to the audit ledger.
func (s *Store) AppendLog(ctx context.Context, entry *models.MigrationLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// CloseLog closes out a running ledger entry to success or failed. This is
// the only in-place update the ledger permits.
func (s *Store) CloseLog(ctx context.Context, id uint, status models.LogStatus, errMsg string, execMS int64) error {
	if status != models.LogStatusSuccess && status != models.LogStatusFailed {
		return fmt.Errorf("cannot close log entry to %s: %w", status, models.ErrPreconditionFailed)
	}

	result := s.db.WithContext(ctx).Model(&models.MigrationLogEntry{}).
		Where("id = ? AND status = ?", id, models.LogStatusRunning).
		Updates(map[string]any{
			"status":            status,
			"error_message":     errMsg,
			"execution_time_ms": execMS,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to close log entry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("log entry %d is not running: %w", id, models.ErrConcurrentModification)
	}
	return nil
}

// LogsSince returns ledger entries for a migration since a point in time,
// optionally filtered by operation.
func (s *Store) LogsSince(ctx context.Context, migrationID, operation string, since time.Time) ([]models.MigrationLogEntry, error) {
	q := s.db.WithContext(ctx).
		Where("migration_id = ? AND timestamp >= ?", migrationID, since).
		Order("timestamp ASC")
	if operation != "" {
		q = q.Where("operation = ?", operation)
	}

	var entries []models.MigrationLogEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	return entries, nil
}

// DualWriteMetrics aggregates closed dual-write ledger entries since a point
// in time. A window with no operations reports a success rate of 1.0 so a
// quiet table doesn't read as failing; callers gate on TotalOperations when
// that distinction matters.
func (s *Store) DualWriteMetrics(ctx context.Context, migrationID string, since time.Time) (*models.DualWriteMetrics, error) {
	var row struct {
		Total     int64
		Successes int64
		AvgMS     float64
	}

	err := s.db.WithContext(ctx).Model(&models.MigrationLogEntry{}).
		Select("COUNT(*) AS total, "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS successes, "+
			"COALESCE(AVG(execution_time_ms), 0) AS avg_ms", models.LogStatusSuccess).
		Where("migration_id = ? AND operation = ? AND timestamp >= ? AND status IN ?",
			migrationID, OperationDualWrite, since,
			[]models.LogStatus{models.LogStatusSuccess, models.LogStatusFailed}).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate dual-write metrics: %w", err)
	}

	metrics := &models.DualWriteMetrics{
		TotalOperations: row.Total,
		SuccessRate:     1.0,
		AvgLatencyMS:    row.AvgMS,
	}
	if row.Total > 0 {
		metrics.SuccessRate = float64(row.Successes) / float64(row.Total)
	}
	return metrics, nil
}
