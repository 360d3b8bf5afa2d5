// Package consistency quantifies how well a target table matches its source
// during a migration. Scans run against live tables, so they are throttled,
// chunked, and cancellable.
package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tableshift/tableshift/internal/models"
	"github.com/tableshift/tableshift/internal/store"
	"github.com/tableshift/tableshift/pkg/config"
)

// Validator compares rows between a source and target table.
type Validator struct {
	store     *store.Store
	keyColumn string
	chunkSize int
	workers   int
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu      sync.Mutex
	results map[string]*models.ValidationResult
}

// New creates a validator.
func New(st *store.Store, cfg config.ValidationConfig, keyColumn string, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 500
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ScanRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ScanRateLimit), cfg.ScanRateLimit)
	}

	return &Validator{
		store:     st,
		keyColumn: keyColumn,
		chunkSize: chunkSize,
		workers:   workers,
		timeout:   timeout,
		limiter:   limiter,
		logger:    logger,
		results:   make(map[string]*models.ValidationResult),
	}
}

// ValidateTableConsistency compares source and target at the requested level
// and stores the immutable result for later export.
func (v *Validator) ValidateTableConsistency(ctx context.Context, migrationID, source, target string,
	level models.ValidationLevel, sampleSize int) (*models.ValidationResult, error) {

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result := &models.ValidationResult{
		ValidationID: uuid.NewString(),
		MigrationID:  migrationID,
		SourceTable:  source,
		TargetTable:  target,
		Level:        level,
		SampleSize:   sampleSize,
		StartedAt:    time.Now(),
	}

	var err error
	switch level {
	case models.ValidationBasic:
		err = v.validateBasic(ctx, result)
	case models.ValidationDetailed:
		err = v.validateDetailed(ctx, result, sampleSize)
	case models.ValidationComprehensive:
		err = v.validateComprehensive(ctx, result)
	default:
		return nil, fmt.Errorf("unknown validation level %q", level)
	}
	if err != nil {
		return nil, err
	}

	v.score(result)
	result.CompletedAt = time.Now()

	v.mu.Lock()
	v.results[result.ValidationID] = result
	v.mu.Unlock()

	v.logger.Info("validation completed",
		"migration_id", migrationID,
		"validation_id", result.ValidationID,
		"level", level,
		"score", result.ConsistencyScore,
		"differences", len(result.Differences),
		"rows_examined", result.RowsExamined,
		"vacuous", result.Vacuous)

	return result, nil
}

// Result returns a stored validation result by id.
func (v *Validator) Result(validationID string) (*models.ValidationResult, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.results[validationID]
	return r, ok
}

// validateBasic compares row counts only.
func (v *Validator) validateBasic(ctx context.Context, result *models.ValidationResult) error {
	srcCount, err := v.store.CountRows(ctx, result.SourceTable)
	if err != nil {
		return err
	}
	tgtCount, err := v.store.CountRows(ctx, result.TargetTable)
	if err != nil {
		return err
	}

	result.RowsExamined = int(maxInt64(srcCount, tgtCount))

	if srcCount == tgtCount {
		return nil
	}

	diffType := models.DiffMissingInTarget
	if tgtCount > srcCount {
		diffType = models.DiffMissingInSource
	}
	missing := srcCount - tgtCount
	if missing < 0 {
		missing = -missing
	}
	for i := int64(0); i < missing; i++ {
		// Row counts alone can't name the keys; DETAILED finds them.
		result.Differences = append(result.Differences, models.Difference{
			Type:        diffType,
			Description: fmt.Sprintf("row count mismatch: source=%d target=%d", srcCount, tgtCount),
		})
	}
	return nil
}

// validateDetailed draws a uniform random key sample from the source,
// classifies each pair, and runs a reverse sample from the target to catch
// rows missing in the source.
func (v *Validator) validateDetailed(ctx context.Context, result *models.ValidationResult, sampleSize int) error {
	keys, err := v.store.SampleKeys(ctx, result.SourceTable, v.keyColumn, sampleSize)
	if err != nil {
		return err
	}
	if err := v.compareKeys(ctx, result, keys); err != nil {
		return err
	}

	// Reverse sample: keys present in target but absent in source.
	reverseKeys, err := v.store.SampleKeys(ctx, result.TargetTable, v.keyColumn, sampleSize)
	if err != nil {
		return err
	}
	for _, key := range reverseKeys {
		if err := v.limiter.Wait(ctx); err != nil {
			return err
		}
		_, inSource, err := v.store.FetchRow(ctx, result.SourceTable, v.keyColumn, key)
		if err != nil {
			return err
		}
		if !inSource {
			result.RowsExamined++
			result.Differences = append(result.Differences, models.Difference{
				Type:        models.DiffMissingInSource,
				Key:         key,
				Description: fmt.Sprintf("key %s exists only in %s", key, result.TargetTable),
			})
		}
	}
	return nil
}

// validateComprehensive walks the full source key space in chunks with a
// bounded worker group, then sweeps the target for keys the source lacks.
func (v *Validator) validateComprehensive(ctx context.Context, result *models.ValidationResult) error {
	var (
		mu       sync.Mutex
		examined int
		diffs    []models.Difference
	)

	afterKey := ""
	for {
		keys, err := v.store.KeysChunk(ctx, result.SourceTable, v.keyColumn, afterKey, v.chunkSize)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			break
		}
		afterKey = keys[len(keys)-1]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(v.workers)
		for _, key := range keys {
			key := key
			g.Go(func() error {
				if err := v.limiter.Wait(gctx); err != nil {
					return err
				}
				diff, err := v.compareKey(gctx, result.SourceTable, result.TargetTable, key)
				if err != nil {
					return err
				}
				mu.Lock()
				examined++
				if diff != nil {
					diffs = append(diffs, *diff)
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	// Reverse sweep for rows that exist only in the target.
	afterKey = ""
	for {
		keys, err := v.store.KeysChunk(ctx, result.TargetTable, v.keyColumn, afterKey, v.chunkSize)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			break
		}
		afterKey = keys[len(keys)-1]

		for _, key := range keys {
			if err := v.limiter.Wait(ctx); err != nil {
				return err
			}
			_, inSource, err := v.store.FetchRow(ctx, result.SourceTable, v.keyColumn, key)
			if err != nil {
				return err
			}
			if !inSource {
				examined++
				diffs = append(diffs, models.Difference{
					Type:        models.DiffMissingInSource,
					Key:         key,
					Description: fmt.Sprintf("key %s exists only in %s", key, result.TargetTable),
				})
			}
		}
	}

	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Key < diffs[j].Key })
	result.RowsExamined = examined
	result.Differences = diffs
	return nil
}

func (v *Validator) compareKeys(ctx context.Context, result *models.ValidationResult, keys []string) error {
	for _, key := range keys {
		if err := v.limiter.Wait(ctx); err != nil {
			return err
		}
		diff, err := v.compareKey(ctx, result.SourceTable, result.TargetTable, key)
		if err != nil {
			return err
		}
		result.RowsExamined++
		if diff != nil {
			result.Differences = append(result.Differences, *diff)
		}
	}
	return nil
}

// compareKey classifies one key pair. Mapped fields are the columns the two
// schemas share; columns private to either side are not comparable.
func (v *Validator) compareKey(ctx context.Context, source, target, key string) (*models.Difference, error) {
	srcRow, inSource, err := v.store.FetchRow(ctx, source, v.keyColumn, key)
	if err != nil {
		return nil, err
	}
	tgtRow, inTarget, err := v.store.FetchRow(ctx, target, v.keyColumn, key)
	if err != nil {
		return nil, err
	}

	switch {
	case inSource && !inTarget:
		return &models.Difference{
			Type:        models.DiffMissingInTarget,
			Key:         key,
			Description: fmt.Sprintf("key %s missing in %s", key, target),
		}, nil
	case !inSource && inTarget:
		return &models.Difference{
			Type:        models.DiffMissingInSource,
			Key:         key,
			Description: fmt.Sprintf("key %s missing in %s", key, source),
		}, nil
	case !inSource && !inTarget:
		return nil, nil
	}

	var mismatched []string
	for col, srcVal := range srcRow {
		tgtVal, ok := tgtRow[col]
		if !ok {
			continue
		}
		if fmt.Sprint(srcVal) != fmt.Sprint(tgtVal) {
			mismatched = append(mismatched, fmt.Sprintf("%s: %v != %v", col, srcVal, tgtVal))
		}
	}
	if len(mismatched) == 0 {
		return nil, nil
	}

	sort.Strings(mismatched)
	return &models.Difference{
		Type:        models.DiffValueMismatch,
		Key:         key,
		Description: strings.Join(mismatched, "; "),
	}, nil
}

// score computes consistency_score = 1 - (rows with any difference / rows
// examined), clamped to [0, 1]. An empty sample is a vacuous pass.
func (v *Validator) score(result *models.ValidationResult) {
	if result.RowsExamined == 0 {
		result.ConsistencyScore = 1.0
		result.Vacuous = true
		result.Differences = nil
		return
	}

	// Multiple differences can point at the same row.
	rowsWithDiff := make(map[string]struct{}, len(result.Differences))
	anonymous := 0
	for _, d := range result.Differences {
		if d.Key == "" {
			anonymous++
			continue
		}
		rowsWithDiff[d.Key] = struct{}{}
	}

	score := 1.0 - float64(len(rowsWithDiff)+anonymous)/float64(result.RowsExamined)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	result.ConsistencyScore = score
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
