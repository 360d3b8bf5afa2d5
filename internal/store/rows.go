package store

import (
	"context"
	"fmt"
	"regexp"
)

// identPattern restricts table and column names interpolated into SQL. The
// engine only ever receives these from validated configuration, never from
// request data, but gorm cannot parameterize identifiers.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// CountRows returns the row count of an arbitrary table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if err := checkIdent(table); err != nil {
		return 0, err
	}
	var count int64
	if err := s.db.WithContext(ctx).Table(table).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return count, nil
}

// SampleKeys draws a uniform random sample of up to n primary keys.
func (s *Store) SampleKeys(ctx context.Context, table, keyColumn string, n int) ([]string, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	if err := checkIdent(keyColumn); err != nil {
		return nil, err
	}

	var keys []string
	err := s.db.WithContext(ctx).Table(table).
		Select(keyColumn).
		Order("RANDOM()").
		Limit(n).
		Pluck(keyColumn, &keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sample keys from %s: %w", table, err)
	}
	return keys, nil
}

// KeysChunk returns up to limit keys greater than afterKey in key order,
// for chunked full scans. Pass an empty afterKey to start from the beginning.
func (s *Store) KeysChunk(ctx context.Context, table, keyColumn, afterKey string, limit int) ([]string, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	if err := checkIdent(keyColumn); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Table(table).
		Select(keyColumn).
		Order(keyColumn + " ASC").
		Limit(limit)
	if afterKey != "" {
		q = q.Where(keyColumn+" > ?", afterKey)
	}

	var keys []string
	if err := q.Pluck(keyColumn, &keys).Error; err != nil {
		return nil, fmt.Errorf("failed to scan keys from %s: %w", table, err)
	}
	return keys, nil
}

// FetchRow loads a single row by key as a column map. The second return is
// false when the key does not exist.
func (s *Store) FetchRow(ctx context.Context, table, keyColumn, key string) (map[string]any, bool, error) {
	if err := checkIdent(table); err != nil {
		return nil, false, err
	}
	if err := checkIdent(keyColumn); err != nil {
		return nil, false, err
	}

	var rows []map[string]any
	err := s.db.WithContext(ctx).Table(table).
		Where(keyColumn+" = ?", key).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch row from %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}
