package consistency

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ReportSink writes a serialized validation report. The default sink writes
// to the local filesystem; delivery elsewhere is a collaborator concern.
type ReportSink interface {
	Write(path string, data []byte) error
}

// FileSink writes reports to disk, creating parent directories as needed.
type FileSink struct{}

// Write implements ReportSink.
func (FileSink) Write(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}

// report is the exported JSON shape.
type report struct {
	ValidationID     string    `json:"validation_id"`
	MigrationID      string    `json:"migration_id"`
	SourceTable      string    `json:"source_table"`
	TargetTable      string    `json:"target_table"`
	Level            string    `json:"level"`
	ConsistencyScore float64   `json:"consistency_score"`
	Differences      []diff    `json:"differences"`
	SampleSize       int       `json:"sample_size"`
	RowsExamined     int       `json:"rows_examined"`
	Vacuous          bool      `json:"vacuous"`
	GeneratedAt      time.Time `json:"generated_at"`
}

type diff struct {
	Type        string `json:"type"`
	Key         string `json:"key"`
	Description string `json:"description"`
}

// ExportReport serializes a stored validation result to the sink. A vacuous
// result is exported with its flag intact so operators can tell "nothing
// sampled" from "fully consistent".
func (v *Validator) ExportReport(validationID, path string, sink ReportSink) error {
	result, ok := v.Result(validationID)
	if !ok {
		return fmt.Errorf("validation %s not found", validationID)
	}
	if sink == nil {
		sink = FileSink{}
	}

	out := report{
		ValidationID:     result.ValidationID,
		MigrationID:      result.MigrationID,
		SourceTable:      result.SourceTable,
		TargetTable:      result.TargetTable,
		Level:            string(result.Level),
		ConsistencyScore: result.ConsistencyScore,
		Differences:      make([]diff, 0, len(result.Differences)),
		SampleSize:       result.SampleSize,
		RowsExamined:     result.RowsExamined,
		Vacuous:          result.Vacuous,
		GeneratedAt:      time.Now(),
	}
	for _, d := range result.Differences {
		out.Differences = append(out.Differences, diff{
			Type:        string(d.Type),
			Key:         d.Key,
			Description: d.Description,
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal validation report: %w", err)
	}
	if err := sink.Write(path, data); err != nil {
		return fmt.Errorf("failed to write validation report: %w", err)
	}
	return nil
}
