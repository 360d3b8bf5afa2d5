package models

import (
	"errors"
	"fmt"
)

// Engine error taxonomy. Callers match with errors.Is; wrapper types carry
// the transition context where a plain sentinel is not enough.
var (
	// ErrConfigConflict is returned when registering a migration or switch
	// whose id already exists.
	ErrConfigConflict = errors.New("config already exists")

	// ErrPhaseOrderViolation is returned when a phase update targets anything
	// other than the immediate successor of the current phase (or ROLLED_BACK).
	ErrPhaseOrderViolation = errors.New("phase order violation")

	// ErrPreconditionFailed is returned for operations that are structurally
	// valid but not legal in the current state, e.g. disabling dual-write
	// before CLEANUP or decreasing the switch percentage without rollback.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrConcurrentModification is returned when an optimistic compare-and-swap
	// on phase or percentage loses a race. The caller must re-read and retry.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrDualWriteFailure is returned when a target write exhausts all retry
	// attempts.
	ErrDualWriteFailure = errors.New("dual-write target failure")

	// ErrValidationBelowThreshold indicates a consistency score under the
	// gating threshold. It pauses advancement, it does not crash.
	ErrValidationBelowThreshold = errors.New("consistency score below threshold")

	// ErrAutoRollbackTriggered indicates a safety threshold breach forced the
	// cutover back to zero.
	ErrAutoRollbackTriggered = errors.New("auto-rollback triggered")

	// ErrNotificationDelivery indicates a notifier failed to deliver an alert.
	// Non-fatal, logged only.
	ErrNotificationDelivery = errors.New("notification delivery failed")

	// ErrNotFound is returned when a migration or switch config does not exist.
	ErrNotFound = errors.New("not found")
)

// PhaseError carries the transition context for a rejected phase update.
type PhaseError struct {
	MigrationID string
	Current     Phase
	Requested   Phase
	Err         error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("migration %s: cannot move %s -> %s: %v", e.MigrationID, e.Current, e.Requested, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Retryable is the explicit marker the data-access layer attaches to errors
// that are safe to retry. The keyword heuristic in the backoff package is
// only a fallback for errors that don't implement it.
type Retryable interface {
	Retryable() bool
}

// RetryableError wraps an error with an explicit retryability marker.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string   { return e.Err.Error() }
func (e *RetryableError) Unwrap() error   { return e.Err }
func (e *RetryableError) Retryable() bool { return true }

// MarkRetryable tags err as explicitly retryable.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}
