package task

import (
	"errors"
	"fmt"

	"secretariat/internal/recurrence"
)

var (
	// ErrValidation is matched by every rejected create request.
	ErrValidation = errors.New("validation failed")
	// ErrClaimConflict means the claim was lost or already resolved. Callers skip.
	ErrClaimConflict = errors.New("claim conflict")

	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStoreUnavailable wraps persistence failures (driver, I/O, timeouts).
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError names the offending field of a task or its rule.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError reports a refused status change.
type TransitionError struct {
	ID       string
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Unavailable wraps a persistence error so errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsValidation also recognizes bare rule errors.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, recurrence.ErrInvalidRule)
}
