package recurrence

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRule is matched by every ValidationError.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// ValidationError reports a malformed rule field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("recurrence: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRule }

// InvariantError is the panic value raised when the engine produces an
// occurrence that is not strictly after the reference instant. It indicates a
// programming error, never bad input.
type InvariantError struct {
	Rule  Rule
	After time.Time
	Got   time.Time
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("recurrence invariant violated: unit=%s after=%s got=%s",
		e.Rule.Unit, e.After.Format(time.RFC3339Nano), e.Got.Format(time.RFC3339Nano))
}
