package booking

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("appointment not found")
	ErrConcurrentModification = errors.New("appointment was modified concurrently, re-read and retry")
	ErrDuplicateRequest       = errors.New("duplicate creation request")
	ErrHumanControlDisabled   = errors.New("manual edits require human control to be enabled")
	ErrRateLimited            = errors.New("too many creation attempts, slow down")
)

// InvalidTransitionError names the illegal status pair. State is unchanged.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// ValidationError reports a missing or malformed field for the requested
// operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}
