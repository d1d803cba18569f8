package wizard

import (
	"errors"
	"fmt"
)

var (
	ErrBusy            = errors.New("a step is already running for this session")
	ErrWrongStep       = errors.New("operation not allowed at the current step")
	ErrCannotAdvance   = errors.New("cannot advance")
	ErrCannotGoBack    = errors.New("cannot go back")
	ErrStale           = errors.New("step result discarded after navigation")
	ErrUnexpected      = errors.New("unexpected failure")
	ErrClosed          = errors.New("session closed")
	ErrSessionNotFound = errors.New("session not found")
	ErrNoDNSHost       = errors.New("no DNS host configured")
	ErrUnknownSelector = errors.New("selector is not configured")
)

// ValidationError reports malformed operator input. It is raised before any
// provider is contacted.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
