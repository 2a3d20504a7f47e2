package memory

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrStaleWrite is wrapped by StaleWriteError.
	ErrStaleWrite = errors.New("stale write conflict")

	// ErrInvalidCriticality is returned for criticality outside [0, 1].
	ErrInvalidCriticality = errors.New("criticality must be within [0, 1]")

	// ErrEmptyText is returned when a memory or edit has no text.
	ErrEmptyText = errors.New("memory text must not be empty")
)

// NotFoundError is returned when an entity doesn't exist or is tombstoned.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "memory"
	}
	if e.ID == "" {
		return kind + " not found"
	}
	return kind + " not found: " + e.ID
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// InvalidTransitionError is returned when a state machine rejects a move:
// a tier demotion of a guarded memory or an illegal deletion request status
// change.
type InvalidTransitionError struct {
	// Resource names the state machine, "memory" when empty.
	Resource string
	ID       string
	From     string
	To       string
	Reason   string
}

func (e *InvalidTransitionError) Error() string {
	resource := e.Resource
	if resource == "" {
		resource = "memory"
	}
	return fmt.Sprintf("invalid transition of %s %s from %s to %s: %s", resource, e.ID, e.From, e.To, e.Reason)
}

// IsInvalidTransition reports whether err wraps an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it)
}

// StaleWriteError reports an edit made against an outdated version.
type StaleWriteError struct {
	ID       string
	Expected int
	Actual   int
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write to memory %s: expected version %d, stored version is %d", e.ID, e.Expected, e.Actual)
}

func (e *StaleWriteError) Unwrap() error {
	return ErrStaleWrite
}

// ValidateCriticality checks that v is within [0, 1].
func ValidateCriticality(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidCriticality, v)
	}
	return nil
}
