// Package retry re-runs transient operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retry loop. The zero Policy makes a single attempt.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Initial is the delay before the second attempt.
	Initial time.Duration

	// Max caps the delay between attempts.
	Max time.Duration

	// Multiplier grows the delay after each failure. Defaults to 2.
	Multiplier float64
}

// DefaultPolicy makes three attempts, waiting 100ms then 200ms.
var DefaultPolicy = Policy{
	Attempts:   3,
	Initial:    100 * time.Millisecond,
	Max:        2 * time.Second,
	Multiplier: 2,
}

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Do calls fn until it succeeds, returns a Permanent error, ctx ends or the
// policy runs out of attempts.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}

	delay := p.Initial
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * mult)
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
	}

	return &ExhaustedError{Attempts: attempts, Last: last}
}
