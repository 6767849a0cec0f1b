package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTask is returned synchronously when a submission is
	// malformed (empty name, nil payload, bad recurrence, self dependency).
	ErrInvalidTask = errors.New("invalid task")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidTask}, args...)...)
}

// permanentError fails a task without consuming retries.
type permanentError struct{ cause error }

func (e *permanentError) Error() string { return "permanent: " + e.cause.Error() }
func (e *permanentError) Unwrap() error { return e.cause }

// NoRetry marks err as permanent; the engine writes the failure report
// right away instead of scheduling retries.
//
//	if resp.StatusCode == http.StatusBadRequest {
//		return engine.NoRetry(err)
//	}
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

func IsNoRetry(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// RetryAfterError carries a downstream delay hint (HTTP 429 Retry-After).
// The engine uses it instead of the computed backoff, capped at the
// backoff cap.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type delayedError struct {
	cause error
	after time.Duration
}

func (e *delayedError) Error() string {
	return e.cause.Error() + " (retry after " + e.after.String() + ")"
}

func (e *delayedError) Unwrap() error { return e.cause }

func (e *delayedError) RetryAfter() time.Duration { return e.after }

func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayedError{cause: err, after: max(after, 0)}
}
