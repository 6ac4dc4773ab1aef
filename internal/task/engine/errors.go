package engine

import (
	"time"

	"github.com/cockroachdb/errors"

	"reelforge/internal/faults"
)

var (
	ErrDisabled  = errors.New("task engine disabled")
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.Mark(errors.New("task engine queue full"), faults.ErrCapacityExceeded)
	// ErrOverlapSkip is returned when a task for the same key is already
	// queued or running.
	ErrOverlapSkip = errors.Mark(errors.New("task already queued or running"), faults.ErrConflict)
)

var errNoRetry = errors.New("no-retry")

// NoRetry marks an error as non-retryable.
//
//	return engine.NoRetry(errors.Wrap(err, "bad input"))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errNoRetry)
}

// IsNoRetry reports whether err is marked with NoRetry.
func IsNoRetry(err error) bool { return errors.Is(err, errNoRetry) }

// RetryAfter provides a suggested delay before retrying.
//
// This is useful when the downstream system returns a Retry-After value
// (e.g., HTTP 429). The engine will respect the hint (bounded by RetryMaxDelay)
// and still apply jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &retryAfterError{cause: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	cause error
	after time.Duration
}

func (e *retryAfterError) Error() string             { return e.cause.Error() }
func (e *retryAfterError) Unwrap() error             { return e.cause }
func (e *retryAfterError) RetryAfter() time.Duration { return e.after }
