package jobqueue

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAbortTimeout means the job was flagged for abort but did not stop
	// within the caller's timeout. The abort flag stays set.
	ErrAbortTimeout = errors.New("jobqueue: abort timed out")
	// ErrUnknownJob is recorded when no handler is registered for a job name.
	ErrUnknownJob = errors.New("jobqueue: unknown job")
	ErrEmptyID    = errors.New("jobqueue: empty job id")

	errAborted = errors.New("jobqueue: job aborted")
)

// NoRetry marks an error as non-retryable.
//
// Handlers wrap permanent failures with NoRetry so the worker drops the job
// instead of retrying it.
//
//	return jobqueue.NoRetry(fmt.Errorf("bad args: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter asks the worker to retry no sooner than after. The hint is
// bounded by the worker's maximum retry delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
