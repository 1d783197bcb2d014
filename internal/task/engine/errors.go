package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")
	ErrStale     = errors.New("task dropped: stale in queue")
)

// NoRetry marks an error as non-retryable.
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
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

// DefaultClassify treats NoRetry errors as permanent and all others as
// transient.
func DefaultClassify(err error) ErrorClass {
	if IsNoRetry(err) {
		return Permanent
	}
	return Transient
}

// unwrapNoRetry strips the NoRetry marker for reporting.
func unwrapNoRetry(err error) error {
	if e, ok := err.(noRetryError); ok {
		return e.err
	}
	return err
}
