package engine

import (
	"errors"
	"fmt"
	"time"
)

// Enqueue and run outcomes. The scheduler inspects these to decide whether a
// rejected occurrence counts as a run.
var (
	ErrDisabled    = errors.New("engine: disabled")
	ErrStopped     = errors.New("engine: stopped")
	ErrStopping    = errors.New("engine: stopping")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: previous run still active")
	ErrCircuitOpen = errors.New("engine: circuit open")
	ErrInvalidTask = errors.New("engine: invalid task")
)

// HandlerError annotates a handler failure with a retry decision.
//
// Handlers rarely build one directly:
//
//	return engine.NoRetry(fmt.Errorf("bad payload: %w", err))
//	return engine.RetryAfter(err, 30*time.Second)
type HandlerError struct {
	Err error
	// Permanent stops retries after this attempt.
	Permanent bool
	// After, when positive, replaces the computed backoff for the next
	// attempt. RetryMaxDelay still caps it.
	After time.Duration
}

func (e *HandlerError) Error() string {
	switch {
	case e.Permanent:
		return fmt.Sprintf("permanent: %v", e.Err)
	case e.After > 0:
		return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *HandlerError) Unwrap() error { return e.Err }

// NoRetry marks err as permanent.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Err: err, Permanent: true}
}

func IsNoRetry(err error) bool {
	var he *HandlerError
	return errors.As(err, &he) && he.Permanent
}

// RetryAfter attaches a suggested delay before the next attempt.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &HandlerError{Err: err, After: max(after, 0)}
}

// RetryHint returns the delay attached by RetryAfter.
func RetryHint(err error) (time.Duration, bool) {
	var he *HandlerError
	if !errors.As(err, &he) || he.Permanent || he.After <= 0 {
		return 0, false
	}
	return he.After, true
}
