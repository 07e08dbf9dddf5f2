// Package retry provides a bounded retry policy with capped exponential backoff and
// linearly growing, capped per-attempt timeouts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const logPrefix = "retry:policy"

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy describes how an operation is retried. The zero value runs the operation once.
type Policy struct {
	// Name identifies the call site in log lines (e.g. "llm", "download").
	Name        string
	MaxAttempts int
	// BaseDelay and MaxDelay bound the wait after a failed attempt: min(BaseDelay*2^attempt, MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// BaseTimeout and MaxTimeout bound each attempt: min(BaseTimeout*(attempt+1), MaxTimeout).
	// A zero BaseTimeout means attempts are not individually bounded.
	BaseTimeout time.Duration
	MaxTimeout  time.Duration
	// Sleep overrides the wait between attempts (tests).
	Sleep SleepFunc
}

// Attempts returns the effective maximum number of attempts (at least 1).
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait after the given zero-based attempt fails.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Timeout returns the deadline budget for the given zero-based attempt.
func (p Policy) Timeout(attempt int) time.Duration {
	if p.BaseTimeout <= 0 {
		return 0
	}
	d := p.BaseTimeout * time.Duration(attempt+1)
	if p.MaxTimeout > 0 && d > p.MaxTimeout {
		return p.MaxTimeout
	}
	return d
}

// AttemptContext derives a context bounded by Timeout(attempt).
func (p Policy) AttemptContext(ctx context.Context, attempt int) (context.Context, context.CancelFunc) {
	if d := p.Timeout(attempt); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// ExhaustedError is returned by Do when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

type immediateError struct{ err error }

func (e *immediateError) Error() string { return e.err.Error() }
func (e *immediateError) Unwrap() error { return e.err }

// Stop marks err as permanent: Do returns it unchanged without further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Immediately marks err as retryable without waiting for the backoff delay.
func Immediately(err error) error {
	if err == nil {
		return nil
	}
	return &immediateError{err: err}
}

// Do calls fn until it succeeds, returns a Stop error, or the attempts run out.
// Plain errors wait Backoff(attempt) before the next attempt.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts()
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var stop *stopError
		if errors.As(err, &stop) {
			return stop.err
		}

		delay := p.Backoff(attempt)
		var immediate *immediateError
		if errors.As(err, &immediate) {
			err = immediate.err
			delay = 0
		}
		last = err

		if attempt == attempts-1 {
			break
		}
		slog.Warn(fmt.Sprintf("%s - %s attempt %d/%d failed: %v, retrying in %s",
			logPrefix, p.Name, attempt+1, attempts, err, delay))
		if delay > 0 {
			if werr := p.sleep(ctx, delay); werr != nil {
				return fmt.Errorf("%s - %s retry wait interrupted: %w", logPrefix, p.Name, werr)
			}
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: last}
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
