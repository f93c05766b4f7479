// Package retry provides a small exponential-backoff retry policy for
// upstream calls. Callers only see the final outcome.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted wraps the last error once all attempts have failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt. It doubles after
	// every subsequent failure.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration

	// Retriable decides whether an error warrants another attempt.
	// A nil predicate retries nothing.
	Retriable func(error) bool

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error)
}

// Default mirrors the upstream client defaults: three attempts with
// 500ms, 1s backoff.
func Default(retriable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Retriable:   retriable,
	}
}

// Backoff returns the wait before attempt n+1 given n failed attempts.
func (p Policy) Backoff(failed int) time.Duration {
	if failed < 1 {
		failed = 1
	}
	d := p.BaseDelay << (failed - 1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retriable error, the
// attempts run out, or ctx is done. When attempts run out the returned
// error wraps both ErrExhausted and the last error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Retriable == nil || !p.Retriable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
	return errors.Join(ErrExhausted, err)
}
