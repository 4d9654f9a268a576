// Package retry provides the single backoff policy used for generation,
// revision and publish calls.
package retry

import (
	"context"
	"time"
)

// Policy describes a bounded exponential backoff. The zero value performs a
// single attempt.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	// Multiplier grows the delay after each attempt. Values below 1 are treated as 2.
	Multiplier float64

	// Retryable classifies errors. A nil classifier retries every error.
	Retryable func(error) bool
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// WithRetryable returns a copy of p using the given classifier.
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn

	return p
}

// Backoff returns the delay before attempt n+1, given attempt n just failed.
func (p Policy) Backoff(n int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	d := float64(p.InitialBackoff)
	for i := 1; i < n; i++ {
		d *= mult

		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}

	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}

	return time.Duration(d)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent or ctx is done. It returns the number of attempts made and
// the last error.
func (p Policy) Do(ctx context.Context, fn Func) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}

			return attempt - 1, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}

		if p.Retryable != nil && !p.Retryable(lastErr) {
			return attempt, lastErr
		}

		if attempt == maxAttempts {
			break
		}

		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			return attempt, lastErr
		}
	}

	return maxAttempts, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
