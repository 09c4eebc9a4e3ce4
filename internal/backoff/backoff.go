// Package backoff implements the retry policy shared by the deployment
// verifier, the callback notifier, and transient collaborator calls.
package backoff

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule. It is immutable after
// construction.
type Policy struct {
	Initial     time.Duration // delay before the second attempt
	Max         time.Duration // cap on the per-attempt delay
	Factor      float64       // growth factor per attempt, <=1 means fixed
	Jitter      float64       // fraction of the delay randomized, 0..1
	MaxAttempts int           // total attempts, including the first
	Budget      time.Duration // overall wall-clock limit, 0 means none
}

// DefaultPolicy returns the schedule used when a component does not
// configure its own: 1s initial, doubling to a 30s cap, five attempts.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     time.Second,
		Max:         30 * time.Second,
		Factor:      2,
		Jitter:      0.2,
		MaxAttempts: 5,
	}
}

// Delay returns the pause after the given attempt (1-based). The jitter
// fraction spreads concurrent retriers apart.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	for i := 1; i < attempt; i++ {
		d *= factor
		if p.Max > 0 && d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retry runs fn until it returns nil, a non-retryable error, the attempt
// count is exhausted, or the budget/context expires. retryable reports
// whether an error is worth another attempt; a nil retryable retries
// everything.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	deadline := time.Time{}
	if p.Budget > 0 {
		deadline = time.Now().Add(p.Budget)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		delay := p.Delay(attempt)
		if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
			return fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt, lastErr)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}
