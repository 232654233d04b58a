package workflow

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// RetryPolicy defines how failed agent calls are repeated. Only stages the
// registry marks idempotent are retried, and only for retryable errors.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // 0.0 to 1.0
	Multiplier   float64 // Exponential factor
}

// DefaultRetryPolicy returns a policy that makes a single attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  1,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
		Multiplier:   2.0,
	}
}

// NewRetryPolicy builds a policy from the configured retry count and delay.
func NewRetryPolicy(maxRetries int, delay time.Duration) RetryPolicy {
	p := DefaultRetryPolicy()
	if maxRetries > 0 {
		p.MaxAttempts = maxRetries + 1
	}
	if delay > 0 {
		p.BaseDelay = delay
		if p.MaxDelay < delay {
			p.MaxDelay = delay
		}
	}
	return p
}

// attempts returns how many calls a stage may make.
func (p RetryPolicy) attempts(idempotent bool) int {
	if !idempotent || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// AttemptFunc performs one attempt. attempt starts at 1.
type AttemptFunc func(ctx context.Context, attempt int) error

// RetryNotifyFunc is called before waiting for the next attempt.
type RetryNotifyFunc func(attempt int, err error, delay time.Duration)

// Execute runs fn until it succeeds, fails with a non-retryable error or
// maxAttempts is reached.
func (p RetryPolicy) Execute(ctx context.Context, maxAttempts int, fn AttemptFunc, notify RetryNotifyFunc) error {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !core.IsRetryable(err) || attempt == maxAttempts {
			break
		}

		delay := p.CalculateDelay(attempt)
		if notify != nil {
			notify(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if maxAttempts > 1 && core.IsRetryable(lastErr) {
		return &RetryExhaustedError{Attempts: maxAttempts, LastErr: lastErr}
	}
	return lastErr
}

// CalculateDelay computes the delay for a given attempt.
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	delay := p.CalculateDelayNoJitter(attempt)
	if p.JitterFactor > 0 {
		return time.Duration(addJitter(float64(delay), p.JitterFactor))
	}
	return delay
}

// CalculateDelayNoJitter computes the exponential delay without jitter.
func (p RetryPolicy) CalculateDelayNoJitter(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// addJitter adds random jitter to a delay.
func addJitter(delay float64, factor float64) float64 {
	jitter := delay * factor
	// Random value between -jitter and +jitter
	randomJitter := (rand.Float64()*2 - 1) * jitter // #nosec G404 -- jitter does not need crypto randomness
	return delay + randomJitter
}

// RetryExhaustedError indicates all retry attempts failed.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}
