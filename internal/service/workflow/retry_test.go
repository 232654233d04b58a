package workflow

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func retryableErr() error {
	return &core.InvocationError{Kind: core.InvocationHTTPStatus, Stage: core.StageBranding, StatusCode: http.StatusServiceUnavailable}
}

func TestDefaultRetryPolicy_SingleAttempt(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 1, p.attempts(true))
	assert.Equal(t, 1, p.attempts(false))
}

func TestNewRetryPolicy(t *testing.T) {
	p := NewRetryPolicy(2, 50*time.Millisecond)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 3, p.attempts(true))
	assert.Equal(t, 1, p.attempts(false), "non-idempotent stages get one call")

	p = NewRetryPolicy(0, 0)
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
}

func TestRetryPolicy_SucceedsAfterRetryableError(t *testing.T) {
	var notified []int
	calls := 0
	err := fastPolicy(3).Execute(context.Background(), 3, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return retryableErr()
		}
		return nil
	}, func(attempt int, _ error, _ time.Duration) {
		notified = append(notified, attempt)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestRetryPolicy_StopsOnPermanentError(t *testing.T) {
	permanent := &core.InvocationError{Kind: core.InvocationHTTPStatus, StatusCode: http.StatusBadRequest}
	calls := 0
	err := fastPolicy(5).Execute(context.Background(), 5, func(context.Context, int) error {
		calls++
		return permanent
	}, nil)
	assert.Equal(t, 1, calls)
	assert.Same(t, permanent, err)
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	err := fastPolicy(2).Execute(context.Background(), 2, func(context.Context, int) error {
		return retryableErr()
	}, nil)
	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)

	var invErr *core.InvocationError
	assert.True(t, errors.As(err, &invErr), "the last error stays reachable")
}

func TestRetryPolicy_SingleAttemptReturnsError(t *testing.T) {
	want := retryableErr()
	err := fastPolicy(1).Execute(context.Background(), 1, func(context.Context, int) error { return want }, nil)
	assert.Same(t, want, err)
}

func TestRetryPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	err := p.Execute(ctx, 3, func(context.Context, int) error {
		cancel()
		return retryableErr()
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_CalculateDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.CalculateDelayNoJitter(1))
	assert.Equal(t, 200*time.Millisecond, p.CalculateDelayNoJitter(2))
	assert.Equal(t, 400*time.Millisecond, p.CalculateDelayNoJitter(3))
	assert.Equal(t, time.Second, p.CalculateDelayNoJitter(10), "capped at MaxDelay")

	p.JitterFactor = 0.2
	for i := 0; i < 50; i++ {
		d := p.CalculateDelay(2)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}
