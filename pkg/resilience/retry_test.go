package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratapipe/strata/pkg/errors"
)

func TestRetryPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
		Jitter:      0,
	}

	attempts := 0
	start := time.Now()
	err := policy.Execute(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New(errors.ErrorTypeConnection, "connection refused")
		}
		return nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	// Two failures wait base and 2*base before the third attempt
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestRetryPolicy_DelaySchedule(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Multiplier:  2.0,
		Jitter:      0,
	}

	assert.Equal(t, time.Second, policy.GetDelay(0))
	assert.Equal(t, 2*time.Second, policy.GetDelay(1))
	assert.Equal(t, 4*time.Second, policy.GetDelay(2))
	// Capped at MaxDelay from attempt 3 on
	assert.Equal(t, 8*time.Second, policy.GetDelay(3))
	assert.Equal(t, 8*time.Second, policy.GetDelay(10))
}

func TestRetryPolicy_JitterBounds(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}

	for i := 0; i < 100; i++ {
		d := policy.GetDelay(0)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestRetryPolicy_ExhaustionWrapsFinalCause(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2.0}

	attempts := 0
	err := policy.Execute(context.Background(), func() error {
		attempts++
		return errors.New(errors.ErrorTypeTimeout, "request timed out")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRetryExhausted))
	assert.Contains(t, err.Error(), "timed out")
}

func TestRetryPolicy_FatalErrorNotRetried(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2.0}

	attempts := 0
	err := policy.Execute(context.Background(), func() error {
		attempts++
		return errors.New(errors.ErrorTypeValidation, "bad input")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.False(t, errors.IsType(err, errors.ErrorTypeRetryExhausted))
}

func TestRetryPolicy_ObservesCancellation(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2.0}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	start := time.Now()
	err := policy.Execute(ctx, func() error {
		attempts++
		return errors.New(errors.ErrorTypeConnection, "connection reset")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRetryExhausted))
	// Aborted during the first backoff, not after all attempts
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNoRetryPolicy(t *testing.T) {
	attempts := 0
	err := NoRetryPolicy().Execute(context.Background(), func() error {
		attempts++
		return errors.New(errors.ErrorTypeConnection, "connection refused")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDefaultRetryIf(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"typed timeout", errors.New(errors.ErrorTypeTimeout, "deadline"), true},
		{"typed connection", errors.New(errors.ErrorTypeConnection, "refused"), true},
		{"typed rate limit", errors.New(errors.ErrorTypeRateLimit, "429"), true},
		{"typed validation", errors.New(errors.ErrorTypeValidation, "bad"), false},
		{"typed checksum", errors.New(errors.ErrorTypeChecksum, "mismatch"), false},
		{"typed state", errors.New(errors.ErrorTypeStateTransition, "decrease"), false},
		{"already exhausted", errors.New(errors.ErrorTypeRetryExhausted, "done"), false},
		{"plain timeout message", fmt.Errorf("operation timed out"), true},
		{"plain throttle message", fmt.Errorf("request throttled by throttle policy"), true},
		{"plain unauthorized", fmt.Errorf("unauthorized"), false},
		{"unclassified", fmt.Errorf("something odd"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, DefaultRetryIf(tc.err))
		})
	}
}
