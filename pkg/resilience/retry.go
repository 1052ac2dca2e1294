package resilience

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/stratapipe/strata/pkg/errors"
)

// RetryPolicy defines exponential backoff behavior for transient failures
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter randomizes each wait uniformly within delay*(1±Jitter)
	Jitter float64
}

// RetryIf classifies an error as retryable (true) or fatal (false)
type RetryIf func(error) bool

// DefaultRetryPolicy returns the standard retry tuning: 5 attempts,
// 500ms base delay doubling up to 8s, with 20% jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// NoRetryPolicy returns a policy that doesn't retry
func NoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

// Execute runs fn with the default retryability classification.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	return rp.ExecuteIf(ctx, fn, DefaultRetryIf)
}

// ExecuteIf runs fn, retrying failures that retryIf classifies as
// transient. Between attempts it waits with backoff and observes ctx
// cancellation. Exhausting all attempts returns a retry_exhausted error
// wrapping the final cause.
func (rp *RetryPolicy) ExecuteIf(ctx context.Context, fn func() error, retryIf RetryIf) error {
	if retryIf == nil {
		retryIf = DefaultRetryIf
	}

	var lastErr error

	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !retryIf(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == rp.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(rp.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), errors.ErrorTypeRetryExhausted, "retry aborted by cancellation").
				WithDetail("attempts", attempt+1)
		case <-timer.C:
		}
	}

	return errors.Wrap(lastErr, errors.ErrorTypeRetryExhausted, "all retry attempts failed").
		WithDetail("attempts", rp.MaxAttempts)
}

// delay computes the wait after the given zero-based attempt:
// min(MaxDelay, BaseDelay * Multiplier^attempt), randomized within
// ±Jitter.
func (rp *RetryPolicy) delay(attempt int) time.Duration {
	d := float64(rp.BaseDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if rp.MaxDelay > 0 && d > float64(rp.MaxDelay) {
		d = float64(rp.MaxDelay)
	}

	if rp.Jitter > 0 {
		delta := d * rp.Jitter
		d = d - delta + rand.Float64()*2*delta
	}

	return time.Duration(d)
}

// GetDelay returns the delay for a specific attempt (for testing/preview)
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	return rp.delay(attempt)
}

// DefaultRetryIf is the standard transient-error classification:
// timeouts, connection failures, and rate-limit rejections (HTTP 429,
// 5xx) are retryable; validation, schema, checksum, and state errors are
// fatal. Unclassified errors fall back to message patterns.
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}

	if errors.IsRetryable(err) {
		return true
	}

	// Explicitly fatal classes never retry, even if the message looks
	// transient
	for _, t := range []errors.ErrorType{
		errors.ErrorTypeValidation,
		errors.ErrorTypeConfig,
		errors.ErrorTypeSchema,
		errors.ErrorTypeChecksum,
		errors.ErrorTypeStateTransition,
		errors.ErrorTypeDataQuality,
		errors.ErrorTypeRetryExhausted,
	} {
		if errors.IsType(err, t) {
			return false
		}
	}

	errStr := strings.ToLower(err.Error())

	nonRetryable := []string{
		"invalid credentials",
		"unauthorized",
		"forbidden",
		"not found",
		"bad request",
		"invalid configuration",
		"unsupported",
		"schema mismatch",
		"data corruption",
	}
	for _, pattern := range nonRetryable {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}

	retryable := []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"throttle",
		"i/o error",
	}
	for _, pattern := range retryable {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
