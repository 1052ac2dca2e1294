// Package resilience provides the failure-isolation layer every guarded
// call passes through: token-bucket rate limiting, a circuit breaker per
// named component, retry with exponential backoff, and the Guard that
// composes them in order (limiter, then breaker, then retry).
package resilience

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratapipe/strata/pkg/errors"
)

// RateLimiter implements the token bucket algorithm. Tokens refill
// continuously at rate tokens/sec, capped at burst.
type RateLimiter struct {
	rate     float64
	burst    int
	tokens   float64
	lastTime time.Time

	// Stats
	allowedRequests int64
	blockedRequests int64
	totalWaitTime   int64

	// onWait, when set, fires once per Acquire that has to wait
	onWait func()

	mu sync.Mutex
}

// RateLimiterStats provides statistics about rate limiter state for
// monitoring and debugging.
type RateLimiterStats struct {
	Rate            float64       `json:"rate"`
	Burst           int           `json:"burst"`
	AllowedRequests int64         `json:"allowed_requests"`
	BlockedRequests int64         `json:"blocked_requests"`
	CurrentTokens   float64       `json:"current_tokens"`
	LastRefill      time.Time     `json:"last_refill"`
	AverageWaitTime time.Duration `json:"average_wait_time"`
}

// NewRateLimiter creates a token bucket refilling at rate tokens/sec with
// the given burst capacity. A burst of 0 defaults to ceil(rate).
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = int(math.Ceil(rate))
	}
	return &RateLimiter{
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastTime: time.Now(),
	}
}

// Allow checks if a request is allowed immediately.
// Returns true if a token is available and consumes it, false otherwise.
func (tb *RateLimiter) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1.0 {
		tb.tokens--
		atomic.AddInt64(&tb.allowedRequests, 1)
		return true
	}

	atomic.AddInt64(&tb.blockedRequests, 1)
	return false
}

// Acquire blocks until n tokens are available, then consumes them
// atomically. It returns early with the context error if ctx is done.
// Requests larger than the burst capacity can never be satisfied and are
// rejected with a validation error.
func (tb *RateLimiter) Acquire(ctx context.Context, n int) error {
	tb.mu.Lock()
	burst := tb.burst
	tb.mu.Unlock()
	if n > burst {
		return errors.Newf(errors.ErrorTypeValidation,
			"requested %d tokens exceeds burst capacity %d", n, burst)
	}

	start := time.Now()
	waited := false

	for {
		tb.mu.Lock()
		tb.refill()

		if tb.tokens >= float64(n) {
			tb.tokens -= float64(n)
			atomic.AddInt64(&tb.allowedRequests, 1)
			atomic.AddInt64(&tb.totalWaitTime, time.Since(start).Nanoseconds())
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for the remaining deficit
		deficit := float64(n) - tb.tokens
		waitTime := time.Duration(deficit / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		if !waited {
			waited = true
			if tb.onWait != nil {
				tb.onWait()
			}
		}

		timer := time.NewTimer(waitTime)
		select {
		case <-timer.C:
			continue
		case <-ctx.Done():
			timer.Stop()
			atomic.AddInt64(&tb.blockedRequests, 1)
			return ctx.Err()
		}
	}
}

// refill adds tokens based on elapsed time
func (tb *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastTime).Seconds()

	tb.tokens += elapsed * tb.rate
	if tb.tokens > float64(tb.burst) {
		tb.tokens = float64(tb.burst)
	}

	tb.lastTime = now
}

// SetRate updates the rate limit
func (tb *RateLimiter) SetRate(rate float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.rate = rate
}

// SetBurst updates the burst size
func (tb *RateLimiter) SetBurst(burst int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.burst = burst
	if tb.tokens > float64(burst) {
		tb.tokens = float64(burst)
	}
}

// GetStats returns rate limiter statistics
func (tb *RateLimiter) GetStats() RateLimiterStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	allowed := atomic.LoadInt64(&tb.allowedRequests)
	blocked := atomic.LoadInt64(&tb.blockedRequests)
	totalWait := atomic.LoadInt64(&tb.totalWaitTime)

	avgWait := time.Duration(0)
	if allowed > 0 {
		avgWait = time.Duration(totalWait / allowed)
	}

	return RateLimiterStats{
		Rate:            tb.rate,
		Burst:           tb.burst,
		AllowedRequests: allowed,
		BlockedRequests: blocked,
		CurrentTokens:   tb.tokens,
		LastRefill:      tb.lastTime,
		AverageWaitTime: avgWait,
	}
}
