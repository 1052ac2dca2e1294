package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratapipe/strata/pkg/errors"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all calls to pass through
	StateClosed CircuitState = iota
	// StateOpen rejects all calls immediately
	StateOpen
	// StateHalfOpen allows a limited number of trial calls
	StateHalfOpen
)

// String returns the lowercase state name
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// Cooldown is how long the breaker stays open before allowing trials
	Cooldown time.Duration
	// HalfOpenMaxCalls is the number of trial calls allowed while half-open
	HalfOpenMaxCalls int
}

// DefaultBreakerConfig returns the standard breaker tuning: open after 5
// consecutive failures, 30s cooldown, one half-open trial call.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker is a per-component failure-isolation state machine.
// It is shared across concurrent callers of the same component; all
// state transitions happen under the internal mutex.
type CircuitBreaker struct {
	component string
	config    BreakerConfig
	logger    *zap.Logger

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	openedAt         time.Time
	halfOpenInFlight int

	// onTransition, when set, fires on every state change (under the
	// mutex; it must not call back into the breaker)
	onTransition func(CircuitState)

	// now is swappable for tests
	now func() time.Time
}

// NewCircuitBreaker creates a breaker for the named component, starting
// closed.
func NewCircuitBreaker(component string, config BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		component: component,
		config:    config,
		logger:    logger.With(zap.String("component", "circuit_breaker"), zap.String("guarded", component)),
		state:     StateClosed,
		now:       time.Now,
	}
}

// Execute runs fn with circuit breaker protection. An open circuit
// rejects the call immediately without invoking fn; the rejection carries
// the retry_exhausted error type so callers do not retry it locally.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return errors.New(errors.ErrorTypeRetryExhausted, "circuit breaker is open").
			WithDetail("component", cb.component)
	}

	err := fn()
	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// State returns the current state, accounting for cooldown expiry.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// allow decides whether a call may proceed and reserves a half-open slot
// when applicable.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpenLocked()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxCalls {
			return false
		}
		cb.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// maybeHalfOpenLocked transitions open -> half-open once the cooldown has
// elapsed. Caller must hold the mutex.
func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
		cb.state = StateHalfOpen
		cb.halfOpenInFlight = 0
		cb.notifyLocked()
		cb.logger.Info("circuit breaker half-open")
	}
}

// notifyLocked fires the transition hook. Caller must hold the mutex.
func (cb *CircuitBreaker) notifyLocked() {
	if cb.onTransition != nil {
		cb.onTransition(cb.state)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		// A successful trial call closes the circuit
		cb.state = StateClosed
		cb.failureCount = 0
		cb.halfOpenInFlight = 0
		cb.notifyLocked()
		cb.logger.Info("circuit breaker closed")
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.openLocked()
		}
	case StateHalfOpen:
		// A failed trial call reopens the circuit and restarts the cooldown
		cb.openLocked()
	}
}

// openLocked transitions to open and stamps the cooldown start. Caller
// must hold the mutex.
func (cb *CircuitBreaker) openLocked() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.halfOpenInFlight = 0
	cb.notifyLocked()
	cb.logger.Warn("circuit breaker opened",
		zap.Int("consecutive_failures", cb.failureCount),
		zap.Time("retry_after", cb.openedAt.Add(cb.config.Cooldown)))
}

// BreakerSnapshot is a point-in-time view of breaker state for status
// reporting.
type BreakerSnapshot struct {
	Component    string    `json:"component"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the current breaker state and counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()

	return BreakerSnapshot{
		Component:    cb.component,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
		OpenedAt:     cb.openedAt,
	}
}
