package resilience

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Guard composes the resilience layers for one named component in the
// fixed order: rate limiter acquire, circuit breaker call, retry execute.
// An open breaker fails immediately without consuming retry budget,
// because the breaker wraps the whole retry sequence.
type Guard struct {
	component string
	limiter   *RateLimiter
	breaker   *CircuitBreaker
	retry     *RetryPolicy
	retryIf   RetryIf
	hooks     Hooks
	logger    *zap.Logger
}

// GuardConfig tunes the resilience layers of one component. A zero
// RateLimitPerSec disables rate limiting for that component.
type GuardConfig struct {
	RateLimitPerSec float64
	Burst           int
	Breaker         BreakerConfig
	Retry           *RetryPolicy
	RetryIf         RetryIf
	Hooks           Hooks
}

// Hooks observes guard activity, typically to feed metrics. Callbacks
// must be safe for concurrent use; nil callbacks are skipped. They may be
// invoked while internal locks are held, so they must not call back into
// the guard.
type Hooks struct {
	// OnRetry fires for each retried attempt (not the first try).
	OnRetry func(component string)
	// OnBreakerTransition fires on every breaker state change.
	OnBreakerTransition func(component, state string)
	// OnLimiterWait fires when an acquire has to wait for tokens.
	OnLimiterWait func(component string)
}

// NewGuard builds a guard for the named component.
func NewGuard(component string, cfg GuardConfig, logger *zap.Logger) *Guard {
	g := &Guard{
		component: component,
		breaker:   NewCircuitBreaker(component, cfg.Breaker, logger),
		retry:     cfg.Retry,
		retryIf:   cfg.RetryIf,
		hooks:     cfg.Hooks,
		logger:    logger.With(zap.String("component", component)),
	}
	if hook := cfg.Hooks.OnBreakerTransition; hook != nil {
		g.breaker.onTransition = func(state CircuitState) { hook(component, state.String()) }
	}
	if cfg.RateLimitPerSec > 0 {
		g.limiter = NewRateLimiter(cfg.RateLimitPerSec, cfg.Burst)
		if hook := cfg.Hooks.OnLimiterWait; hook != nil {
			g.limiter.onWait = func() { hook(component) }
		}
	}
	if g.retry == nil {
		g.retry = DefaultRetryPolicy()
	}
	return g
}

// Do runs op through the guard: acquire a token, pass the breaker, retry
// transient failures inside.
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Acquire(ctx, 1); err != nil {
			return err
		}
	}

	return g.breaker.Execute(func() error {
		attempt := 0
		return g.retry.ExecuteIf(ctx, func() error {
			attempt++
			if attempt > 1 && g.hooks.OnRetry != nil {
				g.hooks.OnRetry(g.component)
			}
			return op(ctx)
		}, g.retryIf)
	})
}

// Breaker exposes the component's breaker for status reporting.
func (g *Guard) Breaker() *CircuitBreaker {
	return g.breaker
}

// Limiter exposes the component's rate limiter; nil when unlimited.
func (g *Guard) Limiter() *RateLimiter {
	return g.limiter
}

// Registry holds one guard per named component so that concurrent
// workers share breaker and limiter state. Construct one registry per
// process (or per test harness); there are no package-level singletons.
type Registry struct {
	defaults GuardConfig
	logger   *zap.Logger

	mu     sync.Mutex
	guards map[string]*Guard
}

// NewRegistry creates a guard registry with shared default tuning.
func NewRegistry(defaults GuardConfig, logger *zap.Logger) *Registry {
	return &Registry{
		defaults: defaults,
		logger:   logger,
		guards:   make(map[string]*Guard),
	}
}

// Guard returns the guard for the named component, creating it with the
// registry defaults on first use.
func (r *Registry) Guard(component string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.guards[component]; ok {
		return g
	}
	g := NewGuard(component, r.defaults, r.logger)
	r.guards[component] = g
	return g
}

// Snapshots returns breaker snapshots for all known components.
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(r.guards))
	for _, g := range r.guards {
		out = append(out, g.breaker.Snapshot())
	}
	return out
}
