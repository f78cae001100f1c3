package resilience

import (
	"context"
	"time"
)

const (
	DefaultMaxFailures  = 5
	DefaultRetryTimeout = 60 * time.Second
)

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithMaxFailures sets the consecutive failures that open the circuit.
func WithMaxFailures(maxFailures int) BreakerOption {
	return func(breaker *CircuitBreaker) {
		if maxFailures > 0 {
			breaker.maxFailures = maxFailures
		}
	}
}

// WithRetryTimeout sets how long an open circuit rejects calls before probing.
func WithRetryTimeout(retryTimeout time.Duration) BreakerOption {
	return func(breaker *CircuitBreaker) {
		if retryTimeout > 0 {
			breaker.retryTimeout = retryTimeout
		}
	}
}

// WithBreakerClock overrides the clock. Useful for tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(breaker *CircuitBreaker) {
		if now != nil {
			breaker.nowFn = now
		}
	}
}

// WithBreakerLogger receives store degradation events.
func WithBreakerLogger(logger EventLogger) BreakerOption {
	return func(breaker *CircuitBreaker) {
		if logger != nil {
			breaker.logger = logger
		}
	}
}

// CircuitBreaker tracks failures per service name over a StateStore.
// It never returns errors: store failures degrade to "available".
type CircuitBreaker struct {
	store        StateStore
	maxFailures  int
	retryTimeout time.Duration
	nowFn        func() time.Time
	logger       EventLogger
}

// NewCircuitBreaker wires a breaker over store. A nil store selects an in-process store.
func NewCircuitBreaker(store StateStore, options ...BreakerOption) *CircuitBreaker {
	breaker := &CircuitBreaker{
		store:        store,
		maxFailures:  DefaultMaxFailures,
		retryTimeout: DefaultRetryTimeout,
		nowFn:        time.Now,
		logger:       nopEventLogger{},
	}
	for _, option := range options {
		if option != nil {
			option(breaker)
		}
	}
	if breaker.store == nil {
		breaker.store = NewMemoryStateStore(0, 0, breaker.nowFn)
	}
	return breaker
}

// IsAvailable reports whether a call to serviceName may proceed. Once the cooldown
// has elapsed exactly one caller is admitted as the half-open probe.
func (breaker *CircuitBreaker) IsAvailable(ctx context.Context, serviceName string) bool {
	state, err := breaker.store.Load(ctx, serviceName)
	if err != nil {
		breaker.degraded(ctx, serviceName, err)
		return true
	}
	if state.State != StatusOpen {
		return true
	}
	if breaker.nowFn().Sub(state.OpenedAt) < breaker.retryTimeout {
		return false
	}
	acquired, err := breaker.store.AcquireProbe(ctx, serviceName, breaker.retryTimeout)
	if err != nil {
		breaker.degraded(ctx, serviceName, err)
		return true
	}
	return acquired
}

// RecordSuccess closes the circuit and zeroes the failure count.
func (breaker *CircuitBreaker) RecordSuccess(ctx context.Context, serviceName string) {
	if err := breaker.store.Reset(ctx, serviceName); err != nil {
		breaker.degraded(ctx, serviceName, err)
	}
}

// RecordFailure counts one failure, opening the circuit at the threshold.
func (breaker *CircuitBreaker) RecordFailure(ctx context.Context, serviceName string) {
	if _, err := breaker.store.IncrementFailures(ctx, serviceName, breaker.maxFailures, breaker.nowFn()); err != nil {
		breaker.degraded(ctx, serviceName, err)
	}
}

// State returns the derived state for serviceName.
func (breaker *CircuitBreaker) State(ctx context.Context, serviceName string) (CircuitState, error) {
	state, err := breaker.store.Load(ctx, serviceName)
	if err != nil {
		return CircuitState{}, err
	}
	state.ServiceName = serviceName
	state.RetryTimeout = breaker.retryTimeout
	if state.State == "" {
		state.State = StatusClosed
	}
	if state.State == StatusOpen && breaker.nowFn().Sub(state.OpenedAt) >= breaker.retryTimeout {
		state.State = StatusHalfOpen
	}
	return state, nil
}

// MaxFailures returns the configured threshold.
func (breaker *CircuitBreaker) MaxFailures() int {
	return breaker.maxFailures
}

func (breaker *CircuitBreaker) degraded(ctx context.Context, serviceName string, err error) {
	breaker.logger.LogEvent(ctx, Event{Operation: serviceName, Kind: EventBreakerDegraded, Error: err})
}
