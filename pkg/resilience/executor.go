package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sleeper suspends the calling goroutine for delay or until ctx ends.
type Sleeper func(ctx context.Context, delay time.Duration) error

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithEventLogger wires a logger that receives attempt-boundary events.
func WithEventLogger(logger EventLogger) ExecutorOption {
	return func(executor *Executor) {
		if logger != nil {
			executor.logger = logger
		}
	}
}

// WithSleeper overrides the backoff sleep. Useful for tests.
func WithSleeper(sleeper Sleeper) ExecutorOption {
	return func(executor *Executor) {
		if sleeper != nil {
			executor.sleep = sleeper
		}
	}
}

// Executor runs external calls with retry, backoff and circuit breaking.
// Attempts of one call are sequential; separate calls may run concurrently.
type Executor struct {
	breaker *CircuitBreaker
	backoff *BackoffCalculator
	logger  EventLogger
	sleep   Sleeper
}

// NewExecutor wires an Executor.
func NewExecutor(breaker *CircuitBreaker, backoff *BackoffCalculator, options ...ExecutorOption) (*Executor, error) {
	if breaker == nil {
		return nil, fmt.Errorf("%w: circuit breaker dependency is nil", ErrInvalidExecutorConfig)
	}
	if backoff == nil {
		return nil, fmt.Errorf("%w: backoff dependency is nil", ErrInvalidExecutorConfig)
	}
	executor := &Executor{
		breaker: breaker,
		backoff: backoff,
		logger:  nopEventLogger{},
		sleep:   sleepContext,
	}
	for _, option := range options {
		if option != nil {
			option(executor)
		}
	}
	return executor, nil
}

// Breaker exposes the circuit breaker guarding this executor.
func (executor *Executor) Breaker() *CircuitBreaker {
	return executor.breaker
}

// Do invokes operation under operationName until it succeeds, fails fatally,
// exhausts policy.MaxRetries attempts, or ctx ends.
func (executor *Executor) Do(ctx context.Context, operationName string, fields map[string]any, policy RetryPolicy, operation func(ctx context.Context) error) error {
	name := strings.TrimSpace(operationName)
	if name == "" {
		return ErrInvalidOperationName
	}
	if operation == nil {
		return fmt.Errorf("%w: operation is nil", ErrInvalidExecutorConfig)
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return executor.timedOut(ctx, name, 0, policy, fields, ctxErr, nil)
	}
	// Admission may take the half-open slot, so the first attempt always runs.
	if !executor.breaker.IsAvailable(ctx, name) {
		executor.log(ctx, Event{Operation: name, Kind: EventCircuitOpen, MaxAttempts: policy.MaxRetries, Fields: fields})
		return newOperationError(name, 0, ErrCircuitOpen, nil)
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		if ctxErr := ctx.Err(); attempt > 1 && ctxErr != nil {
			return executor.timedOut(ctx, name, attempt-1, policy, fields, ctxErr, lastErr)
		}
		executor.log(ctx, Event{Operation: name, Kind: EventAttemptStarted, Attempt: attempt, MaxAttempts: policy.MaxRetries, Fields: fields})

		err := operation(ctx)
		if err == nil {
			executor.breaker.RecordSuccess(ctx, name)
			executor.log(ctx, Event{Operation: name, Kind: EventAttemptSucceeded, Attempt: attempt, MaxAttempts: policy.MaxRetries, Fields: fields})
			return nil
		}
		lastErr = err

		if CategorizeError(err) == CategoryFatal {
			executor.breaker.RecordFailure(ctx, name)
			executor.log(ctx, Event{Operation: name, Kind: EventFatalFailure, Attempt: attempt, MaxAttempts: policy.MaxRetries, Fields: fields, Error: err})
			return newOperationError(name, attempt, ErrFatalOperation, err)
		}
		if attempt == policy.MaxRetries {
			break
		}

		delay := executor.backoff.Delay(attempt, policy)
		executor.log(ctx, Event{Operation: name, Kind: EventRetryScheduled, Attempt: attempt, MaxAttempts: policy.MaxRetries, Delay: delay, Fields: fields, Error: err})
		if sleepErr := executor.sleep(ctx, delay); sleepErr != nil {
			return executor.timedOut(ctx, name, attempt, policy, fields, sleepErr, lastErr)
		}
	}

	executor.breaker.RecordFailure(ctx, name)
	executor.log(ctx, Event{Operation: name, Kind: EventRetriesExhausted, Attempt: policy.MaxRetries, MaxAttempts: policy.MaxRetries, Fields: fields, Error: lastErr})
	return newOperationError(name, policy.MaxRetries, ErrRetriesExhausted, lastErr)
}

// Execute is Do for operations that return a value.
func Execute[T any](ctx context.Context, executor *Executor, operationName string, fields map[string]any, policy RetryPolicy, operation func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := executor.Do(ctx, operationName, fields, policy, func(ctx context.Context) error {
		value, operationErr := operation(ctx)
		if operationErr != nil {
			return operationErr
		}
		result = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (executor *Executor) timedOut(ctx context.Context, name string, attempts int, policy RetryPolicy, fields map[string]any, ctxErr error, lastErr error) error {
	if attempts > 0 {
		executor.breaker.RecordFailure(ctx, name)
	}
	executor.log(ctx, Event{Operation: name, Kind: EventTimedOut, Attempt: attempts, MaxAttempts: policy.MaxRetries, Fields: fields, Error: ctxErr})
	cause := ctxErr
	if lastErr != nil {
		cause = errors.Join(ctxErr, lastErr)
	}
	return newOperationError(name, attempts, ErrOperationTimeout, cause)
}

func (executor *Executor) log(ctx context.Context, event Event) {
	executor.logger.LogEvent(ctx, event)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
