package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	serviceNameValue = "payment_gateway.charge"
	retryTimeoutTest = 30 * time.Second
)

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)}
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.current
}

func (clock *testClock) Advance(delta time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.current = clock.current.Add(delta)
}

type recordingEventLogger struct {
	mu     sync.Mutex
	events []Event
}

func (logger *recordingEventLogger) LogEvent(_ context.Context, event Event) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.events = append(logger.events, event)
}

func (logger *recordingEventLogger) kinds() []EventKind {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	kinds := make([]EventKind, 0, len(logger.events))
	for _, event := range logger.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

type failingStateStore struct{}

var errStateStoreDown = errors.New("state store down")

func (failingStateStore) Load(context.Context, string) (CircuitState, error) {
	return CircuitState{}, errStateStoreDown
}

func (failingStateStore) IncrementFailures(context.Context, string, int, time.Time) (CircuitState, error) {
	return CircuitState{}, errStateStoreDown
}

func (failingStateStore) Reset(context.Context, string) error {
	return errStateStoreDown
}

func (failingStateStore) AcquireProbe(context.Context, string, time.Duration) (bool, error) {
	return false, errStateStoreDown
}

func newTestBreaker(clock *testClock, maxFailures int) *CircuitBreaker {
	store := NewMemoryStateStore(16, time.Hour, clock.Now)
	return NewCircuitBreaker(store,
		WithMaxFailures(maxFailures),
		WithRetryTimeout(retryTimeoutTest),
		WithBreakerClock(clock.Now),
	)
}

func TestCircuitBreakerOpensAtThreshold(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	clock := newTestClock()
	breaker := newTestBreaker(clock, 3)

	for failure := 1; failure <= 2; failure++ {
		breaker.RecordFailure(ctx, serviceNameValue)
		if !breaker.IsAvailable(ctx, serviceNameValue) {
			test.Fatalf("breaker opened after %d failures", failure)
		}
	}
	breaker.RecordFailure(ctx, serviceNameValue)
	if breaker.IsAvailable(ctx, serviceNameValue) {
		test.Fatalf("expected breaker to open at threshold")
	}
	state, err := breaker.State(ctx, serviceNameValue)
	if err != nil {
		test.Fatalf("state: %v", err)
	}
	if state.State != StatusOpen || state.FailureCount != 3 {
		test.Fatalf("unexpected state %+v", state)
	}
	if !state.OpenedAt.Equal(clock.Now()) {
		test.Fatalf("expected openedAt %s, got %s", clock.Now(), state.OpenedAt)
	}
}

func TestCircuitBreakerHalfOpenAdmitsSingleProbe(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	clock := newTestClock()
	breaker := newTestBreaker(clock, 1)

	breaker.RecordFailure(ctx, serviceNameValue)
	clock.Advance(retryTimeoutTest - time.Second)
	if breaker.IsAvailable(ctx, serviceNameValue) {
		test.Fatalf("expected breaker closed to callers before cooldown")
	}
	clock.Advance(time.Second)

	state, err := breaker.State(ctx, serviceNameValue)
	if err != nil {
		test.Fatalf("state: %v", err)
	}
	if state.State != StatusHalfOpen {
		test.Fatalf("expected half_open, got %s", state.State)
	}
	if !breaker.IsAvailable(ctx, serviceNameValue) {
		test.Fatalf("expected first probe to be admitted")
	}
	if breaker.IsAvailable(ctx, serviceNameValue) {
		test.Fatalf("expected second caller to be rejected while probe runs")
	}
}

func TestCircuitBreakerProbeFailureReopens(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	clock := newTestClock()
	breaker := newTestBreaker(clock, 1)

	breaker.RecordFailure(ctx, serviceNameValue)
	clock.Advance(retryTimeoutTest)
	if !breaker.IsAvailable(ctx, serviceNameValue) {
		test.Fatalf("expected probe admission")
	}
	breaker.RecordFailure(ctx, serviceNameValue)
	if breaker.IsAvailable(ctx, serviceNameValue) {
		test.Fatalf("expected breaker to reopen after failed probe")
	}
	state, _ := breaker.State(ctx, serviceNameValue)
	if !state.OpenedAt.Equal(clock.Now()) {
		test.Fatalf("expected fresh openedAt, got %s", state.OpenedAt)
	}
	clock.Advance(retryTimeoutTest)
	if !breaker.IsAvailable(ctx, serviceNameValue) {
		test.Fatalf("expected new probe after second cooldown")
	}
}

func TestCircuitBreakerSuccessResets(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	clock := newTestClock()
	breaker := newTestBreaker(clock, 2)

	breaker.RecordFailure(ctx, serviceNameValue)
	breaker.RecordFailure(ctx, serviceNameValue)
	clock.Advance(retryTimeoutTest)
	if !breaker.IsAvailable(ctx, serviceNameValue) {
		test.Fatalf("expected probe admission")
	}
	breaker.RecordSuccess(ctx, serviceNameValue)

	state, err := breaker.State(ctx, serviceNameValue)
	if err != nil {
		test.Fatalf("state: %v", err)
	}
	if state.State != StatusClosed || state.FailureCount != 0 {
		test.Fatalf("expected closed with zero failures, got %+v", state)
	}
	breaker.RecordFailure(ctx, serviceNameValue)
	if !breaker.IsAvailable(ctx, serviceNameValue) {
		test.Fatalf("single failure after reset must not open the breaker")
	}
}

func TestCircuitBreakerIsolatesServices(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	breaker := newTestBreaker(newTestClock(), 1)
	breaker.RecordFailure(ctx, serviceNameValue)
	if !breaker.IsAvailable(ctx, "ad_platform.spend") {
		test.Fatalf("unrelated service affected by open circuit")
	}
}

func TestCircuitBreakerFailsOpenOnStoreErrors(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	logger := &recordingEventLogger{}
	breaker := NewCircuitBreaker(failingStateStore{}, WithBreakerLogger(logger))

	if !breaker.IsAvailable(ctx, serviceNameValue) {
		test.Fatalf("expected availability when store fails")
	}
	breaker.RecordFailure(ctx, serviceNameValue)
	breaker.RecordSuccess(ctx, serviceNameValue)
	kinds := logger.kinds()
	if len(kinds) != 3 {
		test.Fatalf("expected 3 degraded events, got %v", kinds)
	}
	for _, kind := range kinds {
		if kind != EventBreakerDegraded {
			test.Fatalf("unexpected event kind %s", kind)
		}
	}
	if _, err := breaker.State(ctx, serviceNameValue); !errors.Is(err, errStateStoreDown) {
		test.Fatalf("expected store error from State, got %v", err)
	}
}

func TestCircuitBreakerDefaults(test *testing.T) {
	test.Parallel()
	breaker := NewCircuitBreaker(nil)
	if breaker.MaxFailures() != DefaultMaxFailures {
		test.Fatalf("expected default threshold %d, got %d", DefaultMaxFailures, breaker.MaxFailures())
	}
	state, err := breaker.State(context.Background(), serviceNameValue)
	if err != nil {
		test.Fatalf("state: %v", err)
	}
	if state.State != StatusClosed || state.RetryTimeout != DefaultRetryTimeout {
		test.Fatalf("unexpected default state %+v", state)
	}
}

func TestMemoryStateStoreStampsOpenOnceUnderConcurrentFailures(test *testing.T) {
	test.Parallel()
	const (
		callers   = 64
		threshold = 10
	)
	base := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStateStore(16, time.Hour, func() time.Time { return base })
	ctx := context.Background()

	results := make([]CircuitState, callers)
	var group sync.WaitGroup
	for caller := 0; caller < callers; caller++ {
		group.Add(1)
		go func(caller int) {
			defer group.Done()
			state, err := store.IncrementFailures(ctx, serviceNameValue, threshold, base.Add(time.Duration(caller)*time.Millisecond))
			if err != nil {
				test.Errorf("increment: %v", err)
			}
			results[caller] = state
		}(caller)
	}
	group.Wait()

	var openedAt time.Time
	for caller, state := range results {
		if state.FailureCount == threshold {
			if !openedAt.IsZero() {
				test.Fatalf("threshold reached twice")
			}
			openedAt = base.Add(time.Duration(caller) * time.Millisecond)
		}
	}
	if openedAt.IsZero() {
		test.Fatalf("no caller crossed the threshold")
	}
	for _, state := range results {
		if state.FailureCount >= threshold && (state.State != StatusOpen || !state.OpenedAt.Equal(openedAt)) {
			test.Fatalf("expected a single open stamp at %s, got %+v", openedAt, state)
		}
	}
	final, err := store.Load(ctx, serviceNameValue)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if final.FailureCount != callers || final.State != StatusOpen || !final.OpenedAt.Equal(openedAt) {
		test.Fatalf("expected %d failures opened at %s, got %+v", callers, openedAt, final)
	}
}

func TestCircuitBreakerConcurrentCallers(test *testing.T) {
	test.Parallel()
	const callers = 32
	ctx := context.Background()
	clock := newTestClock()
	breaker := newTestBreaker(clock, 5)

	var group sync.WaitGroup
	for caller := 0; caller < callers; caller++ {
		group.Add(1)
		go func() {
			defer group.Done()
			breaker.RecordFailure(ctx, serviceNameValue)
		}()
	}
	group.Wait()
	state, err := breaker.State(ctx, serviceNameValue)
	if err != nil {
		test.Fatalf("state: %v", err)
	}
	if state.FailureCount != callers || state.State != StatusOpen {
		test.Fatalf("expected %d failures and an open circuit, got %+v", callers, state)
	}

	clock.Advance(retryTimeoutTest)
	var admitted sync.Map
	for caller := 0; caller < callers; caller++ {
		group.Add(1)
		go func(caller int) {
			defer group.Done()
			if breaker.IsAvailable(ctx, serviceNameValue) {
				admitted.Store(caller, true)
			}
		}(caller)
	}
	group.Wait()
	count := 0
	admitted.Range(func(any, any) bool {
		count++
		return true
	})
	if count != 1 {
		test.Fatalf("expected exactly one half-open trial, got %d", count)
	}
}
