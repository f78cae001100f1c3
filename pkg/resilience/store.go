package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMemoryStoreCapacity = 1024
	defaultMemoryStoreTTL      = 24 * time.Hour
)

// CircuitStatus is the breaker state of one protected service.
type CircuitStatus string

const (
	StatusClosed   CircuitStatus = "closed"
	StatusOpen     CircuitStatus = "open"
	StatusHalfOpen CircuitStatus = "half_open"
)

// CircuitState is the observable breaker state for a service.
type CircuitState struct {
	ServiceName  string
	FailureCount int
	State        CircuitStatus
	OpenedAt     time.Time
	RetryTimeout time.Duration
}

// StateStore persists breaker state. Implementations must make IncrementFailures
// and AcquireProbe atomic per service name, including across processes when shared.
type StateStore interface {
	// Load returns the stored state; unknown services are closed with zero failures.
	Load(ctx context.Context, serviceName string) (CircuitState, error)
	// IncrementFailures adds one failure and, once the count reaches threshold,
	// marks the service open at now and clears any probe marker. An open circuit
	// is stamped again only when a probe marker is present.
	IncrementFailures(ctx context.Context, serviceName string, threshold int, now time.Time) (CircuitState, error)
	// Reset closes the circuit, zeroes the count and clears the probe marker.
	Reset(ctx context.Context, serviceName string) error
	// AcquireProbe sets the half-open probe marker if absent. The marker expires after ttl.
	AcquireProbe(ctx context.Context, serviceName string, ttl time.Duration) (bool, error)
}

type memoryEntry struct {
	state      CircuitState
	probeUntil time.Time
}

// MemoryStateStore keeps breaker state in process. Idle entries expire after the TTL.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, memoryEntry]
	nowFn   func() time.Time
}

// NewMemoryStateStore creates an in-process store; zero values select defaults.
func NewMemoryStateStore(capacity int, ttl time.Duration, now func() time.Time) *MemoryStateStore {
	if capacity <= 0 {
		capacity = defaultMemoryStoreCapacity
	}
	if ttl <= 0 {
		ttl = defaultMemoryStoreTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStateStore{
		entries: expirable.NewLRU[string, memoryEntry](capacity, nil, ttl),
		nowFn:   now,
	}
}

func (store *MemoryStateStore) Load(_ context.Context, serviceName string) (CircuitState, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.entry(serviceName).state, nil
}

func (store *MemoryStateStore) IncrementFailures(_ context.Context, serviceName string, threshold int, now time.Time) (CircuitState, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	entry := store.entry(serviceName)
	entry.state.FailureCount++
	probing := !entry.probeUntil.IsZero()
	if entry.state.FailureCount >= threshold && (entry.state.State != StatusOpen || probing) {
		entry.state.State = StatusOpen
		entry.state.OpenedAt = now
		entry.probeUntil = time.Time{}
	}
	store.entries.Add(serviceName, entry)
	return entry.state, nil
}

func (store *MemoryStateStore) Reset(_ context.Context, serviceName string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.entries.Remove(serviceName)
	return nil
}

func (store *MemoryStateStore) AcquireProbe(_ context.Context, serviceName string, ttl time.Duration) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	entry := store.entry(serviceName)
	now := store.nowFn()
	if now.Before(entry.probeUntil) {
		return false, nil
	}
	entry.probeUntil = now.Add(ttl)
	store.entries.Add(serviceName, entry)
	return true, nil
}

func (store *MemoryStateStore) entry(serviceName string) memoryEntry {
	entry, ok := store.entries.Get(serviceName)
	if !ok {
		return memoryEntry{state: CircuitState{ServiceName: serviceName, State: StatusClosed}}
	}
	return entry
}
