package billing

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is a process-local Locker. Expired locks may be taken over.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	nowFn func() time.Time
	next  uint64
}

type memoryLease struct {
	token     uint64
	expiresAt time.Time
}

// NewMemoryLocker returns an empty process-local locker.
func NewMemoryLocker(now func() time.Time) *MemoryLocker {
	if now == nil {
		now = time.Now
	}
	return &MemoryLocker{held: make(map[string]memoryLease), nowFn: now}
}

func (locker *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	locker.mu.Lock()
	defer locker.mu.Unlock()
	now := locker.nowFn()
	if lease, ok := locker.held[key]; ok && now.Before(lease.expiresAt) {
		return nil, ErrLockHeld
	}
	locker.next++
	lease := memoryLease{token: locker.next, expiresAt: now.Add(ttl)}
	locker.held[key] = lease
	return &memoryLock{locker: locker, key: key, token: lease.token}, nil
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	token  uint64
}

func (lock *memoryLock) Release(context.Context) error {
	lock.locker.mu.Lock()
	defer lock.locker.mu.Unlock()
	if lease, ok := lock.locker.held[lock.key]; ok && lease.token == lock.token {
		delete(lock.locker.held, lock.key)
	}
	return nil
}

// MemoryRunStore is a process-local RunStore.
type MemoryRunStore struct {
	mu      sync.Mutex
	claims  map[string]RunClaim
	results map[string]Result
}

// NewMemoryRunStore returns an empty run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{claims: make(map[string]RunClaim), results: make(map[string]Result)}
}

func (store *MemoryRunStore) ClaimRun(_ context.Context, claim RunClaim) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.claims[claim.Key]; exists {
		return ErrRunAlreadyClaimed
	}
	store.claims[claim.Key] = claim
	return nil
}

func (store *MemoryRunStore) FinishRun(_ context.Context, key string, result Result) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.claims[key]; !exists {
		return ErrUnknownRun
	}
	store.results[key] = result
	return nil
}

func (store *MemoryRunStore) ReleaseRun(_ context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.claims, key)
	delete(store.results, key)
	return nil
}

// Result returns the recorded outcome of a finished run.
func (store *MemoryRunStore) Result(key string) (Result, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	result, ok := store.results[key]
	return result, ok
}
