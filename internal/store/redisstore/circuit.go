// Package redisstore shares breaker state and billing locks between processes through Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/resilience"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix      = "adspend"
	defaultStateRetention = 24 * time.Hour
	fieldFailures         = "failures"
	fieldState            = "state"
	fieldOpenedAt         = "opened_at"
	probeMarker           = "1"
)

// incrementFailuresScript bumps the failure counter and opens the circuit at the
// threshold in one round trip. An open circuit is re-stamped only while a probe
// marker exists. Returns {failures, state, opened_at_ms}.
var incrementFailuresScript = redis.NewScript(`
local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
if failures >= tonumber(ARGV[1]) then
  local current = redis.call('HGET', KEYS[1], 'state')
  if current ~= 'open' or redis.call('EXISTS', KEYS[2]) == 1 then
    redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[2])
    redis.call('DEL', KEYS[2])
  end
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local openedAt = redis.call('HGET', KEYS[1], 'opened_at') or '0'
return {failures, state, openedAt}
`)

// CircuitStore implements resilience.StateStore over Redis hashes keyed
// "<prefix>:circuit:<service>" with a separate probe marker key.
type CircuitStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// CircuitStoreOption configures a CircuitStore.
type CircuitStoreOption func(*CircuitStore)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) CircuitStoreOption {
	return func(store *CircuitStore) {
		if prefix != "" {
			store.prefix = prefix
		}
	}
}

// WithStateRetention sets how long idle breaker state is kept.
func WithStateRetention(retention time.Duration) CircuitStoreOption {
	return func(store *CircuitStore) {
		if retention > 0 {
			store.retention = retention
		}
	}
}

// NewCircuitStore wraps a redis client.
func NewCircuitStore(client redis.UniversalClient, options ...CircuitStoreOption) *CircuitStore {
	store := &CircuitStore{client: client, prefix: defaultKeyPrefix, retention: defaultStateRetention}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

func (store *CircuitStore) Load(ctx context.Context, serviceName string) (resilience.CircuitState, error) {
	values, err := store.client.HGetAll(ctx, store.stateKey(serviceName)).Result()
	if err != nil {
		return resilience.CircuitState{}, fmt.Errorf("load circuit %s: %w", serviceName, err)
	}
	state := resilience.CircuitState{ServiceName: serviceName, State: resilience.StatusClosed}
	if raw, ok := values[fieldFailures]; ok {
		failures, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			return resilience.CircuitState{}, fmt.Errorf("parse circuit %s failures: %w", serviceName, parseErr)
		}
		state.FailureCount = failures
	}
	if raw, ok := values[fieldState]; ok && raw != "" {
		state.State = resilience.CircuitStatus(raw)
	}
	if raw, ok := values[fieldOpenedAt]; ok {
		openedAt, parseErr := parseMillis(raw)
		if parseErr != nil {
			return resilience.CircuitState{}, fmt.Errorf("parse circuit %s opened_at: %w", serviceName, parseErr)
		}
		state.OpenedAt = openedAt
	}
	return state, nil
}

func (store *CircuitStore) IncrementFailures(ctx context.Context, serviceName string, threshold int, now time.Time) (resilience.CircuitState, error) {
	keys := []string{store.stateKey(serviceName), store.probeKey(serviceName)}
	raw, err := incrementFailuresScript.Run(ctx, store.client, keys, threshold, now.UnixMilli(), store.retention.Milliseconds()).Slice()
	if err != nil {
		return resilience.CircuitState{}, fmt.Errorf("increment circuit %s: %w", serviceName, err)
	}
	if len(raw) != 3 {
		return resilience.CircuitState{}, fmt.Errorf("increment circuit %s: unexpected reply %v", serviceName, raw)
	}
	failures, ok := raw[0].(int64)
	if !ok {
		return resilience.CircuitState{}, fmt.Errorf("increment circuit %s: unexpected failure count %v", serviceName, raw[0])
	}
	state := resilience.CircuitState{
		ServiceName:  serviceName,
		FailureCount: int(failures),
		State:        resilience.CircuitStatus(fmt.Sprint(raw[1])),
	}
	openedAt, err := parseMillis(fmt.Sprint(raw[2]))
	if err != nil {
		return resilience.CircuitState{}, fmt.Errorf("increment circuit %s: %w", serviceName, err)
	}
	state.OpenedAt = openedAt
	return state, nil
}

func (store *CircuitStore) Reset(ctx context.Context, serviceName string) error {
	if err := store.client.Del(ctx, store.stateKey(serviceName), store.probeKey(serviceName)).Err(); err != nil {
		return fmt.Errorf("reset circuit %s: %w", serviceName, err)
	}
	return nil
}

func (store *CircuitStore) AcquireProbe(ctx context.Context, serviceName string, ttl time.Duration) (bool, error) {
	acquired, err := store.client.SetNX(ctx, store.probeKey(serviceName), probeMarker, ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("acquire probe %s: %w", serviceName, err)
	}
	return acquired, nil
}

func (store *CircuitStore) stateKey(serviceName string) string {
	return store.prefix + ":circuit:" + serviceName
}

func (store *CircuitStore) probeKey(serviceName string) string {
	return store.stateKey(serviceName) + ":probe"
}

func parseMillis(raw string) (time.Time, error) {
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if millis == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(millis).UTC(), nil
}
