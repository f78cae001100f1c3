package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLockScript deletes the lock only while it still carries our token.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker implements billing.Locker with SET NX PX leases.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

// NewLocker wraps a redis client. An empty prefix selects the default namespace.
func NewLocker(client redis.UniversalClient, prefix string) *Locker {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Locker{client: client, prefix: prefix}
}

func (locker *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (billing.Lock, error) {
	lockKey := locker.prefix + ":lock:" + key
	token := uuid.NewString()
	acquired, err := locker.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, billing.ErrLockHeld
	}
	return &redisLock{client: locker.client, key: lockKey, token: token}, nil
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Release is a no-op once the lease expired and another holder took over.
func (lock *redisLock) Release(ctx context.Context) error {
	if err := releaseLockScript.Run(ctx, lock.client, []string{lock.key}, lock.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", lock.key, err)
	}
	return nil
}
