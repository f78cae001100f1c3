package pgstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	errorOperationLock  = "lock"
	errorSubjectAdvisor = "advisory"
	errorCodeAcquire    = "acquire"
	errorCodeConnect    = "connect"
	errorCodeRelease    = "release"

	sqlTryAdvisoryLock = `select pg_try_advisory_lock($1)`
	sqlAdvisoryUnlock  = `select pg_advisory_unlock($1)`
)

// Locker implements billing.Locker with postgres session advisory locks. Each held
// lock pins one pooled connection until released; the lock also ends when that
// connection closes, so the ttl argument is not needed.
type Locker struct {
	pool *pgxpool.Pool
}

// NewLocker returns a Locker backed by a pgx pool.
func NewLocker(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

// Connect opens a pgx pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, wrapLockError(errorCodeConnect, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapLockError(errorCodeConnect, err)
	}
	return pool, nil
}

func (locker *Locker) Acquire(ctx context.Context, key string, _ time.Duration) (billing.Lock, error) {
	conn, err := locker.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapLockError(errorCodeAcquire, err)
	}
	lockID := LockID(key)
	var acquired bool
	if err := conn.QueryRow(ctx, sqlTryAdvisoryLock, lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, wrapLockError(errorCodeAcquire, err)
	}
	if !acquired {
		conn.Release()
		return nil, billing.ErrLockHeld
	}
	return newAdvisoryLock(conn, lockID), nil
}

// sessionConn is the slice of *pgxpool.Conn an advisory lock needs.
type sessionConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Release()
}

type advisoryLock struct {
	conn    sessionConn
	discard func(ctx context.Context) error
	lockID  int64
}

func newAdvisoryLock(conn *pgxpool.Conn, lockID int64) *advisoryLock {
	return &advisoryLock{
		conn:    conn,
		lockID:  lockID,
		discard: func(ctx context.Context) error { return conn.Hijack().Close(ctx) },
	}
}

// Release unlocks and returns the connection to the pool. When the unlock cannot be
// confirmed the connection is closed instead, which ends the session and its locks.
func (lock *advisoryLock) Release(ctx context.Context) error {
	if lock.conn == nil {
		return nil
	}
	conn := lock.conn
	lock.conn = nil
	var released bool
	if err := conn.QueryRow(ctx, sqlAdvisoryUnlock, lock.lockID).Scan(&released); err != nil {
		if closeErr := lock.discard(context.WithoutCancel(ctx)); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return wrapLockError(errorCodeRelease, err)
	}
	conn.Release()
	if !released {
		return wrapLockError(errorCodeRelease, fmt.Errorf("advisory lock %d was not held", lock.lockID))
	}
	return nil
}

// LockID maps a lock key onto the int64 advisory lock space.
func LockID(key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(key))
	return int64(hasher.Sum64())
}

func wrapLockError(code string, err error) error {
	return ledger.WrapError(errorOperationLock, errorSubjectAdvisor, code, err)
}
