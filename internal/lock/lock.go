// Package lock provides a Redis-backed distributed lock with fencing tokens.
//
// Each acquisition stores a random token under the lock key via SET NX PX.
// Release and extend are Lua scripts that compare the stored token first, so
// a holder whose TTL already expired can never delete or extend a lock that
// has since been acquired by someone else.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jpark-fin/bankops/internal/domain"
)

// DefaultRetryInterval is the poll interval used by Acquire between attempts.
const DefaultRetryInterval = 100 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

// Locker serializes access to shared balance state across service instances.
type Locker struct {
	client redis.UniversalClient

	// RetryInterval is the delay between Acquire attempts. Exposed so
	// deployments can trade acquisition latency against Redis load.
	RetryInterval time.Duration
}

// New creates a Locker on top of an existing Redis client.
func New(client redis.UniversalClient) *Locker {
	return &Locker{client: client, RetryInterval: DefaultRetryInterval}
}

// TryAcquire attempts a non-blocking acquisition of key for ttl. It returns
// the fencing token and true on success, or "" and false if the lock is
// already held. It never blocks waiting for the holder.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock %s: setnx: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Acquire polls TryAcquire at RetryInterval until it succeeds or maxWait
// elapses, in which case it fails with domain.ErrLockTimeout. Context
// cancellation aborts the wait early.
func (l *Locker) Acquire(ctx context.Context, key string, ttl, maxWait time.Duration) (string, error) {
	interval := l.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}

	deadline := time.Now().Add(maxWait)
	for {
		token, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("lock %s after %s: %w", key, maxWait, domain.ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Release deletes key only if it still holds token. A stale release (the
// lock expired and was re-acquired by another holder) is a silent no-op.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("lock %s: release: %w", key, err)
	}
	return nil
}

// Extend pushes the expiry out by additionalTTL from now, only if key still
// holds token. Returns false if ownership was lost.
func (l *Locker) Extend(ctx context.Context, key, token string, additionalTTL time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, l.client, []string{key}, token, additionalTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lock %s: extend: %w", key, err)
	}
	return res == 1, nil
}

// WithLock acquires key, runs fn, and releases on every exit path including
// a panic in fn. The release happens before WithLock returns.
func (l *Locker) WithLock(ctx context.Context, key string, ttl, maxWait time.Duration, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, key, ttl, maxWait)
	if err != nil {
		return err
	}
	defer l.Release(ctx, key, token)

	return fn(ctx)
}
