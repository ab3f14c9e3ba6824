// Package distlock keeps two batch drivers from producing the same date's
// callout at the same time.
package distlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing or extending a lock this holder no
// longer owns.
var ErrNotHeld = errors.New("lock not held")

// DistLock is a non-blocking mutual-exclusion lock. One instance belongs to
// one holder; concurrent holders need separate instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// NewLock returns a Redis lock when a client is configured and a
// process-local lock otherwise.
func NewLock(redisClient *redis.Client, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewLocalLock(key, ttl)
}

// RunKey is the lock key for one callout date.
func RunKey(date string) string { return "callout-run:" + date }

var (
	localMu    sync.Mutex
	localLocks = make(map[string]localEntry)
)

type localEntry struct {
	owner   *LocalLock
	expires time.Time
}

// LocalLock is an in-process lock with the same TTL semantics as RedisLock,
// used when Redis is not configured.
type LocalLock struct {
	key string
	ttl time.Duration
}

// NewLocalLock creates a process-local lock.
func NewLocalLock(key string, ttl time.Duration) *LocalLock {
	return &LocalLock{key: key, ttl: ttl}
}

// Acquire takes the lock unless another holder owns an unexpired entry.
func (l *LocalLock) Acquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	localMu.Lock()
	defer localMu.Unlock()
	now := time.Now()
	if e, ok := localLocks[l.key]; ok && e.owner != l && now.Before(e.expires) {
		return false, nil
	}
	localLocks[l.key] = localEntry{owner: l, expires: now.Add(l.ttl)}
	return true, nil
}

// Release drops the lock if this holder owns it.
func (l *LocalLock) Release(ctx context.Context) error {
	localMu.Lock()
	defer localMu.Unlock()
	if e, ok := localLocks[l.key]; !ok || e.owner != l {
		return ErrNotHeld
	}
	delete(localLocks, l.key)
	return nil
}
