package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PostingLockKey builds the exclusive lock key for a (tenant, series) posting section.
func PostingLockKey(tenant uuid.UUID, series string) string {
	return fmt.Sprintf("posting:%s:%s:lock", tenant, series)
}

// TicketLockKey builds the exclusive lock key for a repair ticket.
func TicketLockKey(tenant, ticketID uuid.UUID) string {
	return fmt.Sprintf("repair:%s:%s:lock", tenant, ticketID)
}

// Locker hands out exclusive locks with a bounded wait. When the lock cannot be
// obtained within the wait bound the Acquire call fails with ErrLocked.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Unlocker, error)
}

// Unlocker releases a held lock.
type Unlocker interface {
	Release(ctx context.Context) error
}

// RedisLocker implements Locker on top of bsm/redislock.
type RedisLocker struct {
	client *redislock.Client
	wait   time.Duration
}

// NewRedisLocker constructs a RedisLocker. wait bounds the total time spent
// retrying lock acquisition.
func NewRedisLocker(rdb redis.UniversalClient, wait time.Duration) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), wait: wait}
}

// Acquire obtains the lock or fails with ErrLocked after the bounded wait.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Unlocker, error) {
	retryEvery := 50 * time.Millisecond
	retries := int(l.wait / retryEvery)
	if retries < 1 {
		retries = 1
	}
	lock, err := l.client.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(retryEvery), retries),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, key)
		}
		return nil, fmt.Errorf("shared: obtain lock %s: %w", key, err)
	}
	return redisUnlocker{lock: lock}, nil
}

type redisUnlocker struct {
	lock *redislock.Lock
}

func (u redisUnlocker) Release(ctx context.Context) error {
	if err := u.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return err
	}
	return nil
}

// LocalLocker is an in-process Locker used by tests and single-node deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
	wait time.Duration
}

// NewLocalLocker constructs a LocalLocker with the given wait bound.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{}), wait: wait}
}

// Acquire obtains the lock or fails with ErrLocked after the bounded wait.
func (l *LocalLocker) Acquire(ctx context.Context, key string, _ time.Duration) (Unlocker, error) {
	deadline := time.Now().Add(l.wait)
	for {
		l.mu.Lock()
		ch, busy := l.held[key]
		if !busy {
			l.held[key] = make(chan struct{})
			l.mu.Unlock()
			return &localUnlocker{locker: l, key: key}, nil
		}
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrLocked, key)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s", ErrLocked, key)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

type localUnlocker struct {
	locker *LocalLocker
	key    string
	once   sync.Once
}

func (u *localUnlocker) Release(context.Context) error {
	u.once.Do(func() {
		u.locker.mu.Lock()
		ch := u.locker.held[u.key]
		delete(u.locker.held, u.key)
		u.locker.mu.Unlock()
		if ch != nil {
			close(ch)
		}
	})
	return nil
}
