package expense

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Locker serializes message handling per conversation
type Locker interface {
	// Lock blocks until the key is held and returns the function releasing it
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker. Entries are dropped once no goroutine
// holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires key, giving up when ctx is done
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, entry, false)
		return nil, fmt.Errorf("waiting for %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, entry, true) })
	}, nil
}

func (k *KeyedMutex) release(key string, entry *keyedEntry, held bool) {
	if held {
		<-entry.ch
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
}

// size reports how many keys are tracked
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// RedisLockOptions tunes the distributed lock
type RedisLockOptions struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultRedisLockOptions returns defaults sized for one message turn,
// which may include a slow extraction call.
func DefaultRedisLockOptions() RedisLockOptions {
	return RedisLockOptions{
		Expiry:     3 * time.Minute,
		Tries:      60,
		RetryDelay: 500 * time.Millisecond,
	}
}

// RedisLocker is a Locker shared by every replica, using RedLock through redsync
type RedisLocker struct {
	redsync *redsync.Redsync
	opts    RedisLockOptions
}

// NewRedisLocker creates a RedisLocker on an existing client
func NewRedisLocker(client redis.UniversalClient, opts RedisLockOptions) *RedisLocker {
	return &RedisLocker{
		redsync: redsync.New(goredis.NewPool(client)),
		opts:    opts,
	}
}

// Lock acquires the distributed lock for key
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	mutex := r.redsync.NewMutex(
		"expense:lock:"+key,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}

	return func() {
		// Unlock must not depend on the request context, which may be cancelled
		if ok, err := mutex.UnlockContext(context.Background()); !ok || err != nil {
			slog.Warn("Failed to release conversation lock", "key", key, "unlock_ok", ok, "error", err)
		}
	}, nil
}
