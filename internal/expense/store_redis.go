package expense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "expense:flow:"

// RedisStore implements the Store interface on Redis. Keys carry a native
// TTL equal to the flow expiry, so expired flows vanish without a read.
type RedisStore struct {
	client redis.UniversalClient
	clock  storeClock
}

// NewRedisStore creates a store on an existing client
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return NewRedisStoreWithClock(client, ttl, nil)
}

// NewRedisStoreWithClock creates a RedisStore with a custom time source for testing
func NewRedisStoreWithClock(client redis.UniversalClient, ttl time.Duration, ts TimeSource) *RedisStore {
	return &RedisStore{client: client, clock: newStoreClock(ttl, ts)}
}

func redisKey(key Key) string {
	return fmt.Sprintf("%s{%s}:%s", redisKeyPrefix, key.Tenant, key.Conversation)
}

// Get returns the live flow
func (r *RedisStore) Get(ctx context.Context, key Key) (*State, error) {
	data, err := r.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoActiveFlow
	}
	if err != nil {
		return nil, fmt.Errorf("reading flow: %w", err)
	}

	state, err := decodeState(key, data)
	if err != nil {
		slog.Warn("Discarding unreadable flow", "key", key.String(), "error", err)
		return nil, r.discard(ctx, key)
	}
	// The key TTL and our clock may disagree slightly
	if state.Expired(r.clock.now()) {
		return nil, r.discard(ctx, key)
	}
	return state, nil
}

func (r *RedisStore) discard(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("deleting stale flow: %w", err)
	}
	return ErrNoActiveFlow
}

// Set upserts the flow with a fresh expiry
func (r *RedisStore) Set(ctx context.Context, key Key, payload Payload) error {
	data, err := encodeState(payload, r.clock.expiresAt())
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisKey(key), data, r.clock.ttl).Err(); err != nil {
		return fmt.Errorf("writing flow: %w", err)
	}
	return nil
}

// Clear removes the flow
func (r *RedisStore) Clear(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("clearing flow: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (r *RedisStore) Close() error {
	return r.client.Close()
}
