package expense

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

const flowBucketName = "flows"

// BoltStore implements the Store interface using BoltDB
type BoltStore struct {
	db    *bbolt.DB
	clock storeClock
}

// NewBoltStore creates a new BoltStore instance
func NewBoltStore(path string, ttl time.Duration) (*BoltStore, error) {
	return NewBoltStoreWithClock(path, ttl, nil)
}

// NewBoltStoreWithClock creates a BoltStore with a custom time source for testing
func NewBoltStoreWithClock(path string, ttl time.Duration, ts TimeSource) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(flowBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db, clock: newStoreClock(ttl, ts)}, nil
}

// boltKey separates tenant and conversation with a byte neither can contain
func boltKey(key Key) []byte {
	return []byte(key.Tenant + "\x00" + key.Conversation)
}

// Get returns the live flow, deleting it if it expired or cannot be decoded
func (b *BoltStore) Get(ctx context.Context, key Key) (*State, error) {
	var state *State
	// Returning an error would roll back the delete, so stale records only reset state
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(flowBucketName))
		data := bucket.Get(boltKey(key))
		if data == nil {
			return nil
		}

		decoded, err := decodeState(key, data)
		if err != nil {
			slog.Warn("Discarding unreadable flow", "key", key.String(), "error", err)
			return bucket.Delete(boltKey(key))
		}
		if decoded.Expired(b.clock.now()) {
			return bucket.Delete(boltKey(key))
		}

		state = decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading flow: %w", err)
	}
	if state == nil {
		return nil, ErrNoActiveFlow
	}
	return state, nil
}

// Set upserts the flow with a fresh expiry
func (b *BoltStore) Set(ctx context.Context, key Key, payload Payload) error {
	data, err := encodeState(payload, b.clock.expiresAt())
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(flowBucketName)).Put(boltKey(key), data)
	})
}

// Clear removes the flow
func (b *BoltStore) Clear(ctx context.Context, key Key) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(flowBucketName)).Delete(boltKey(key))
	})
}

// Purge deletes every expired or unreadable flow
func (b *BoltStore) Purge(ctx context.Context) (int, error) {
	now := b.clock.now()
	purged := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(flowBucketName))
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			state, err := decodeState(Key{}, v)
			if err != nil || state.Expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		purged = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purging flows: %w", err)
	}
	return purged, nil
}

// Close closes the database connection
func (b *BoltStore) Close() error {
	return b.db.Close()
}
