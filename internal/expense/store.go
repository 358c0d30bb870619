package expense

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a flow survives without a new message
const DefaultTTL = 15 * time.Minute

// ErrNoActiveFlow is returned when a conversation has no live flow
var ErrNoActiveFlow = errors.New("no active flow")

// Store persists one flow per conversation.
//
// Expiry guarantee: a flow whose ExpiresAt has passed is never returned by
// Get. Backends without native expiry delete it on the read that notices it.
// Writes are last-write-wins; callers serialize per conversation.
type Store interface {
	// Get returns the live flow or ErrNoActiveFlow
	Get(ctx context.Context, key Key) (*State, error)

	// Set upserts the flow and renews its expiry
	Set(ctx context.Context, key Key, payload Payload) error

	// Clear removes the flow, returning nil when there is none
	Clear(ctx context.Context, key Key) error

	// Close releases the backend
	Close() error
}

// Purger is implemented by stores that can drop expired flows in bulk
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// storeClock is shared by every backend for expiry arithmetic
type storeClock struct {
	ttl  time.Duration
	time TimeSource
}

func newStoreClock(ttl time.Duration, ts TimeSource) storeClock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ts == nil {
		ts = &defaultTimeSource{}
	}
	return storeClock{ttl: ttl, time: ts}
}

func (c storeClock) now() time.Time {
	return c.time.Now()
}

func (c storeClock) expiresAt() time.Time {
	return c.time.Now().Add(c.ttl)
}
