package expense

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrStoreClosed is returned by a SQLiteStore after Close
var ErrStoreClosed = errors.New("flow store closed")

// SQLiteStore implements the Store interface on SQLite
type SQLiteStore struct {
	db     *sql.DB
	clock  storeClock
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens or creates the flow database at path
func NewSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	return NewSQLiteStoreWithClock(path, ttl, nil)
}

// NewSQLiteStoreWithClock creates a SQLiteStore with a custom time source for testing
func NewSQLiteStoreWithClock(path string, ttl time.Duration, ts TimeSource) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_states (
			tenant TEXT NOT NULL,
			conversation TEXT NOT NULL,
			step TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (tenant, conversation)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_flow_states_expires_at
		ON flow_states(expires_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db, clock: newStoreClock(ttl, ts)}, nil
}

// Get returns the live flow, deleting it if it expired or cannot be decoded
func (s *SQLiteStore) Get(ctx context.Context, key Key) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM flow_states
		WHERE tenant = ? AND conversation = ?
	`, key.Tenant, key.Conversation).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveFlow
	}
	if err != nil {
		return nil, fmt.Errorf("load flow: %w", err)
	}

	state, err := decodeState(key, data)
	if err != nil {
		slog.Warn("Discarding unreadable flow", "key", key.String(), "error", err)
		return nil, s.deleteLocked(ctx, key)
	}
	if state.Expired(s.clock.now()) {
		return nil, s.deleteLocked(ctx, key)
	}
	return state, nil
}

func (s *SQLiteStore) deleteLocked(ctx context.Context, key Key) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM flow_states WHERE tenant = ? AND conversation = ?
	`, key.Tenant, key.Conversation); err != nil {
		return fmt.Errorf("delete stale flow: %w", err)
	}
	return ErrNoActiveFlow
}

// Set upserts the flow with a fresh expiry
func (s *SQLiteStore) Set(ctx context.Context, key Key, payload Payload) error {
	expiresAt := s.clock.expiresAt()
	data, err := encodeState(payload, expiresAt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_states (tenant, conversation, step, expires_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant, conversation) DO UPDATE SET
			step = excluded.step,
			expires_at = excluded.expires_at,
			data = excluded.data
	`, key.Tenant, key.Conversation, string(payload.Step()), expiresAt.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	return nil
}

// Clear removes the flow
func (s *SQLiteStore) Clear(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM flow_states WHERE tenant = ? AND conversation = ?
	`, key.Tenant, key.Conversation); err != nil {
		return fmt.Errorf("clear flow: %w", err)
	}
	return nil
}

// Purge deletes every expired flow
func (s *SQLiteStore) Purge(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM flow_states WHERE expires_at < ?
	`, s.clock.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge flows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge flows: %w", err)
	}
	return int(n), nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
