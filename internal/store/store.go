// Package store is the durable secondary cache behind the in-memory
// window cache. It is written through on every successful fetch and is
// never a source of truth: a malformed row is treated as a miss and
// dropped.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	applog "friendcal/internal/log"
	"friendcal/internal/model"
)

// ErrCacheCorrupt reports a durable row whose payload no longer
// decodes. Callers treat it as a miss; the row is deleted.
var ErrCacheCorrupt = errors.New("corrupt cache payload")

const schema = `
CREATE TABLE IF NOT EXISTS window_cache (
	owner_id   TEXT NOT NULL,
	window_key TEXT NOT NULL,
	payload    TEXT NOT NULL,
	written_at INTEGER NOT NULL,
	PRIMARY KEY (owner_id, window_key)
);
`

// Store is a SQLite-backed key-value cache keyed identically to the
// in-memory window cache. Safe for concurrent use.
type Store struct {
	pool *sqlitex.Pool
	path string
}

// Open creates or opens the cache database at path. The parent
// directory must exist. The caller must Close the store when done.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 4,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	applog.Info("fallback store opened", "path", path)
	return &Store{pool: pool, path: path}, nil
}

// prepareConnection applies pragmas and the schema. Runs once per
// connection on first use.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}
	return nil
}

// Save writes through the merged events for (owner, windowKey),
// replacing any previous row.
func (s *Store) Save(ctx context.Context, ownerID, windowKey string, events []model.FriendEvent, writtenAt time.Time) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("store: encoding payload: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO window_cache (owner_id, window_key, payload, written_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{ownerID, windowKey, string(payload), writtenAt.UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("store: save %s/%s: %w", ownerID, windowKey, err)
	}
	return nil
}

// Load reads the row for (owner, windowKey). The third return reports
// whether a usable row existed. A row whose payload fails to decode is
// deleted and reported as a miss with ErrCacheCorrupt.
func (s *Store) Load(ctx context.Context, ownerID, windowKey string) ([]model.FriendEvent, time.Time, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	var payload string
	var writtenAtMilli int64
	found := false

	err = sqlitex.Execute(conn,
		`SELECT payload, written_at FROM window_cache WHERE owner_id = ? AND window_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{ownerID, windowKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload = stmt.ColumnText(0)
				writtenAtMilli = stmt.ColumnInt64(1)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("store: load %s/%s: %w", ownerID, windowKey, err)
	}
	if !found {
		return nil, time.Time{}, false, nil
	}

	var events []model.FriendEvent
	if err := json.Unmarshal([]byte(payload), &events); err != nil {
		// Corruption is a miss, not a fault. Drop the row so the next
		// fetch rewrites it.
		applog.Error("dropping corrupt cache row", err, "owner_id", ownerID, "window_key", windowKey)
		if delErr := sqlitex.Execute(conn,
			`DELETE FROM window_cache WHERE owner_id = ? AND window_key = ?`,
			&sqlitex.ExecOptions{Args: []any{ownerID, windowKey}}); delErr != nil {
			applog.Error("deleting corrupt cache row failed", delErr, "owner_id", ownerID)
		}
		return nil, time.Time{}, false, fmt.Errorf("%w: %v", ErrCacheCorrupt, err)
	}

	return events, time.UnixMilli(writtenAtMilli).UTC(), true, nil
}

// PurgeOwner deletes every row for the owner and only that owner, in
// one statement so no orphaned rows survive a partial failure.
func (s *Store) PurgeOwner(ctx context.Context, ownerID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM window_cache WHERE owner_id = ?`,
		&sqlitex.ExecOptions{Args: []any{ownerID}})
	if err != nil {
		return fmt.Errorf("store: purge %s: %w", ownerID, err)
	}
	return nil
}

// OwnerRows reports how many rows an owner holds. Used for status and
// tests.
func (s *Store) OwnerRows(ctx context.Context, ownerID string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM window_cache WHERE owner_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{ownerID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: counting rows for %s: %w", ownerID, err)
	}
	return count, nil
}

// Close closes all connections in the pool.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	return nil
}
