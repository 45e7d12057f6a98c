package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS weather_entries (
	cache_key TEXT PRIMARY KEY,
	city TEXT NOT NULL,
	record BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// SQLiteStore implements Store in a SQLite file, so entries survive restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
// Use ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createEntriesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store. Rows past expires_at are reported as misses.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var (
		city      string
		raw       []byte
		storedAt  int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT city, record, stored_at, expires_at FROM weather_entries WHERE cache_key = ?`, key,
	).Scan(&city, &raw, &storedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("sqlite get: %w", err)
	}
	if time.Now().UnixNano() > expiresAt {
		return Entry{}, false, nil
	}

	e := Entry{City: city, StoredAt: time.Unix(0, storedAt)}
	if err := json.Unmarshal(raw, &e.Record); err != nil {
		return Entry{}, false, fmt.Errorf("sqlite decode: %w", err)
	}
	return e, true, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	raw, err := json.Marshal(entry.Record)
	if err != nil {
		return fmt.Errorf("sqlite encode: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO weather_entries (cache_key, city, record, stored_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key, entry.City, raw, entry.StoredAt.UnixNano(), time.Now().Add(ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite set: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows past their expiry and returns how many were removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM weather_entries WHERE expires_at < ?`, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite purge: %w", err)
	}
	return res.RowsAffected()
}

// Ping implements Pinger.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Name implements Store.
func (s *SQLiteStore) Name() string { return "sqlite" }
