package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a file backed Backend, one row per key.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the cache database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("search cache open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS search_cache (
		key        TEXT PRIMARY KEY,
		json       TEXT NOT NULL,
		fetched_at TIMESTAMP NOT NULL,
		expires_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("search cache schema: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_search_cache_expires_at ON search_cache(expires_at)`)
	return &SQLite{db: db, now: time.Now}, nil
}

func (c *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var raw string
	err := c.db.QueryRowContext(ctx,
		`SELECT json FROM search_cache WHERE key = ? AND expires_at > ?`, key, c.now().UnixNano()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(raw), true, nil
}

func (c *SQLite) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	now := c.now()
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO search_cache(key, json, fetched_at, expires_at) VALUES(?,?,?,?)`,
		key, string(val), now.UTC(), now.Add(ttl).UnixNano())
	return err
}

// Prune deletes expired rows and returns how many were removed.
func (c *SQLite) Prune(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM search_cache WHERE expires_at <= ?`, c.now().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *SQLite) Close() error { return c.db.Close() }
