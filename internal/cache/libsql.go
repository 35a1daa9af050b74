package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

const createStepCacheTable = `CREATE TABLE IF NOT EXISTS step_cache (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at INTEGER
)`

// LibSQLCache is a StepCache persisted in a libSQL (embedded SQLite fork)
// table. Expired rows are ignored on read and removed by Purge.
type LibSQLCache struct {
	db    *sql.DB
	owned bool
	now   func() time.Time
}

// OpenLibSQLCache opens a libSQL database at path (e.g. "file:/tmp/cache.db")
// and prepares the step_cache table. Close releases the database.
func OpenLibSQLCache(ctx context.Context, path string) (*LibSQLCache, error) {
	db, err := sql.Open("libsql", path)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		var result string
		_ = db.QueryRowContext(ctx, p).Scan(&result)
	}

	c, err := NewLibSQLCache(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.owned = true
	return c, nil
}

// NewLibSQLCache uses an already open database, such as the run history
// store's, creating the step_cache table if needed.
func NewLibSQLCache(ctx context.Context, db *sql.DB) (*LibSQLCache, error) {
	if _, err := db.ExecContext(ctx, createStepCacheTable); err != nil {
		return nil, fmt.Errorf("create step_cache: %w", err)
	}
	return &LibSQLCache{db: db, now: time.Now}, nil
}

// Get implements StepCache.
func (c *LibSQLCache) Get(ctx context.Context, key string) (any, bool, error) {
	var data string
	var expiresAt sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM step_cache WHERE key = ?`, key,
	).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read step_cache: %w", err)
	}
	if expiresAt.Valid && c.now().UnixMilli() >= expiresAt.Int64 {
		return nil, false, nil
	}
	v, err := decode([]byte(data))
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set implements StepCache.
func (c *LibSQLCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: c.now().Add(ttl).UnixMilli(), Valid: true}
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO step_cache (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, string(data), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("write step_cache: %w", err)
	}
	return nil
}

// Purge deletes expired rows and reports how many were removed.
func (c *LibSQLCache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM step_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, c.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge step_cache: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database if the cache opened it.
func (c *LibSQLCache) Close() error {
	if !c.owned {
		return nil
	}
	return c.db.Close()
}

var _ StepCache = (*LibSQLCache)(nil)
