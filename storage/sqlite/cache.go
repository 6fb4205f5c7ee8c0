package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mws-restaurant/offline"
)

// Cache is an offline.Cache kept in the same database as a Store. Entries
// beyond maxEntries are evicted oldest stored first, matching
// offline.MemoryCache.
type Cache struct {
	store      *Store
	maxEntries int
}

var _ offline.Cache = (*Cache)(nil)

// NewCache returns a response cache sharing store's database. A
// maxEntries of zero or less leaves the cache unbounded.
func NewCache(store *Store, maxEntries int) *Cache {
	return &Cache{store: store, maxEntries: maxEntries}
}

func (c *Cache) Match(ctx context.Context, key string) (*offline.CachedResponse, bool, error) {
	sqlDB, err := c.store.db()
	if err != nil {
		return nil, false, err
	}
	var (
		resp     offline.CachedResponse
		header   string
		storedAt int64
	)
	err = sqlDB.QueryRowContext(ctx,
		`SELECT status, status_text, header, body, stored_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&resp.StatusCode, &resp.StatusText, &header, &resp.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, false, fmt.Errorf("decode cached header: %w", err)
	}
	resp.StoredAt = time.UnixMilli(storedAt).UTC()
	return &resp, true, nil
}

func (c *Cache) Put(ctx context.Context, key string, resp *offline.CachedResponse) error {
	if resp == nil {
		return fmt.Errorf("cached response is required")
	}
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode cached header: %w", err)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	sqlDB, err := c.store.db()
	if err != nil {
		return err
	}
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache put: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO cache_entries (key, status, status_text, header, body, stored_at, seq)
VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cache_entries))
ON CONFLICT(key) DO UPDATE SET
    status = excluded.status,
    status_text = excluded.status_text,
    header = excluded.header,
    body = excluded.body,
    stored_at = excluded.stored_at,
    seq = excluded.seq`,
		key, resp.StatusCode, resp.StatusText, string(headerJSON), body, storedAt.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	if c.maxEntries > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE key NOT IN (
    SELECT key FROM cache_entries ORDER BY seq DESC LIMIT ?
)`, c.maxEntries); err != nil {
			return fmt.Errorf("evict cache entries: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache put: %w", err)
	}
	return nil
}

func (c *Cache) Len(ctx context.Context) (int, error) {
	sqlDB, err := c.store.db()
	if err != nil {
		return 0, err
	}
	var n int
	if err := sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

// Keys returns the cached keys, most recently stored first.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	sqlDB, err := c.store.db()
	if err != nil {
		return nil, err
	}
	rows, err := sqlDB.QueryContext(ctx, `SELECT key FROM cache_entries ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close is a no-op; the Store owns the database handle.
func (c *Cache) Close() error {
	return nil
}
