// Package sqlite provides a durable SQLite-backed offline store and
// response cache.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mws-restaurant/offline"
	"github.com/mws-restaurant/offline/internal/migrate"
	"github.com/mws-restaurant/offline/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists restaurants and reviews in SQLite. Records are kept as
// JSON documents next to the columns their indexes cover.
type Store struct {
	path string

	mu    sync.RWMutex
	sqlDB *sql.DB
}

var _ offline.Store = (*Store)(nil)

// New returns an unopened store for the database file at path.
func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	return &Store{path: filepath.Clean(path)}, nil
}

// Open opens a SQLite store at path and applies the embedded schema.
func Open(path string) (*Store, error) {
	s, err := New(path)
	if err != nil {
		return nil, err
	}
	if err := s.Open(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Open connects to the database and ensures both collections and their
// indexes exist. Calling it again on an open store only re-checks the schema.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sqlDB == nil {
		// Replays write concurrently, so every pooled connection needs the busy timeout.
		dsn := s.path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
		sqlDB, err := sql.Open("sqlite", dsn)
		if err != nil {
			return fmt.Errorf("open sqlite db: %w", err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return fmt.Errorf("ping sqlite db: %w", err)
		}
		s.sqlDB = sqlDB
	}
	if err := migrate.Apply(ctx, s.sqlDB, migrations.FS, ""); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the SQLite handle. Operations after Close fail with
// offline.ErrStoreClosed until the store is opened again.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sqlDB == nil {
		return nil
	}
	err := s.sqlDB.Close()
	s.sqlDB = nil
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) db() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sqlDB == nil {
		return nil, offline.ErrStoreClosed
	}
	return s.sqlDB, nil
}

// ── Restaurants ──────────────────────────────────────────

func (s *Store) PutRestaurants(ctx context.Context, records []offline.Restaurant) error {
	return s.inTx(ctx, "put", offline.Restaurants, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO restaurants (id, neighborhood, cuisine_type, doc)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    neighborhood = excluded.neighborhood,
    cuisine_type = excluded.cuisine_type,
    doc = excluded.doc`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range records {
			doc, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode restaurant %d: %w", r.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.Neighborhood, r.CuisineType, string(doc)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) AllRestaurants(ctx context.Context) ([]offline.Restaurant, error) {
	return queryDocs[offline.Restaurant](ctx, s, `SELECT doc FROM restaurants ORDER BY id`)
}

func (s *Store) RestaurantsByIndex(ctx context.Context, idx offline.Index, value any) ([]offline.Restaurant, error) {
	field, err := offline.IndexField(offline.Restaurants, idx)
	if err != nil {
		return nil, err
	}
	return queryDocs[offline.Restaurant](ctx, s,
		`SELECT doc FROM restaurants WHERE `+field+` = ? ORDER BY id`, bindValue(value))
}

// ── Reviews ──────────────────────────────────────────────

func (s *Store) PutReviews(ctx context.Context, records []offline.Review) error {
	return s.inTx(ctx, "put", offline.Reviews, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO reviews (id, restaurant_id, deferred, doc)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    restaurant_id = excluded.restaurant_id,
    deferred = excluded.deferred,
    doc = excluded.doc`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range records {
			doc, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode review %d: %w", r.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.RestaurantID, r.Deferred, string(doc)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) AllReviews(ctx context.Context) ([]offline.Review, error) {
	return queryDocs[offline.Review](ctx, s, `SELECT doc FROM reviews ORDER BY id`)
}

func (s *Store) ReviewsByIndex(ctx context.Context, idx offline.Index, value any) ([]offline.Review, error) {
	field, err := offline.IndexField(offline.Reviews, idx)
	if err != nil {
		return nil, err
	}
	return queryDocs[offline.Review](ctx, s,
		`SELECT doc FROM reviews WHERE `+field+` = ? ORDER BY id`, bindValue(value))
}

// DeferredReviews returns the reviews still waiting for the server, using
// the deferred column instead of scanning every document.
func (s *Store) DeferredReviews(ctx context.Context) ([]offline.Review, error) {
	return queryDocs[offline.Review](ctx, s, `SELECT doc FROM reviews WHERE deferred = 1 ORDER BY id`)
}

// ── Shared ───────────────────────────────────────────────

func (s *Store) Count(ctx context.Context, c offline.Collection) (int, error) {
	table, err := tableFor(c)
	if err != nil {
		return 0, err
	}
	sqlDB, err := s.db()
	if err != nil {
		return 0, err
	}
	var n int
	if err := sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, c offline.Collection, id int64) error {
	table, err := tableFor(c)
	if err != nil {
		return offline.TxError("delete", c, err)
	}
	return s.inTx(ctx, "delete", c, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
		return err
	})
}

func (s *Store) inTx(ctx context.Context, op string, c offline.Collection, fn func(*sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return offline.TxError(op, c, err)
	}
	sqlDB, err := s.db()
	if err != nil {
		return offline.TxError(op, c, err)
	}
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return offline.TxError(op, c, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return offline.TxError(op, c, err)
	}
	return offline.TxError(op, c, tx.Commit())
}

func queryDocs[T any](ctx context.Context, s *Store, query string, args ...any) ([]T, error) {
	sqlDB, err := s.db()
	if err != nil {
		return nil, err
	}
	rows, err := sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var record T
		if err := json.Unmarshal([]byte(doc), &record); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func tableFor(c offline.Collection) (string, error) {
	switch c {
	case offline.Restaurants:
		return "restaurants", nil
	case offline.Reviews:
		return "reviews", nil
	}
	return "", fmt.Errorf("%w: %q", offline.ErrUnknownCollection, c)
}

// bindValue maps an index lookup value onto the column's storage class so
// restaurant_id 1 matches whether the caller passed an int or a float64.
// Unsigned values beyond int64 bind as REAL, which equals no stored id.
func bindValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n)
		}
		return float64(n)
	case uint32:
		return int64(n)
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n)
		}
		return float64(n)
	case float32:
		if inInt64Range(float64(n)) && float32(int64(n)) == n {
			return int64(n)
		}
		return float64(n)
	case float64:
		if inInt64Range(n) && float64(int64(n)) == n {
			return int64(n)
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		return n.String()
	}
	return v
}

func inInt64Range(f float64) bool {
	return f >= math.MinInt64 && f < math.MaxInt64
}
