// Package migrate applies embedded SQL schema files to a SQLite database.
// Each file runs at most once; re-running Apply against an initialized
// database leaves tables and data untouched.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// Table records which schema files have been applied.
const Table = "schema_versions"

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// Apply runs every *.sql file under dir in fsys, in lexical order, skipping
// files already recorded in Table. Each file runs in its own transaction.
func Apply(ctx context.Context, db *sql.DB, fsys fs.FS, dir string) error {
	if db == nil {
		return errors.New("sql db is required")
	}
	dir = strings.Trim(strings.TrimSpace(dir), "/")
	if dir == "" {
		dir = "."
	}

	files, err := schemaFiles(fsys, dir)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+Table+` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure %s: %w", Table, err)
	}

	for _, name := range files {
		key := name
		if dir != "." {
			key = path.Join(dir, name)
		}
		if err := applyFile(ctx, db, fsys, key); err != nil {
			return err
		}
	}
	return nil
}

func schemaFiles(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func applyFile(ctx context.Context, db *sql.DB, fsys fs.FS, key string) error {
	done, err := applied(ctx, db, key)
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if done {
		return nil
	}
	content, err := fs.ReadFile(fsys, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	stmt := UpSection(string(content))
	if strings.TrimSpace(stmt) == "" {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmt); err != nil && !AlreadyExists(err) {
		return fmt.Errorf("exec %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+Table+` (name, applied_at) VALUES (?, ?)`,
		key, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// UpSection returns the statements between the Up and Down markers, or the
// whole content when there is no Up marker.
func UpSection(content string) string {
	start := strings.Index(content, upMarker)
	if start < 0 {
		return content
	}
	body := content[start+len(upMarker):]
	if end := strings.Index(body, downMarker); end >= 0 {
		body = body[:end]
	}
	return body
}

// AlreadyExists reports whether err comes from DDL that already took effect.
func AlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column name")
}

func applied(ctx context.Context, db *sql.DB, key string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM `+Table+` WHERE name = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
