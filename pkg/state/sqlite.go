// Package state provides persistent keyed stores for protocol bookkeeping
// such as long-poll cursors.
package state

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	_ "modernc.org/sqlite"
)

// SQLite stores state values in a single-table SQLite database.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (and creates when missing) the state database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, oops.With("path", path, "context", "failed to create state directory").Wrap(err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, oops.With("path", path, "context", "failed to open state database").Wrap(err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent Set calls.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, oops.With("path", path, "context", "failed to create state table").Wrap(err)
	}

	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, oops.With("key", key, "path", s.path, "context", "failed to read state").Wrap(err)
	}

	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return oops.With("key", key, "path", s.path, "context", "failed to write state").Wrap(err)
	}

	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
