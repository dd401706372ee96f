// Package sqliteio stores the record collection in a SQLite database, one row per record
// holding its JSON encoding.
package sqliteio

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shpitdev/developer-enricher/pkg/pipeline/core"
)

const backendSQLite = "sqlite"

// Store keeps records in the "records" table ordered by position.
type Store[T any] struct {
	db  *sql.DB
	key func(T) string
	mu  sync.RWMutex
}

// Open opens (creating if needed) the database at path. key extracts the value stored in
// the indexed record_key column; it may be nil.
func Open[T any](path string, key func(T) string) (*Store[T], error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store[T]{db: db, key: key}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store[T]) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		position   INTEGER PRIMARY KEY,
		record_key TEXT NOT NULL DEFAULT '',
		body       TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_records_key ON records(record_key);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store[T]) Close() error {
	return s.db.Close()
}

func (s *Store[T]) Load(ctx context.Context) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT position, body FROM records ORDER BY position`)
	if err != nil {
		return nil, &core.StorageError{Op: "load", Backend: backendSQLite, Err: err}
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var pos int64
		var body string
		if err := rows.Scan(&pos, &body); err != nil {
			return nil, &core.StorageError{Op: "load", Backend: backendSQLite, Err: err}
		}
		var rec T
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, &core.StorageError{Op: "load", Backend: backendSQLite, Err: fmt.Errorf("row %d: %w", pos, err)}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.StorageError{Op: "load", Backend: backendSQLite, Err: err}
	}
	return out, nil
}

// Save replaces every row in a single transaction.
func (s *Store[T]) Save(ctx context.Context, records []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replace(ctx, records); err != nil {
		return &core.StorageError{Op: "save", Backend: backendSQLite, Err: err}
	}
	return nil
}

func (s *Store[T]) replace(ctx context.Context, records []T) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (position, record_key, body) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, rec := range records {
		body, mErr := json.MarshalNoEscape(rec)
		if mErr != nil {
			err = fmt.Errorf("record %d: %w", i, mErr)
			return err
		}
		key := ""
		if s.key != nil {
			key = s.key(rec)
		}
		if _, err = stmt.ExecContext(ctx, i, key, string(body)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Count returns the number of stored records.
func (s *Store[T]) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, &core.StorageError{Op: "count", Backend: backendSQLite, Err: err}
	}
	return n, nil
}
