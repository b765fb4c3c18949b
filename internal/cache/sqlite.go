package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SqliteL2 is the embedded relational L2 store described in spec.md §6:
// a WAL-mode sqlite database holding signature_cache-shaped rows. It backs
// any of the three C2 tables (thinking-hash, tool-id, session-fingerprint)
// depending on the table name passed to NewSqliteL2.
type SqliteL2 struct {
	db    *sql.DB
	table string
}

// NewSqliteL2 opens (creating if absent) a sqlite database in WAL mode and
// ensures the given table exists. WAL mode allows many concurrent readers
// while the async write-back goroutine holds the single writer slot
// (spec.md §4.1).
func NewSqliteL2(path, table string) (*SqliteL2, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(8)

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value TEXT,
		text TEXT,
		model_family TEXT,
		created_at TEXT,
		last_access TEXT,
		access_count INTEGER
	)`, table)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: create table %s: %w", table, err)
	}

	return &SqliteL2{db: db, table: table}, nil
}

func (s *SqliteL2) Get(ctx context.Context, key string) (*Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT key, value, text, model_family, created_at, last_access, access_count FROM %s WHERE key = ?`, s.table), key)

	var e Entry
	var created, last string
	if err := row.Scan(&e.Key, &e.Value, &e.Text, &e.ModelFamily, &created, &last, &e.AccessCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	e.LastAccess, _ = time.Parse(time.RFC3339Nano, last)
	return &e, true, nil
}

func (s *SqliteL2) Put(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, text, model_family, created_at, last_access, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value, text=excluded.text, model_family=excluded.model_family,
			last_access=excluded.last_access, access_count=excluded.access_count
	`, s.table),
		e.Key, e.Value, e.Text, e.ModelFamily,
		e.CreatedAt.Format(time.RFC3339Nano), e.LastAccess.Format(time.RFC3339Nano), e.AccessCount)
	return err
}

func (s *SqliteL2) Close() error { return s.db.Close() }
