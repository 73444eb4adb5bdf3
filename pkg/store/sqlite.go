package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	migrate: `
	CREATE TABLE IF NOT EXISTS compiled_policies (
		id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL,
		policy_hash TEXT NOT NULL,
		ir TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
	insert: `INSERT INTO compiled_policies (id, policy_id, policy_hash, ir, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
	selectOne: `SELECT id, policy_id, policy_hash, ir, status, created_at
		FROM compiled_policies WHERE id = ?`,
	update:     `UPDATE compiled_policies SET status = ? WHERE id = ? AND status = ?`,
	timeAsText: true,
}

// SQLiteStore stores compiled policies in SQLite (modernc.org/sqlite, no cgo).
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore wraps an open database and creates the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlStore{db: db, d: sqliteDialect, now: time.Now}}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (creating if needed) the database file at path.
// ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		//nolint:gosec // G301: 0755 is intentional for the data directory
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("sqlite: ensure dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
