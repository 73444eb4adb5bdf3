package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name: "postgres",
	migrate: `
	CREATE TABLE IF NOT EXISTS compiled_policies (
		id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL,
		policy_hash TEXT NOT NULL,
		ir TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	insert: `INSERT INTO compiled_policies (id, policy_id, policy_hash, ir, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
	selectOne: `SELECT id, policy_id, policy_hash, ir, status, created_at FROM compiled_policies WHERE id = $1`,
	update:    `UPDATE compiled_policies SET status = $1 WHERE id = $2 AND status = $3`,
}

// PostgresStore stores compiled policies in PostgreSQL. The IR column is
// TEXT, not JSONB, so the canonical bytes survive unchanged.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore wraps an open database. Call Migrate to create the schema.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore{db: db, d: postgresDialect, now: time.Now}}
}

// OpenPostgres connects with lib/pq and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
