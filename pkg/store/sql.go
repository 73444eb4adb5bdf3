package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// dialect holds the statements that differ between SQL backends.
type dialect struct {
	name      string
	migrate   string
	insert    string
	selectOne string
	update    string
	// timeAsText stores created_at as RFC 3339 text.
	timeAsText bool
}

// sqlStore is the database/sql implementation shared by SQLite and Postgres.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

func (s *sqlStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.d.migrate); err != nil {
		return fmt.Errorf("%s: migrate: %w", s.d.name, err)
	}
	return nil
}

// Put relies on ON CONFLICT DO NOTHING: the primary key on id admits one
// row per hash, and the losing writer sees zero affected rows.
func (s *sqlStore) Put(ctx context.Context, irBytes []byte, policyHash string) (string, bool, error) {
	rec, err := prepare(irBytes, policyHash, s.now())
	if err != nil {
		return "", false, err
	}
	var created any = rec.CreatedAt
	if s.d.timeAsText {
		created = rec.CreatedAt.Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx, s.d.insert,
		rec.ID, rec.PolicyID, rec.PolicyHash, string(rec.IR), string(rec.Status), created)
	if err != nil {
		return "", false, fmt.Errorf("%s: failed to insert compiled policy: %w", s.d.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("%s: rows affected: %w", s.d.name, err)
	}
	return rec.ID, n == 0, nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (*CompiledPolicy, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, s.d.selectOne, id)

	var (
		rec         CompiledPolicy
		irText      string
		status      string
		createdText string
		createdTime time.Time
	)
	var created any = &createdTime
	if s.d.timeAsText {
		created = &createdText
	}
	err := row.Scan(&rec.ID, &rec.PolicyID, &rec.PolicyHash, &irText, &status, created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: failed to get compiled policy: %w", s.d.name, err)
	}
	if s.d.timeAsText {
		createdTime, err = time.Parse(time.RFC3339Nano, createdText)
		if err != nil {
			return nil, fmt.Errorf("%s: bad created_at %q: %w", s.d.name, createdText, err)
		}
	}
	rec.IR = []byte(irText)
	rec.Status = Status(status)
	rec.CreatedAt = createdTime.UTC()
	return &rec, nil
}

// SetStatus is a compare-and-set on the current status.
func (s *sqlStore) SetStatus(ctx context.Context, id string, status Status) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(id, cur.Status, status); err != nil {
		return err
	}
	if cur.Status == status {
		return nil
	}
	res, err := s.db.ExecContext(ctx, s.d.update, string(status), id, string(cur.Status))
	if err != nil {
		return fmt.Errorf("%s: failed to set status: %w", s.d.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", s.d.name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConflict, id)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
