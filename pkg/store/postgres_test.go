package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pgColumns = []string{"id", "policy_id", "policy_hash", "ir", "status", "created_at"}

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS compiled_policies")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Put(t *testing.T) {
	fx := lksg(t)
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	insert := regexp.QuoteMeta("INSERT INTO compiled_policies (id, policy_id, policy_hash, ir, status, created_at)")
	mock.ExpectExec(insert).
		WithArgs(fx.irHash, fx.policyID, fx.policyHash, string(fx.canonical), "draft", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).
		WithArgs(fx.irHash, fx.policyID, fx.policyHash, string(fx.canonical), "draft", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	id, dedup, err := s.Put(ctx, fx.canonical, fx.policyHash)
	require.NoError(t, err)
	assert.Equal(t, fx.irHash, id)
	assert.False(t, dedup)

	id, dedup, err = s.Put(ctx, fx.canonical, fx.policyHash)
	require.NoError(t, err)
	assert.Equal(t, fx.irHash, id)
	assert.True(t, dedup, "zero affected rows means another writer won")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutRejectsBeforeQuerying(t *testing.T) {
	fx := lksg(t)
	s, mock := newMockPostgres(t)

	_, _, err := s.Put(context.Background(), fx.canonical, "sha3-256:"+zeroHex)
	require.ErrorIs(t, err, ErrHashMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	fx := lksg(t)
	s, mock := newMockPostgres(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sel := regexp.QuoteMeta("SELECT id, policy_id, policy_hash, ir, status, created_at FROM compiled_policies WHERE id = $1")
	mock.ExpectQuery(sel).
		WithArgs(fx.irHash).
		WillReturnRows(sqlmock.NewRows(pgColumns).
			AddRow(fx.irHash, fx.policyID, fx.policyHash, string(fx.canonical), "active", created))
	mock.ExpectQuery(sel).
		WithArgs("sha3-256:" + zeroHex).
		WillReturnRows(sqlmock.NewRows(pgColumns))

	got, err := s.Get(ctx, fx.irHash)
	require.NoError(t, err)
	assert.Equal(t, fx.policyID, got.PolicyID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, string(fx.canonical), string(got.IR))
	assert.True(t, created.Equal(got.CreatedAt))

	_, err = s.Get(ctx, "sha3-256:"+zeroHex)
	require.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetStatus(t *testing.T) {
	fx := lksg(t)
	s, mock := newMockPostgres(t)
	ctx := context.Background()
	now := time.Now()

	sel := regexp.QuoteMeta("SELECT id, policy_id, policy_hash, ir, status, created_at FROM compiled_policies WHERE id = $1")
	update := regexp.QuoteMeta("UPDATE compiled_policies SET status = $1 WHERE id = $2 AND status = $3")

	// draft -> active succeeds.
	mock.ExpectQuery(sel).WithArgs(fx.irHash).
		WillReturnRows(sqlmock.NewRows(pgColumns).AddRow(fx.irHash, fx.policyID, fx.policyHash, string(fx.canonical), "draft", now))
	mock.ExpectExec(update).WithArgs("active", fx.irHash, "draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetStatus(ctx, fx.irHash, StatusActive))

	// A concurrent writer changed the row first.
	mock.ExpectQuery(sel).WithArgs(fx.irHash).
		WillReturnRows(sqlmock.NewRows(pgColumns).AddRow(fx.irHash, fx.policyID, fx.policyHash, string(fx.canonical), "active", now))
	mock.ExpectExec(update).WithArgs("deprecated", fx.irHash, "active").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, s.SetStatus(ctx, fx.irHash, StatusDeprecated), ErrConflict)

	// Backwards moves never reach the UPDATE.
	mock.ExpectQuery(sel).WithArgs(fx.irHash).
		WillReturnRows(sqlmock.NewRows(pgColumns).AddRow(fx.irHash, fx.policyID, fx.policyHash, string(fx.canonical), "deprecated", now))
	require.ErrorIs(t, s.SetStatus(ctx, fx.irHash, StatusActive), ErrInvalidTransition)

	assert.NoError(t, mock.ExpectationsWereMet())
}
