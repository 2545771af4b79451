package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &store.Store{DB: sqlx.NewDb(db, "sqlmock")}, mock
}

func TestPostgresStore_FirstInsertIsRecorded(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO dedupe_entries").
		WithArgs("webhook:wh_1", "evt_1", int64((time.Hour).Milliseconds())).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM dedupe_entries").WillReturnResult(sqlmock.NewResult(0, 0))

	ps := NewPostgresStore(s)
	outcome, err := ps.RecordIfAbsent(context.Background(), "webhook:wh_1", "evt_1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, Recorded, outcome)

	// the eviction sweep runs in a background goroutine; give it a beat
	// before the mock store is closed.
	time.Sleep(10 * time.Millisecond)
}

func TestPostgresStore_ConflictingInsertIsDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO dedupe_entries").
		WithArgs("webhook:wh_1", "evt_1", int64((time.Hour).Milliseconds())).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ps := NewPostgresStore(s)
	outcome, err := ps.RecordIfAbsent(context.Background(), "webhook:wh_1", "evt_1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)
}

func TestPostgresStore_ExecErrorIsWrappedInternal(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO dedupe_entries").WillReturnError(assertErr{"connection reset"})

	ps := NewPostgresStore(s)
	_, err := ps.RecordIfAbsent(context.Background(), "webhook:wh_1", "evt_1", time.Hour)
	require.Error(t, err)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
