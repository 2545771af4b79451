package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/queue"
	"github.com/ocx/backend/internal/store"
)

func newWorkersHandler(t *testing.T) (*handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := &store.Store{DB: sqlx.NewDb(db, "sqlmock")}
	q := queue.New(s, noopProcessor{}, events.NewEventBus(), queue.Config{})
	return &handler{deps: Deps{DB: s, Queue: q}}, mock
}

func heartbeatRows(workerID, workerType string, active int, lastBeatAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"worker_id", "type", "last_beat_at", "active_executions"}).
		AddRow(workerID, workerType, lastBeatAt, active)
}

func TestWorkersStatus_MarksStaleHeartbeat(t *testing.T) {
	h, mock := newWorkersHandler(t)

	mock.ExpectQuery("SELECT .* FROM worker_heartbeats").
		WillReturnRows(heartbeatRows("worker-0", "queue", 2, time.Now().Add(-200*time.Second)))

	req := httptest.NewRequest(http.MethodGet, "/workers/status", nil)
	rec := httptest.NewRecorder()

	h.workersStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Workers []workerStatusView `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Workers, 1)
	assert.True(t, resp.Workers[0].Stale)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkersStatus_FreshHeartbeatIsNotStale(t *testing.T) {
	h, mock := newWorkersHandler(t)

	mock.ExpectQuery("SELECT .* FROM worker_heartbeats").
		WillReturnRows(heartbeatRows("worker-0", "queue", 1, time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/workers/status", nil)
	rec := httptest.NewRecorder()

	h.workersStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Workers []workerStatusView `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Workers, 1)
	assert.False(t, resp.Workers[0].Stale)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublicHeartbeat_NoWorkerYetIsWarn(t *testing.T) {
	h, mock := newWorkersHandler(t)

	mock.ExpectQuery("SELECT .* FROM worker_heartbeats").
		WillReturnError(store.ErrNotFound)

	req := httptest.NewRequest(http.MethodGet, "/production/queue/heartbeat", nil)
	rec := httptest.NewRecorder()

	h.publicHeartbeat(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp publicHeartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "warn", resp.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublicHeartbeat_StaleIsFail(t *testing.T) {
	h, mock := newWorkersHandler(t)

	mock.ExpectQuery("SELECT .* FROM worker_heartbeats").
		WillReturnRows(heartbeatRows("worker-0", "queue", 0, time.Now().Add(-200*time.Second)))

	req := httptest.NewRequest(http.MethodGet, "/production/queue/heartbeat", nil)
	rec := httptest.NewRecorder()

	h.publicHeartbeat(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp publicHeartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fail", resp.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublicHeartbeat_FreshIsPass(t *testing.T) {
	h, mock := newWorkersHandler(t)

	mock.ExpectQuery("SELECT .* FROM worker_heartbeats").
		WillReturnRows(heartbeatRows("worker-0", "queue", 0, time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/production/queue/heartbeat", nil)
	rec := httptest.NewRecorder()

	h.publicHeartbeat(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp publicHeartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pass", resp.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
