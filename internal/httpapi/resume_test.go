package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/queue"
	"github.com/ocx/backend/internal/resumetoken"
	"github.com/ocx/backend/internal/store"
)

const testMasterSecret = "test-master-secret"

// signResumeToken reproduces resumetoken.Service's HKDF-derived,
// HMAC-SHA256 signature so tests can pre-compute the signature a mocked
// row needs to carry for Consume to accept it.
func signResumeToken(tokenID, executionID, nodeID, organizationID string, expiresAt time.Time) string {
	kdf := hkdf.New(sha256.New, []byte(testMasterSecret), nil, []byte("resumetoken:"+organizationID))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(kdf, secret); err != nil {
		panic(err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tokenID))
	mac.Write([]byte(executionID))
	mac.Write([]byte(nodeID))
	mac.Write([]byte(expiresAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(mac.Sum(nil))
}

func newResumeHandler(t *testing.T) (*handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := &store.Store{DB: sqlx.NewDb(db, "sqlmock")}
	q := queue.New(s, noopProcessor{}, events.NewEventBus(), queue.Config{})
	tokens := resumetoken.New(s, resumetoken.Config{MasterSecret: testMasterSecret})
	return &handler{deps: Deps{DB: s, Queue: q, Tokens: tokens}}, mock
}

func tokenRows(tokenID, executionID, nodeID, orgID, signature string, expiresAt time.Time, consumedAt *time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"token_id", "execution_id", "node_id", "workflow_id", "organization_id", "resume_state",
		"initial_data", "trigger_type", "signature", "issued_at", "expires_at", "consumed_at",
	})
	var ct sql.NullTime
	if consumedAt != nil {
		ct = sql.NullTime{Time: *consumedAt, Valid: true}
	}
	rows.AddRow(tokenID, executionID, nodeID, "wf_1", orgID, []byte(`{}`), []byte(`{}`), nil, signature, time.Now(), expiresAt, ct)
	return rows
}

func doResume(t *testing.T, h *handler, executionID, nodeID, tokenID string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(resumeRequest{TokenID: tokenID})
	req := httptest.NewRequest(http.MethodPost, "/runs/"+executionID+"/nodes/"+nodeID+"/resume", bytes.NewReader(body))
	req = mux.SetURLVars(req, map[string]string{"execId": executionID, "nodeId": nodeID})
	rec := httptest.NewRecorder()
	h.resumeExecution(rec, req)
	return rec
}

func TestResumeExecution_HappyPath(t *testing.T) {
	h, mock := newResumeHandler(t)

	expiresAt := time.Now().Add(time.Hour)
	sig := signResumeToken("tok_1", "exec_1", "node_1", "org_1", expiresAt)

	mock.ExpectQuery("SELECT token_id, execution_id, node_id").
		WithArgs("tok_1").
		WillReturnRows(tokenRows("tok_1", "exec_1", "node_1", "org_1", sig, expiresAt, nil))
	mock.ExpectExec("UPDATE resume_tokens SET consumed_at").
		WithArgs("tok_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO execution_queue").WillReturnResult(sqlmock.NewResult(1, 1))

	rec := doResume(t, h, "exec_1", "node_1", "tok_1")

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeExecution_TokenNotFound(t *testing.T) {
	h, mock := newResumeHandler(t)

	mock.ExpectQuery("SELECT token_id, execution_id, node_id").
		WithArgs("tok_missing").
		WillReturnError(store.ErrNotFound)

	rec := doResume(t, h, "exec_1", "node_1", "tok_missing")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeExecution_ExpiredTokenIsGone(t *testing.T) {
	h, mock := newResumeHandler(t)

	expiresAt := time.Now().Add(-time.Hour)
	sig := signResumeToken("tok_1", "exec_1", "node_1", "org_1", expiresAt)

	mock.ExpectQuery("SELECT token_id, execution_id, node_id").
		WithArgs("tok_1").
		WillReturnRows(tokenRows("tok_1", "exec_1", "node_1", "org_1", sig, expiresAt, nil))

	rec := doResume(t, h, "exec_1", "node_1", "tok_1")

	assert.Equal(t, http.StatusGone, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeExecution_AlreadyConsumedIsGone(t *testing.T) {
	h, mock := newResumeHandler(t)

	consumedAt := time.Now().Add(-time.Minute)
	expiresAt := time.Now().Add(time.Hour)
	sig := signResumeToken("tok_1", "exec_1", "node_1", "org_1", expiresAt)

	mock.ExpectQuery("SELECT token_id, execution_id, node_id").
		WithArgs("tok_1").
		WillReturnRows(tokenRows("tok_1", "exec_1", "node_1", "org_1", sig, expiresAt, &consumedAt))

	rec := doResume(t, h, "exec_1", "node_1", "tok_1")

	assert.Equal(t, http.StatusGone, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeExecution_ExecutionOrNodeMismatchIsBadRequest(t *testing.T) {
	h, mock := newResumeHandler(t)

	expiresAt := time.Now().Add(time.Hour)
	sig := signResumeToken("tok_1", "exec_1", "node_1", "org_1", expiresAt)

	mock.ExpectQuery("SELECT token_id, execution_id, node_id").
		WithArgs("tok_1").
		WillReturnRows(tokenRows("tok_1", "exec_1", "node_1", "org_1", sig, expiresAt, nil))
	mock.ExpectExec("UPDATE resume_tokens SET consumed_at").
		WithArgs("tok_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doResume(t, h, "exec_1", "some_other_node", "tok_1")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeExecution_MissingTokenIDIsValidationError(t *testing.T) {
	h, _ := newResumeHandler(t)

	rec := doResume(t, h, "exec_1", "node_1", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
