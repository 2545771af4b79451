package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/connector"
	"github.com/ocx/backend/internal/credential"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/middleware"
	"github.com/ocx/backend/internal/resumetoken"
	"github.com/ocx/backend/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &store.Store{DB: sqlx.NewDb(db, "sqlmock")}, mock
}

type fakeInvoker struct {
	calls   int
	failFor int // number of leading calls to fail with a retryable error
	result  connector.InvokeResult
}

func (f *fakeInvoker) Invoke(ctx context.Context, req connector.InvokeRequest) (connector.InvokeResult, error) {
	f.calls++
	if f.calls <= f.failFor {
		return connector.InvokeResult{}, apperrors.New(apperrors.KindConnectorHTTP5xx, "upstream flaked")
	}
	return f.result, nil
}

type noopCredentials struct{}

func (noopCredentials) Resolve(ctx context.Context, organizationID, connectionID string) (credential.Credentials, error) {
	return credential.Credentials{"accessToken": "tok"}, nil
}

func simpleGraph(actionNode domain.Node) *domain.Graph {
	return &domain.Graph{
		ID:             "graph_1",
		OrganizationID: "org_1",
		Nodes: []domain.Node{
			{ID: "trigger", Kind: domain.NodeKindTrigger},
			actionNode,
		},
		Edges: []domain.Edge{
			{FromNodeID: "trigger", ToNodeID: actionNode.ID},
		},
	}
}

func newExecution() *domain.Execution {
	return &domain.Execution{
		ExecutionID:    "exec_1",
		WorkflowID:     "wf_1",
		OrganizationID: "org_1",
		Status:         domain.ExecutionRunning,
		TriggerType:    "manual",
		TriggerData:    map[string]interface{}{"email": "a@b.com"},
		NodeResults:    map[string]domain.NodeResult{},
		StartedAt:      time.Now(),
	}
}

func TestRun_ActionNodeSucceedsAndCompletes(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE workflow_executions").WillReturnResult(sqlmock.NewResult(0, 1))

	inv := &fakeInvoker{result: connector.InvokeResult{Data: map[string]interface{}{"ok": true}}}
	eng := New(s, inv, noopCredentials{}, nil, nil, nil, nil, Config{})

	graph := simpleGraph(domain.Node{ID: "notify", Kind: domain.NodeKindAction, AppID: "slack", OperationID: "postMessage"})
	exec := newExecution()

	status, err := eng.run(context.Background(), exec, graph)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, status)
	assert.Equal(t, 1, inv.calls)
	assert.Equal(t, domain.NodeResultSuccess, exec.NodeResults["notify"].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_RetriesRetryableFailureThenSucceeds(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE workflow_executions").WillReturnResult(sqlmock.NewResult(0, 1))

	inv := &fakeInvoker{failFor: 1, result: connector.InvokeResult{Data: map[string]interface{}{"ok": true}}}
	eng := New(s, inv, noopCredentials{}, nil, nil, nil, nil, Config{})

	node := domain.Node{
		ID: "notify", Kind: domain.NodeKindAction, AppID: "slack", OperationID: "postMessage",
		Retry: &domain.RetryPolicy{MaxAttempts: 3, Backoff: "fixed", BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	graph := simpleGraph(node)
	exec := newExecution()

	status, err := eng.run(context.Background(), exec, graph)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, status)
	assert.Equal(t, 2, inv.calls)
	assert.Equal(t, domain.NodeResultSuccess, exec.NodeResults["notify"].Status)
}

func TestRun_FailureWithoutOnErrorEdgesFailsExecution(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE workflow_executions").WillReturnResult(sqlmock.NewResult(0, 1))

	// No retry policy configured, so the default single attempt is used;
	// the node fails outright and, with no onErrorEdges, the whole
	// execution fails.
	inv := &fakeInvoker{failFor: 999}
	eng := New(s, inv, noopCredentials{}, nil, nil, nil, nil, Config{})

	node := domain.Node{ID: "notify", Kind: domain.NodeKindAction, AppID: "slack", OperationID: "postMessage"}
	graph := simpleGraph(node)
	exec := newExecution()

	status, err := eng.run(context.Background(), exec, graph)
	require.Error(t, err)
	assert.Equal(t, domain.ExecutionFailed, status)
}

func TestRun_ConditionNodeGatesBranch(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE workflow_executions").WillReturnResult(sqlmock.NewResult(0, 1)).Times(3)

	eng := New(s, &fakeInvoker{}, noopCredentials{}, nil, nil, nil, nil, Config{})

	graph := &domain.Graph{
		ID: "graph_cond",
		Nodes: []domain.Node{
			{ID: "trigger", Kind: domain.NodeKindTrigger},
			{ID: "check", Kind: domain.NodeKindCondition, Parameters: map[string]domain.ParamValue{
				"condition": {Mode: domain.ParamModeStatic, Value: true},
			}},
			{ID: "onTrue", Kind: domain.NodeKindTransform, Parameters: map[string]domain.ParamValue{
				"msg": {Mode: domain.ParamModeStatic, Value: "yes"},
			}},
			{ID: "onFalse", Kind: domain.NodeKindTransform, Parameters: map[string]domain.ParamValue{
				"msg": {Mode: domain.ParamModeStatic, Value: "no"},
			}},
		},
		Edges: []domain.Edge{
			{FromNodeID: "trigger", ToNodeID: "check"},
			{FromNodeID: "check", ToNodeID: "onTrue", Branch: "true"},
			{FromNodeID: "check", ToNodeID: "onFalse", Branch: "false"},
		},
	}
	exec := newExecution()

	status, err := eng.run(context.Background(), exec, graph)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, status)
	assert.Equal(t, domain.NodeResultSuccess, exec.NodeResults["onTrue"].Status)
	assert.Equal(t, domain.NodeResultSkipped, exec.NodeResults["onFalse"].Status)
}

func TestRun_WaitNodeSuspendsAndMintsResumeToken(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO resume_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE workflow_executions").WillReturnResult(sqlmock.NewResult(0, 1))

	tokens := resumetoken.New(s, resumetoken.Config{MasterSecret: "test-secret"})
	eng := New(s, &fakeInvoker{}, noopCredentials{}, tokens, nil, nil, nil, Config{})

	graph := simpleGraph(domain.Node{ID: "wait1", Kind: domain.NodeKindWait})
	exec := newExecution()

	status, err := eng.run(context.Background(), exec, graph)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionWaiting, status)
	require.NotNil(t, exec.NodeResults["wait1"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_QuotaExceededFailsNodeWithoutRetry(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE workflow_executions").WillReturnResult(sqlmock.NewResult(0, 1))

	quota := middleware.NewQuotaGate(middleware.QuotaConfig{MaxCallsPerMinute: 1})
	for i := 0; i < 3; i++ {
		quota.Allow("org_1", 1)
	}

	inv := &fakeInvoker{}
	eng := New(s, inv, noopCredentials{}, nil, quota, nil, nil, Config{DefaultMaxAPICallsPerMinute: 1})

	graph := simpleGraph(domain.Node{ID: "notify", Kind: domain.NodeKindAction, AppID: "slack", OperationID: "postMessage"})
	exec := newExecution()

	status, err := eng.run(context.Background(), exec, graph)
	require.Error(t, err)
	assert.Equal(t, domain.ExecutionFailed, status)
	assert.Equal(t, 0, inv.calls)
}

// TestQuotaLimitsFor_PrefersOrganizationOverrideOverDefault covers
// spec.md §4.8 step 9: an organization's own maxApiCalls/maxTokens take
// precedence over the engine-wide default.
func TestQuotaLimitsFor_PrefersOrganizationOverrideOverDefault(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, name, max_api_calls_per_minute").
		WithArgs("org_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "max_api_calls_per_minute", "max_tokens_per_minute", "created_at"}).
			AddRow("org_1", "Acme", 5, 50, time.Now()))

	eng := New(s, &fakeInvoker{}, noopCredentials{}, nil, nil, nil, nil, Config{DefaultMaxAPICallsPerMinute: 60, DefaultMaxTokensPerMinute: 100000})

	maxCalls, maxTokens := eng.quotaLimitsFor(context.Background(), "org_1")
	assert.Equal(t, 5, maxCalls)
	assert.Equal(t, 50, maxTokens)
}

// TestQuotaLimitsFor_FallsBackToDefaultOnLookupFailure keeps the engine
// usable when the organization record can't be loaded.
func TestQuotaLimitsFor_FallsBackToDefaultOnLookupFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, name, max_api_calls_per_minute").
		WithArgs("org_missing").
		WillReturnError(store.ErrNotFound)

	eng := New(s, &fakeInvoker{}, noopCredentials{}, nil, nil, nil, nil, Config{DefaultMaxAPICallsPerMinute: 60, DefaultMaxTokensPerMinute: 100000})

	maxCalls, maxTokens := eng.quotaLimitsFor(context.Background(), "org_missing")
	assert.Equal(t, 60, maxCalls)
	assert.Equal(t, 100000, maxTokens)
}

// TestRun_TokenQuotaExceededFailsNodeWithoutRetry covers the token half of
// spec.md §4.8 step 9's "per-organization quotas (maxApiCalls, maxTokens)":
// a call-count budget alone isn't enough to gate a connector invocation.
func TestRun_TokenQuotaExceededFailsNodeWithoutRetry(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE workflow_executions").WillReturnResult(sqlmock.NewResult(0, 1))

	quota := middleware.NewQuotaGate(middleware.QuotaConfig{MaxCallsPerMinute: 1000})
	quota.AllowTokens("org_1", 1, 1)

	inv := &fakeInvoker{}
	eng := New(s, inv, noopCredentials{}, nil, quota, nil, nil, Config{DefaultMaxAPICallsPerMinute: 1000, DefaultMaxTokensPerMinute: 1})

	graph := simpleGraph(domain.Node{ID: "notify", Kind: domain.NodeKindAction, AppID: "slack", OperationID: "postMessage"})
	exec := newExecution()

	status, err := eng.run(context.Background(), exec, graph)
	require.Error(t, err)
	assert.Equal(t, domain.ExecutionFailed, status)
	assert.Equal(t, 0, inv.calls)
}
