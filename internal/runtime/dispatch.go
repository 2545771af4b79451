package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/connector"
	"github.com/ocx/backend/internal/domain"
)

// dispatchOutcome is what one node dispatch produced: either a recorded
// NodeResult plus the branch its condition chose (if any), or a signal
// that the node suspended the execution.
type dispatchOutcome struct {
	result  domain.NodeResult
	branch  string
	suspend bool
}

// dispatch resolves a node's parameters and credentials and runs it
// according to its kind, retrying action/trigger calls per the node's
// RetryPolicy.
func (e *Engine) dispatch(ctx context.Context, exec *domain.Execution, node *domain.Node, evalCtx evalContext) (dispatchOutcome, error) {
	started := time.Now()
	outcome, err := e.dispatchByKind(ctx, exec, node, evalCtx)
	if e.metrics != nil {
		status := "error"
		if err == nil {
			status = string(outcome.result.Status)
			if outcome.suspend {
				status = "suspended"
			}
		}
		e.metrics.RecordNodeDispatch(string(node.Kind), status, time.Since(started).Seconds())
	}
	return outcome, err
}

func (e *Engine) dispatchByKind(ctx context.Context, exec *domain.Execution, node *domain.Node, evalCtx evalContext) (dispatchOutcome, error) {
	params, err := resolveParameters(node.Parameters, evalCtx)
	if err != nil {
		return dispatchOutcome{result: failedResult(err)}, nil
	}

	switch node.Kind {
	case domain.NodeKindAction:
		return e.dispatchAction(ctx, exec, node, params)
	case domain.NodeKindTransform:
		return dispatchOutcome{result: successResult(params)}, nil
	case domain.NodeKindCondition:
		return e.dispatchCondition(params)
	case domain.NodeKindLoop:
		return e.dispatchLoop(node, params)
	case domain.NodeKindWait:
		return e.dispatchWait(ctx, exec, node)
	default:
		return dispatchOutcome{result: failedResult(fmt.Errorf("unsupported node kind: %s", node.Kind))}, nil
	}
}

func (e *Engine) dispatchAction(ctx context.Context, exec *domain.Execution, node *domain.Node, params map[string]interface{}) (dispatchOutcome, error) {
	if e.quota != nil {
		maxCalls, maxTokens := e.quotaLimitsFor(ctx, exec.OrganizationID)
		if !e.quota.Allow(exec.OrganizationID, maxCalls) {
			return dispatchOutcome{result: failedResult(apperrors.New(apperrors.KindQuotaExceeded, "organization API call quota exceeded"))}, nil
		}
		if !e.quota.AllowTokens(exec.OrganizationID, estimateTokens(params), maxTokens) {
			return dispatchOutcome{result: failedResult(apperrors.New(apperrors.KindQuotaExceeded, "organization token quota exceeded"))}, nil
		}
	}

	creds := map[string]interface{}{}
	if node.Auth != nil && node.Auth.ConnectionID != "" {
		resolved, err := e.credentials.Resolve(ctx, exec.OrganizationID, node.Auth.ConnectionID)
		if err != nil {
			return dispatchOutcome{result: failedResult(err)}, nil
		}
		for k, v := range resolved {
			creds[k] = v
		}
	}

	policy := domain.DefaultRetryPolicy()
	if node.Retry != nil {
		policy = *node.Retry
	}

	req := connectorRequest(exec, node, params, creds)

	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxInt(policy.MaxAttempts, 1); attempt++ {
		res, err := e.invoker.Invoke(ctx, req)
		if err == nil {
			return dispatchOutcome{result: domain.NodeResult{
				Status:     domain.NodeResultSuccess,
				Output:     res.Data,
				Parameters: params,
				Metadata:   snapshotMetadata(res.Data),
				StartedAt:  started,
				EndedAt:    time.Now(),
			}}, nil
		}
		lastErr = err
		if !apperrors.Retryable(err) || attempt == policy.MaxAttempts {
			break
		}
		if sleepErr := sleep(ctx, backoffDelay(policy, attempt)); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}

	return dispatchOutcome{result: domain.NodeResult{
		Status:     domain.NodeResultFailed,
		Error:      lastErr.Error(),
		Parameters: params,
		StartedAt:  started,
		EndedAt:    time.Now(),
	}}, nil
}

// quotaLimitsFor resolves the effective per-minute call and token limits
// for organizationID, preferring its own Organization record over the
// engine-wide defaults (spec.md §4.8 step 9: "per-organization quotas
// (maxApiCalls, maxTokens)").
func (e *Engine) quotaLimitsFor(ctx context.Context, organizationID string) (maxCalls, maxTokens int) {
	maxCalls = e.cfg.DefaultMaxAPICallsPerMinute
	maxTokens = e.cfg.DefaultMaxTokensPerMinute

	org, err := e.db.GetOrganization(ctx, organizationID)
	if err != nil {
		return maxCalls, maxTokens
	}
	if org.MaxAPICallsPerMinute > 0 {
		maxCalls = org.MaxAPICallsPerMinute
	}
	if org.MaxTokensPerMinute > 0 {
		maxTokens = org.MaxTokensPerMinute
	}
	return maxCalls, maxTokens
}

// estimateTokens approximates the token cost of a connector call from its
// resolved parameters, the same rough chars/4 heuristic most LLM SDKs use
// for pre-flight budgeting before the provider reports an exact count.
func estimateTokens(params map[string]interface{}) int {
	body, err := json.Marshal(params)
	if err != nil || len(body) == 0 {
		return 1
	}
	if n := len(body) / 4; n > 1 {
		return n
	}
	return 1
}

func (e *Engine) dispatchCondition(params map[string]interface{}) (dispatchOutcome, error) {
	branch := "false"
	if truthy(params["condition"]) {
		branch = "true"
	}
	return dispatchOutcome{
		result: successResult(map[string]interface{}{"branch": branch}),
		branch: branch,
	}, nil
}

func (e *Engine) dispatchLoop(node *domain.Node, params map[string]interface{}) (dispatchOutcome, error) {
	items, _ := params["items"].([]interface{})
	limit := node.MaxIterations
	if limit <= 0 {
		limit = 1000
	}
	if len(items) > limit {
		items = items[:limit]
	}

	out := make([]interface{}, 0, len(items))
	for i, item := range items {
		out = append(out, map[string]interface{}{"index": i, "item": item})
	}
	return dispatchOutcome{result: successResult(map[string]interface{}{"iterations": out, "count": len(out)})}, nil
}

func (e *Engine) dispatchWait(ctx context.Context, exec *domain.Execution, node *domain.Node) (dispatchOutcome, error) {
	resumeState := domain.ResumeState{NextNodeID: node.ID}
	token, err := e.tokens.Mint(ctx, exec.ExecutionID, node.ID, exec.WorkflowID, exec.OrganizationID,
		resumeState, exec.TriggerData, exec.TriggerType, e.cfg.WaitTokenTTL)
	if err != nil {
		return dispatchOutcome{}, apperrors.Wrap(apperrors.KindInternal, "mint resume token", err)
	}

	result := domain.NodeResult{
		Status:    domain.NodeResultSuccess,
		Summary:   "suspended awaiting resume token " + token.TokenID,
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
	}
	if err := e.db.UpdateExecutionNodeResult(ctx, exec.ExecutionID, node.ID, result, &resumeState); err != nil {
		return dispatchOutcome{}, apperrors.Wrap(apperrors.KindInternal, "persist wait node result", err)
	}
	exec.NodeResults[node.ID] = result

	return dispatchOutcome{suspend: true}, nil
}

func connectorRequest(exec *domain.Execution, node *domain.Node, params, creds map[string]interface{}) connector.InvokeRequest {
	return connector.InvokeRequest{
		AppID:          node.AppID,
		OperationID:    node.OperationID,
		Parameters:     params,
		Credentials:    creds,
		ExecutionID:    exec.ExecutionID,
		NodeID:         node.ID,
		IdempotencyKey: exec.ExecutionID + ":" + node.ID,
	}
}

func successResult(output interface{}) domain.NodeResult {
	now := time.Now()
	return domain.NodeResult{Status: domain.NodeResultSuccess, Output: output, Metadata: snapshotMetadata(output), StartedAt: now, EndedAt: now}
}

func failedResult(err error) domain.NodeResult {
	now := time.Now()
	return domain.NodeResult{Status: domain.NodeResultFailed, Error: err.Error(), StartedAt: now, EndedAt: now}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
