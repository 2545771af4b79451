package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/store"
)

// createExecutionRequest is the body of POST /executions (spec.md §6:
// manual run).
type createExecutionRequest struct {
	WorkflowID  string                 `json:"workflowId" validate:"required"`
	TriggerData map[string]interface{} `json:"triggerData"`
}

// createExecution handles POST /executions: a manual run of a deployed
// workflow, scoped to the caller's organization.
func (h *handler) createExecution(w http.ResponseWriter, r *http.Request) {
	orgID := organizationID(r)

	var req createExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindValidation, "decode request body", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindValidation, "validate request body", err))
		return
	}

	graph, err := h.deps.DB.GetWorkflowGraph(r.Context(), req.WorkflowID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	if err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindInternal, "load workflow graph", err))
		return
	}
	if graph.OrganizationID != orgID {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}

	executionID := uuid.NewString()
	execution := &domain.Execution{
		ExecutionID:    executionID,
		WorkflowID:     req.WorkflowID,
		OrganizationID: orgID,
		Status:         domain.ExecutionPending,
		TriggerType:    "manual",
		TriggerData:    req.TriggerData,
		NodeResults:    map[string]domain.NodeResult{},
		StartedAt:      time.Now(),
		Attempt:        1,
	}
	if err := h.deps.DB.CreateExecution(r.Context(), execution); err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindInternal, "create execution", err))
		return
	}
	if err := h.deps.Queue.Enqueue(r.Context(), executionID, store.PriorityManual, time.Time{}); err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindQueueUnavailable, "enqueue execution", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"executionId": executionID})
}

// retryExecution handles POST /executions/{id}/retry: replays a failed
// execution under a brand new executionId, referencing the same
// workflowId and original triggerData (spec.md §8's idempotent-retry
// property).
func (h *handler) retryExecution(w http.ResponseWriter, r *http.Request) {
	orgID := organizationID(r)
	id := mux.Vars(r)["id"]

	original, err := h.deps.DB.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}
	if err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindInternal, "load execution", err))
		return
	}
	if original.OrganizationID != orgID {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}
	if original.Status != domain.ExecutionFailed {
		http.Error(w, "execution is not in a failed state", http.StatusConflict)
		return
	}

	executionID := uuid.NewString()
	retry := &domain.Execution{
		ExecutionID:    executionID,
		WorkflowID:     original.WorkflowID,
		OrganizationID: orgID,
		UserID:         original.UserID,
		Status:         domain.ExecutionPending,
		TriggerType:    original.TriggerType,
		TriggerData:    original.TriggerData,
		NodeResults:    map[string]domain.NodeResult{},
		StartedAt:      time.Now(),
		Attempt:        1,
		CorrelationID:  original.ExecutionID,
	}
	if err := h.deps.DB.CreateExecution(r.Context(), retry); err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindInternal, "create retry execution", err))
		return
	}
	if err := h.deps.Queue.Enqueue(r.Context(), executionID, store.PriorityManual, time.Time{}); err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindQueueUnavailable, "enqueue retry execution", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"executionId": executionID})
}

// listExecutions handles GET /executions?workflowId=&status=&limit=&offset=,
// scoped to the caller's organization.
func (h *handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	orgID := organizationID(r)
	q := r.URL.Query()

	filter := store.ExecutionFilter{WorkflowID: q.Get("workflowId")}
	if status := q.Get("status"); status != "" {
		filter.Status = domain.ExecutionStatus(status)
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}

	executions, err := h.deps.DB.ListExecutions(r.Context(), orgID, filter)
	if err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindInternal, "list executions", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"executions": executions})
}

// getExecution handles GET /executions/{id}, rejecting cross-org reads
// per spec.md §3's ownership invariant.
func (h *handler) getExecution(w http.ResponseWriter, r *http.Request) {
	orgID := organizationID(r)
	id := mux.Vars(r)["id"]

	execution, err := h.deps.DB.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}
	if err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindInternal, "load execution", err))
		return
	}
	if execution.OrganizationID != orgID {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(execution)
}

// streamExecution upgrades GET /executions/{id}/stream to a WebSocket
// tailing the execution's lifecycle and NodeResult events, after the
// same ownership check as getExecution.
func (h *handler) streamExecution(w http.ResponseWriter, r *http.Request) {
	if h.deps.Streamer == nil {
		http.Error(w, "execution streaming disabled", http.StatusNotImplemented)
		return
	}
	orgID := organizationID(r)
	id := mux.Vars(r)["id"]

	execution, err := h.deps.DB.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}
	if err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindInternal, "load execution", err))
		return
	}
	if execution.OrganizationID != orgID {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}

	h.deps.Streamer.HandleWebSocket(w, r, id)
}
