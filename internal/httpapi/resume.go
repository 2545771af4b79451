package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/backend/internal/apperrors"
)

// resumeRequest is the body of POST /runs/{execId}/nodes/{nodeId}/resume:
// the single-use Resume Token minted when the execution suspended at a
// wait node (spec.md §4.2).
type resumeRequest struct {
	TokenID string                 `json:"tokenId" validate:"required"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// resumeExecution handles POST /runs/{execId}/nodes/{nodeId}/resume. It is
// intentionally not org-authenticated: possession of a valid, unexpired,
// unconsumed token signature IS the authorization, per spec.md §4.2 and
// §8's resume-single-use property.
func (h *handler) resumeExecution(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	executionID, nodeID := vars["execId"], vars["nodeId"]

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindValidation, "decode request body", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindValidation, "validate request body", err))
		return
	}

	token, err := h.deps.Tokens.Consume(r.Context(), req.TokenID)
	if err != nil {
		writeResumeError(w, r, err)
		return
	}
	if token.ExecutionID != executionID || token.NodeID != nodeID {
		http.Error(w, "token does not match execution/node", http.StatusBadRequest)
		return
	}

	if err := h.deps.Queue.EnqueueResume(r.Context(), executionID); err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindQueueUnavailable, "enqueue resume", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"executionId": executionID})
}

// writeResumeError renders a Resume Token Service failure as the 400/410
// response spec.md §6 calls for, rather than the generic RFC 7807 mapping
// (TOKEN_EXPIRED is gone-not-retryable, not a server error; replay after
// consumption is specified to read identically to replay after expiry).
func writeResumeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, _ := apperrors.As(err)
	if kind == nil {
		apperrors.WriteHTTP(w, r, err)
		return
	}
	switch kind.Message {
	case "TOKEN_EXPIRED":
		http.Error(w, kind.Message, http.StatusGone)
	case "INVALID_SIGNATURE":
		http.Error(w, kind.Message, http.StatusBadRequest)
	default:
		apperrors.WriteHTTP(w, r, err)
	}
}
