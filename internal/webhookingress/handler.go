// Package webhookingress implements the Webhook Ingress component: the
// HTTP endpoint that authenticates, deduplicates, and enqueues inbound
// webhook deliveries as Execution Records.
package webhookingress

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/dedupe"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/queue"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/triggerregistry"
)

// Handler serves POST /webhooks/{webhookId}, implementing the
// lookup -> verify -> dedupe -> log -> enqueue pipeline.
type Handler struct {
	registry        *triggerregistry.Registry
	dedupe          dedupe.Store
	db              *store.Store
	queue           *queue.Engine
	replayTolerance time.Duration
	orgConfig       *config.Manager  // optional; per-org replay tolerance override
	metrics         *metrics.Metrics // optional; Prometheus collectors
}

// New constructs a webhook ingress Handler.
func New(registry *triggerregistry.Registry, dd dedupe.Store, db *store.Store, q *queue.Engine, replayTolerance time.Duration) *Handler {
	if replayTolerance <= 0 {
		replayTolerance = 300 * time.Second
	}
	return &Handler{registry: registry, dedupe: dd, db: db, queue: q, replayTolerance: replayTolerance}
}

// WithOrgConfig attaches a per-organization config Manager, letting an
// organization tighten or loosen the default replay tolerance without a
// process restart.
func (h *Handler) WithOrgConfig(m *config.Manager) *Handler {
	h.orgConfig = m
	return h
}

// WithMetrics attaches a Prometheus collector set, letting the handler
// report accepted/duplicate/rejected request counts at GET /metrics.
func (h *Handler) WithMetrics(m *metrics.Metrics) *Handler {
	h.metrics = m
	return h
}

func (h *Handler) recordOutcome(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordWebhookRequest(outcome)
	}
}

// replayToleranceFor resolves the effective replay tolerance for trigger's
// organization, falling back to the handler-wide default.
func (h *Handler) replayToleranceFor(trigger *domain.TriggerRecord) time.Duration {
	if h.orgConfig == nil {
		return h.replayTolerance
	}
	if sec := h.orgConfig.Get(trigger.OrganizationID).Webhook.ReplayToleranceSec; sec != 0 {
		return time.Duration(sec) * time.Second
	}
	return h.replayTolerance
}

// Register wires the ingress route onto r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/webhooks/{webhookId}", h.ServeHTTP).Methods(http.MethodPost)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	webhookID := mux.Vars(r)["webhookId"]

	trigger, ok := h.registry.ByEndpoint("/webhooks/" + webhookID)
	if !ok {
		h.audit(ctx, nil, webhookID, nil, r.Header, "", "trigger not found", "webhook")
		h.recordOutcome("rejected")
		http.Error(w, "trigger not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindValidation, "reading request body", err))
		return
	}

	if trigger.Secret != "" {
		strategy, ok := Strategies[trigger.SignatureStrategy]
		if !ok {
			strategy = Strategies["hmac-sha256"]
		}
		if verr := strategy.Verify(trigger.Secret, r.Header, body, h.replayToleranceFor(trigger), time.Now()); verr != nil {
			h.audit(ctx, trigger, webhookID, body, r.Header, "", verr.Error(), "webhook")
			h.recordOutcome("rejected")
			apperrors.WriteHTTP(w, r, verr)
			return
		}
	}

	token := dedupeToken(trigger, r.Header, body)
	ttl := trigger.DedupeTTL
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	outcome, derr := h.dedupe.RecordIfAbsent(ctx, webhookID, token, ttl)
	if derr != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindInternal, "dedupe check", derr))
		return
	}
	if outcome == dedupe.Duplicate {
		h.audit(ctx, trigger, webhookID, body, r.Header, "", "", "duplicate")
		h.recordOutcome("duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	logID := uuid.NewString()
	if err := h.db.AppendWebhookLog(ctx, &domain.WebhookLog{
		ID:             logID,
		WebhookID:      webhookID,
		WorkflowID:     trigger.WorkflowID,
		OrganizationID: trigger.OrganizationID,
		AppID:          trigger.AppID,
		TriggerID:      trigger.TriggerID,
		PayloadDigest:  digest(body),
		Headers:        flattenHeaders(r.Header),
		Timestamp:      time.Now(),
		Processed:      false,
		Source:         "webhook",
	}); err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindInternal, "append webhook log", err))
		return
	}

	var payload map[string]interface{}
	_ = json.Unmarshal(body, &payload)

	executionID := uuid.NewString()
	execution := &domain.Execution{
		ExecutionID:    executionID,
		WorkflowID:     trigger.WorkflowID,
		OrganizationID: trigger.OrganizationID,
		Status:         domain.ExecutionPending,
		TriggerType:    "webhook",
		TriggerData: map[string]interface{}{
			"payload": payload,
			"headers": flattenHeaders(r.Header),
		},
		NodeResults: map[string]domain.NodeResult{},
		StartedAt:   time.Now(),
		Attempt:     1,
	}
	if err := h.db.CreateExecution(ctx, execution); err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindInternal, "create execution", err))
		return
	}
	if err := h.queue.Enqueue(ctx, executionID, store.PriorityDefault, time.Time{}); err != nil {
		apperrors.WriteHTTP(w, r, apperrors.Wrap(apperrors.KindQueueUnavailable, "enqueue execution", err))
		return
	}

	if err := h.db.MarkWebhookLogProcessed(ctx, logID, executionID); err != nil {
		slog.Warn("failed to mark webhook log processed", "webhook_log_id", logID, "error", err)
	}

	h.recordOutcome("accepted")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"executionId": executionID})
}

func (h *Handler) audit(ctx context.Context, trigger *domain.TriggerRecord, webhookID string, body []byte, headers http.Header, signature, failReason, source string) {
	l := &domain.WebhookLog{
		ID:        uuid.NewString(),
		WebhookID: webhookID,
		Headers:   flattenHeaders(headers),
		Timestamp: time.Now(),
		Signature: signature,
		Source:    source,
		Error:     failReason,
	}
	if trigger != nil {
		l.WorkflowID = trigger.WorkflowID
		l.OrganizationID = trigger.OrganizationID
		l.AppID = trigger.AppID
		l.TriggerID = trigger.TriggerID
	}
	if body != nil {
		l.PayloadDigest = digest(body)
	}
	// Best-effort: audit logging failures must never block the response.
	if err := h.db.AppendWebhookLog(ctx, l); err != nil {
		slog.Warn("failed to append audit webhook log", "webhook_id", webhookID, "error", err)
	}
}

func dedupeToken(trigger *domain.TriggerRecord, headers http.Header, body []byte) string {
	strategy, ok := Strategies[trigger.SignatureStrategy]
	if ok {
		if id := strategy.EventID(headers, body); id != "" {
			return id
		}
	}
	return digest(body)
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
