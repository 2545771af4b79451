package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ocx/backend/internal/store"
)

// staleThreshold matches spec.md §5's heartbeat monitor default.
const staleThreshold = 120 * time.Second

type workerStatusView struct {
	WorkerID         string    `json:"workerId"`
	Type             string    `json:"type"`
	LastBeatAt       time.Time `json:"lastBeatAt"`
	ActiveExecutions int       `json:"activeExecutions"`
	Stale            bool      `json:"stale"`
}

// workersStatus handles GET /workers/status: every worker's last-known
// heartbeat plus the queue engine's own in-process snapshot.
func (h *handler) workersStatus(w http.ResponseWriter, r *http.Request) {
	heartbeats, err := h.deps.DB.ListHeartbeats(r.Context())
	if err != nil {
		http.Error(w, "failed to load worker heartbeats", http.StatusInternalServerError)
		return
	}

	views := make([]workerStatusView, 0, len(heartbeats))
	now := time.Now()
	for _, hb := range heartbeats {
		views = append(views, workerStatusView{
			WorkerID:         hb.WorkerID,
			Type:             hb.Type,
			LastBeatAt:       hb.LastBeatAt,
			ActiveExecutions: hb.ActiveExecutions,
			Stale:            now.Sub(hb.LastBeatAt) > staleThreshold,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"workers": views,
		"queue":   h.deps.Queue.Status(),
	})
}

// publicHeartbeatResponse matches spec.md §6's
// `{status,message,latestHeartbeatAt}` public probe shape.
type publicHeartbeatResponse struct {
	Status            string     `json:"status"`
	Message           string     `json:"message"`
	LatestHeartbeatAt *time.Time `json:"latestHeartbeatAt,omitempty"`
}

// publicHeartbeat handles GET /production/queue/heartbeat: an
// unauthenticated liveness probe reporting pass/warn/fail based on how
// recently any worker has beaten (spec.md §5).
func (h *handler) publicHeartbeat(w http.ResponseWriter, r *http.Request) {
	latest, err := h.deps.DB.LatestHeartbeat(r.Context())
	w.Header().Set("Content-Type", "application/json")

	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(publicHeartbeatResponse{
			Status:  "warn",
			Message: "no worker has reported a heartbeat yet",
		})
		return
	}
	if err != nil {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(publicHeartbeatResponse{
			Status:  "fail",
			Message: "failed to query worker heartbeats: " + err.Error(),
		})
		return
	}

	age := time.Since(latest.LastBeatAt)
	resp := publicHeartbeatResponse{LatestHeartbeatAt: &latest.LastBeatAt}
	switch {
	case age > staleThreshold:
		resp.Status = "fail"
		resp.Message = "every worker's heartbeat is stale"
	case age > staleThreshold/2:
		resp.Status = "warn"
		resp.Message = "worker heartbeat is aging"
	default:
		resp.Status = "pass"
		resp.Message = "ok"
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
