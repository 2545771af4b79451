// Package httpapi wires the HTTP surface of spec.md §6 onto a
// gorilla/mux router: manual execution runs, retries, resume, the
// paginated execution list/detail endpoints, and the worker health
// endpoints. Webhook ingress lives in its own package
// (internal/webhookingress) since it sits outside org-authenticated
// auth. Every route here except resume (authorized by its token) and
// the public heartbeat probe runs behind internal/middleware's
// AuthMiddleware and QuotaGate.
package httpapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/ocx/backend/internal/execstream"
	"github.com/ocx/backend/internal/middleware"
	"github.com/ocx/backend/internal/orgctx"
	"github.com/ocx/backend/internal/queue"
	"github.com/ocx/backend/internal/resumetoken"
	"github.com/ocx/backend/internal/store"
)

// validate is a package-level validator instance, safe for concurrent
// use, following the go-playground/validator idiom of constructing one
// validator and reusing it rather than allocating per request.
var validate = validator.New()

// Deps bundles every collaborator the execution-facing HTTP surface
// depends on.
type Deps struct {
	DB       *store.Store
	Queue    *queue.Engine
	Tokens   *resumetoken.Service
	Quota    *middleware.QuotaGate
	Auth     *middleware.AuthMiddleware
	Streamer *execstream.Streamer
}

// Register mounts every route in spec.md §6 (besides webhook ingress) on r.
func Register(r *mux.Router, deps Deps) {
	h := &handler{deps: deps}

	// Quota gating reads the organization from context, so it must run
	// inside AuthMiddleware (which populates it), not around it.
	quota := deps.Quota.Middleware(organizationID)
	authed := func(fn http.HandlerFunc) http.HandlerFunc {
		gated := quota(http.HandlerFunc(fn))
		return deps.Auth.Wrap(gated.ServeHTTP)
	}

	r.HandleFunc("/executions", authed(h.createExecution)).Methods(http.MethodPost)
	r.HandleFunc("/executions", authed(h.listExecutions)).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}", authed(h.getExecution)).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}/retry", authed(h.retryExecution)).Methods(http.MethodPost)
	r.HandleFunc("/executions/{id}/stream", authed(h.streamExecution)).Methods(http.MethodGet)
	r.HandleFunc("/runs/{execId}/nodes/{nodeId}/resume", h.resumeExecution).Methods(http.MethodPost)
	r.HandleFunc("/workers/status", authed(h.workersStatus)).Methods(http.MethodGet)
	r.HandleFunc("/production/queue/heartbeat", h.publicHeartbeat).Methods(http.MethodGet)
}

type handler struct {
	deps Deps
}

func organizationID(r *http.Request) string {
	id, _ := orgctx.OrganizationID(r.Context())
	return id
}
