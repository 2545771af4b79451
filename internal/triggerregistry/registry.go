// Package triggerregistry is the Trigger Registry: an in-process,
// mutex-guarded cache of active webhook and polling triggers, backed by
// internal/store for durability across process restarts.
package triggerregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/store"
)

// Spec is the caller-supplied definition of a trigger to register.
type Spec struct {
	WorkflowID        string
	OrganizationID    string
	Kind              domain.TriggerKind
	AppID             string
	TriggerID         string
	Endpoint          string // webhook path, required for Kind == TriggerWebhook
	Secret            string
	SignatureStrategy string
	Interval          time.Duration // polling triggers only
	CronExpr          string        // polling triggers only; wins over Interval when set
	DedupeTTL         time.Duration
	Metadata          map[string]interface{}
}

// Registry is the single-writer in-memory index over registered triggers,
// rehydrated from internal/store at startup.
type Registry struct {
	mu sync.RWMutex

	byID       map[string]*domain.TriggerRecord
	byEndpoint map[string]string // endpoint -> trigger id

	db *store.Store
}

// New constructs an empty Registry. Call Rehydrate before serving traffic.
func New(db *store.Store) *Registry {
	return &Registry{
		byID:       make(map[string]*domain.TriggerRecord),
		byEndpoint: make(map[string]string),
		db:         db,
	}
}

// Rehydrate loads every active trigger from durable store into the
// in-memory indices. Called once at process startup.
func (r *Registry) Rehydrate(ctx context.Context) error {
	for _, kind := range []domain.TriggerKind{domain.TriggerWebhook, domain.TriggerPolling} {
		records, err := r.db.ListActiveTriggers(ctx, kind)
		if err != nil {
			return fmt.Errorf("triggerregistry: rehydrate %s triggers: %w", kind, err)
		}
		r.mu.Lock()
		for _, rec := range records {
			rec := rec
			r.byID[rec.ID] = rec
			if rec.Kind == domain.TriggerWebhook && rec.Endpoint != "" {
				r.byEndpoint[rec.Endpoint] = rec.ID
			}
		}
		r.mu.Unlock()
	}
	return nil
}

// Register persists a new trigger and updates the in-memory indices.
// Returns the endpoint path for webhook triggers, empty for polling.
func (r *Registry) Register(ctx context.Context, spec Spec) (endpoint string, err error) {
	if spec.Kind == domain.TriggerWebhook {
		if spec.Endpoint == "" {
			return "", fmt.Errorf("triggerregistry: webhook trigger requires an endpoint")
		}
		r.mu.RLock()
		_, taken := r.byEndpoint[spec.Endpoint]
		r.mu.RUnlock()
		if taken {
			return "", fmt.Errorf("triggerregistry: endpoint %q already registered", spec.Endpoint)
		}
	}

	var nextPollAt time.Time
	if spec.Kind == domain.TriggerPolling {
		next, nerr := nextPollTime(spec, time.Now())
		if nerr != nil {
			return "", nerr
		}
		nextPollAt = next
	}

	rec := &domain.TriggerRecord{
		ID:                fmt.Sprintf("trg_%s_%s", spec.WorkflowID, spec.TriggerID),
		WorkflowID:        spec.WorkflowID,
		OrganizationID:    spec.OrganizationID,
		Kind:              spec.Kind,
		AppID:             spec.AppID,
		TriggerID:         spec.TriggerID,
		Endpoint:          spec.Endpoint,
		Secret:            spec.Secret,
		SignatureStrategy: spec.SignatureStrategy,
		Interval:          spec.Interval,
		CronExpr:          spec.CronExpr,
		NextPollAt:        nextPollAt,
		DedupeTTL:         spec.DedupeTTL,
		Metadata:          spec.Metadata,
		Active:            true,
	}

	if err := r.db.RegisterTrigger(ctx, rec); err != nil {
		return "", fmt.Errorf("triggerregistry: register: %w", err)
	}

	r.mu.Lock()
	r.byID[rec.ID] = rec
	if rec.Kind == domain.TriggerWebhook {
		r.byEndpoint[rec.Endpoint] = rec.ID
	}
	r.mu.Unlock()

	return rec.Endpoint, nil
}

// Deactivate flips a trigger's active flag both durably and in memory.
// In-flight events for the trigger must be rejected by callers checking
// ByID/ByEndpoint after this returns.
func (r *Registry) Deactivate(ctx context.Context, triggerID string) error {
	if err := r.db.DeactivateTrigger(ctx, triggerID); err != nil {
		return fmt.Errorf("triggerregistry: deactivate %s: %w", triggerID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[triggerID]; ok {
		rec.Active = false
		if rec.Kind == domain.TriggerWebhook {
			delete(r.byEndpoint, rec.Endpoint)
		}
	}
	return nil
}

// ByEndpoint looks up the active trigger registered at a webhook path.
func (r *Registry) ByEndpoint(endpoint string) (*domain.TriggerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEndpoint[endpoint]
	if !ok {
		return nil, false
	}
	rec, ok := r.byID[id]
	if !ok || !rec.Active {
		return nil, false
	}
	return rec, true
}

// ListActive returns a snapshot of every active trigger of the given kind,
// consulted by the webhook ingress and polling scheduler loops.
func (r *Registry) ListActive(kind domain.TriggerKind) []*domain.TriggerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.TriggerRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		if rec.Kind == kind && rec.Active {
			out = append(out, rec)
		}
	}
	return out
}

// AdvancePoll recomputes nextPollAt for a polling trigger after it has
// been leased and invoked, persists the new cursor/backoff/status, and
// enforces the monotonic-advance invariant: nextPollAt must always move
// strictly forward from the previous value.
func (r *Registry) AdvancePoll(ctx context.Context, triggerID, cursor string, backoffCount int, lastStatus string) error {
	r.mu.RLock()
	rec, ok := r.byID[triggerID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("triggerregistry: unknown trigger %s", triggerID)
	}

	spec := Spec{Interval: rec.Interval, CronExpr: rec.CronExpr}
	next, err := nextPollTime(spec, time.Now())
	if err != nil {
		return err
	}
	if !rec.NextPollAt.IsZero() && !next.After(rec.NextPollAt) {
		next = rec.NextPollAt.Add(rec.Interval)
	}

	if err := r.db.UpdatePollingState(ctx, triggerID, cursor, next, backoffCount, lastStatus); err != nil {
		return fmt.Errorf("triggerregistry: advance poll %s: %w", triggerID, err)
	}

	r.mu.Lock()
	rec.Cursor = cursor
	rec.NextPollAt = next
	rec.BackoffCount = backoffCount
	rec.LastStatus = lastStatus
	rec.LastPollAt = time.Now()
	r.mu.Unlock()
	return nil
}

// nextPollTime computes the next poll instant for a trigger: a parsed
// cron expression wins over a fixed interval when both are present.
func nextPollTime(spec Spec, from time.Time) (time.Time, error) {
	if spec.CronExpr != "" {
		sched, err := cron.ParseStandard(spec.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("triggerregistry: invalid cron expression %q: %w", spec.CronExpr, err)
		}
		return sched.Next(from), nil
	}
	if spec.Interval <= 0 {
		return time.Time{}, fmt.Errorf("triggerregistry: polling trigger needs an interval or cron expression")
	}
	return from.Add(spec.Interval), nil
}
