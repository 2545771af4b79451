// Package pollingscheduler implements the Polling Scheduler: a
// single-leader loop that periodically invokes due polling triggers,
// turning new connector-reported events into enqueued Execution Records.
package pollingscheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/backend/internal/dedupe"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/queue"
	"github.com/ocx/backend/internal/schedulerlock"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/triggerregistry"
)

// lockResource is the fleet-wide singleton resource name guarding the
// polling loop so only one process drives it at a time.
const lockResource = "polling:loop"

// PollResult is what a connector's poll operation returns: zero or more
// new events in connector-reported order, plus the cursor to persist for
// the next poll.
type PollResult struct {
	Events []map[string]interface{}
	Cursor string
}

// ConnectorPoller invokes a connector's poll operation for one trigger.
type ConnectorPoller interface {
	Poll(ctx context.Context, appID, operationID, cursor string, metadata map[string]interface{}) (PollResult, error)
}

// Config tunes the scheduler loop. Zero values fall back to defaults.
type Config struct {
	TickInterval     time.Duration
	LockTTL          time.Duration
	BatchSize        int
	Concurrency      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	AutoDeactivateAt int // consecutive failures before the trigger is deactivated
	OwnerID          string
}

// Scheduler drives the due-time polling loop.
type Scheduler struct {
	registry *triggerregistry.Registry
	lock     schedulerlock.Service
	dedupe   dedupe.Store
	db       *store.Store
	queue    *queue.Engine
	poller   ConnectorPoller
	cfg      Config
}

// New constructs a Scheduler.
func New(registry *triggerregistry.Registry, lock schedulerlock.Service, dd dedupe.Store, db *store.Store, q *queue.Engine, poller ConnectorPoller, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.TickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Minute
	}
	if cfg.AutoDeactivateAt <= 0 {
		cfg.AutoDeactivateAt = 20
	}
	if cfg.OwnerID == "" {
		cfg.OwnerID = uuid.NewString()
	}
	return &Scheduler{registry: registry, lock: lock, dedupe: dd, db: db, queue: q, poller: poller, cfg: cfg}
}

// Run blocks, ticking the polling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	lease, acquired, err := s.lock.Acquire(ctx, lockResource, s.cfg.OwnerID, s.cfg.LockTTL)
	if err != nil {
		slog.Warn("polling scheduler: lock acquire failed", "error", err)
		return
	}
	if !acquired {
		return // another process is driving the loop
	}
	defer func() {
		if err := s.lock.Release(ctx, lease); err != nil {
			slog.Warn("polling scheduler: lock release failed", "error", err)
		}
	}()

	due, err := s.db.DuePollingTriggers(ctx, s.cfg.BatchSize)
	if err != nil {
		slog.Warn("polling scheduler: listing due triggers failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, s.cfg.Concurrency)
	done := make(chan struct{}, len(due))
	for _, trigger := range due {
		trigger := trigger
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			s.pollOne(ctx, trigger)
		}()
	}
	for range due {
		<-done
	}
}

func (s *Scheduler) pollOne(ctx context.Context, trigger *domain.TriggerRecord) {
	// Deactivation takes effect before the next tick: re-check active
	// state right before invoking, so a trigger deactivated between
	// listing and dispatch never enqueues.
	stillActive := false
	for _, t := range s.registry.ListActive(domain.TriggerPolling) {
		if t.ID == trigger.ID {
			stillActive = true
			break
		}
	}
	if !stillActive {
		return
	}

	result, err := s.poller.Poll(ctx, trigger.AppID, trigger.TriggerID, trigger.Cursor, trigger.Metadata)
	if err != nil {
		s.handleFailure(ctx, trigger, err)
		return
	}

	for _, event := range result.Events {
		token := dedupeEventToken(trigger.ID, event)
		outcome, derr := s.dedupe.RecordIfAbsent(ctx, trigger.ID, token, dedupeTTL(trigger))
		if derr != nil {
			slog.Warn("polling scheduler: dedupe check failed", "trigger_id", trigger.ID, "error", derr)
			continue
		}
		if outcome == dedupe.Duplicate {
			continue
		}

		executionID := uuid.NewString()
		execution := &domain.Execution{
			ExecutionID:    executionID,
			WorkflowID:     trigger.WorkflowID,
			OrganizationID: trigger.OrganizationID,
			Status:         domain.ExecutionPending,
			TriggerType:    "polling",
			TriggerData:    event,
			NodeResults:    map[string]domain.NodeResult{},
			StartedAt:      time.Now(),
			Attempt:        1,
		}
		if err := s.db.CreateExecution(ctx, execution); err != nil {
			slog.Warn("polling scheduler: create execution failed", "trigger_id", trigger.ID, "error", err)
			continue
		}
		if err := s.queue.Enqueue(ctx, executionID, store.PriorityDefault, time.Time{}); err != nil {
			slog.Warn("polling scheduler: enqueue failed", "trigger_id", trigger.ID, "error", err)
		}
	}

	if err := s.registry.AdvancePoll(ctx, trigger.ID, result.Cursor, 0, "ok"); err != nil {
		slog.Warn("polling scheduler: advancing poll state failed", "trigger_id", trigger.ID, "error", err)
	}
}

func (s *Scheduler) handleFailure(ctx context.Context, trigger *domain.TriggerRecord, pollErr error) {
	backoffCount := trigger.BackoffCount + 1
	if backoffCount >= s.cfg.AutoDeactivateAt {
		if err := s.registry.Deactivate(ctx, trigger.ID); err != nil {
			slog.Warn("polling scheduler: auto-deactivate failed", "trigger_id", trigger.ID, "error", err)
		}
		slog.Warn("polling scheduler: trigger auto-deactivated after repeated failures", "trigger_id", trigger.ID, "backoff_count", backoffCount, "error", pollErr)
		return
	}

	delay := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, backoffCount)
	next := time.Now().Add(delay)
	if err := s.db.UpdatePollingState(ctx, trigger.ID, trigger.Cursor, next, backoffCount, "error"); err != nil {
		slog.Warn("polling scheduler: recording backoff failed", "trigger_id", trigger.ID, "error", err)
	}
	slog.Info("polling scheduler: trigger poll failed, backing off", "trigger_id", trigger.ID, "backoff_count", backoffCount, "next_poll_at", next, "error", pollErr)
}

// backoffDelay computes base * 2^backoffCount capped at cap, with +/-10%
// jitter so many simultaneously-failing triggers don't all retry in
// lockstep.
func backoffDelay(base, ceiling time.Duration, backoffCount int) time.Duration {
	d := base << uint(backoffCount)
	if d <= 0 || time.Duration(d) > ceiling {
		d = ceiling
	}
	jitter := time.Duration(float64(d) * (rand.Float64()*0.2 - 0.1))
	return time.Duration(d) + jitter
}

func dedupeTTL(trigger *domain.TriggerRecord) time.Duration {
	if trigger.DedupeTTL > 0 {
		return trigger.DedupeTTL
	}
	return 60 * time.Minute
}

func dedupeEventToken(triggerID string, event map[string]interface{}) string {
	if id, ok := event["id"]; ok {
		return fmt.Sprintf("%s:%v", triggerID, id)
	}
	return fmt.Sprintf("%s:%v", triggerID, event)
}
