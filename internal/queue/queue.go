// Package queue implements the Execution Queue Service: a durable,
// priority-ordered work queue of pending Execution Records with
// visibility-timeout leases, retry/backoff, and dead-lettering, backed by
// internal/store's execution_queue table.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/store"
)

// Processor executes one claimed execution. The returned error, if any,
// is classified via apperrors.Retryable to decide between a retry-with-
// backoff Nack and a terminal failure.
type Processor interface {
	Process(ctx context.Context, executionID string, attempt int) error
}

// Config tunes the worker pool. Zero values fall back to defaults.
type Config struct {
	WorkerCount        int
	PollInterval       time.Duration
	VisibilityTimeout  time.Duration
	MaxAttempts        int
	ReclaimInterval    time.Duration
	HeartbeatInterval  time.Duration
	WorkerIDPrefix     string
}

// Status is a point-in-time snapshot of the queue worker pool, exposed at
// GET /workers/status.
type Status struct {
	WorkerCount  int    `json:"workerCount"`
	ActiveLeases int32  `json:"activeLeases"`
	LastError    string `json:"lastError,omitempty"`
}

// Engine runs a pool of workers that dequeue, process, and ack/nack
// executions from the durable queue.
type Engine struct {
	db      *store.Store
	proc    Processor
	bus     *events.EventBus
	cfg     Config
	metrics *metrics.Metrics

	once sync.Once
	wg   sync.WaitGroup

	activeLeases int32
	activeMu     sync.Mutex
	lastError    string
	lastErrorMu  sync.Mutex
}

// WithMetrics attaches a Prometheus collector set, letting the queue
// report dequeue/ack/nack counts and lease duration at GET /metrics.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// New constructs a queue Engine. proc is invoked once per claimed
// execution; bus may be nil if lifecycle events aren't needed.
func New(db *store.Store, proc Processor, bus *events.EventBus, cfg Config) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.WorkerIDPrefix == "" {
		cfg.WorkerIDPrefix = "queue-worker"
	}
	return &Engine{db: db, proc: proc, bus: bus, cfg: cfg}
}

// Enqueue appends an execution to the durable queue at the given
// priority class (store.PriorityResume/Manual/Default), optionally
// delayed until availableAt.
func (e *Engine) Enqueue(ctx context.Context, executionID string, priority int16, availableAt time.Time) error {
	return e.db.Enqueue(ctx, executionID, priority, availableAt)
}

// EnqueueResume replays a waiting execution at resume priority (spec.md
// §4.7): the execution's own ResumeState, already persisted by the wait
// node that suspended it, tells the Workflow Runtime where to pick back
// up, so this is just a priority-class re-enqueue.
func (e *Engine) EnqueueResume(ctx context.Context, executionID string) error {
	return e.db.Enqueue(ctx, executionID, store.PriorityResume, time.Time{})
}

// Start launches the worker pool and the housekeeping loop (expired
// lease reclamation). Idempotent: subsequent calls are no-ops.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		for i := 0; i < e.cfg.WorkerCount; i++ {
			workerID := fmt.Sprintf("%s-%d", e.cfg.WorkerIDPrefix, i)
			e.wg.Add(1)
			go func(id string) {
				defer e.wg.Done()
				e.worker(ctx, id)
			}(workerID)
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.housekeep(ctx)
		}()
	})
}

// Wait blocks until every worker goroutine has returned (ctx cancelled).
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Status reports the current worker pool snapshot.
func (e *Engine) Status() Status {
	e.activeMu.Lock()
	active := e.activeLeases
	e.activeMu.Unlock()
	e.lastErrorMu.Lock()
	lastErr := e.lastError
	e.lastErrorMu.Unlock()
	return Status{WorkerCount: e.cfg.WorkerCount, ActiveLeases: active, LastError: lastErr}
}

func (e *Engine) worker(ctx context.Context, workerID string) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := e.db.UpsertHeartbeat(ctx, workerID, "queue-worker", int(e.currentLeases())); err != nil {
				e.setLastError(fmt.Errorf("heartbeat: %w", err))
			}
		default:
		}

		item, err := e.db.Dequeue(ctx, workerID, e.cfg.VisibilityTimeout)
		if err != nil {
			e.setLastError(fmt.Errorf("dequeue: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		if e.metrics != nil {
			e.metrics.QueueDequeued.WithLabelValues(workerID).Inc()
		}
		leaseStart := time.Now()
		e.incLeases()
		e.handle(ctx, workerID, item)
		e.decLeases()
		if e.metrics != nil {
			e.metrics.QueueLeaseTime.WithLabelValues(workerID).Observe(time.Since(leaseStart).Seconds())
		}
	}
}

func (e *Engine) handle(ctx context.Context, workerID string, item *store.QueueItem) {
	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.VisibilityTimeout)
	defer cancel()

	err := e.proc.Process(taskCtx, item.ExecutionID, item.Attempts)
	// bgCtx is used for store writes after taskCtx may have expired, so
	// an ack/nack is never skipped just because the lease timed out.
	bgCtx := context.Background()

	if err == nil {
		if ackErr := e.db.Ack(bgCtx, item.ID); ackErr != nil {
			e.setLastError(fmt.Errorf("ack execution %s: %w", item.ExecutionID, ackErr))
		}
		if e.metrics != nil {
			e.metrics.QueueAcked.Inc()
		}
		e.emit(events.EventExecutionCompleted, item.ExecutionID)
		return
	}

	if !apperrors.Retryable(err) || item.Attempts >= e.cfg.MaxAttempts {
		if nackErr := e.db.Nack(bgCtx, item.ID, 0, 0); nackErr != nil {
			e.setLastError(fmt.Errorf("dead-letter execution %s: %w", item.ExecutionID, nackErr))
		}
		if e.metrics != nil {
			e.metrics.QueueNacked.WithLabelValues("dead_letter").Inc()
		}
		slog.Warn("execution dead-lettered", "execution_id", item.ExecutionID, "attempts", item.Attempts, "error", err)
		e.emit(events.EventExecutionFailed, item.ExecutionID)
		return
	}

	delay := backoff(item.Attempts)
	if nackErr := e.db.Nack(bgCtx, item.ID, delay, e.cfg.MaxAttempts); nackErr != nil {
		e.setLastError(fmt.Errorf("nack execution %s: %w", item.ExecutionID, nackErr))
	}
	if e.metrics != nil {
		e.metrics.QueueNacked.WithLabelValues("retry").Inc()
	}
	slog.Info("execution requeued for retry", "execution_id", item.ExecutionID, "attempt", item.Attempts, "delay", delay, "error", err)
}

func (e *Engine) housekeep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.db.ReclaimExpiredLeases(ctx)
			if err != nil {
				e.setLastError(fmt.Errorf("reclaim expired leases: %w", err))
				continue
			}
			if n > 0 {
				slog.Info("reclaimed expired queue leases", "count", n)
			}
		}
	}
}

func (e *Engine) emit(eventType, executionID string) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(eventType, "queue", executionID, map[string]interface{}{"executionId": executionID})
}

func (e *Engine) incLeases() {
	e.activeMu.Lock()
	e.activeLeases++
	e.activeMu.Unlock()
}

func (e *Engine) decLeases() {
	e.activeMu.Lock()
	e.activeLeases--
	e.activeMu.Unlock()
}

func (e *Engine) currentLeases() int32 {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return e.activeLeases
}

func (e *Engine) setLastError(err error) {
	e.lastErrorMu.Lock()
	e.lastError = err.Error()
	e.lastErrorMu.Unlock()
}

// backoff computes the retry delay for the given attempt count: an
// exponential backoff capped at 10 minutes.
func backoff(attempt int) time.Duration {
	base := time.Second
	ceiling := 10 * time.Minute
	d := base << uint(attempt)
	if d <= 0 || time.Duration(d) > ceiling {
		return ceiling
	}
	return time.Duration(d)
}
