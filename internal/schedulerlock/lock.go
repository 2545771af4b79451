// Package schedulerlock implements the Scheduler Lock Service: mutual
// exclusion so exactly one process runs the polling scheduler (or any
// other singleton duty) at a time (spec.md §4.6).
package schedulerlock

import (
	"context"
	"errors"
	"time"

	"github.com/ocx/backend/internal/metrics"
)

// ErrNotHeld is returned by Renew/Release when the caller no longer holds
// (or never held) the lease.
var ErrNotHeld = errors.New("schedulerlock: lease not held")

// Lease represents a held lock on one named resource.
type Lease struct {
	Resource  string
	OwnerID   string
	ExpiresAt time.Time
}

// Service acquires, renews, and releases named locks.
type Service interface {
	Acquire(ctx context.Context, resource, ownerID string, ttl time.Duration) (*Lease, bool, error)
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	Release(ctx context.Context, lease *Lease) error
}

// instrumented wraps a Service to report acquisition attempts regardless of
// backend (Redis, Postgres, or in-process), so GET /metrics reflects
// contention the same way no matter which SCHEDULER_STRATEGY is active.
type instrumented struct {
	Service
	metrics *metrics.Metrics
}

// WithMetrics wraps svc with a Prometheus collector set that records every
// Acquire attempt's outcome.
func WithMetrics(svc Service, m *metrics.Metrics) Service {
	if m == nil {
		return svc
	}
	return &instrumented{Service: svc, metrics: m}
}

func (i *instrumented) Acquire(ctx context.Context, resource, ownerID string, ttl time.Duration) (*Lease, bool, error) {
	lease, acquired, err := i.Service.Acquire(ctx, resource, ownerID, ttl)
	if err == nil {
		i.metrics.RecordLockAcquisition(acquired)
	}
	return lease, acquired, err
}
