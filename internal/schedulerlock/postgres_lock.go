package schedulerlock

import (
	"context"
	"time"

	"github.com/ocx/backend/internal/store"
)

// PostgresLock backs the Scheduler Lock Service with the scheduler_locks
// table, claimed via INSERT ... ON CONFLICT DO UPDATE, which takes over
// the row only when the existing lock has expired.
type PostgresLock struct {
	db *store.Store
}

// NewPostgresLock constructs a Postgres-backed lock service.
func NewPostgresLock(db *store.Store) *PostgresLock {
	return &PostgresLock{db: db}
}

func (l *PostgresLock) Acquire(ctx context.Context, resource, ownerID string, ttl time.Duration) (*Lease, bool, error) {
	ok, err := l.db.AcquireLock(ctx, resource, ownerID, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lease{Resource: resource, OwnerID: ownerID, ExpiresAt: time.Now().Add(ttl)}, true, nil
}

func (l *PostgresLock) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	ok, err := l.db.RenewLock(ctx, lease.Resource, lease.OwnerID, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	lease.ExpiresAt = time.Now().Add(ttl)
	return nil
}

func (l *PostgresLock) Release(ctx context.Context, lease *Lease) error {
	return l.db.ReleaseLock(ctx, lease.Resource, lease.OwnerID)
}
