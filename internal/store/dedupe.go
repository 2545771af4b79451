package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RecordDedupeIfAbsent inserts (scope, token) if absent, returning true if
// this call recorded it (first delivery) and false if it already existed
// (duplicate). An existing entry past its expires_at counts as absent and
// is overwritten. Backs the Postgres variant of the Dedupe Store.
func (s *Store) RecordDedupeIfAbsent(ctx context.Context, scope, token string, ttl time.Duration) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO dedupe_entries (scope, token, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (scope, token) DO UPDATE
			SET created_at = now(), expires_at = EXCLUDED.expires_at
			WHERE dedupe_entries.expires_at < now()`,
		scope, token, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		go s.evictOldestDedupe(context.Background(), scope, 500)
		return true, nil
	}
	return false, nil
}

// evictOldestDedupe caps the number of retained entries per scope at max,
// evicting the oldest-by-createdAt first (spec.md §4.1 eviction policy).
func (s *Store) evictOldestDedupe(ctx context.Context, scope string, max int) {
	_, _ = s.DB.ExecContext(ctx, `
		DELETE FROM dedupe_entries WHERE scope = $1 AND token IN (
			SELECT token FROM dedupe_entries WHERE scope = $1
			ORDER BY created_at DESC OFFSET $2
		)`, scope, max)
}

// PurgeExpiredDedupe removes dedupe entries past their TTL. Nothing in
// this module calls it; an expired row otherwise stays until its token is
// recorded again or the per-scope cap evicts it.
func (s *Store) PurgeExpiredDedupe(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM dedupe_entries WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AcquireLock attempts to claim a named resource for ownerID until ttl
// elapses, using INSERT ... ON CONFLICT DO UPDATE (which takes over the
// row only when the existing lock has expired) as the Postgres Scheduler
// Lock Service backend's atomic claim primitive.
func (s *Store) AcquireLock(ctx context.Context, resource, ownerID string, ttl time.Duration) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO scheduler_locks (resource, owner_id, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (resource) DO UPDATE SET owner_id = $2, acquired_at = now(), expires_at = now() + $3 * interval '1 millisecond'
		WHERE scheduler_locks.expires_at < now()`,
		resource, ownerID, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RenewLock extends an already-held lock's expiry, failing if ownerID no
// longer holds it.
func (s *Store) RenewLock(ctx context.Context, resource, ownerID string, ttl time.Duration) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE scheduler_locks SET expires_at = now() + $3 * interval '1 millisecond'
		WHERE resource = $1 AND owner_id = $2 AND expires_at > now()`,
		resource, ownerID, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLock releases a lock held by ownerID.
func (s *Store) ReleaseLock(ctx context.Context, resource, ownerID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM scheduler_locks WHERE resource = $1 AND owner_id = $2`, resource, ownerID)
	return err
}

// UpsertHeartbeat records one worker's liveness.
func (s *Store) UpsertHeartbeat(ctx context.Context, workerID, workerType string, activeExecutions int) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, type, last_beat_at, active_executions)
		VALUES ($1,$2, now(), $3)
		ON CONFLICT (worker_id) DO UPDATE SET last_beat_at = now(), active_executions = $3, type = $2`,
		workerID, workerType, activeExecutions)
	return err
}

// StaleWorkers returns worker ids whose last heartbeat is older than
// staleAfter, for self-exit / alerting.
func (s *Store) StaleWorkers(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	var ids []string
	err := s.DB.SelectContext(ctx, &ids, `
		SELECT worker_id FROM worker_heartbeats WHERE last_beat_at < now() - $1 * interval '1 millisecond'`,
		staleAfter.Milliseconds())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ids, err
}

// Heartbeat is one worker's liveness record, as reported to
// GET /workers/status and the public health probe.
type Heartbeat struct {
	WorkerID         string    `db:"worker_id"`
	Type             string    `db:"type"`
	LastBeatAt       time.Time `db:"last_beat_at"`
	ActiveExecutions int       `db:"active_executions"`
}

// ListHeartbeats returns every worker's last-known heartbeat, most
// recently beaten first.
func (s *Store) ListHeartbeats(ctx context.Context) ([]Heartbeat, error) {
	var rows []Heartbeat
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT worker_id, type, last_beat_at, active_executions
		FROM worker_heartbeats ORDER BY last_beat_at DESC`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// LatestHeartbeat returns the most recent heartbeat across every worker,
// for the public `/production/queue/heartbeat` probe. Returns
// (Heartbeat{}, ErrNotFound) if no worker has ever beaten.
func (s *Store) LatestHeartbeat(ctx context.Context) (Heartbeat, error) {
	var row Heartbeat
	err := s.DB.GetContext(ctx, &row, `
		SELECT worker_id, type, last_beat_at, active_executions
		FROM worker_heartbeats ORDER BY last_beat_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return Heartbeat{}, ErrNotFound
	}
	return row, err
}
