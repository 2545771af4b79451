package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// QueueItem is one durable Execution Queue row, claimed via the Postgres
// `SELECT ... FOR UPDATE SKIP LOCKED` idiom so concurrent workers never
// double-claim the same execution.
type QueueItem struct {
	ID          int64
	ExecutionID string
	Priority    int16
	Attempts    int
}

// Priority classes, lower value dequeues first (spec.md §4.7: resume >
// manual > default).
const (
	PriorityResume = 0
	PriorityManual = 1
	PriorityDefault = 2
)

// Enqueue appends an execution to the durable FIFO queue at the given
// priority class, optionally delayed until availableAt.
func (s *Store) Enqueue(ctx context.Context, executionID string, priority int16, availableAt time.Time) error {
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO execution_queue (execution_id, priority, available_at) VALUES ($1,$2,$3)`,
		executionID, priority, availableAt)
	return err
}

// Dequeue claims up to one ready item, leasing it to ownerID until
// visibilityTimeout elapses. Returns (nil, nil) if the queue has nothing
// ready.
func (s *Store) Dequeue(ctx context.Context, ownerID string, visibilityTimeout time.Duration) (*QueueItem, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var item QueueItem
	err = tx.QueryRowxContext(ctx, `
		SELECT id, execution_id, priority, attempts FROM execution_queue
		WHERE leased_by IS NULL AND available_at <= now() AND NOT dead_lettered
		ORDER BY priority ASC, available_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`).Scan(&item.ID, &item.ExecutionID, &item.Priority, &item.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE execution_queue SET leased_by = $2, leased_until = now() + $3 * interval '1 millisecond', attempts = attempts + 1
		WHERE id = $1`, item.ID, ownerID, visibilityTimeout.Milliseconds()); err != nil {
		return nil, err
	}
	item.Attempts++

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &item, nil
}

// Ack removes a successfully processed queue item.
func (s *Store) Ack(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM execution_queue WHERE id = $1`, id)
	return err
}

// Nack releases the lease and makes the item visible again after delay,
// or dead-letters it if maxAttempts has been reached.
func (s *Store) Nack(ctx context.Context, id int64, delay time.Duration, maxAttempts int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE execution_queue
		SET leased_by = NULL, leased_until = NULL,
		    available_at = now() + $2 * interval '1 millisecond',
		    dead_lettered = (attempts >= $3)
		WHERE id = $1`, id, delay.Milliseconds(), maxAttempts)
	return err
}

// ReclaimExpiredLeases releases leases whose visibility timeout elapsed
// without an ack/nack (the owning worker crashed), making them claimable
// again. Called periodically by the queue's housekeeping loop.
func (s *Store) ReclaimExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE execution_queue SET leased_by = NULL, leased_until = NULL
		WHERE leased_until IS NOT NULL AND leased_until < now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
