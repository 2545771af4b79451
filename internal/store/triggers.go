package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ocx/backend/internal/domain"
)

type triggerRow struct {
	ID                string          `db:"id"`
	WorkflowID        string          `db:"workflow_id"`
	OrganizationID    string          `db:"organization_id"`
	Kind              string          `db:"kind"`
	AppID             string          `db:"app_id"`
	TriggerID         string          `db:"trigger_id"`
	Endpoint          sql.NullString  `db:"endpoint"`
	Secret            sql.NullString  `db:"secret"`
	SignatureStrategy sql.NullString  `db:"signature_strategy"`
	IntervalMs        sql.NullInt64   `db:"interval_ms"`
	CronExpr          sql.NullString  `db:"cron_expr"`
	NextPollAt        sql.NullTime    `db:"next_poll_at"`
	LastPollAt        sql.NullTime    `db:"last_poll_at"`
	Cursor            sql.NullString  `db:"cursor"`
	BackoffCount      int             `db:"backoff_count"`
	Metadata          json.RawMessage `db:"metadata"`
	DedupeTTLMs       sql.NullInt64   `db:"dedupe_ttl_ms"`
	Active            bool            `db:"active"`
	LastStatus        sql.NullString  `db:"last_status"`
}

func (r triggerRow) toDomain() (*domain.TriggerRecord, error) {
	t := &domain.TriggerRecord{
		ID:                r.ID,
		WorkflowID:        r.WorkflowID,
		OrganizationID:    r.OrganizationID,
		Kind:              domain.TriggerKind(r.Kind),
		AppID:             r.AppID,
		TriggerID:         r.TriggerID,
		Endpoint:          r.Endpoint.String,
		Secret:            r.Secret.String,
		SignatureStrategy: r.SignatureStrategy.String,
		CronExpr:          r.CronExpr.String,
		Cursor:            r.Cursor.String,
		BackoffCount:      r.BackoffCount,
		Active:            r.Active,
		LastStatus:        r.LastStatus.String,
	}
	if r.IntervalMs.Valid {
		t.Interval = time.Duration(r.IntervalMs.Int64) * time.Millisecond
	}
	if r.DedupeTTLMs.Valid {
		t.DedupeTTL = time.Duration(r.DedupeTTLMs.Int64) * time.Millisecond
	}
	if r.NextPollAt.Valid {
		t.NextPollAt = r.NextPollAt.Time
	}
	if r.LastPollAt.Valid {
		t.LastPollAt = r.LastPollAt.Time
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &t.Metadata); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// RegisterTrigger inserts a new trigger registration. The caller is
// responsible for the webhook-endpoint-path-uniqueness invariant at the
// application layer; the unique index is the durable backstop.
func (s *Store) RegisterTrigger(ctx context.Context, t *domain.TriggerRecord) error {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO workflow_triggers
			(id, workflow_id, organization_id, kind, app_id, trigger_id, endpoint, secret, signature_strategy,
			 interval_ms, cron_expr, next_poll_at, cursor, backoff_count, metadata, dedupe_ttl_ms, active, last_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		t.ID, t.WorkflowID, t.OrganizationID, t.Kind, t.AppID, t.TriggerID,
		nullable(t.Endpoint), nullable(t.Secret), nullable(t.SignatureStrategy),
		durationMsPtr(t.Interval), nullable(t.CronExpr), timePtr(t.NextPollAt), nullable(t.Cursor),
		t.BackoffCount, metadata, durationMsPtr(t.DedupeTTL), t.Active, nullable(t.LastStatus))
	return err
}

// DeactivateTrigger marks a trigger inactive; it stops being dequeued by
// the polling scheduler and stops accepting webhook deliveries.
func (s *Store) DeactivateTrigger(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE workflow_triggers SET active = false WHERE id = $1`, id)
	return err
}

// GetTriggerByEndpoint looks up the active webhook trigger bound to a
// given endpoint path.
func (s *Store) GetTriggerByEndpoint(ctx context.Context, endpoint string) (*domain.TriggerRecord, error) {
	var row triggerRow
	err := s.DB.GetContext(ctx, &row, `
		SELECT id, workflow_id, organization_id, kind, app_id, trigger_id, endpoint, secret, signature_strategy,
		       interval_ms, cron_expr, next_poll_at, last_poll_at, cursor, backoff_count, metadata, dedupe_ttl_ms, active, last_status
		FROM workflow_triggers WHERE endpoint = $1 AND active`, endpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// ListActiveTriggers returns every active trigger of the given kind, used
// at startup to rehydrate the Trigger Registry's in-memory cache.
func (s *Store) ListActiveTriggers(ctx context.Context, kind domain.TriggerKind) ([]*domain.TriggerRecord, error) {
	var rows []triggerRow
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT id, workflow_id, organization_id, kind, app_id, trigger_id, endpoint, secret, signature_strategy,
		       interval_ms, cron_expr, next_poll_at, last_poll_at, cursor, backoff_count, metadata, dedupe_ttl_ms, active, last_status
		FROM workflow_triggers WHERE kind = $1 AND active`, kind)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.TriggerRecord, 0, len(rows))
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DuePollingTriggers returns active polling triggers whose nextPollAt has
// elapsed, ordered oldest-due-first, capped at limit.
func (s *Store) DuePollingTriggers(ctx context.Context, limit int) ([]*domain.TriggerRecord, error) {
	var rows []triggerRow
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT id, workflow_id, organization_id, kind, app_id, trigger_id, endpoint, secret, signature_strategy,
		       interval_ms, cron_expr, next_poll_at, last_poll_at, cursor, backoff_count, metadata, dedupe_ttl_ms, active, last_status
		FROM workflow_triggers
		WHERE kind = 'polling' AND active AND next_poll_at <= now()
		ORDER BY next_poll_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.TriggerRecord, 0, len(rows))
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// UpdatePollingState persists the outcome of one poll: cursor, nextPollAt
// (which must be monotonically increasing — callers enforce this),
// backoffCount, and lastStatus.
func (s *Store) UpdatePollingState(ctx context.Context, id, cursor string, nextPollAt time.Time, backoffCount int, lastStatus string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE workflow_triggers
		SET cursor = $2, last_poll_at = now(), next_poll_at = $3, backoff_count = $4, last_status = $5
		WHERE id = $1`, id, cursor, nextPollAt, backoffCount, lastStatus)
	return err
}

func durationMsPtr(d time.Duration) interface{} {
	if d == 0 {
		return nil
	}
	return d.Milliseconds()
}

func timePtr(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
