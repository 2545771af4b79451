package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ocx/backend/internal/domain"
)

// AppendWebhookLog writes one inbound webhook delivery audit row.
func (s *Store) AppendWebhookLog(ctx context.Context, l *domain.WebhookLog) error {
	headers, err := json.Marshal(l.Headers)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO webhook_logs
			(id, webhook_id, workflow_id, organization_id, app_id, trigger_id, payload_digest, headers, ts,
			 signature, processed, execution_id, error, source)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		l.ID, l.WebhookID, l.WorkflowID, l.OrganizationID, nullable(l.AppID), nullable(l.TriggerID),
		l.PayloadDigest, headers, l.Timestamp, nullable(l.Signature), l.Processed,
		nullable(l.ExecutionID), nullable(l.Error), nullable(l.Source))
	return err
}

// MarkWebhookLogProcessed records the downstream execution id once the
// webhook has successfully enqueued an execution.
func (s *Store) MarkWebhookLogProcessed(ctx context.Context, id, executionID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE webhook_logs SET processed = true, execution_id = $2 WHERE id = $1`, id, executionID)
	return err
}

// RecentWebhookLogs returns the most recent deliveries for one webhook id,
// for replay diagnostics.
func (s *Store) RecentWebhookLogs(ctx context.Context, webhookID string, since time.Time, limit int) ([]*domain.WebhookLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []struct {
		ID             string          `db:"id"`
		WebhookID      string          `db:"webhook_id"`
		WorkflowID     string          `db:"workflow_id"`
		OrganizationID string          `db:"organization_id"`
		PayloadDigest  string          `db:"payload_digest"`
		Headers        json.RawMessage `db:"headers"`
		Timestamp      time.Time       `db:"ts"`
		Processed      bool            `db:"processed"`
	}
	err := s.DB.SelectContext(ctx, &rows, `
		SELECT id, webhook_id, workflow_id, organization_id, payload_digest, headers, ts, processed
		FROM webhook_logs WHERE webhook_id = $1 AND ts >= $2 ORDER BY ts DESC LIMIT $3`, webhookID, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.WebhookLog, 0, len(rows))
	for _, r := range rows {
		l := &domain.WebhookLog{
			ID: r.ID, WebhookID: r.WebhookID, WorkflowID: r.WorkflowID, OrganizationID: r.OrganizationID,
			PayloadDigest: r.PayloadDigest, Timestamp: r.Timestamp, Processed: r.Processed,
		}
		_ = json.Unmarshal(r.Headers, &l.Headers)
		out = append(out, l)
	}
	return out, nil
}
