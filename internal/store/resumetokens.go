package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ocx/backend/internal/domain"
)

type resumeTokenRow struct {
	TokenID        string          `db:"token_id"`
	ExecutionID    string          `db:"execution_id"`
	NodeID         string          `db:"node_id"`
	WorkflowID     string          `db:"workflow_id"`
	OrganizationID string          `db:"organization_id"`
	ResumeState    json.RawMessage `db:"resume_state"`
	InitialData    json.RawMessage `db:"initial_data"`
	TriggerType    sql.NullString  `db:"trigger_type"`
	Signature      string          `db:"signature"`
	IssuedAt       time.Time       `db:"issued_at"`
	ExpiresAt      time.Time       `db:"expires_at"`
	ConsumedAt     sql.NullTime    `db:"consumed_at"`
}

// InsertResumeToken persists a newly minted Resume Token along with its
// HMAC signature.
func (s *Store) InsertResumeToken(ctx context.Context, t *domain.ResumeToken, signature string) error {
	resumeState, err := json.Marshal(t.ResumeState)
	if err != nil {
		return err
	}
	initialData, err := json.Marshal(t.InitialData)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO resume_tokens
			(token_id, execution_id, node_id, workflow_id, organization_id, resume_state, initial_data, trigger_type, signature, issued_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.TokenID, t.ExecutionID, t.NodeID, t.WorkflowID, t.OrganizationID,
		resumeState, initialData, nullable(t.TriggerType), signature, t.IssuedAt, t.ExpiresAt)
	return err
}

// GetResumeToken loads a Resume Token and its stored signature by id.
func (s *Store) GetResumeToken(ctx context.Context, tokenID string) (*domain.ResumeToken, string, error) {
	var row resumeTokenRow
	err := s.DB.GetContext(ctx, &row, `
		SELECT token_id, execution_id, node_id, workflow_id, organization_id, resume_state, initial_data,
		       trigger_type, signature, issued_at, expires_at, consumed_at
		FROM resume_tokens WHERE token_id = $1`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}

	t := &domain.ResumeToken{
		TokenID:        row.TokenID,
		ExecutionID:    row.ExecutionID,
		NodeID:         row.NodeID,
		WorkflowID:     row.WorkflowID,
		OrganizationID: row.OrganizationID,
		TriggerType:    row.TriggerType.String,
		IssuedAt:       row.IssuedAt,
		ExpiresAt:      row.ExpiresAt,
	}
	if err := json.Unmarshal(row.ResumeState, &t.ResumeState); err != nil {
		return nil, "", err
	}
	if len(row.InitialData) > 0 {
		if err := json.Unmarshal(row.InitialData, &t.InitialData); err != nil {
			return nil, "", err
		}
	}
	if row.ConsumedAt.Valid {
		ct := row.ConsumedAt.Time
		t.ConsumedAt = &ct
	}
	return t, row.Signature, nil
}

// ConsumeResumeToken atomically marks a token consumed if it has not
// already been consumed. Returns false if a concurrent caller won the race.
func (s *Store) ConsumeResumeToken(ctx context.Context, tokenID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE resume_tokens SET consumed_at = now()
		WHERE token_id = $1 AND consumed_at IS NULL`, tokenID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
