package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ocx/backend/internal/domain"
)

type executionRow struct {
	ExecutionID    string          `db:"execution_id"`
	WorkflowID     string          `db:"workflow_id"`
	OrganizationID string          `db:"organization_id"`
	UserID         sql.NullString  `db:"user_id"`
	Status         string          `db:"status"`
	TriggerType    string          `db:"trigger_type"`
	TriggerData    json.RawMessage `db:"trigger_data"`
	NodeResults    json.RawMessage `db:"node_results"`
	StartedAt      time.Time       `db:"started_at"`
	CompletedAt    sql.NullTime    `db:"completed_at"`
	DurationMs     sql.NullInt64   `db:"duration_ms"`
	Error          sql.NullString  `db:"error"`
	ResumeState    json.RawMessage `db:"resume_state"`
	Attempt        int             `db:"attempt"`
	CorrelationID  sql.NullString  `db:"correlation_id"`
}

func (r executionRow) toDomain() (*domain.Execution, error) {
	e := &domain.Execution{
		ExecutionID:    r.ExecutionID,
		WorkflowID:     r.WorkflowID,
		OrganizationID: r.OrganizationID,
		UserID:         r.UserID.String,
		Status:         domain.ExecutionStatus(r.Status),
		TriggerType:    r.TriggerType,
		StartedAt:      r.StartedAt,
		Error:          r.Error.String,
		Attempt:        r.Attempt,
		CorrelationID:  r.CorrelationID.String,
	}
	if len(r.TriggerData) > 0 {
		if err := json.Unmarshal(r.TriggerData, &e.TriggerData); err != nil {
			return nil, err
		}
	}
	if len(r.NodeResults) > 0 {
		if err := json.Unmarshal(r.NodeResults, &e.NodeResults); err != nil {
			return nil, err
		}
	} else {
		e.NodeResults = make(map[string]domain.NodeResult)
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		e.CompletedAt = &t
	}
	if r.DurationMs.Valid {
		e.DurationMs = &r.DurationMs.Int64
	}
	if len(r.ResumeState) > 0 {
		var rs domain.ResumeState
		if err := json.Unmarshal(r.ResumeState, &rs); err != nil {
			return nil, err
		}
		e.ResumeState = &rs
	}
	return e, nil
}

// CreateExecution inserts a new Execution Record.
func (s *Store) CreateExecution(ctx context.Context, e *domain.Execution) error {
	triggerData, err := json.Marshal(e.TriggerData)
	if err != nil {
		return err
	}
	nodeResults, err := json.Marshal(e.NodeResults)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO workflow_executions
			(execution_id, workflow_id, organization_id, user_id, status, trigger_type, trigger_data, node_results, started_at, attempt, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ExecutionID, e.WorkflowID, e.OrganizationID, nullable(e.UserID), e.Status, e.TriggerType,
		triggerData, nodeResults, e.StartedAt, e.Attempt, nullable(e.CorrelationID))
	return err
}

// GetExecution loads one Execution Record by id.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	var row executionRow
	err := s.DB.GetContext(ctx, &row, `
		SELECT execution_id, workflow_id, organization_id, user_id, status, trigger_type, trigger_data,
		       node_results, started_at, completed_at, duration_ms, error, resume_state, attempt, correlation_id
		FROM workflow_executions WHERE execution_id = $1`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// UpdateExecutionStatus transitions status and, for terminal states, records
// completedAt/durationMs/error.
func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, execErr string) error {
	if status == domain.ExecutionCompleted || status == domain.ExecutionFailed || status == domain.ExecutionCancelled {
		_, err := s.DB.ExecContext(ctx, `
			UPDATE workflow_executions
			SET status = $2, error = $3, completed_at = now(),
			    duration_ms = EXTRACT(EPOCH FROM (now() - started_at)) * 1000
			WHERE execution_id = $1`, executionID, status, nullable(execErr))
		return err
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE workflow_executions SET status = $2 WHERE execution_id = $1`, executionID, status)
	return err
}

// UpdateExecutionNodeResult merges one node's result into node_results and
// persists the execution's resume state (nil clears it, e.g. on resume).
func (s *Store) UpdateExecutionNodeResult(ctx context.Context, executionID, nodeID string, result domain.NodeResult, resumeState *domain.ResumeState) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	var resumeJSON []byte
	if resumeState != nil {
		resumeJSON, err = json.Marshal(resumeState)
		if err != nil {
			return err
		}
	}
	_, err = s.DB.ExecContext(ctx, `
		UPDATE workflow_executions
		SET node_results = jsonb_set(node_results, $2::text[], $3::jsonb, true),
		    resume_state = $4
		WHERE execution_id = $1`,
		executionID, pqTextArray(nodeID), string(resultJSON), nullableJSON(resumeJSON))
	return err
}

// ExecutionFilter narrows ListExecutions beyond the mandatory org scope.
type ExecutionFilter struct {
	WorkflowID string
	Status     domain.ExecutionStatus
	Limit      int
	Offset     int
}

// ListExecutions returns executions for an organization, most recent
// first, optionally narrowed by workflowId/status and paginated via
// limit/offset (GET /executions?… per spec.md §6).
func (s *Store) ListExecutions(ctx context.Context, organizationID string, filter ExecutionFilter) ([]*domain.Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	query := `
		SELECT execution_id, workflow_id, organization_id, user_id, status, trigger_type, trigger_data,
		       node_results, started_at, completed_at, duration_ms, error, resume_state, attempt, correlation_id
		FROM workflow_executions WHERE organization_id = $1`
	args := []interface{}{organizationID}

	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		query += fmt.Sprintf(" AND workflow_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var rows []executionRow
	if err := s.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*domain.Execution, 0, len(rows))
	for _, r := range rows {
		e, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func pqTextArray(path string) string {
	return "{" + path + "}"
}
