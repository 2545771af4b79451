package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ocx/backend/internal/domain"
)

// CreateWorkflow inserts a workflow shell and its first version's graph.
func (s *Store) CreateWorkflow(ctx context.Context, g *domain.Graph) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, organization_id, name, current_version) VALUES ($1,$2,$3,$4)`,
		g.ID, g.OrganizationID, g.Name, g.Version)
	if err != nil {
		return err
	}

	graphJSON, err := json.Marshal(g)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_versions (workflow_id, version, graph) VALUES ($1,$2,$3)`,
		g.ID, g.Version, graphJSON); err != nil {
		return err
	}

	return tx.Commit()
}

// GetWorkflowGraph loads the current version's graph for a workflow.
func (s *Store) GetWorkflowGraph(ctx context.Context, workflowID string) (*domain.Graph, error) {
	var graphJSON []byte
	err := s.DB.GetContext(ctx, &graphJSON, `
		SELECT wv.graph FROM workflow_versions wv
		JOIN workflows w ON w.id = wv.workflow_id AND w.current_version = wv.version
		WHERE wv.workflow_id = $1`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var g domain.Graph
	if err := json.Unmarshal(graphJSON, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// PublishWorkflowVersion inserts a new version of a workflow graph and
// advances current_version to it.
func (s *Store) PublishWorkflowVersion(ctx context.Context, g *domain.Graph) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	graphJSON, err := json.Marshal(g)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_versions (workflow_id, version, graph) VALUES ($1,$2,$3)`,
		g.ID, g.Version, graphJSON); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET current_version = $2, updated_at = now() WHERE id = $1`,
		g.ID, g.Version); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateConnection persists a new credential connection reference.
func (s *Store) CreateConnection(ctx context.Context, c *domain.Connection) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO connections (id, organization_id, app_id, kind, metadata, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.OrganizationID, c.AppID, c.Kind, metadata, c.CreatedAt)
	return err
}

// GetConnection loads a connection by id, scoped to an organization.
func (s *Store) GetConnection(ctx context.Context, organizationID, connectionID string) (*domain.Connection, error) {
	var row struct {
		ID             string          `db:"id"`
		OrganizationID string          `db:"organization_id"`
		AppID          string          `db:"app_id"`
		Kind           string          `db:"kind"`
		Metadata       json.RawMessage `db:"metadata"`
		CreatedAt      time.Time       `db:"created_at"`
	}
	err := s.DB.GetContext(ctx, &row, `
		SELECT id, organization_id, app_id, kind, metadata, created_at FROM connections
		WHERE id = $1 AND organization_id = $2`, connectionID, organizationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c := &domain.Connection{ID: row.ID, OrganizationID: row.OrganizationID, AppID: row.AppID, Kind: row.Kind, CreatedAt: row.CreatedAt}
	_ = json.Unmarshal(row.Metadata, &c.Metadata)
	return c, nil
}

// UpdateConnectionMetadata replaces a connection's metadata blob, used to
// persist rotated OAuth tokens after a credential refresh.
func (s *Store) UpdateConnectionMetadata(ctx context.Context, organizationID, connectionID string, metadata map[string]interface{}) error {
	blob, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE connections SET metadata = $3 WHERE id = $1 AND organization_id = $2`,
		connectionID, organizationID, blob)
	return err
}
