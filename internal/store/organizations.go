package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/ocx/backend/internal/domain"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// GetOrganization loads one organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	var org domain.Organization
	err := s.DB.GetContext(ctx, &org, `SELECT id, name, max_api_calls_per_minute, max_tokens_per_minute, created_at FROM organizations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// CreateOrganization inserts a new organization row.
func (s *Store) CreateOrganization(ctx context.Context, org *domain.Organization) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO organizations (id, name, max_api_calls_per_minute, max_tokens_per_minute, created_at) VALUES ($1,$2,$3,$4,$5)`,
		org.ID, org.Name, org.MaxAPICallsPerMinute, org.MaxTokensPerMinute, org.CreatedAt)
	return err
}

// apiKeyRow is the persisted shape of an API key; the secret itself is
// never stored, only a bcrypt hash of it.
type apiKeyRow struct {
	KeyID          string         `db:"key_id"`
	OrganizationID string         `db:"organization_id"`
	Name           string         `db:"name"`
	KeyHash        string         `db:"key_hash"`
	Scopes         pq.StringArray `db:"scopes"`
	IsActive       bool           `db:"is_active"`
	ExpiresAt      sql.NullTime   `db:"expires_at"`
	LastUsedAt     sql.NullTime   `db:"last_used_at"`
}

// APIKey is the store-facing view of one API key.
type APIKey struct {
	KeyID          string
	OrganizationID string
	Name           string
	KeyHash        string
	Scopes         []string
	IsActive       bool
	ExpiresAt      *time.Time
	LastUsedAt     *time.Time
}

func (r apiKeyRow) toAPIKey() *APIKey {
	k := &APIKey{
		KeyID:          r.KeyID,
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		KeyHash:        r.KeyHash,
		Scopes:         []string(r.Scopes),
		IsActive:       r.IsActive,
	}
	if r.ExpiresAt.Valid {
		k.ExpiresAt = &r.ExpiresAt.Time
	}
	if r.LastUsedAt.Valid {
		k.LastUsedAt = &r.LastUsedAt.Time
	}
	return k
}

// CreateAPIKey persists a new API key.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO api_keys (key_id, organization_id, name, key_hash, scopes, is_active) VALUES ($1,$2,$3,$4,$5,$6)`,
		k.KeyID, k.OrganizationID, k.Name, k.KeyHash, pq.Array(k.Scopes), k.IsActive)
	return err
}

// GetAPIKey looks up an API key by its public key id.
func (s *Store) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	var row apiKeyRow
	err := s.DB.GetContext(ctx, &row, `SELECT key_id, organization_id, name, key_hash, scopes, is_active, expires_at, last_used_at FROM api_keys WHERE key_id = $1`, keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toAPIKey(), nil
}

// TouchAPIKey records a successful authentication against a key.
func (s *Store) TouchAPIKey(ctx context.Context, keyID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at = now() WHERE key_id = $1`, keyID)
	return err
}
