// Package orgctx manages organizations, API keys, and the request-scoped
// organization id every handler and runtime call threads through context.
package orgctx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// Manager manages organizations and API key issuance/validation against
// the durable store.
type Manager struct {
	db *store.Store
}

// NewManager constructs an organization manager backed by db.
func NewManager(db *store.Store) *Manager {
	return &Manager{db: db}
}

// GetOrganization retrieves an organization by id.
func (m *Manager) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	return m.db.GetOrganization(ctx, id)
}

// LoadOrganization validates that an organization exists, for request auth.
func (m *Manager) LoadOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	org, err := m.db.GetOrganization(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.New("organization not found")
	}
	if err != nil {
		return nil, err
	}
	return org, nil
}

// CreateAPIKey creates a new API key with format: ocx_<id>.<secret>.
func (m *Manager) CreateAPIKey(ctx context.Context, organizationID, name string, scopes []string) (*store.APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", err
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	secret := hex.EncodeToString(secretBytes)

	fullKey := fmt.Sprintf("ocx_%s.%s", keyID, secret)

	// Only the secret half is hashed; the id half is used for lookup.
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	apiKey := &store.APIKey{
		KeyID:          keyID,
		OrganizationID: organizationID,
		Name:           name,
		KeyHash:        string(secretHash),
		Scopes:         scopes,
		IsActive:       true,
	}

	if err := m.db.CreateAPIKey(ctx, apiKey); err != nil {
		return nil, "", err
	}

	return apiKey, fullKey, nil
}

// ValidateAPIKey validates an API key and returns its owning organization.
// Key format: ocx_<key_id>.<secret>.
func (m *Manager) ValidateAPIKey(ctx context.Context, fullKey string) (*domain.Organization, error) {
	if !strings.HasPrefix(fullKey, "ocx_") {
		return nil, errors.New("invalid key format")
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, "ocx_"), ".", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid key format")
	}
	keyID, secret := parts[0], parts[1]

	apiKey, err := m.db.GetAPIKey(ctx, keyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.New("invalid api key")
	}
	if err != nil {
		return nil, fmt.Errorf("lookup failed: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(apiKey.KeyHash), []byte(secret)); err != nil {
		return nil, errors.New("invalid api key secret")
	}

	if !apiKey.IsActive {
		return nil, errors.New("api key inactive")
	}
	if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
		return nil, errors.New("api key expired")
	}

	_ = m.db.TouchAPIKey(ctx, apiKey.KeyID)
	return m.LoadOrganization(ctx, apiKey.OrganizationID)
}

type contextKey string

const organizationIDKey contextKey = "organization_id"

// WithOrganization adds an organization id to context.
func WithOrganization(ctx context.Context, organizationID string) context.Context {
	return context.WithValue(ctx, organizationIDKey, organizationID)
}

// OrganizationID extracts the organization id from context.
func OrganizationID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(organizationIDKey).(string)
	if !ok || id == "" {
		return "", errors.New("organization context missing")
	}
	return id, nil
}
