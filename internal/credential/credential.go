// Package credential implements the Credential Store: resolving a node's
// configured connection to live connector credentials, transparently
// refreshing OAuth2 access tokens and persisting the rotated token via
// an onTokenRefreshed callback (spec.md §4.8, §9).
package credential

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/store"
)

// Credentials is the map handed to connector.Invoke; shape depends on the
// connection kind ("accessToken" for oauth2, "apiKey" for api_key,
// "username"/"password" for basic).
type Credentials map[string]interface{}

// refreshSkew is how far ahead of expiry a token is proactively refreshed.
const refreshSkew = 2 * time.Minute

// OnTokenRefreshed is invoked after a token has been rotated and persisted,
// so callers (e.g. an audit log or metrics counter) can react without the
// Store needing to know about them.
type OnTokenRefreshed func(ctx context.Context, organizationID, connectionID string)

// Store resolves a connection to usable credentials.
type Store interface {
	Resolve(ctx context.Context, organizationID, connectionID string) (Credentials, error)
}

// OAuth2Endpoints is the per-app OAuth2 token endpoint configuration
// needed to refresh a connection's access token. Building the real
// per-app registry of client ids/secrets is out of scope (see
// Non-goals); callers seed this map for the apps they actually wire.
type OAuth2Endpoints map[string]oauth2.Config

// PostgresStore is the default Store implementation, reading and writing
// connection metadata through internal/store.
type PostgresStore struct {
	db        *store.Store
	endpoints OAuth2Endpoints
	onRefresh OnTokenRefreshed
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *store.Store, endpoints OAuth2Endpoints, onRefresh OnTokenRefreshed) *PostgresStore {
	if onRefresh == nil {
		onRefresh = func(context.Context, string, string) {}
	}
	return &PostgresStore{db: db, endpoints: endpoints, onRefresh: onRefresh}
}

// Resolve implements Store.
func (p *PostgresStore) Resolve(ctx context.Context, organizationID, connectionID string) (Credentials, error) {
	conn, err := p.db.GetConnection(ctx, organizationID, connectionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.New(apperrors.KindMissingReference, "connection not found")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "load connection", err)
	}

	switch conn.Kind {
	case "api_key":
		key, _ := conn.Metadata["apiKey"].(string)
		return Credentials{"apiKey": key}, nil
	case "basic":
		user, _ := conn.Metadata["username"].(string)
		pass, _ := conn.Metadata["password"].(string)
		return Credentials{"username": user, "password": pass}, nil
	case "oauth2":
		return p.resolveOAuth2(ctx, conn)
	default:
		return nil, apperrors.New(apperrors.KindValidation, "unsupported connection kind: "+conn.Kind)
	}
}

func (p *PostgresStore) resolveOAuth2(ctx context.Context, conn *domain.Connection) (Credentials, error) {
	token := tokenFromMetadata(conn.Metadata)

	if !tokenExpiringSoon(token) {
		return Credentials{"accessToken": token.AccessToken}, nil
	}

	cfg, ok := p.endpoints[conn.AppID]
	if !ok {
		// No refresh endpoint registered for this app; hand back whatever
		// we have and let the connector call fail naturally if it's stale.
		return Credentials{"accessToken": token.AccessToken}, nil
	}

	refreshed, err := cfg.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTokenRefreshFailed, "refresh oauth2 token for "+conn.AppID, err)
	}

	metadata := cloneMetadata(conn.Metadata)
	tokenToMetadata(metadata, refreshed)
	if err := p.db.UpdateConnectionMetadata(ctx, conn.OrganizationID, conn.ID, metadata); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "persist refreshed token", err)
	}
	p.onRefresh(ctx, conn.OrganizationID, conn.ID)

	return Credentials{"accessToken": refreshed.AccessToken}, nil
}

func tokenExpiringSoon(t *oauth2.Token) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().Add(refreshSkew).After(t.Expiry)
}

func tokenFromMetadata(m map[string]interface{}) *oauth2.Token {
	t := &oauth2.Token{}
	if v, ok := m["accessToken"].(string); ok {
		t.AccessToken = v
	}
	if v, ok := m["refreshToken"].(string); ok {
		t.RefreshToken = v
	}
	if v, ok := m["tokenType"].(string); ok {
		t.TokenType = v
	}
	if v, ok := m["expiresAt"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			t.Expiry = parsed
		}
	}
	return t
}

func tokenToMetadata(m map[string]interface{}, t *oauth2.Token) {
	m["accessToken"] = t.AccessToken
	if t.RefreshToken != "" {
		m["refreshToken"] = t.RefreshToken
	}
	m["tokenType"] = t.TokenType
	if !t.Expiry.IsZero() {
		m["expiresAt"] = t.Expiry.UTC().Format(time.RFC3339)
	}
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
