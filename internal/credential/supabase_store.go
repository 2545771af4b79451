package credential

import (
	"context"
	"fmt"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/ocx/backend/internal/apperrors"
)

// connectionRow mirrors the "connections" table as Supabase's PostgREST
// client marshals it, independent of internal/store's sqlx row shape.
type connectionRow struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	AppID          string                 `json:"app_id"`
	Kind           string                 `json:"kind"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// SupabaseStore is an alternate Store backed directly by a Supabase
// project's REST API instead of the primary Postgres pool, for deployments
// that keep connection records in a separate Supabase project.
type SupabaseStore struct {
	client    *supabase.Client
	endpoints OAuth2Endpoints
	onRefresh OnTokenRefreshed
}

// NewSupabaseStore constructs a Supabase-backed Store.
func NewSupabaseStore(url, serviceKey string, endpoints OAuth2Endpoints, onRefresh OnTokenRefreshed) (*SupabaseStore, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("credential: create supabase client: %w", err)
	}
	if onRefresh == nil {
		onRefresh = func(context.Context, string, string) {}
	}
	return &SupabaseStore{client: client, endpoints: endpoints, onRefresh: onRefresh}, nil
}

// Resolve implements Store.
func (s *SupabaseStore) Resolve(ctx context.Context, organizationID, connectionID string) (Credentials, error) {
	var rows []connectionRow
	_, err := s.client.From("connections").
		Select("*", "", false).
		Eq("id", connectionID).
		Eq("organization_id", organizationID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "query supabase connections", err)
	}
	if len(rows) == 0 {
		return nil, apperrors.New(apperrors.KindMissingReference, "connection not found")
	}
	row := rows[0]

	switch row.Kind {
	case "api_key":
		key, _ := row.Metadata["apiKey"].(string)
		return Credentials{"apiKey": key}, nil
	case "basic":
		user, _ := row.Metadata["username"].(string)
		pass, _ := row.Metadata["password"].(string)
		return Credentials{"username": user, "password": pass}, nil
	case "oauth2":
		return s.resolveOAuth2(ctx, row)
	default:
		return nil, apperrors.New(apperrors.KindValidation, "unsupported connection kind: "+row.Kind)
	}
}

func (s *SupabaseStore) resolveOAuth2(ctx context.Context, row connectionRow) (Credentials, error) {
	token := tokenFromMetadata(row.Metadata)
	if !tokenExpiringSoon(token) {
		return Credentials{"accessToken": token.AccessToken}, nil
	}

	cfg, ok := s.endpoints[row.AppID]
	if !ok {
		return Credentials{"accessToken": token.AccessToken}, nil
	}

	refreshed, err := cfg.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTokenRefreshFailed, "refresh oauth2 token for "+row.AppID, err)
	}

	metadata := cloneMetadata(row.Metadata)
	tokenToMetadata(metadata, refreshed)
	update := map[string]interface{}{"metadata": metadata}
	var result []connectionRow
	if _, err := s.client.From("connections").
		Update(update, "", "").
		Eq("id", row.ID).
		Eq("organization_id", row.OrganizationID).
		ExecuteTo(&result); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "persist refreshed token to supabase", err)
	}
	s.onRefresh(ctx, row.OrganizationID, row.ID)

	return Credentials{"accessToken": refreshed.AccessToken}, nil
}
