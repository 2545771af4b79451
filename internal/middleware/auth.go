// Package middleware holds HTTP middleware shared by internal/httpapi:
// organization authentication and per-organization quota enforcement.
package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ocx/backend/internal/orgctx"
)

// AuthMiddleware authenticates a request as belonging to one organization,
// either via a JWT bearer token or an `ocx_` API key, and injects the
// organization id into the request context.
type AuthMiddleware struct {
	orgs      *orgctx.Manager
	jwtSecret []byte
}

// NewAuthMiddleware constructs the organization auth middleware.
func NewAuthMiddleware(orgs *orgctx.Manager, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{orgs: orgs, jwtSecret: []byte(jwtSecret)}
}

// Wrap authenticates the request and enforces organization context.
func (a *AuthMiddleware) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var organizationID string

		authHeader := r.Header.Get("Authorization")
		switch {
		case strings.HasPrefix(authHeader, "Bearer ocx_"):
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")
			org, err := a.orgs.ValidateAPIKey(ctx, apiKey)
			if err != nil {
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			organizationID = org.ID

		case strings.HasPrefix(authHeader, "Bearer "):
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				return a.jwtSecret, nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			orgID, _ := claims["org"].(string)
			if orgID == "" {
				http.Error(w, "token missing org claim", http.StatusUnauthorized)
				return
			}
			organizationID = orgID
		}

		if organizationID == "" {
			if reqOrgID := r.Header.Get("X-Organization-ID"); reqOrgID != "" {
				org, err := a.orgs.LoadOrganization(ctx, reqOrgID)
				if err != nil {
					http.Error(w, "invalid organization id", http.StatusUnauthorized)
					return
				}
				organizationID = org.ID
			}
		}

		if organizationID == "" {
			http.Error(w, "missing organization context (bearer token, api key, or X-Organization-ID)", http.StatusUnauthorized)
			return
		}

		ctx = orgctx.WithOrganization(ctx, organizationID)
		next(w, r.WithContext(ctx))
	}
}
