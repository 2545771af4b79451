// Package resumetoken implements the Resume Token Service: minting and
// single-use consumption of the tokens that resume a waiting execution
// at a wait node (spec.md §4.2).
package resumetoken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/store"
)

// Config configures the Resume Token Service.
type Config struct {
	MasterSecret string        // root key; per-organization secrets are derived via HKDF
	DefaultTTL   time.Duration // default token lifetime if the caller specifies none
}

// Service mints and consumes Resume Tokens, persisting them via Store so
// a token survives a process restart between mint and consume.
type Service struct {
	db         *store.Store
	master     []byte
	defaultTTL time.Duration
}

// New constructs a Resume Token Service.
func New(db *store.Store, cfg Config) *Service {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	secret := []byte(cfg.MasterSecret)
	if len(secret) == 0 {
		secret = []byte("automation-dev-master-secret-change-in-production")
	}
	return &Service{db: db, master: secret, defaultTTL: cfg.DefaultTTL}
}

// orgSecret derives a per-organization HMAC key from the master secret via
// HKDF-SHA256, so that no two organizations' resume tokens forge each other
// even if one organization's derived key is somehow exposed.
func (s *Service) orgSecret(organizationID string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, s.master, nil, []byte("resumetoken:"+organizationID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, err
	}
	return out, nil
}

// sign computes sign(HMAC, tokenId ∥ executionId ∥ nodeId ∥ expiresAt).
func (s *Service) sign(secret []byte, tokenID, executionID, nodeID string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tokenID))
	mac.Write([]byte(executionID))
	mac.Write([]byte(nodeID))
	mac.Write([]byte(expiresAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Mint issues a new single-use Resume Token for a suspended wait node.
func (s *Service) Mint(ctx context.Context, executionID, nodeID, workflowID, organizationID string, resumeState domain.ResumeState, initialData map[string]interface{}, triggerType string, ttl time.Duration) (*domain.ResumeToken, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	secret, err := s.orgSecret(organizationID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "derive organization secret", err)
	}

	now := time.Now()
	token := &domain.ResumeToken{
		TokenID:        ulid.Make().String(),
		ExecutionID:    executionID,
		NodeID:         nodeID,
		WorkflowID:     workflowID,
		OrganizationID: organizationID,
		ResumeState:    resumeState,
		InitialData:    initialData,
		TriggerType:    triggerType,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
	}

	sig := s.sign(secret, token.TokenID, token.ExecutionID, token.NodeID, token.ExpiresAt)
	if err := s.db.InsertResumeToken(ctx, token, sig); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "persist resume token", err)
	}
	return token, nil
}

// Consume atomically validates and redeems a Resume Token: the signature
// must verify, the token must not be expired, and it must not already have
// been consumed. A successful call marks the token consumed so a second
// call with the same tokenId always fails with "TOKEN_EXPIRED" — tokens
// outlive the process, and replay after consumption is specified to read
// identically to replay after expiry (spec.md §4.2, §8).
func (s *Service) Consume(ctx context.Context, tokenID string) (*domain.ResumeToken, error) {
	token, sig, err := s.db.GetResumeToken(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.New(apperrors.KindValidation, "resume token not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "load resume token", err)
	}

	if token.ConsumedAt != nil {
		return nil, apperrors.New(apperrors.KindValidation, "TOKEN_EXPIRED")
	}

	secret, err := s.orgSecret(token.OrganizationID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "derive organization secret", err)
	}
	expected := s.sign(secret, token.TokenID, token.ExecutionID, token.NodeID, token.ExpiresAt)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, apperrors.New(apperrors.KindSignature, "INVALID_SIGNATURE")
	}

	if time.Now().After(token.ExpiresAt) {
		return nil, apperrors.New(apperrors.KindValidation, "TOKEN_EXPIRED")
	}

	consumed, err := s.db.ConsumeResumeToken(ctx, tokenID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "mark resume token consumed", err)
	}
	if !consumed {
		// Lost a race with a concurrent Consume call for the same token.
		return nil, apperrors.New(apperrors.KindValidation, "TOKEN_EXPIRED")
	}

	now := time.Now()
	token.ConsumedAt = &now
	return token, nil
}

// Describe formats a token id for logging without leaking the full value.
func Describe(tokenID string) string {
	if len(tokenID) <= 8 {
		return tokenID
	}
	return fmt.Sprintf("%s…", tokenID[:8])
}
