package dedupe

import (
	"context"
	"time"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/store"
)

// PostgresStore backs the Dedupe Store with the durable dedupe_entries
// table, used when no Redis deployment is available.
type PostgresStore struct {
	db *store.Store
}

// NewPostgresStore constructs a Postgres-backed Dedupe Store.
func NewPostgresStore(db *store.Store) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordIfAbsent(ctx context.Context, scope, token string, ttl time.Duration) (Outcome, error) {
	recorded, err := s.db.RecordDedupeIfAbsent(ctx, scope, token, ttl)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "dedupe insert", err)
	}
	if recorded {
		return Recorded, nil
	}
	return Duplicate, nil
}
