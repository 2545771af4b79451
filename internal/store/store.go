// Package store is the Postgres-backed durable repository for
// organizations, workflow graphs, triggers, executions, resume tokens,
// dedupe entries, scheduler locks, and worker heartbeats.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store wraps a sqlx connection pool with the repository methods every
// other component reads and writes through.
type Store struct {
	DB *sqlx.DB
}

// Open connects to Postgres and verifies the connection with a ping.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{DB: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Ping verifies connectivity, used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}
