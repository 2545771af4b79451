package dedupe

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/redisx"
)

// maxEntriesPerScope caps the number of retained dedupe entries per scope,
// mirroring the Postgres backend's oldest-first eviction policy from
// spec.md §4.1 so neither backend lets one noisy scope grow unbounded.
const maxEntriesPerScope = 500

// RedisStore backs the Dedupe Store with Redis SETNX, the fast path for
// high-volume webhook ingress.
type RedisStore struct {
	client *redisx.Client
	prefix string
}

// NewRedisStore constructs a Redis-backed Dedupe Store.
func NewRedisStore(client *redisx.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "dedupe:"}
}

func (s *RedisStore) RecordIfAbsent(ctx context.Context, scope, token string, ttl time.Duration) (Outcome, error) {
	key := s.prefix + scope + ":" + token
	recorded, err := s.client.SetNX(ctx, key, []byte{1}, ttl)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "dedupe setnx", err)
	}
	if !recorded {
		return Duplicate, nil
	}

	s.evictOldest(ctx, scope, token)
	return Recorded, nil
}

// evictOldest tracks token arrival order per scope in a sorted set and
// trims it to maxEntriesPerScope, deleting the evicted keys so a single
// hot scope can't retain unbounded dedupe entries (spec.md §4.1).
func (s *RedisStore) evictOldest(ctx context.Context, scope, token string) {
	idxKey := s.prefix + "idx:" + scope
	if err := s.client.ZAdd(ctx, idxKey, float64(time.Now().UnixNano()), token); err != nil {
		slog.Warn("dedupe index zadd failed", "scope", scope, "error", err)
		return
	}
	count, err := s.client.ZCard(ctx, idxKey)
	if err != nil {
		slog.Warn("dedupe index zcard failed", "scope", scope, "error", err)
		return
	}
	if count <= maxEntriesPerScope {
		return
	}
	overflow := count - maxEntriesPerScope
	// Delete the evicted tokens' dedupe keys together with their index
	// entries, atomically.
	const trimScript = `
local evicted = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
for _, token in ipairs(evicted) do
  redis.call('DEL', ARGV[2] .. token)
end
redis.call('ZREMRANGEBYRANK', KEYS[1], 0, tonumber(ARGV[1]) - 1)
return #evicted`
	if _, err := s.client.Eval(ctx, trimScript, []string{idxKey}, overflow, s.prefix+scope+":"); err != nil {
		slog.Warn("dedupe index trim failed", "scope", scope, "error", err)
	}
}
