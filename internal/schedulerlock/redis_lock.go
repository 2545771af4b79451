package schedulerlock

import (
	"context"
	"errors"
	"time"

	"github.com/ocx/backend/internal/redisx"
)

// releaseScript deletes the key only if it still holds ownerID's value,
// so one owner can never release (or stomp) another owner's lease.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisLock backs the Scheduler Lock Service with Redis SETNX.
type RedisLock struct {
	client *redisx.Client
	prefix string
}

// NewRedisLock constructs a Redis-backed lock service.
func NewRedisLock(client *redisx.Client) *RedisLock {
	return &RedisLock{client: client, prefix: "lock:"}
}

func (l *RedisLock) key(resource string) string { return l.prefix + resource }

func (l *RedisLock) Acquire(ctx context.Context, resource, ownerID string, ttl time.Duration) (*Lease, bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(resource), []byte(ownerID), ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lease{Resource: resource, OwnerID: ownerID, ExpiresAt: time.Now().Add(ttl)}, true, nil
}

func (l *RedisLock) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	val, err := l.client.Get(ctx, l.key(lease.Resource))
	if errors.Is(err, redisx.ErrNotFound) {
		return ErrNotHeld
	}
	if err != nil {
		return err
	}
	if string(val) != lease.OwnerID {
		return ErrNotHeld
	}
	ok, err := l.client.Expire(ctx, l.key(lease.Resource), ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	lease.ExpiresAt = time.Now().Add(ttl)
	return nil
}

func (l *RedisLock) Release(ctx context.Context, lease *Lease) error {
	res, err := l.client.Eval(ctx, releaseScript, []string{l.key(lease.Resource)}, lease.OwnerID)
	if err != nil {
		return err
	}
	if n, ok := res.(int64); ok && n == 0 {
		return ErrNotHeld
	}
	return nil
}
