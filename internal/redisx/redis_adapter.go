// Package redisx wraps go-redis v9 with the primitives the Dedupe Store
// and the Redis-backed Scheduler Lock Service need: string get/set with
// TTL, atomic claim-if-absent, and Publish/Subscribe helpers (the
// execution stream runs on the in-process internal/events bus, not on
// these).
package redisx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("redisx: key not found")

// Client wraps go-redis v9 for the subset of commands this module uses.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis at addr and verifies connectivity with a ping.
func New(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redisx: ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &Client{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// SetNX claims key for value if absent, the atomic primitive the
// Dedupe Store and the Redis Scheduler Lock backend both build on.
func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// GetSet atomically swaps a key's value and returns the prior value.
func (c *Client) GetSet(ctx context.Context, key string, value []byte) ([]byte, error) {
	val, err := c.rdb.GetSet(ctx, key, value).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

// Expire resets a key's TTL, used to renew a held lock.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.Expire(ctx, key, ttl).Result()
}

// Eval runs a Lua script, used for compare-and-delete on lock release so a
// caller can't release a lock it no longer owns.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return c.rdb.Eval(ctx, script, keys, args...).Result()
}

// ZAdd adds member to a sorted set with the given score, used by the
// Dedupe Store to track insertion order per scope for eviction.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZCard returns the number of members in a sorted set.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, key).Result()
}

// ZRemRangeByRank removes members ranked within [start, stop] (0-indexed,
// lowest score first), used to evict the oldest entries once a sorted set
// grows past its retention cap.
func (c *Client) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return c.rdb.ZRemRangeByRank(ctx, key, start, stop).Err()
}

func (c *Client) Publish(ctx context.Context, channel string, message []byte) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a channel. Returns an
// unsubscribe function.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := c.rdb.Subscribe(ctx, channel)

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redisx: subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
