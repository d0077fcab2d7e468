// Package cache provides the Redis-backed read-aside cache and TTL stores
// used around the recipient store and the pending-ticket ledger.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// CacheClient is the subset of commands the decorators need.
type CacheClient interface {
	// Get unmarshals the stored value into dest and reports whether the
	// key was present.
	Get(ctx context.Context, key string, dest any) (bool, error)
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// RedisClient wraps go-redis to satisfy CacheClient and dispatch.TTLStore.
// Redis expires entries natively, so SweepExpired is a no-op.
type RedisClient struct {
	rdb *redis.Client
}

var (
	_ CacheClient       = (*RedisClient)(nil)
	_ dispatch.TTLStore = (*RedisClient)(nil)
)

func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Fail fast if connection is bad
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisClient{rdb: rdb}, nil
}

// Raw exposes the underlying client for components that need commands
// beyond the cache subset, such as the geo index.
func (c *RedisClient) Raw() *redis.Client {
	return c.rdb
}

func (c *RedisClient) Get(ctx context.Context, key string, dest any) (bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(val, dest)
}

func (c *RedisClient) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	bytes, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, bytes, ttl).Err()
}

// Put satisfies dispatch.TTLStore.
func (c *RedisClient) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.Set(ctx, key, value, ttl)
}

func (c *RedisClient) Del(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// ScanKeys walks the keyspace with SCAN so it never blocks the server the
// way KEYS would.
func (c *RedisClient) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return keys, nil
}

// SweepExpired is a no-op: Redis evicts expired keys itself.
func (c *RedisClient) SweepExpired(_ context.Context) (int, error) {
	return 0, nil
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}
