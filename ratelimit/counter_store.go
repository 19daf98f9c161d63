// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// CounterStore wraps the shared KV store with the three primitives the
// decision engine needs. The increment is the single atomicity boundary
// of the whole pipeline.
type CounterStore interface {
	// IncrWithExpiry atomically increments key and keeps its TTL at ttl.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetBlock sets the block sentinel with an absolute TTL.
	SetBlock(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining lifetime of key in whole seconds,
	// rounded up. A negative value means the key does not exist.
	TTL(ctx context.Context, key string) (int64, error)
}

// RedisCounterStore implements CounterStore on a Redis connection pool.
type RedisCounterStore struct {
	rdb *redis.Client
}

// NewRedisCounterStore connects to Redis and verifies the connection.
func NewRedisCounterStore(redisURL string) (*RedisCounterStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisCounterStore{rdb: rdb}, nil
}

// NewRedisCounterStoreFromClient wraps an existing client. Used by tests.
func NewRedisCounterStoreFromClient(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

// Close releases the connection pool.
func (s *RedisCounterStore) Close() error {
	return s.rdb.Close()
}

// IncrWithExpiry pipelines INCR + EXPIRE. The EXPIRE runs on every
// increment, which refreshes the TTL; because the window id is
// time-derived the TTL advances at most one increment per real-time
// second and the counter never outlives window_sec + block_sec.
func (s *RedisCounterStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrKVUnavailable, err)
	}
	return incr.Val(), nil
}

// SetBlock sets the sentinel value with the given TTL.
func (s *RedisCounterStore) SetBlock(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.SetEX(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrKVUnavailable, err)
	}
	return nil
}

// TTL returns remaining seconds for key, or a negative value when the
// key is absent or carries no expiry.
func (s *RedisCounterStore) TTL(ctx context.Context, key string) (int64, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrKVUnavailable, err)
	}
	if d <= 0 {
		return -1, nil
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs, nil
}
