package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultPrefix is the key prefix shared by every cached response
	DefaultPrefix = "short-link-cache"
	// DefaultTTL is the default TTL for cached responses
	DefaultTTL = 60 * time.Second

	scanBatch = 100
)

// RedisCache is a namespaced response cache. Keys look like
// <prefix>:<namespace>:<key>, so a namespace can be dropped with one SCAN.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(addr, password string, db, poolSize int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisCache creates a cache on an existing client
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) key(namespace, key string) string {
	return r.prefix + ":" + namespace + ":" + key
}

// GetJSON decodes the cached value into dst. It reports false on a miss.
func (r *RedisCache) GetJSON(ctx context.Context, namespace, key string, dst any) (bool, error) {
	val, err := r.client.Get(ctx, r.key(namespace, key)).Bytes()
	if err == redis.Nil {
		return false, nil // Cache miss
	}
	if err != nil {
		return false, fmt.Errorf("failed to get from Redis: %w", err)
	}
	if err := json.Unmarshal(val, dst); err != nil {
		return false, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return true, nil
}

// SetJSON stores value under namespace/key for ttl
func (r *RedisCache) SetJSON(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	if err := r.client.Set(ctx, r.key(namespace, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in Redis: %w", err)
	}
	return nil
}

// Invalidate drops every entry under namespace
func (r *RedisCache) Invalidate(ctx context.Context, namespace string) error {
	iter := r.client.Scan(ctx, 0, r.key(namespace, "*"), scanBatch).Iterator()

	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to delete from Redis: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan namespace %q: %w", namespace, err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to delete from Redis: %w", err)
		}
	}
	return nil
}
