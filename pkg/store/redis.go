package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// StoreErrors tracks Redis store operation errors
var StoreErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketplace_store_errors_total",
		Help: "Total number of persistence store operation errors",
	},
	[]string{"operation"}, // "get", "set", "delete", "keys"
)

// Redis is a Store backed by a Redis client.
type Redis struct {
	redis     *redis.Client
	namespace string
}

// NewRedis creates a Redis-backed store. All keys are prefixed with namespace.
func NewRedis(redisClient *redis.Client, namespace string) *Redis {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Redis{
		redis:     redisClient,
		namespace: namespace,
	}
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.redis.Get(ctx, r.namespace+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.redis.Set(ctx, r.namespace+key, value, ttl).Err(); err != nil {
		StoreErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	namespaced := make([]string, len(keys))
	for i, key := range keys {
		namespaced[i] = r.namespace + key
	}

	if err := r.redis.Del(ctx, namespaced...).Err(); err != nil {
		StoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys implements Store using SCAN so large keyspaces do not block Redis.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	match := r.namespace + prefix + "*"

	for {
		batch, next, err := r.redis.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			StoreErrors.WithLabelValues("keys").Inc()
			return nil, fmt.Errorf("redis scan: %w", err)
		}

		for _, key := range batch {
			keys = append(keys, key[len(r.namespace):])
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.redis.Ping(ctx).Err()
}
