package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists keys in Redis. Expiry is delegated to Redis TTLs, so
// no explicit Sweep is needed.
type RedisStore struct {
	client *redis.Client
}

// RedisOpts holds connection parameters for the redis backend.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, opts RedisOpts) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("store: redis backend: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis backend: ping %s: %w", opts.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

// Get returns the value for key; redis.Nil maps to absence.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: redis backend: get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores the value with a native Redis TTL (0 means no expiry).
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: redis backend: set %s: %w", key, err)
	}
	return nil
}

// Delete removes the key; absence is not an error.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: redis backend: delete %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
