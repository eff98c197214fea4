package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage is a networked Storage on Redis, suitable for sharing one
// session store across processes.
type RedisStorage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is prepended to every key (default: "agentx:").
	Prefix string
	// TTL is the key expiry duration (0 = never expire).
	TTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStorage creates a Redis storage backend and verifies connectivity.
func NewRedisStorage(cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentx:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStorage{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
	}, nil
}

// NewRedisStorageFromClient creates a Redis storage from an existing client.
// This is useful for testing with miniredis.
func NewRedisStorageFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStorage {
	if prefix == "" {
		prefix = "agentx:"
	}
	return &RedisStorage{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Get retrieves the value for a key.
func (r *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	return data, nil
}

// Set creates or replaces the value for a key.
func (r *RedisStorage) Set(ctx context.Context, key string, value []byte) error {
	if err := r.check(); err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("set key: %w", err)
	}
	return nil
}

// Delete removes a key.
func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := r.check(); err != nil {
		return err
	}

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

// Keys returns all keys with the given prefix, sorted ascending.
// Uses SCAN rather than KEYS so large stores don't block the server.
func (r *RedisStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	pattern := r.prefix + escapeGlob(prefix) + "*"
	keys := make([]string, 0)

	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}

	// SCAN order is unspecified.
	sort.Strings(keys)
	return keys, nil
}

// Ping checks if the Redis connection is alive.
func (r *RedisStorage) Ping(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisStorage) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

func (r *RedisStorage) check() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrStorageClosed
	}
	return nil
}

// escapeGlob escapes SCAN MATCH metacharacters in a literal prefix.
func escapeGlob(s string) string {
	replacer := strings.NewReplacer(
		`*`, `\*`,
		`?`, `\?`,
		`[`, `\[`,
		`]`, `\]`,
		`\`, `\\`,
	)
	return replacer.Replace(s)
}
