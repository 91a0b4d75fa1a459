package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	freshPrefix = "fresh:"
	registryKey = "projects"
)

// RedisStore implements Store on Redis. The freshness flag is a plain key
// with a TTL; the registry is a set, so the sweep can enumerate projects
// whose flag has already expired.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis at addr.
func NewRedisStore(addr, password string) *RedisStore {
	return &RedisStore{rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

// NewRedisStoreFromURL connects using a redis:// or rediss:// URL.
func NewRedisStoreFromURL(rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	return &RedisStore{rdb: redis.NewClient(opts)}, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Fresh(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, freshPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) SetFresh(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, freshPrefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	if err := s.rdb.SAdd(ctx, registryKey, key).Err(); err != nil {
		return fmt.Errorf("cache: register %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.SMembers(ctx, registryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: list keys: %w", err)
	}
	return keys, nil
}

func (s *RedisStore) Forget(ctx context.Context, key string) error {
	if err := s.rdb.SRem(ctx, registryKey, key).Err(); err != nil {
		return fmt.Errorf("cache: forget %s: %w", key, err)
	}
	if err := s.rdb.Del(ctx, freshPrefix+key).Err(); err != nil {
		return fmt.Errorf("cache: del %s: %w", key, err)
	}
	return nil
}
