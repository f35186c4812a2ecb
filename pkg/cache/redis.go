package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/civicadata/plangob/pkg/config"
)

// RedisStore keeps entries in Redis as JSON values under a
// "plangob:<bucket>:" prefix. Expiry rides on Redis TTLs, so Cleanup
// has nothing to do.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store for the given bucket.
func NewRedisStore(cfg *config.RedisConfig, bucket string) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisStore{
		client: client,
		prefix: "plangob:" + bucket + ":",
	}
}

// Get returns the entry under key. Redis evicts expired keys itself;
// the ExpiresAt check only covers clock skew between writer and server.
func (s *RedisStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key.String()).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}

	if entry.Expired(time.Now()) {
		_ = s.client.Del(ctx, s.prefix+key.String()).Err()
		return nil, false, nil
	}

	return &entry, true, nil
}

// Put upserts the entry. A nil ttl stores it without expiry.
func (s *RedisStore) Put(ctx context.Context, entry Entry, ttl *time.Duration) error {
	if entry.Key.Hash == "" || entry.Key.ParamsHash == "" {
		return fmt.Errorf("cache key cannot be empty")
	}
	if entry.ComputedAt.IsZero() {
		entry.ComputedAt = time.Now()
	}

	var expiration time.Duration
	if ttl != nil {
		expiration = *ttl
		expires := entry.ComputedAt.Add(*ttl)
		entry.ExpiresAt = &expires
	} else {
		entry.ExpiresAt = nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+entry.Key.String(), data, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}

	return nil
}

// Invalidate removes the entry under key.
func (s *RedisStore) Invalidate(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, s.prefix+key.String()).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Cleanup is a no-op: Redis expires keys natively.
func (s *RedisStore) Cleanup(_ context.Context) (int, error) {
	return 0, nil
}

// Stats counts the bucket's keys. TTL -1 marks an entry without expiry.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		stats.Total++

		ttl, err := s.client.TTL(ctx, iter.Val()).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("failed to read entry ttl: %w", err)
		}
		switch ttl {
		case -1:
			stats.NeverExpires++
		case -2:
			// Evicted between scan and ttl read.
			stats.Total--
		}
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("failed to scan cache keys: %w", err)
	}

	return stats, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
