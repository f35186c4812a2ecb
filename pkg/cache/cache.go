// Package cache stores computed answers behind content-addressed keys,
// so repeating a question or a comparison skips retrieval and the LLM
// call entirely. Two logical caches share the contract: the chat cache
// (answers, bounded TTL) and the comparison cache (topic matrices, no
// expiry). Backends: memory, sql and redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/civicadata/plangob/pkg/config"
)

// Key addresses one cache entry.
type Key struct {
	// Hash identifies the normalized question or topic on its own, so
	// "has this ever been asked" lookups need no parameters.
	Hash string `json:"hash"`

	// ParamsHash disambiguates entries that share Hash but were
	// computed under different retrieval parameters (or party sets,
	// for comparisons).
	ParamsHash string `json:"params_hash"`
}

// String returns the composite storage key.
func (k Key) String() string {
	return k.Hash + ":" + k.ParamsHash
}

// Entry is one cached answer.
type Entry struct {
	Key Key `json:"key"`

	// Question keeps the original wording for inspection; lookups go
	// through Key only.
	Question string `json:"question,omitempty"`

	// Party is the filter the answer was computed under, empty for all.
	Party string `json:"party,omitempty"`

	// Payload is the serialized answer document.
	Payload json.RawMessage `json:"payload"`

	// Model that produced the answer.
	Model string `json:"model,omitempty"`

	// TokensUsed by the producing call.
	TokensUsed int `json:"tokens_used,omitempty"`

	ComputedAt time.Time `json:"computed_at"`

	// ExpiresAt is nil for entries that never expire.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is past its expiry. Entries
// without ExpiresAt never expire.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// Stats summarizes a cache's contents.
type Stats struct {
	Total        int `json:"total"`
	Expired      int `json:"expired"`
	NeverExpires int `json:"never_expires"`
}

// Store is the cache contract. Concurrent Puts under the same key
// resolve last-write-wins; no single-flight consolidation is attempted.
type Store interface {
	// Get returns the entry under key. An expired entry is deleted on
	// read and reported as a miss.
	Get(ctx context.Context, key Key) (*Entry, bool, error)

	// Put upserts the entry. A nil ttl means the entry never expires.
	Put(ctx context.Context, entry Entry, ttl *time.Duration) error

	// Invalidate removes the entry under key, if any.
	Invalidate(ctx context.Context, key Key) error

	// Cleanup bulk-deletes expired entries and reports how many went.
	Cleanup(ctx context.Context) (int, error)

	// Stats summarizes the cache contents.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources.
	Close() error
}

// Buckets name the two logical caches.
const (
	BucketChat        = "chat"
	BucketComparisons = "comparisons"
)

var bucketPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// New creates the store selected by cfg.Backend for the given bucket.
// The sql backend draws its connection from the shared pool.
func New(cfg *config.CacheConfig, dbCfg *config.DatabaseConfig, pool *config.DBPool, bucket string) (Store, error) {
	if !bucketPattern.MatchString(bucket) {
		return nil, fmt.Errorf("invalid cache bucket name: %q", bucket)
	}

	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(time.Duration(cfg.CleanupInterval) * time.Minute), nil
	case "sql":
		db, err := pool.Get(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache database: %w", err)
		}
		return NewSQLStore(db, dbCfg.Dialect(), bucket)
	case "redis":
		return NewRedisStore(&cfg.Redis, bucket), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s (valid: memory, sql, redis)", cfg.Backend)
	}
}
