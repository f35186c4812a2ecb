package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in a map. Suitable for single-process
// deployments and tests; entries do not survive a restart.
type MemoryStore struct {
	entries map[string]Entry
	mu      sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates an in-memory store. When cleanupInterval is
// positive a janitor goroutine sweeps expired entries on that period;
// otherwise expired entries are only dropped lazily on Get.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]Entry),
		done:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.janitor(cleanupInterval)
	}
	return s
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background())
		case <-s.done:
			return
		}
	}
}

// Get returns the entry under key. Expired entries are deleted and
// reported as a miss.
func (s *MemoryStore) Get(_ context.Context, key Key) (*Entry, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key.String()]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if entry.Expired(time.Now()) {
		s.mu.Lock()
		delete(s.entries, key.String())
		s.mu.Unlock()
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put upserts the entry. A nil ttl means no expiry.
func (s *MemoryStore) Put(_ context.Context, entry Entry, ttl *time.Duration) error {
	if entry.ComputedAt.IsZero() {
		entry.ComputedAt = time.Now()
	}
	if ttl != nil {
		expires := entry.ComputedAt.Add(*ttl)
		entry.ExpiresAt = &expires
	} else {
		entry.ExpiresAt = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.Key.String()] = entry
	return nil
}

// Invalidate removes the entry under key.
func (s *MemoryStore) Invalidate(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key.String())
	return nil
}

// Cleanup removes all expired entries.
func (s *MemoryStore) Cleanup(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Stats summarizes the cache contents.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Total: len(s.entries)}
	for _, entry := range s.entries {
		switch {
		case entry.ExpiresAt == nil:
			stats.NeverExpires++
		case entry.Expired(now):
			stats.Expired++
		}
	}
	return stats, nil
}

// Close stops the janitor goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

var _ Store = (*MemoryStore)(nil)
