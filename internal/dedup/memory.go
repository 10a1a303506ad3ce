package dedup

import (
	"context"
	"sync"
	"time"
)

const (
	defaultCapacity = 10_000
	defaultTTL      = 10 * time.Minute
)

// queuePosition is one insertion-order slot. A key re-put later leaves a
// stale position behind, detected by comparing storedAt against the live
// entry's StoredAt.
type queuePosition struct {
	key      string
	storedAt time.Time
}

// memoryStore is the in-process Store implementation used by default and in
// tests. Insertion order doubles as eviction order: StoredAt is assigned by
// the store itself, so the head of the queue is always the oldest live entry
// and capacity eviction stays O(1) amortized.
type memoryStore struct {
	mu       sync.Mutex
	entries  map[string]Entry
	order    []queuePosition
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// Compile-time check that *memoryStore satisfies Store.
var _ Store = (*memoryStore)(nil)

// Option configures the in-memory store.
type Option func(*memoryStore)

// WithCapacity bounds the number of live entries. Default: 10000.
func WithCapacity(n int) Option {
	return func(s *memoryStore) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithTTL sets the entry lifetime. Default: 10 minutes.
func WithTTL(d time.Duration) Option {
	return func(s *memoryStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(s *memoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an in-process idempotency cache.
func NewMemoryStore(opts ...Option) *memoryStore {
	s := &memoryStore{
		entries:  make(map[string]Entry),
		capacity: defaultCapacity,
		ttl:      defaultTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Put stores the entry, evicting the single oldest live entry if the cache
// is at capacity. Re-putting an existing key refreshes its position.
func (s *memoryStore) Put(_ context.Context, entry Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry.StoredAt = now

	s.purgeExpiredLocked(now)

	var evicted string
	if _, exists := s.entries[entry.Key]; !exists && len(s.entries) >= s.capacity {
		evicted = s.evictOldestLocked(now)
	}

	s.entries[entry.Key] = entry
	s.order = append(s.order, queuePosition{key: entry.Key, storedAt: now})
	return evicted, nil
}

// Get returns the live entry for key, expiring it lazily if its TTL has
// elapsed.
func (s *memoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}

	if s.now().Sub(entry.StoredAt) > s.ttl {
		delete(s.entries, key)
		return Entry{}, false, nil
	}

	return entry, true, nil
}

// Has reports whether a live entry exists for key.
func (s *memoryStore) Has(ctx context.Context, key string) (bool, error) {
	_, found, err := s.Get(ctx, key)
	return found, err
}

// Invalidate removes the entry for key if present.
func (s *memoryStore) Invalidate(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// RollbackAbove removes every entry produced by a block height strictly
// greater than height, so a re-confirmation of the same transactions on the
// new fork is processed instead of served from cache.
func (s *memoryStore) RollbackAbove(_ context.Context, height int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.BlockHeight > height {
			delete(s.entries, key)
			removed++
		}
	}

	return removed, nil
}

// purgeExpiredLocked drops expired entries from the head of the queue.
// StoredAt is assigned monotonically by Put, so the queue is ordered by it
// and every expired position sits before the first live one; after the purge
// len(entries) is the live count without scanning the map. Caller must hold
// the lock.
func (s *memoryStore) purgeExpiredLocked(now time.Time) {
	for len(s.order) > 0 {
		pos := s.order[0]
		if now.Sub(pos.storedAt) <= s.ttl {
			return
		}
		s.order = s.order[1:]

		entry, ok := s.entries[pos.key]
		if ok && entry.StoredAt.Equal(pos.storedAt) {
			delete(s.entries, pos.key)
		}
	}
}

// evictOldestLocked removes the oldest live entry and returns its key.
// Stale queue positions (deleted keys, or keys re-put with a fresher
// StoredAt) are discarded as they surface. Caller must hold the lock.
func (s *memoryStore) evictOldestLocked(now time.Time) string {
	for len(s.order) > 0 {
		pos := s.order[0]
		s.order = s.order[1:]

		entry, ok := s.entries[pos.key]
		if !ok || !entry.StoredAt.Equal(pos.storedAt) {
			continue
		}

		delete(s.entries, pos.key)

		if now.Sub(entry.StoredAt) > s.ttl {
			// Expired entries do not count as capacity evictions.
			continue
		}

		return pos.key
	}

	return ""
}
