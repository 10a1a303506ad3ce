// Package viewcache implements the cached read views derived from domain
// events, together with the rule-driven invalidation engine.
//
// Every entry carries the block height that produced it and is indexed by
// that height as well as by key, so a reorg rollback locates all entries at
// or above the target in one pass instead of scanning the whole cache.
package viewcache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gabapcia/badgewatch/internal/pkg/types"
)

const defaultEntryTTL = 15 * time.Minute

// Entry is one cached read view.
type Entry struct {
	Key         string
	Value       any
	BlockHeight int64 // Height of the block whose event produced the value
	WrittenAt   time.Time
}

// Store is the keyed read-view cache contract. Implementations index
// entries by key and by block height, and must support rollback of
// everything above a height without touching entries at or below it.
type Store interface {
	// Set writes a value produced by the given block height.
	Set(ctx context.Context, key string, value any, blockHeight int64) error

	// Get returns the live entry for key.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Delete removes the entry for key if present.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every entry whose key starts with prefix,
	// returning the removed count.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// RollbackAbove removes every entry produced by a block height strictly
	// greater than height, returning the removed count.
	RollbackAbove(ctx context.Context, height int64) (int, error)

	// Clear atomically drops all entries.
	Clear(ctx context.Context) error

	// Len returns the number of live entries.
	Len(ctx context.Context) (int, error)
}

// generation holds one immutable-identity snapshot of the cache maps. Clear
// swaps in a fresh generation under the write lock instead of deleting keys
// in place, so concurrent readers observe either the old or the new cache,
// never a half-cleared one.
type generation struct {
	entries  map[string]Entry
	byHeight map[int64]types.Set[string]
}

func newGeneration() *generation {
	return &generation{
		entries:  make(map[string]Entry),
		byHeight: make(map[int64]types.Set[string]),
	}
}

// memoryStore is the in-process Store used by default and in tests.
type memoryStore struct {
	mu  sync.RWMutex
	gen *generation
	ttl time.Duration
	now func() time.Time
}

// Compile-time check that *memoryStore satisfies Store.
var _ Store = (*memoryStore)(nil)

// StoreOption configures the in-memory store.
type StoreOption func(*memoryStore)

// WithEntryTTL sets the entry lifetime. Default: 15 minutes.
func WithEntryTTL(d time.Duration) StoreOption {
	return func(s *memoryStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) StoreOption {
	return func(s *memoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an in-process read-view cache.
func NewMemoryStore(opts ...StoreOption) *memoryStore {
	s := &memoryStore{
		gen: newGeneration(),
		ttl: defaultEntryTTL,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *memoryStore) Set(_ context.Context, key string, value any, blockHeight int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.gen.entries[key]; ok {
		s.unindexLocked(old)
	}

	entry := Entry{
		Key:         key,
		Value:       value,
		BlockHeight: blockHeight,
		WrittenAt:   s.now(),
	}

	s.gen.entries[key] = entry
	if s.gen.byHeight[blockHeight] == nil {
		s.gen.byHeight[blockHeight] = types.NewSet[string]()
	}
	s.gen.byHeight[blockHeight].Add(key)
	return nil
}

func (s *memoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	entry, ok := s.gen.entries[key]
	s.mu.RUnlock()

	if !ok {
		return Entry{}, false, nil
	}

	if s.now().Sub(entry.WrittenAt) > s.ttl {
		s.mu.Lock()
		// Re-check under the write lock: the entry may have been refreshed.
		if current, still := s.gen.entries[key]; still && current.WrittenAt.Equal(entry.WrittenAt) {
			s.deleteLocked(key)
		}
		s.mu.Unlock()
		return Entry{}, false, nil
	}

	return entry, true, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteLocked(key)
	return nil
}

func (s *memoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.gen.entries {
		if strings.HasPrefix(key, prefix) {
			s.deleteLocked(key)
			removed++
		}
	}

	return removed, nil
}

func (s *memoryStore) RollbackAbove(_ context.Context, height int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for h, keys := range s.gen.byHeight {
		if h <= height {
			continue
		}

		for key := range keys.ToIter() {
			delete(s.gen.entries, key)
			removed++
		}
		delete(s.gen.byHeight, h)
	}

	return removed, nil
}

func (s *memoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen = newGeneration()
	return nil
}

func (s *memoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.gen.entries), nil
}

// deleteLocked removes an entry and its height-index record. Caller must
// hold the write lock.
func (s *memoryStore) deleteLocked(key string) {
	entry, ok := s.gen.entries[key]
	if !ok {
		return
	}

	delete(s.gen.entries, key)
	s.unindexLocked(entry)
}

// unindexLocked drops the height-index record for an entry. Caller must
// hold the write lock.
func (s *memoryStore) unindexLocked(entry Entry) {
	keys, ok := s.gen.byHeight[entry.BlockHeight]
	if !ok {
		return
	}

	keys.Delete(entry.Key)
	if len(keys) == 0 {
		delete(s.gen.byHeight, entry.BlockHeight)
	}
}
