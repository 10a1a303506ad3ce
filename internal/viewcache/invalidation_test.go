package viewcache

import (
	"context"
	"testing"

	"github.com/gabapcia/badgewatch/internal/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintAt(height int64, badge, user, community string) event.BadgeMint {
	return event.BadgeMint{
		Provenance:  event.Provenance{BlockHeight: height, TxHash: "0xtx"},
		BadgeID:     badge,
		UserID:      user,
		CommunityID: community,
	}
}

func TestEngineInvalidateForEvent(t *testing.T) {
	t.Run("mint invalidates the user and badge views", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Set(t.Context(), "user:alice:badges", "stale", 90))
		require.NoError(t, store.Set(t.Context(), "badge:b1", "stale", 90))
		require.NoError(t, store.Set(t.Context(), "user:bob:badges", "fresh", 90))

		engine := NewEngine(store)
		applied := engine.InvalidateForEvent(t.Context(), mintAt(100, "b1", "alice", "c1"))
		assert.Equal(t, 1, applied)

		_, ok, err := store.Get(t.Context(), "user:alice:badges")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = store.Get(t.Context(), "user:bob:badges")
		require.NoError(t, err)
		assert.True(t, ok, "other users' views stay intact")
	})

	t.Run("prefix patterns wipe every matching key", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Set(t.Context(), "community:c1:members:page1", "a", 90))
		require.NoError(t, store.Set(t.Context(), "community:c1:members:page2", "b", 90))
		require.NoError(t, store.Set(t.Context(), "community:c2:members:page1", "c", 90))

		engine := NewEngine(store)
		engine.InvalidateForEvent(t.Context(), mintAt(100, "b1", "alice", "c1"))

		n, err := store.Len(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, ok, err := store.Get(t.Context(), "community:c2:members:page1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("revocation rules run in priority order", func(t *testing.T) {
		store := NewMemoryStore()
		var order []string
		engine := NewEngine(store, WithRules([]Rule{
			{Name: "low", EventType: event.TypeBadgeRevocation, KeyPatterns: []string{"low:{badge}"}, Priority: 1},
			{Name: "high", EventType: event.TypeBadgeRevocation, KeyPatterns: []string{"high:{badge}"}, Priority: 9},
		}))
		engine.warmer = nil

		// Track application order through a recording store.
		recording := &recordingStore{Store: store, keys: &order}
		engine.store = recording

		revocation := event.BadgeRevocation{
			Provenance: event.Provenance{BlockHeight: 100, TxHash: "0xtx"},
			BadgeID:    "b1",
			UserID:     "alice",
		}
		applied := engine.InvalidateForEvent(t.Context(), revocation)

		assert.Equal(t, 2, applied)
		assert.Equal(t, []string{"high:b1", "low:b1"}, order)
	})

	t.Run("warm rules repopulate instead of deleting", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Set(t.Context(), "badge:b1", "stale", 90))

		engine := NewEngine(store, WithWarmer(func(_ context.Context, key string, ev event.DomainEvent) (any, bool) {
			if key == "badge:b1" {
				return "recomputed", true
			}
			return nil, false
		}))

		update := event.BadgeMetadataUpdate{
			Provenance:  event.Provenance{BlockHeight: 104, TxHash: "0xtx"},
			BadgeID:     "b1",
			MetadataURI: "ipfs://new",
		}
		engine.InvalidateForEvent(t.Context(), update)

		entry, ok, err := store.Get(t.Context(), "badge:b1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "recomputed", entry.Value)
		assert.Equal(t, int64(104), entry.BlockHeight, "warmed entry carries the event's height")
	})

	t.Run("unknown event types are a no-op", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Set(t.Context(), "badge:b1", "v", 90))

		engine := NewEngine(store, WithRules(nil))
		applied := engine.InvalidateForEvent(t.Context(), mintAt(100, "b1", "alice", "c1"))
		assert.Zero(t, applied)

		_, ok, err := store.Get(t.Context(), "badge:b1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("metrics accumulate per event type and per rule", func(t *testing.T) {
		store := NewMemoryStore()
		engine := NewEngine(store)

		engine.InvalidateForEvent(t.Context(), mintAt(100, "b1", "alice", "c1"))
		engine.InvalidateForEvent(t.Context(), mintAt(101, "b2", "bob", "c1"))
		engine.InvalidateForEvent(t.Context(), event.BadgeRevocation{
			Provenance: event.Provenance{BlockHeight: 102, TxHash: "0xtx"},
			BadgeID:    "b1",
			UserID:     "alice",
		})

		metrics := engine.InvalidationMetrics()
		assert.Equal(t, int64(4), metrics.Total)
		assert.Equal(t, int64(2), metrics.ByEventType[event.TypeBadgeMint])
		assert.Equal(t, int64(2), metrics.ByEventType[event.TypeBadgeRevocation])
		assert.Equal(t, int64(2), metrics.ByRule["mint-user-views"])
		assert.Equal(t, int64(1), metrics.ByRule["revocation-user-views"])
		assert.Equal(t, int64(1), metrics.ByRule["revocation-leaderboards"])
	})
}

// recordingStore wraps a Store and appends deleted keys in call order.
type recordingStore struct {
	Store
	keys *[]string
}

func (r *recordingStore) Delete(ctx context.Context, key string) error {
	*r.keys = append(*r.keys, key)
	return r.Store.Delete(ctx, key)
}
