package rollback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gabapcia/badgewatch/internal/chainfeed"
	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests to prevent nil pointer dereference
	_ = logger.Init()
}

// fakeStore implements Store with a recorded rollback height and an
// injectable error.
type fakeStore struct {
	name       string
	undone     int
	err        error
	calledWith []int64
}

func (s *fakeStore) Name() string { return s.name }

func (s *fakeStore) RollbackAbove(_ context.Context, height int64) (int, error) {
	s.calledWith = append(s.calledWith, height)
	if s.err != nil {
		return 0, s.err
	}
	return s.undone, nil
}

func reorgEnvelope(rollbackTo, newBlock int64, affected ...string) chainfeed.Envelope {
	return chainfeed.Envelope{
		BlockIdentifier: chainfeed.BlockIdentifier{Index: newBlock, Hash: "0xnew"},
		RollbackTo: &chainfeed.RollbackTarget{
			BlockIdentifier: chainfeed.BlockIdentifier{Index: rollbackTo, Hash: "0xold"},
		},
		NewBlock: &chainfeed.RollbackTarget{
			BlockIdentifier: chainfeed.BlockIdentifier{Index: newBlock, Hash: "0xnew"},
		},
		AffectedTransactions: affected,
	}
}

func TestDetect(t *testing.T) {
	t.Run("non reorg envelope is a nil no-op", func(t *testing.T) {
		env := chainfeed.Envelope{
			BlockIdentifier: chainfeed.BlockIdentifier{Index: 100, Hash: "0xblock"},
		}

		reorg, err := Detect(env)
		require.NoError(t, err)
		assert.Nil(t, reorg)
	})

	t.Run("detects a well formed reorg", func(t *testing.T) {
		reorg, err := Detect(reorgEnvelope(99, 105, "0xtx1", "0xtx2"))
		require.NoError(t, err)
		require.NotNil(t, reorg)

		assert.Equal(t, int64(99), reorg.RollbackTo)
		assert.Equal(t, int64(105), reorg.NewCanonical)
		assert.Equal(t, int64(6), reorg.Depth)
		assert.Equal(t, []string{"0xtx1", "0xtx2"}, reorg.AffectedTransactions)
	})

	t.Run("missing new block is malformed", func(t *testing.T) {
		env := reorgEnvelope(99, 105)
		env.NewBlock = nil

		_, err := Detect(env)
		require.ErrorIs(t, err, ErrMalformedReorg)
	})

	t.Run("rollback target at or above the new block is malformed", func(t *testing.T) {
		_, err := Detect(reorgEnvelope(105, 105))
		require.ErrorIs(t, err, ErrMalformedReorg)

		_, err = Detect(reorgEnvelope(110, 105))
		require.ErrorIs(t, err, ErrMalformedReorg)
	})

	t.Run("missing hashes are malformed", func(t *testing.T) {
		env := reorgEnvelope(99, 105)
		env.RollbackTo.BlockIdentifier.Hash = ""

		_, err := Detect(env)
		require.ErrorIs(t, err, ErrMalformedReorg)
	})
}

func TestMemoryJournal(t *testing.T) {
	opAt := func(height int64, store, target string) Operation {
		return Operation{
			Provenance: event.Provenance{BlockHeight: height, TxHash: "0xtx"},
			Kind:       OpCreate,
			Store:      store,
			TargetID:   target,
		}
	}

	t.Run("partitions operations around the rollback target", func(t *testing.T) {
		journal := NewMemoryJournal()

		require.NoError(t, journal.Record(t.Context(), opAt(98, "cache", "a")))
		require.NoError(t, journal.Record(t.Context(), opAt(100, "cache", "b")))
		require.NoError(t, journal.Record(t.Context(), opAt(101, "counters", "c")))

		above, err := journal.OperationsAbove(t.Context(), 99)
		require.NoError(t, err)
		assert.Len(t, above, 2)

		removed, err := journal.DiscardAbove(t.Context(), 99)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		remaining, err := journal.OperationsAbove(t.Context(), 0)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, int64(98), remaining[0].Provenance.BlockHeight)
	})

	t.Run("prunes by age", func(t *testing.T) {
		journal := NewMemoryJournal()

		old := opAt(10, "cache", "a")
		old.RecordedAt = time.Now().UTC().Add(-2 * time.Hour)
		require.NoError(t, journal.Record(t.Context(), old))
		require.NoError(t, journal.Record(t.Context(), opAt(11, "cache", "b")))

		removed, err := journal.PruneOlderThan(t.Context(), time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
	})
}

func TestCoordinatorApply(t *testing.T) {
	detect := func(t *testing.T, rollbackTo, newBlock int64, affected ...string) Reorg {
		t.Helper()
		reorg, err := Detect(reorgEnvelope(rollbackTo, newBlock, affected...))
		require.NoError(t, err)
		return *reorg
	}

	t.Run("rolls back every registered store", func(t *testing.T) {
		coordinator := NewCoordinator(NewMemoryJournal())
		cache := &fakeStore{name: "cache", undone: 3}
		counters := &fakeStore{name: "counters", undone: 2}
		coordinator.Register(cache)
		coordinator.Register(counters)

		report := coordinator.Apply(t.Context(), detect(t, 99, 105, "0xtx1"))

		assert.Equal(t, StatusApplied, report.Status)
		assert.Equal(t, []int64{99}, cache.calledWith)
		assert.Equal(t, []int64{99}, counters.calledWith)
		assert.Equal(t, 3, report.UndoneByStore["cache"])
		assert.Equal(t, 2, report.UndoneByStore["counters"])
		assert.Empty(t, report.FailedStores)
	})

	t.Run("one failing store never blocks the others", func(t *testing.T) {
		coordinator := NewCoordinator(NewMemoryJournal())
		stuck := &fakeStore{name: "cache", err: errors.New("cache unavailable")}
		counters := &fakeStore{name: "counters", undone: 1}
		coordinator.Register(stuck)
		coordinator.Register(counters)

		report := coordinator.Apply(t.Context(), detect(t, 99, 105))

		assert.Equal(t, StatusApplied, report.Status)
		assert.Equal(t, []string{"cache"}, report.FailedStores)
		assert.Equal(t, 1, report.UndoneByStore["counters"])
	})

	t.Run("redelivered reorg is reported as already applied", func(t *testing.T) {
		coordinator := NewCoordinator(NewMemoryJournal())
		store := &fakeStore{name: "cache", undone: 1}
		coordinator.Register(store)

		reorg := detect(t, 99, 105)
		first := coordinator.Apply(t.Context(), reorg)
		second := coordinator.Apply(t.Context(), reorg)

		assert.Equal(t, StatusApplied, first.Status)
		assert.Equal(t, StatusAlreadyApplied, second.Status)
		assert.Len(t, store.calledWith, 1)
	})

	t.Run("journal entries above the target are discarded", func(t *testing.T) {
		journal := NewMemoryJournal()
		require.NoError(t, journal.Record(t.Context(), Operation{
			Provenance: event.Provenance{BlockHeight: 100, TxHash: "0xtx"},
			Kind:       OpCreate,
			Store:      "cache",
			TargetID:   "k",
		}))

		coordinator := NewCoordinator(journal)
		report := coordinator.Apply(t.Context(), detect(t, 99, 105))

		assert.Equal(t, 1, report.UndoneByStore["journal"])

		remaining, err := journal.OperationsAbove(t.Context(), 0)
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})

	t.Run("stats accumulate depth and affected transactions", func(t *testing.T) {
		coordinator := NewCoordinator(NewMemoryJournal())

		coordinator.Apply(t.Context(), detect(t, 99, 105, "0xtx1", "0xtx2"))
		coordinator.Apply(t.Context(), detect(t, 200, 202, "0xtx3"))

		stats := coordinator.ReorgStats()
		assert.Equal(t, int64(2), stats.ReorgsApplied)
		assert.Equal(t, int64(6), stats.DeepestReorg)
		assert.Equal(t, int64(3), stats.TransactionsTotal)
	})
}
