package eventproc

import (
	"context"
	"testing"

	"github.com/gabapcia/badgewatch/internal/audit"
	"github.com/gabapcia/badgewatch/internal/chainfeed"
	"github.com/gabapcia/badgewatch/internal/counters"
	"github.com/gabapcia/badgewatch/internal/dedup"
	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/extract"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
	"github.com/gabapcia/badgewatch/internal/registry"
	"github.com/gabapcia/badgewatch/internal/revocation"
	"github.com/gabapcia/badgewatch/internal/rollback"
	"github.com/gabapcia/badgewatch/internal/viewcache"
	"github.com/gabapcia/badgewatch/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests to prevent nil pointer dereference
	_ = logger.Init()
}

// pipeline bundles the real components behind one processor for tests.
type pipeline struct {
	svc       *service
	dedup     dedup.Store
	counters  counters.Service
	trail     audit.Trail
	viewcache viewcache.Store
	registry  registry.Service
	journal   rollback.Journal
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	var (
		dedupStore = dedup.NewMemoryStore()
		cacheStore = viewcache.NewMemoryStore()
		counterSvc = counters.New()
		trail      = audit.New()
		reg        = registry.New()
		webhooks   = webhook.New()
		engine     = viewcache.NewEngine(cacheStore)
	)

	journal := rollback.NewMemoryJournal()

	coordinator := rollback.NewCoordinator(journal)
	coordinator.Register(ViewcacheRollbackStore(cacheStore))
	coordinator.Register(counterSvc)
	coordinator.Register(trail)
	coordinator.Register(DedupRollbackStore(dedupStore))

	saga := revocation.New(
		revocation.WithAuditor(AuditorFor(trail)),
		revocation.WithCacheInvalidator(InvalidatorFor(engine)),
		revocation.WithUserNotifier(NotifierFor(webhooks)),
		revocation.WithCounterUpdater(CounterFor(counterSvc)),
	)

	extractors := []extract.Extractor{
		extract.NewMintExtractor(""),
		extract.NewRevocationExtractor(""),
		extract.NewMetadataExtractor(""),
		extract.NewCommunityExtractor(""),
	}

	svc := New(
		"devnet",
		dedupStore,
		reg,
		extractors,
		coordinator,
		journal,
		engine,
		counterSvc,
		saga,
		webhooks,
	)

	return &pipeline{
		svc:       svc,
		dedup:     dedupStore,
		counters:  counterSvc,
		trail:     trail,
		viewcache: cacheStore,
		registry:  reg,
		journal:   journal,
	}
}

func mintEnvelope(height int64, txHash, badge, user string) chainfeed.Envelope {
	return chainfeed.Envelope{
		BlockIdentifier:       chainfeed.BlockIdentifier{Index: height, Hash: "0xblock"},
		ParentBlockIdentifier: chainfeed.BlockIdentifier{Index: height - 1, Hash: "0xparent"},
		Timestamp:             1_700_000_000,
		Transactions: []chainfeed.Transaction{{
			TransactionIndex: 0,
			TransactionHash:  txHash,
			Operations: []chainfeed.Operation{{
				Type: chainfeed.OperationContractCall,
				ContractCall: &chainfeed.ContractCall{
					Contract: "0xbadges",
					Method:   "mint-badge",
					Args:     []any{badge, user, "c1", "achievement", "gold", "0xminter"},
				},
			}},
		}},
	}
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

func TestProcess(t *testing.T) {
	t.Run("mint envelope produces an event and updates counters", func(t *testing.T) {
		p := newPipeline(t)

		result, err := p.svc.Process(t.Context(), mintEnvelope(100, "0xtx1", "b1", "alice"))
		require.NoError(t, err)

		assert.Equal(t, StatusProcessed, result.Status)
		require.Len(t, result.Events, 1)
		mint, ok := result.Events[0].(event.BadgeMint)
		require.True(t, ok)
		assert.Equal(t, "b1", mint.BadgeID)
		assert.Equal(t, "100:0xtx1", result.Key)

		snapshot, err := p.counters.UserSnapshot(t.Context(), "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(1), snapshot.Active)
	})

	t.Run("redelivered envelope is served from the idempotency cache", func(t *testing.T) {
		p := newPipeline(t)
		env := mintEnvelope(100, "0xtx1", "b1", "alice")

		first, err := p.svc.Process(t.Context(), env)
		require.NoError(t, err)
		second, err := p.svc.Process(t.Context(), env)
		require.NoError(t, err)

		assert.Equal(t, StatusDuplicate, second.Status)
		assert.Equal(t, first.Events, second.Events, "cached events are returned verbatim")

		snapshot, err := p.counters.UserSnapshot(t.Context(), "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(1), snapshot.Active, "no double counting on redelivery")
	})

	t.Run("invalid envelope is rejected", func(t *testing.T) {
		p := newPipeline(t)

		_, err := p.svc.Process(t.Context(), chainfeed.Envelope{})
		require.ErrorIs(t, err, chainfeed.ErrMalformedEnvelope)

		stats := p.svc.PipelineStats()
		assert.Equal(t, int64(1), stats.Rejected)
	})

	t.Run("malformed reorg is rejected without touching state", func(t *testing.T) {
		p := newPipeline(t)
		_, err := p.svc.Process(t.Context(), mintEnvelope(100, "0xtx1", "b1", "alice"))
		require.NoError(t, err)

		env := reorgEnvelope(105, 105)
		_, err = p.svc.Process(t.Context(), env)
		require.ErrorIs(t, err, rollback.ErrMalformedReorg)

		snapshot, err := p.counters.UserSnapshot(t.Context(), "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(1), snapshot.Active)
	})

	t.Run("operation missing a required field skips without aborting siblings", func(t *testing.T) {
		p := newPipeline(t)

		env := mintEnvelope(100, "0xtx1", "b1", "alice")
		env.Transactions[0].Operations = append([]chainfeed.Operation{{
			Type: chainfeed.OperationContractCall,
			ContractCall: &chainfeed.ContractCall{
				Contract: "0xbadges",
				Method:   "mint-badge",
				Args:     []any{}, // no badge id
			},
		}}, env.Transactions[0].Operations...)

		result, err := p.svc.Process(t.Context(), env)
		require.NoError(t, err)

		assert.Len(t, result.Events, 1, "the valid sibling still extracts")
		require.Len(t, result.Skipped, 1)
		assert.Contains(t, result.Skipped[0].Reason, "badge_id")
	})

	t.Run("matched predicates are reported", func(t *testing.T) {
		p := newPipeline(t)

		_, err := p.registry.CreatePredicate(t.Context(), registry.Predicate{
			Name:    "mints",
			Type:    registry.CallTypeContractCall,
			Network: "devnet",
			IfThis: registry.MatchCriteria{
				ContractIdentifier: "0xbadges",
				Method:             "mint-badge",
			},
			Active: true,
		})
		require.NoError(t, err)

		result, err := p.svc.Process(t.Context(), mintEnvelope(100, "0xtx1", "b1", "alice"))
		require.NoError(t, err)
		assert.Len(t, result.MatchedPredicates, 1)
	})

	t.Run("revocation runs the saga", func(t *testing.T) {
		p := newPipeline(t)
		_, err := p.svc.Process(t.Context(), mintEnvelope(100, "0xtx1", "b1", "alice"))
		require.NoError(t, err)

		env := mintEnvelope(101, "0xtx2", "b1", "alice")
		env.Transactions[0].Operations[0].ContractCall.Method = "revoke-badge"
		env.Transactions[0].Operations[0].ContractCall.Args = []any{"b1", "alice", "policy violation", "0xadmin"}

		result, err := p.svc.Process(t.Context(), env)
		require.NoError(t, err)
		require.Len(t, result.Events, 1)

		snapshot, err := p.counters.UserSnapshot(t.Context(), "alice")
		require.NoError(t, err)
		assert.Zero(t, snapshot.Active)
		assert.Equal(t, int64(1), snapshot.SoftRevoked)

		trailStats, err := p.trail.TrailStats(t.Context())
		require.NoError(t, err)
		assert.Equal(t, int64(1), trailStats.Live)

		ops, err := p.journal.OperationsAbove(t.Context(), 100)
		require.NoError(t, err)
		assert.Len(t, ops, 3, "each landed side effect journals one operation")
	})

	t.Run("failed revocation side effects are not journaled", func(t *testing.T) {
		p := newPipeline(t)
		p.svc.revocation = failingSaga{}

		env := mintEnvelope(101, "0xtx2", "b1", "alice")
		env.Transactions[0].Operations[0].ContractCall.Method = "revoke-badge"
		env.Transactions[0].Operations[0].ContractCall.Args = []any{"b1", "alice", "policy violation", "0xadmin"}

		result, err := p.svc.Process(t.Context(), env)
		require.NoError(t, err)
		require.Len(t, result.Events, 1)

		ops, err := p.journal.OperationsAbove(t.Context(), 100)
		require.NoError(t, err)
		assert.Empty(t, ops, "side effects that did not land must not be journaled")
	})
}

// failingSaga accepts every revocation but reports that no side effect
// landed.
type failingSaga struct{}

func (failingSaga) ProcessBadgeRevocation(context.Context, event.BadgeRevocation) revocation.Result {
	return revocation.Result{Success: true}
}

func (failingSaga) ProcessBatch(ctx context.Context, revocations []event.BadgeRevocation) []revocation.Result {
	return make([]revocation.Result, len(revocations))
}

func (failingSaga) ProcessingTotals() revocation.Totals { return revocation.Totals{} }

func (failingSaga) ResetTotals() {}

func TestProcessReorg(t *testing.T) {
	t.Run("mint, reorg, re-mint leaves the counter at exactly one", func(t *testing.T) {
		p := newPipeline(t)

		_, err := p.svc.Process(t.Context(), mintEnvelope(100, "0xtx1", "b1", "alice"))
		require.NoError(t, err)

		result, err := p.svc.Process(t.Context(), reorgEnvelope(99, 104, "0xtx1"))
		require.NoError(t, err)
		assert.Equal(t, StatusReorg, result.Status)
		require.NotNil(t, result.RollbackReport)
		assert.Equal(t, rollback.StatusApplied, result.RollbackReport.Status)

		snapshot, err := p.counters.UserSnapshot(t.Context(), "alice")
		require.NoError(t, err)
		assert.Zero(t, snapshot.Active, "rolled back mint no longer counts")

		// The same transaction re-confirmed on the new fork.
		remint, err := p.svc.Process(t.Context(), mintEnvelope(104, "0xtx1", "b1", "alice"))
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, remint.Status, "rollback purged the idempotency entry")

		snapshot, err = p.counters.UserSnapshot(t.Context(), "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(1), snapshot.Active)
		assert.Equal(t, int64(1), snapshot.Total)
	})

	t.Run("no cache entry above the rollback target survives", func(t *testing.T) {
		p := newPipeline(t)
		require.NoError(t, p.viewcache.Set(t.Context(), "user:alice:badges", "v", 98))

		_, err := p.svc.Process(t.Context(), mintEnvelope(100, "0xtx1", "b1", "bob"))
		require.NoError(t, err)
		require.NoError(t, p.viewcache.Set(t.Context(), "badge:b1", "v", 100))

		_, err = p.svc.Process(t.Context(), reorgEnvelope(99, 104, "0xtx1"))
		require.NoError(t, err)

		_, ok, err := p.viewcache.Get(t.Context(), "badge:b1")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = p.viewcache.Get(t.Context(), "user:alice:badges")
		require.NoError(t, err)
		assert.True(t, ok, "entries at or below the target stay untouched")
	})

	t.Run("rollback discards journaled operations above the target", func(t *testing.T) {
		p := newPipeline(t)

		_, err := p.svc.Process(t.Context(), mintEnvelope(100, "0xtx1", "b1", "alice"))
		require.NoError(t, err)

		recorded, err := p.journal.OperationsAbove(t.Context(), 99)
		require.NoError(t, err)
		require.NotEmpty(t, recorded, "processing must journal the block-100 mutations")

		_, err = p.svc.Process(t.Context(), reorgEnvelope(99, 104, "0xtx1"))
		require.NoError(t, err)

		remaining, err := p.journal.OperationsAbove(t.Context(), 99)
		require.NoError(t, err)
		assert.Empty(t, remaining, "rollback to 99 must discard journaled operations above 99")
	})

	t.Run("redelivered reorg notification is idempotent", func(t *testing.T) {
		p := newPipeline(t)
		_, err := p.svc.Process(t.Context(), mintEnvelope(100, "0xtx1", "b1", "alice"))
		require.NoError(t, err)

		first, err := p.svc.Process(t.Context(), reorgEnvelope(99, 104, "0xtx1"))
		require.NoError(t, err)
		second, err := p.svc.Process(t.Context(), reorgEnvelope(99, 104, "0xtx1"))
		require.NoError(t, err)

		assert.Equal(t, rollback.StatusApplied, first.RollbackReport.Status)
		assert.Equal(t, rollback.StatusAlreadyApplied, second.RollbackReport.Status)
	})
}

func TestLifecycle(t *testing.T) {
	t.Run("start twice errors, close is idempotent", func(t *testing.T) {
		p := newPipeline(t)

		require.NoError(t, p.svc.Start(t.Context()))
		require.ErrorIs(t, p.svc.Start(t.Context()), ErrServiceAlreadyStarted)

		p.svc.Close()
		p.svc.Close()
	})
}
