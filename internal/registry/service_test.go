package registry

import (
	"context"
	"testing"

	"github.com/gabapcia/badgewatch/internal/chainfeed"
	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
	"github.com/gabapcia/badgewatch/internal/pkg/validator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests to prevent nil pointer dereference
	_ = logger.Init()
}

func contractCallOp(contract, method string) chainfeed.Operation {
	return chainfeed.Operation{
		Type: chainfeed.OperationContractCall,
		ContractCall: &chainfeed.ContractCall{
			Contract: contract,
			Method:   method,
		},
	}
}

func printEventOp(contract, topic string) chainfeed.Operation {
	return chainfeed.Operation{
		Type: chainfeed.OperationEmit,
		Events: []chainfeed.ContractEvent{
			{Type: chainfeed.ContractEventType, ContractAddress: contract, Topic: topic},
		},
	}
}

func TestCreatePredicate(t *testing.T) {
	t.Run("assigns a uuid when none is provided", func(t *testing.T) {
		svc := New()

		created, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "mint watcher",
			Type:    CallTypeContractCall,
			Network: "devnet",
			IfThis:  MatchCriteria{ContractIdentifier: "0xbadges", Method: "mint-badge"},
			Active:  true,
		})

		require.NoError(t, err)
		assert.NotEmpty(t, created.UUID)
	})

	t.Run("rejects a predicate without a name", func(t *testing.T) {
		svc := New()

		_, err := svc.CreatePredicate(t.Context(), Predicate{
			Type:    CallTypeContractCall,
			Network: "devnet",
		})

		require.ErrorIs(t, err, validator.ErrValidationFailed)
	})

	t.Run("rejects an unknown network", func(t *testing.T) {
		svc := New()

		_, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "bad network",
			Type:    CallTypeContractCall,
			Network: "localnet",
		})

		require.ErrorIs(t, err, validator.ErrValidationFailed)
	})

	t.Run("rejects duplicate uuids", func(t *testing.T) {
		svc := New()

		p := Predicate{
			UUID:    "4fa4ad18-5e18-4cfe-a2c5-dd7ab83b7b7b",
			Name:    "dup",
			Type:    CallTypeBlock,
			Network: "devnet",
		}

		_, err := svc.CreatePredicate(t.Context(), p)
		require.NoError(t, err)

		_, err = svc.CreatePredicate(t.Context(), p)
		require.ErrorIs(t, err, ErrPredicateAlreadyExists)
	})
}

func TestMatch(t *testing.T) {
	t.Run("matches a contract call by contract and method", func(t *testing.T) {
		svc := New()

		created, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "mint watcher",
			Type:    CallTypeContractCall,
			Network: "mainnet",
			IfThis:  MatchCriteria{ContractIdentifier: "0xbadges", Method: "mint-badge"},
			Active:  true,
		})
		require.NoError(t, err)

		matches := svc.Match(t.Context(), "mainnet", contractCallOp("0xbadges", "mint-badge"))
		assert.Equal(t, []string{created.UUID}, matches)
	})

	t.Run("network is part of the structural stage", func(t *testing.T) {
		svc := New()

		_, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "mainnet only",
			Type:    CallTypeContractCall,
			Network: "mainnet",
			IfThis:  MatchCriteria{ContractIdentifier: "0xbadges", Method: "mint-badge"},
			Active:  true,
		})
		require.NoError(t, err)

		assert.Empty(t, svc.Match(t.Context(), "testnet", contractCallOp("0xbadges", "mint-badge")))
	})

	t.Run("contract wildcard matches the method on any contract", func(t *testing.T) {
		svc := New()

		created, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "any revoke",
			Type:    CallTypeContractCall,
			Network: "devnet",
			IfThis:  MatchCriteria{Method: "revoke-badge"},
			Active:  true,
		})
		require.NoError(t, err)

		matches := svc.Match(t.Context(), "devnet", contractCallOp("0xanything", "revoke-badge"))
		assert.Equal(t, []string{created.UUID}, matches)
	})

	t.Run("multiple predicates can match the same operation", func(t *testing.T) {
		svc := New()

		first, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "exact",
			Type:    CallTypeContractCall,
			Network: "devnet",
			IfThis:  MatchCriteria{ContractIdentifier: "0xbadges", Method: "mint-badge"},
			Active:  true,
		})
		require.NoError(t, err)

		second, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "wildcard",
			Type:    CallTypeContractCall,
			Network: "devnet",
			IfThis:  MatchCriteria{Method: "mint-badge"},
			Active:  true,
		})
		require.NoError(t, err)

		matches := svc.Match(t.Context(), "devnet", contractCallOp("0xbadges", "mint-badge"))
		assert.ElementsMatch(t, []string{first.UUID, second.UUID}, matches)
	})

	t.Run("matches a print event by exact topic", func(t *testing.T) {
		svc := New()

		created, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "revocation events",
			Type:    CallTypePrintEvent,
			Network: "devnet",
			IfThis:  MatchCriteria{PrintEventType: "badges::revoke"},
			Active:  true,
		})
		require.NoError(t, err)

		matches := svc.Match(t.Context(), "devnet", printEventOp("0xbadges", "badges::revoke"))
		assert.Equal(t, []string{created.UUID}, matches)
	})

	t.Run("matches a print event by topic segment", func(t *testing.T) {
		svc := New()

		created, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "any revoke topic",
			Type:    CallTypePrintEvent,
			Network: "devnet",
			IfThis:  MatchCriteria{PrintEventType: "revoke"},
			Active:  true,
		})
		require.NoError(t, err)

		matches := svc.Match(t.Context(), "devnet", printEventOp("0xbadges", "badges::revoke"))
		assert.Equal(t, []string{created.UUID}, matches)
	})

	t.Run("deactivated predicates are excluded without being deleted", func(t *testing.T) {
		svc := New()

		created, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "toggled",
			Type:    CallTypeContractCall,
			Network: "devnet",
			IfThis:  MatchCriteria{ContractIdentifier: "0xbadges", Method: "mint-badge"},
			Active:  true,
		})
		require.NoError(t, err)

		require.NoError(t, svc.SetPredicateActive(t.Context(), created.UUID, false))
		assert.Empty(t, svc.Match(t.Context(), "devnet", contractCallOp("0xbadges", "mint-badge")))
		assert.Len(t, svc.Predicates(t.Context()), 1)

		require.NoError(t, svc.SetPredicateActive(t.Context(), created.UUID, true))
		assert.Len(t, svc.Match(t.Context(), "devnet", contractCallOp("0xbadges", "mint-badge")), 1)
	})

	t.Run("no match is an empty result, not an error", func(t *testing.T) {
		svc := New()
		assert.Empty(t, svc.Match(t.Context(), "devnet", contractCallOp("0x", "unknown")))
	})
}

func TestMatchBlock(t *testing.T) {
	t.Run("block predicates fire per network", func(t *testing.T) {
		svc := New()

		created, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "every block",
			Type:    CallTypeBlock,
			Network: "mainnet",
			Active:  true,
		})
		require.NoError(t, err)

		assert.Equal(t, []string{created.UUID}, svc.MatchBlock(t.Context(), "mainnet"))
		assert.Empty(t, svc.MatchBlock(t.Context(), "devnet"))
	})
}

func TestDispatch(t *testing.T) {
	mint := event.BadgeMint{
		Provenance: event.Provenance{BlockHeight: 100, TxHash: "0xtx1"},
		BadgeID:    "b1",
		UserID:     "u1",
		Category:   "contributor",
		Level:      "gold",
	}

	t.Run("delivers to a matching active subscription", func(t *testing.T) {
		svc := New()

		sub, err := svc.CreateSubscription(t.Context(), Subscription{
			EventType: event.TypeBadgeMint,
			Active:    true,
		})
		require.NoError(t, err)

		require.NoError(t, svc.Dispatch(t.Context(), sub.ID, mint))

		queue, err := svc.Events(sub.ID)
		require.NoError(t, err)

		received := <-queue
		assert.Equal(t, mint, received)
	})

	t.Run("filters by category and level", func(t *testing.T) {
		svc := New()

		sub, err := svc.CreateSubscription(t.Context(), Subscription{
			EventType: event.TypeBadgeMint,
			Category:  "moderator",
			Active:    true,
		})
		require.NoError(t, err)

		require.NoError(t, svc.Dispatch(t.Context(), sub.ID, mint))

		queue, err := svc.Events(sub.ID)
		require.NoError(t, err)
		assert.Empty(t, queue)
	})

	t.Run("inactive subscriptions receive nothing", func(t *testing.T) {
		svc := New()

		sub, err := svc.CreateSubscription(t.Context(), Subscription{
			EventType: event.TypeBadgeMint,
			Active:    true,
		})
		require.NoError(t, err)
		require.NoError(t, svc.SetSubscriptionActive(t.Context(), sub.ID, false))

		require.NoError(t, svc.Dispatch(t.Context(), sub.ID, mint))

		queue, err := svc.Events(sub.ID)
		require.NoError(t, err)
		assert.Empty(t, queue)
	})

	t.Run("unknown subscription is an error", func(t *testing.T) {
		svc := New()
		require.ErrorIs(t, svc.Dispatch(t.Context(), "missing", mint), ErrSubscriptionNotFound)
	})

	t.Run("full queue drops the oldest event instead of blocking", func(t *testing.T) {
		svc := New()

		sub, err := svc.CreateSubscription(t.Context(), Subscription{
			EventType: event.TypeBadgeMint,
			Active:    true,
		})
		require.NoError(t, err)

		for i := 0; i < subscriptionQueueSize+1; i++ {
			require.NoError(t, svc.Dispatch(t.Context(), sub.ID, mint))
		}

		stats := svc.Stats()
		assert.Equal(t, int64(subscriptionQueueSize+1), stats.DispatchedByType[event.TypeBadgeMint])
		assert.Equal(t, int64(1), stats.DroppedByType[event.TypeBadgeMint])
	})

	t.Run("dispatch matched fans out to all matching subscriptions", func(t *testing.T) {
		svc := New()

		matching, err := svc.CreateSubscription(t.Context(), Subscription{
			EventType: event.TypeBadgeMint,
			Active:    true,
		})
		require.NoError(t, err)

		_, err = svc.CreateSubscription(t.Context(), Subscription{
			EventType: event.TypeBadgeRevocation,
			Active:    true,
		})
		require.NoError(t, err)

		delivered := svc.DispatchMatched(t.Context(), mint)
		assert.Equal(t, 1, delivered)

		queue, err := svc.Events(matching.ID)
		require.NoError(t, err)
		assert.Len(t, queue, 1)
	})
}

func TestConsume(t *testing.T) {
	mint := event.BadgeMint{
		Provenance: event.Provenance{BlockHeight: 100, TxHash: "0xtx1"},
		BadgeID:    "b1",
		UserID:     "u1",
	}

	t.Run("hands queued events to the handler until canceled", func(t *testing.T) {
		svc := New()

		sub, err := svc.CreateSubscription(t.Context(), Subscription{
			EventType: event.TypeBadgeMint,
			Active:    true,
		})
		require.NoError(t, err)

		require.NoError(t, svc.Dispatch(t.Context(), sub.ID, mint))
		require.NoError(t, svc.Dispatch(t.Context(), sub.ID, mint))

		ctx, cancel := context.WithCancel(t.Context())

		var received []event.DomainEvent
		handler := func(ev event.DomainEvent) {
			received = append(received, ev)
			if len(received) == 2 {
				cancel()
			}
		}

		err = svc.Consume(ctx, sub.ID, handler)
		require.ErrorIs(t, err, context.Canceled)
		require.Len(t, received, 2)
		assert.Equal(t, mint, received[0])
	})

	t.Run("unknown subscription is an error", func(t *testing.T) {
		svc := New()
		err := svc.Consume(t.Context(), "missing", func(event.DomainEvent) {})
		require.ErrorIs(t, err, ErrSubscriptionNotFound)
	})
}

func TestStats(t *testing.T) {
	t.Run("reflects registry contents", func(t *testing.T) {
		svc := New()

		_, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "a",
			Type:    CallTypeContractCall,
			Network: "mainnet",
			IfThis:  MatchCriteria{Method: "mint-badge"},
			Active:  true,
		})
		require.NoError(t, err)

		inactive, err := svc.CreatePredicate(t.Context(), Predicate{
			Name:    "b",
			Type:    CallTypePrintEvent,
			Network: "devnet",
			IfThis:  MatchCriteria{PrintEventType: "revoke"},
			Active:  true,
		})
		require.NoError(t, err)
		require.NoError(t, svc.SetPredicateActive(t.Context(), inactive.UUID, false))

		stats := svc.Stats()
		assert.Equal(t, 2, stats.PredicatesTotal)
		assert.Equal(t, 1, stats.PredicatesActive)
		assert.Equal(t, 1, stats.PredicatesByNetwork["mainnet"])
		assert.Equal(t, 1, stats.PredicatesByNetwork["devnet"])
		assert.Equal(t, 1, stats.PredicatesByType[CallTypeContractCall])
		assert.Equal(t, 1, stats.PredicatesByType[CallTypePrintEvent])
	})
}
