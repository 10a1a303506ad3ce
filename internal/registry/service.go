package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gabapcia/badgewatch/internal/chainfeed"
	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/types"
)

var (
	// ErrPredicateAlreadyExists is returned when creating a predicate with a
	// UUID that is already registered.
	ErrPredicateAlreadyExists = errors.New("predicate already exists")

	// ErrPredicateNotFound is returned when referencing an unknown predicate.
	ErrPredicateNotFound = errors.New("predicate not found")

	// ErrSubscriptionAlreadyExists is returned when creating a subscription
	// with an ID that is already registered.
	ErrSubscriptionAlreadyExists = errors.New("subscription already exists")

	// ErrSubscriptionNotFound is returned when referencing an unknown
	// subscription.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// wildcardContract indexes contract-call criteria that watch a method on
// every contract.
const wildcardContract = "*"

// Service is the predicate and subscription registry entrypoint.
type Service interface {
	// CreatePredicate validates and registers a match rule.
	CreatePredicate(ctx context.Context, p Predicate) (Predicate, error)

	// SetPredicateActive pauses or resumes a predicate without deleting it.
	SetPredicateActive(ctx context.Context, predicateUUID string, active bool) error

	// Predicates returns a snapshot of every registered predicate.
	Predicates(ctx context.Context) []Predicate

	// CreateSubscription validates and registers an event consumer.
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)

	// SetSubscriptionActive pauses or resumes delivery for a subscription.
	SetSubscriptionActive(ctx context.Context, subscriptionID string, active bool) error

	// Match returns the UUIDs of every active predicate matching the
	// operation on the given network. No match is a silent no-op, not an
	// error.
	Match(ctx context.Context, network string, op chainfeed.Operation) []string

	// MatchBlock returns the UUIDs of active block-scoped predicates for the
	// network; these fire once per envelope rather than per operation.
	MatchBlock(ctx context.Context, network string) []string

	// Dispatch delivers an event to one subscription's queue.
	Dispatch(ctx context.Context, subscriptionID string, ev event.DomainEvent) error

	// DispatchMatched delivers an event to every active subscription whose
	// filters accept it, returning the delivery count.
	DispatchMatched(ctx context.Context, ev event.DomainEvent) int

	// Events returns the delivery channel for a subscription.
	Events(subscriptionID string) (<-chan event.DomainEvent, error)

	// Consume blocks receiving events for a subscription, invoking handler
	// for each, until the context is canceled.
	Consume(ctx context.Context, subscriptionID string, handler func(event.DomainEvent)) error

	// Stats returns operational counts by network, type and active state.
	Stats() Stats
}

// service is the in-memory registry implementation.
//
// The compiled indexes map network -> content key -> predicate UUID set and
// are rebuilt from active predicates whenever the predicate set changes, so
// the hot Match path is pure hash-set lookups.
type service struct {
	mu            sync.RWMutex
	predicates    map[string]Predicate
	subscriptions map[string]Subscription
	queues        map[string]chan event.DomainEvent

	contractCallIndex map[string]map[string]types.Set[string]
	printEventIndex   map[string]map[string]types.Set[string]
	blockIndex        map[string]types.Set[string]

	stats statsCollector
}

// Compile-time check that *service implements Service.
var _ Service = (*service)(nil)

// New creates an empty registry.
func New() *service {
	s := &service{
		predicates:    make(map[string]Predicate),
		subscriptions: make(map[string]Subscription),
		queues:        make(map[string]chan event.DomainEvent),
	}
	s.rebuildIndexesLocked()
	return s
}

// contractCallKey builds the content-stage lookup key for a contract call.
func contractCallKey(contract, method string) string {
	return fmt.Sprintf("%s::%s", contract, method)
}

// rebuildIndexesLocked recompiles the match indexes from the currently
// active predicates. Caller must hold the write lock.
func (s *service) rebuildIndexesLocked() {
	contractCalls := types.NewDefaultMap[string](func() map[string]types.Set[string] {
		return make(map[string]types.Set[string])
	})
	printEvents := types.NewDefaultMap[string](func() map[string]types.Set[string] {
		return make(map[string]types.Set[string])
	})
	blocks := types.NewDefaultMap[string](func() types.Set[string] {
		return types.NewSet[string]()
	})

	addTo := func(index *types.DefaultMap[string, map[string]types.Set[string]], network, key, id string) {
		byKey := index.Get(network)
		if byKey[key] == nil {
			byKey[key] = types.NewSet[string]()
		}
		byKey[key].Add(id)
	}

	for id, p := range s.predicates {
		if !p.Active {
			continue
		}

		switch p.Type {
		case CallTypeContractCall:
			contract := p.IfThis.ContractIdentifier
			if contract == "" {
				contract = wildcardContract
			}
			addTo(&contractCalls, p.Network, contractCallKey(contract, p.IfThis.Method), id)

		case CallTypePrintEvent:
			addTo(&printEvents, p.Network, p.IfThis.PrintEventType, id)

		case CallTypeBlock:
			blocks.Get(p.Network).Add(id)
		}
	}

	s.contractCallIndex = contractCalls.ToMap()
	s.printEventIndex = printEvents.ToMap()
	s.blockIndex = blocks.ToMap()
}

// Match runs the two-stage filter for one operation: the structural stage
// picks the index by operation kind and network, the content stage is a
// hash-set lookup on method or topic.
func (s *service) Match(ctx context.Context, network string, op chainfeed.Operation) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := types.NewSet[string]()

	switch op.Type {
	case chainfeed.OperationContractCall:
		if op.ContractCall == nil {
			break
		}

		byKey := s.contractCallIndex[network]
		for id := range byKey[contractCallKey(op.ContractCall.Contract, op.ContractCall.Method)].ToIter() {
			matched.Add(id)
		}
		for id := range byKey[contractCallKey(wildcardContract, op.ContractCall.Method)].ToIter() {
			matched.Add(id)
		}

	case chainfeed.OperationEmit:
		byTopic := s.printEventIndex[network]
		for _, ev := range op.Events {
			if ev.Type != chainfeed.ContractEventType {
				continue
			}

			// Exact topic first, then each "::" segment, so a predicate
			// watching "revoke" still matches the topic "badges::revoke"
			// without scanning the whole predicate set.
			for id := range byTopic[ev.Topic].ToIter() {
				matched.Add(id)
			}
			for _, segment := range strings.Split(ev.Topic, "::") {
				for id := range byTopic[segment].ToIter() {
					matched.Add(id)
				}
			}
		}
	}

	return matched.ToSlice()
}

// MatchBlock returns the active block-scoped predicates for the network.
func (s *service) MatchBlock(ctx context.Context, network string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.blockIndex[network].ToSlice()
}
