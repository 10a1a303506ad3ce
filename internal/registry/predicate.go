// Package registry holds the declarative predicates that decide which raw
// chain operations are of interest, and the subscriptions that receive the
// typed events extracted from them.
//
// Matching is a two-stage filter: a structural stage (operation kind and
// network) followed by a content stage backed by compiled hash-set indexes,
// so adding predicates never degrades matching into a linear scan.
package registry

import (
	"context"

	"github.com/gabapcia/badgewatch/internal/pkg/validator"

	"github.com/google/uuid"
)

// CallType classifies what kind of chain activity a predicate watches.
type CallType string

const (
	CallTypeContractCall CallType = "contract-call"
	CallTypeBlock        CallType = "block"
	CallTypePrintEvent   CallType = "print-event"
)

// MatchCriteria is the "if_this" half of a predicate: which contract,
// method or print-event topic the predicate fires on.
//
// ContractIdentifier may be empty for contract-call predicates, meaning the
// method is watched on every contract.
type MatchCriteria struct {
	Scope              string `json:"scope"`
	ContractIdentifier string `json:"contract_identifier,omitempty"`
	Method             string `json:"method,omitempty"`
	PrintEventType     string `json:"print_event_type,omitempty"`
}

// HTTPPostDelivery is an HTTP delivery destination for predicate hits.
type HTTPPostDelivery struct {
	URL                 string `json:"url"                  validate:"required,url"`
	AuthorizationHeader string `json:"authorization_header"`
}

// DeliveryTarget is the "then_that" half of a predicate.
type DeliveryTarget struct {
	HTTPPost *HTTPPostDelivery `json:"http_post,omitempty"`
}

// Predicate is a declarative match rule registered against the feed.
//
// Deactivated predicates are excluded from matching but never deleted, so
// pause/resume keeps configuration history intact.
type Predicate struct {
	UUID     string         `json:"uuid"     validate:"omitempty,uuid"`
	Name     string         `json:"name"     validate:"required"`
	Type     CallType       `json:"type"     validate:"required,oneof=contract-call block print-event"`
	Network  string         `json:"network"  validate:"required,oneof=mainnet testnet devnet"`
	IfThis   MatchCriteria  `json:"if_this"`
	ThenThat DeliveryTarget `json:"then_that"`
	Active   bool           `json:"active"`
}

// CreatePredicate validates and registers a predicate, assigning a UUID when
// none is provided, and recompiles the match indexes.
func (s *service) CreatePredicate(ctx context.Context, p Predicate) (Predicate, error) {
	if err := validator.Validate(p); err != nil {
		return Predicate{}, err
	}

	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.predicates[p.UUID]; exists {
		return Predicate{}, ErrPredicateAlreadyExists
	}

	s.predicates[p.UUID] = p
	s.rebuildIndexesLocked()
	return p, nil
}

// SetPredicateActive pauses or resumes a predicate without deleting it.
func (s *service) SetPredicateActive(ctx context.Context, predicateUUID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.predicates[predicateUUID]
	if !ok {
		return ErrPredicateNotFound
	}

	p.Active = active
	s.predicates[predicateUUID] = p
	s.rebuildIndexesLocked()
	return nil
}

// Predicates returns a snapshot of every registered predicate, active or not.
func (s *service) Predicates(ctx context.Context) []Predicate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Predicate, 0, len(s.predicates))
	for _, p := range s.predicates {
		out = append(out, p)
	}

	return out
}
