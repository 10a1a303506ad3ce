// Package extract holds the domain event extractors: pure mapping functions
// from raw chain operation shapes to typed domain events.
//
// Each extractor answers CanHandle cheaply (used for routing before
// committing to a full extraction) and produces an explicit Outcome where
// partial failures surface as skipped operations with a reason, never as a
// silently substituted empty value and never as an aborted envelope.
package extract

import (
	"context"
	"sync"
	"time"

	"github.com/gabapcia/badgewatch/internal/chainfeed"
	"github.com/gabapcia/badgewatch/internal/dedup"
	"github.com/gabapcia/badgewatch/internal/event"
)

// canHandleMemoTTL bounds how long a CanHandle verdict is reused for an
// identical envelope redelivered inside the idempotency window.
const canHandleMemoTTL = 30 * time.Second

// Skip records one operation that could not be extracted, with the reason.
// Siblings in the same envelope are unaffected.
type Skip struct {
	TxHash string // Transaction containing the skipped operation
	Method string // Method or topic that was being extracted
	Reason string // Human-readable cause, e.g. "missing required field badge_id"
}

// Outcome is the result of extracting one envelope: the typed events plus an
// explicit record of everything that was skipped.
type Outcome struct {
	Events  []event.DomainEvent
	Skipped []Skip
}

// Extractor maps raw envelopes to typed domain events for one event family.
type Extractor interface {
	// Name identifies the extractor's event family for logs and metrics.
	Name() string

	// CanHandle cheaply reports whether the envelope contains at least one
	// operation of this extractor's family. It must be side-effect free.
	CanHandle(env chainfeed.Envelope) bool

	// Extract maps every matching operation in the envelope to a typed
	// domain event. Operations missing required fields are skipped, not
	// fatal.
	Extract(ctx context.Context, env chainfeed.Envelope) Outcome
}

// canHandleMemo caches CanHandle verdicts per envelope key for a short TTL,
// avoiding a rescan of identical envelopes redelivered in quick succession.
type canHandleMemo struct {
	mu      sync.Mutex
	entries map[string]memoEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoEntry struct {
	verdict   bool
	expiresAt time.Time
}

func newCanHandleMemo() *canHandleMemo {
	return &canHandleMemo{
		entries: make(map[string]memoEntry),
		ttl:     canHandleMemoTTL,
		now:     time.Now,
	}
}

// lookup runs compute at most once per envelope key within the TTL window.
func (m *canHandleMemo) lookup(env chainfeed.Envelope, compute func() bool) bool {
	key := dedup.Key(env)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok && now.Before(entry.expiresAt) {
		return entry.verdict
	}

	verdict := compute()
	m.entries[key] = memoEntry{verdict: verdict, expiresAt: now.Add(m.ttl)}

	// Drop expired entries opportunistically so the memo stays bounded by
	// the envelopes seen within one TTL window.
	for k, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, k)
		}
	}

	return verdict
}

// provenanceFor builds the provenance triple for an operation inside the
// envelope.
func provenanceFor(env chainfeed.Envelope, tx chainfeed.Transaction, contract string) event.Provenance {
	return event.Provenance{
		BlockHeight: env.BlockIdentifier.Index,
		TxHash:      tx.TransactionHash,
		Contract:    contract,
	}
}

// contractMatches applies an optional contract-address filter. An empty
// filter accepts any contract.
func contractMatches(filter, contract string) bool {
	return filter == "" || filter == contract
}
