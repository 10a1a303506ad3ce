// Package dedup implements the idempotency cache that short-circuits
// reprocessing of notifications already handled within a time window.
//
// The cache key is derived deterministically from the envelope's block height
// and transaction hashes, so a redelivered notification maps to the same
// entry and returns the previously extracted domain events instead of being
// re-extracted.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/gabapcia/badgewatch/internal/chainfeed"
	"github.com/gabapcia/badgewatch/internal/event"
)

// Entry is one cached processing result.
type Entry struct {
	Key         string              // Deterministic envelope key
	BlockHeight int64               // Height of the block that produced the entry
	Events      []event.DomainEvent // Domain events extracted on first processing
	StoredAt    time.Time           // Write timestamp, used for oldest-first eviction
}

// Store is the idempotency cache contract. Implementations must bound their
// capacity (evicting the single oldest entry on overflow) and expire entries
// after a fixed TTL.
type Store interface {
	// Put stores the processing result for an envelope key. If storing
	// caused a capacity eviction, the evicted key is returned.
	Put(ctx context.Context, entry Entry) (evictedKey string, err error)

	// Get returns the cached entry for the key, or found=false on a miss
	// (never seen, expired, or evicted).
	Get(ctx context.Context, key string) (entry Entry, found bool, err error)

	// Has reports whether a live entry exists for the key.
	Has(ctx context.Context, key string) (bool, error)

	// Invalidate drops the entry for the key if present. Used when a reorg
	// discards the block that produced it, so a later re-confirmation is
	// processed (and delivered) again.
	Invalidate(ctx context.Context, key string) error

	// RollbackAbove drops every entry produced by a block height strictly
	// greater than height, returning the removed count.
	RollbackAbove(ctx context.Context, height int64) (int, error)
}

// Key derives the idempotency key for an envelope.
//
// For the common single-transaction notification the key is the plain
// "blockHeight:transactionHash" pair. Multi-transaction envelopes hash the
// ordered transaction hashes so the key stays bounded while remaining
// deterministic for identical redeliveries.
func Key(env chainfeed.Envelope) string {
	height := env.BlockIdentifier.Index

	switch len(env.Transactions) {
	case 0:
		return fmt.Sprintf("%d:%s", height, env.BlockIdentifier.Hash)
	case 1:
		return fmt.Sprintf("%d:%s", height, env.Transactions[0].TransactionHash)
	default:
		hashes := make([]string, len(env.Transactions))
		for i, tx := range env.Transactions {
			hashes[i] = tx.TransactionHash
		}

		sum := sha256.Sum256([]byte(strings.Join(hashes, ",")))
		return fmt.Sprintf("%d:%s", height, hex.EncodeToString(sum[:]))
	}
}
