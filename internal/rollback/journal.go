// Package rollback implements reorg detection and the coordinator that
// undoes derived-state mutations when the upstream notifier replaces a
// range of blocks with a different canonical history.
//
// Every store that derives state from domain events registers with the
// coordinator; on a reorg each store is rolled back independently, so a
// failure in one never blocks the others.
package rollback

import (
	"context"
	"sync"
	"time"

	"github.com/gabapcia/badgewatch/internal/event"
)

// OpKind classifies the derived-state mutation a journal entry records.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is a record of one derived-state mutation: which store was
// touched, what was done, and the provenance key tying it back to the chain
// event that caused it. Untagged mutations are a defect; every store write
// on the ingestion path must journal one of these.
type Operation struct {
	Provenance event.Provenance // Causing (blockHeight, txHash, contract) triple
	Kind       OpKind           // Logical operation applied to the store
	Store      string           // Name of the mutated store
	TargetID   string           // Store-specific identifier of the mutated record
	RecordedAt time.Time
}

// Journal persists rollback operations until they are superseded by a
// rollback or garbage-collected by age.
type Journal interface {
	// Record appends one derived-state mutation.
	Record(ctx context.Context, op Operation) error

	// OperationsAbove returns every recorded operation with a block height
	// strictly greater than the given height.
	OperationsAbove(ctx context.Context, height int64) ([]Operation, error)

	// DiscardAbove removes every operation with a block height strictly
	// greater than the given height, returning the removed count.
	DiscardAbove(ctx context.Context, height int64) (int, error)

	// PruneOlderThan garbage-collects operations recorded before the
	// cutoff, returning the removed count.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// memoryJournal is the in-process Journal used by default and in tests.
// Operations are indexed by block height so a rollback locates everything
// above the target in one pass.
type memoryJournal struct {
	mu       sync.RWMutex
	byHeight map[int64][]Operation
	now      func() time.Time
}

// Compile-time check that *memoryJournal satisfies Journal.
var _ Journal = (*memoryJournal)(nil)

// NewMemoryJournal creates an in-process rollback journal.
func NewMemoryJournal() *memoryJournal {
	return &memoryJournal{
		byHeight: make(map[int64][]Operation),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (j *memoryJournal) Record(_ context.Context, op Operation) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if op.RecordedAt.IsZero() {
		op.RecordedAt = j.now()
	}

	height := op.Provenance.BlockHeight
	j.byHeight[height] = append(j.byHeight[height], op)
	return nil
}

func (j *memoryJournal) OperationsAbove(_ context.Context, height int64) ([]Operation, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Operation
	for h, ops := range j.byHeight {
		if h > height {
			out = append(out, ops...)
		}
	}

	return out, nil
}

func (j *memoryJournal) DiscardAbove(_ context.Context, height int64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	removed := 0
	for h, ops := range j.byHeight {
		if h > height {
			removed += len(ops)
			delete(j.byHeight, h)
		}
	}

	return removed, nil
}

func (j *memoryJournal) PruneOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	removed := 0
	for h, ops := range j.byHeight {
		kept := ops[:0]
		for _, op := range ops {
			if op.RecordedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, op)
		}

		if len(kept) == 0 {
			delete(j.byHeight, h)
		} else {
			j.byHeight[h] = kept
		}
	}

	return removed, nil
}
