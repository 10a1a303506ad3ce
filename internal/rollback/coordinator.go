package rollback

import (
	"context"
	"sync"

	"github.com/gabapcia/badgewatch/internal/pkg/logger"
	"github.com/gabapcia/badgewatch/internal/pkg/types"
)

// Status tracks the per-envelope rollback state machine.
type Status string

const (
	// StatusPending marks a detected reorg whose rollback has not completed.
	StatusPending Status = "rollback_pending"

	// StatusApplied marks a reorg whose rollback ran to completion.
	StatusApplied Status = "rollback_applied"

	// StatusAlreadyApplied marks a redelivered reorg notification whose
	// rollback had already been performed.
	StatusAlreadyApplied Status = "rollback_already_applied"
)

// Store is implemented by every state store that derives data from domain
// events. RollbackAbove undoes everything the store derived from blocks
// strictly above the given height and must not assume any other store has
// already rolled back.
type Store interface {
	// Name identifies the store in logs and rollback reports.
	Name() string

	// RollbackAbove undoes every mutation attributed to a block height
	// strictly greater than height, returning the number undone.
	RollbackAbove(ctx context.Context, height int64) (int, error)
}

// Report is the outcome of applying one reorg.
type Report struct {
	Reorg         Reorg
	Status        Status
	UndoneByStore map[string]int // Mutations undone per store
	FailedStores  []string       // Stores whose rollback errored; logged, never fatal
}

// Stats summarizes reorg activity for monitoring.
type Stats struct {
	ReorgsApplied     int64
	DeepestReorg      int64
	TransactionsTotal int64 // Affected transactions across all applied reorgs
}

// Coordinator drives rollback across every dependent store.
type Coordinator struct {
	mu      sync.Mutex
	stores  []Store
	journal Journal
	applied types.Set[string] // signatures of reorgs already rolled back
	history []Report
	stats   Stats
}

// NewCoordinator creates a rollback coordinator over the given journal.
// Stores are attached with Register.
func NewCoordinator(journal Journal) *Coordinator {
	return &Coordinator{
		journal: journal,
		applied: types.NewSet[string](),
	}
}

// Register attaches a store to be rolled back on every reorg.
func (c *Coordinator) Register(store Store) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stores = append(c.stores, store)
}

// Apply rolls back every registered store to the reorg's target height.
//
// Each store's rollback is attempted independently: a failure is logged and
// reported, but never blocks the remaining stores (a stuck cache must not
// prevent a correct counter rollback). Redelivered reorg notifications
// return StatusAlreadyApplied without touching any store.
func (c *Coordinator) Apply(ctx context.Context, reorg Reorg) Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := Report{
		Reorg:         reorg,
		Status:        StatusPending,
		UndoneByStore: make(map[string]int),
	}

	sig := reorg.signature()
	if _, done := c.applied[sig]; done {
		report.Status = StatusAlreadyApplied
		return report
	}

	for _, store := range c.stores {
		undone, err := store.RollbackAbove(ctx, reorg.RollbackTo)
		if err != nil {
			report.FailedStores = append(report.FailedStores, store.Name())
			logger.Error(ctx, "store rollback failed",
				"store", store.Name(),
				"reorg.rollback_to", reorg.RollbackTo,
				"reorg.new_canonical", reorg.NewCanonical,
				"error", err,
			)
			continue
		}

		report.UndoneByStore[store.Name()] = undone
	}

	if discarded, err := c.journal.DiscardAbove(ctx, reorg.RollbackTo); err != nil {
		logger.Error(ctx, "rollback journal discard failed",
			"reorg.rollback_to", reorg.RollbackTo,
			"error", err,
		)
	} else {
		report.UndoneByStore["journal"] = discarded
	}

	report.Status = StatusApplied
	c.applied.Add(sig)
	c.history = append(c.history, report)

	c.stats.ReorgsApplied++
	c.stats.TransactionsTotal += int64(len(reorg.AffectedTransactions))
	if reorg.Depth > c.stats.DeepestReorg {
		c.stats.DeepestReorg = reorg.Depth
	}

	logger.Info(ctx, "reorg rollback applied",
		"reorg.rollback_to", reorg.RollbackTo,
		"reorg.new_canonical", reorg.NewCanonical,
		"reorg.depth", reorg.Depth,
		"reorg.affected_transactions", len(reorg.AffectedTransactions),
		"reorg.failed_stores", len(report.FailedStores),
	)

	return report
}

// History returns the applied reorg reports, oldest first.
func (c *Coordinator) History() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Report, len(c.history))
	copy(out, c.history)
	return out
}

// ReorgStats returns monitoring counters for applied reorgs.
func (c *Coordinator) ReorgStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}
