package eventproc

import (
	"context"

	"github.com/gabapcia/badgewatch/internal/dedup"
	"github.com/gabapcia/badgewatch/internal/rollback"
	"github.com/gabapcia/badgewatch/internal/viewcache"
)

// The adapters below give the height-indexed stores names so the rollback
// coordinator can report per-store outcomes.

type dedupRollback struct {
	store dedup.Store
}

// DedupRollbackStore exposes the idempotency cache to the rollback
// coordinator, so rolled-back envelopes are reprocessed when the new fork
// redelivers them.
func DedupRollbackStore(store dedup.Store) rollback.Store {
	return dedupRollback{store: store}
}

func (d dedupRollback) Name() string { return "dedup" }

func (d dedupRollback) RollbackAbove(ctx context.Context, height int64) (int, error) {
	return d.store.RollbackAbove(ctx, height)
}

type viewcacheRollback struct {
	store viewcache.Store
}

// ViewcacheRollbackStore exposes the read-view cache to the rollback
// coordinator.
func ViewcacheRollbackStore(store viewcache.Store) rollback.Store {
	return viewcacheRollback{store: store}
}

func (v viewcacheRollback) Name() string { return "viewcache" }

func (v viewcacheRollback) RollbackAbove(ctx context.Context, height int64) (int, error) {
	return v.store.RollbackAbove(ctx, height)
}
