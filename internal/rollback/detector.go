package rollback

import (
	"errors"
	"fmt"
	"time"

	"github.com/gabapcia/badgewatch/internal/chainfeed"
)

// ErrMalformedReorg is returned when an envelope declares reorg fields that
// cannot yield a safe rollback target. The rollback is skipped for that
// envelope; a target is never guessed.
var ErrMalformedReorg = errors.New("malformed reorg notification")

// Reorg describes one detected chain reorganization.
type Reorg struct {
	RollbackTo           int64    // Height every store rolls back to; state above it is undone
	NewCanonical         int64    // Height of the replacement canonical block
	NewBlockHash         string   // Hash of the replacement canonical block
	Depth                int64    // NewCanonical - RollbackTo, recorded for alerting
	AffectedTransactions []string // Transaction hashes discarded by the reorg
	DetectedAt           time.Time
}

// Detect inspects an envelope for the reorg signature: a declared
// rollback_to block distinct from, and lower than, the declared new
// canonical block, together with the affected transaction list.
//
// A non-reorg envelope returns (nil, nil), a no-op distinguishable from a
// detection failure. Malformed reorg fields return ErrMalformedReorg.
func Detect(env chainfeed.Envelope) (*Reorg, error) {
	if !env.IsReorg() {
		return nil, nil
	}

	if env.RollbackTo == nil || env.NewBlock == nil {
		return nil, fmt.Errorf("%w: rollback_to and new_block are both required", ErrMalformedReorg)
	}

	var (
		rollbackTo   = env.RollbackTo.BlockIdentifier
		newCanonical = env.NewBlock.BlockIdentifier
	)

	if rollbackTo.Hash == "" || newCanonical.Hash == "" {
		return nil, fmt.Errorf("%w: block identifiers must carry hashes", ErrMalformedReorg)
	}

	if rollbackTo.Index >= newCanonical.Index {
		return nil, fmt.Errorf("%w: rollback target %d is not below the new canonical block %d",
			ErrMalformedReorg, rollbackTo.Index, newCanonical.Index)
	}

	return &Reorg{
		RollbackTo:           rollbackTo.Index,
		NewCanonical:         newCanonical.Index,
		NewBlockHash:         newCanonical.Hash,
		Depth:                newCanonical.Index - rollbackTo.Index,
		AffectedTransactions: env.AffectedTransactions,
		DetectedAt:           time.Now().UTC(),
	}, nil
}

// signature returns the identity of the reorg used to recognize an
// already-applied notification redelivered by the feed.
func (r Reorg) signature() string {
	return fmt.Sprintf("%d->%d:%s", r.RollbackTo, r.NewCanonical, r.NewBlockHash)
}
