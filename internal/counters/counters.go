// Package counters maintains the per-user badge counters derived from mint
// and revocation events.
//
// Every applied event also records a provenance-tagged delta, so a chain
// reorganization can reverse exactly the deltas produced above the rollback
// target instead of recomputing counters from scratch.
package counters

import (
	"context"
	"sync"
	"time"

	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
)

const storeName = "counters"

// Snapshot is one user's badge counters.
type Snapshot struct {
	UserID      string
	Total       int64 // Badges ever minted to the user, net of rollbacks
	Active      int64
	SoftRevoked int64
	HardRevoked int64
}

// delta is the journaled effect of one applied event, stored so a rollback
// can subtract it back out.
type delta struct {
	provenance  event.Provenance
	userID      string
	total       int64
	active      int64
	softRevoked int64
	hardRevoked int64
	appliedAt   time.Time
}

// Service applies badge events to per-user counters and supports rollback.
type Service interface {
	// ApplyMint increments the user's total and active counters.
	ApplyMint(ctx context.Context, mint event.BadgeMint) (Snapshot, error)

	// ApplyRevocation moves one badge from active to the revoked bucket
	// matching the revocation kind.
	ApplyRevocation(ctx context.Context, revocation event.BadgeRevocation) (Snapshot, error)

	// UserSnapshot returns the user's current counters. Unknown users get a
	// zero snapshot.
	UserSnapshot(ctx context.Context, userID string) (Snapshot, error)

	// Name identifies the store in rollback reports.
	Name() string

	// RollbackAbove reverses every delta recorded above the given block
	// height, returning the number reversed.
	RollbackAbove(ctx context.Context, height int64) (int, error)
}

type service struct {
	mu     sync.Mutex
	users  map[string]*Snapshot
	deltas []delta
	now    func() time.Time
}

var _ Service = (*service)(nil)

// Option configures the counter service.
type Option func(*service)

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// New creates an in-process counter service.
func New(opts ...Option) *service {
	s := &service{
		users: make(map[string]*Snapshot),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *service) ApplyMint(ctx context.Context, mint event.BadgeMint) (Snapshot, error) {
	d := delta{
		provenance: mint.Provenance,
		userID:     mint.UserID,
		total:      1,
		active:     1,
	}
	return s.apply(ctx, d), nil
}

func (s *service) ApplyRevocation(ctx context.Context, revocation event.BadgeRevocation) (Snapshot, error) {
	d := delta{
		provenance: revocation.Provenance,
		userID:     revocation.UserID,
		active:     -1,
	}
	switch revocation.Kind {
	case event.RevocationHard:
		d.hardRevoked = 1
	default:
		d.softRevoked = 1
	}
	return s.apply(ctx, d), nil
}

func (s *service) UserSnapshot(_ context.Context, userID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snapshot, ok := s.users[userID]; ok {
		return *snapshot, nil
	}
	return Snapshot{UserID: userID}, nil
}

func (s *service) Name() string { return storeName }

func (s *service) RollbackAbove(ctx context.Context, height int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.deltas[:0]
	reversed := 0
	for _, d := range s.deltas {
		if d.provenance.BlockHeight <= height {
			kept = append(kept, d)
			continue
		}

		inverse := d
		inverse.total = -d.total
		inverse.active = -d.active
		inverse.softRevoked = -d.softRevoked
		inverse.hardRevoked = -d.hardRevoked
		s.applyLocked(ctx, inverse)
		reversed++
	}
	s.deltas = kept

	return reversed, nil
}

// apply records the delta and folds it into the user's snapshot.
func (s *service) apply(ctx context.Context, d delta) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.appliedAt = s.now()
	s.deltas = append(s.deltas, d)
	return s.applyLocked(ctx, d)
}

// applyLocked folds a delta into the user's snapshot, clamping every counter
// at zero. A clamp means the event stream and the stored counters disagree;
// it is logged for investigation but never propagated as an error.
func (s *service) applyLocked(ctx context.Context, d delta) Snapshot {
	snapshot, ok := s.users[d.userID]
	if !ok {
		snapshot = &Snapshot{UserID: d.userID}
		s.users[d.userID] = snapshot
	}

	snapshot.Total = s.clamped(ctx, d, "total", snapshot.Total+d.total)
	snapshot.Active = s.clamped(ctx, d, "active", snapshot.Active+d.active)
	snapshot.SoftRevoked = s.clamped(ctx, d, "soft_revoked", snapshot.SoftRevoked+d.softRevoked)
	snapshot.HardRevoked = s.clamped(ctx, d, "hard_revoked", snapshot.HardRevoked+d.hardRevoked)

	return *snapshot
}

func (s *service) clamped(ctx context.Context, d delta, counter string, value int64) int64 {
	if value >= 0 {
		return value
	}

	logger.Warn(ctx, "counter decrement below zero, clamping",
		"counter.user_id", d.userID,
		"counter.name", counter,
		"block.height", d.provenance.BlockHeight,
		"transaction.hash", d.provenance.TxHash,
	)
	return 0
}
