// Package revocation orchestrates the side effects of a badge revocation.
//
// Four side effects follow every accepted revocation: the audit record, the
// cache invalidation, the user notification and the counter update. Each
// runs inside its own failure boundary; partial delivery is expected and
// observable through the result flags, never fatal.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
)

// ErrInvalidRevocation is returned when the event is missing a required
// field. No side effect is attempted for an invalid event.
var ErrInvalidRevocation = errors.New("invalid revocation event")

// Auditor records the revocation in the audit trail.
type Auditor interface {
	RecordRevocation(ctx context.Context, revocation event.BadgeRevocation) error
}

// CacheInvalidator drops or refreshes the read views affected by the
// revocation.
type CacheInvalidator interface {
	InvalidateForRevocation(ctx context.Context, revocation event.BadgeRevocation) error
}

// UserNotifier tells the badge holder their badge was revoked.
type UserNotifier interface {
	NotifyRevocation(ctx context.Context, revocation event.BadgeRevocation) error
}

// CounterUpdater moves the user's badge counters.
type CounterUpdater interface {
	ApplyRevocation(ctx context.Context, revocation event.BadgeRevocation) error
}

// Result reports one processed revocation. Success reflects only that the
// event was valid and accepted; the per-effect flags say which side effects
// actually landed.
type Result struct {
	Success          bool
	AuditLogged      bool
	CacheInvalidated bool
	Notified         bool
	CountUpdated     bool
	Err              error
}

// Totals is the running processing summary.
type Totals struct {
	Processed   int64
	Errors      int64 // Invalid events plus events with at least one failed side effect
	SuccessRate float64
}

// Service processes badge revocations.
type Service interface {
	// ProcessBadgeRevocation validates the event and runs its four side
	// effects concurrently, each in its own failure boundary.
	ProcessBadgeRevocation(ctx context.Context, revocation event.BadgeRevocation) Result

	// ProcessBatch processes the events in order, returning one result per
	// input. One bad event never aborts the rest.
	ProcessBatch(ctx context.Context, revocations []event.BadgeRevocation) []Result

	// ProcessingTotals returns the running totals.
	ProcessingTotals() Totals

	// ResetTotals zeroes the running totals.
	ResetTotals()
}

type service struct {
	auditor     Auditor
	invalidator CacheInvalidator
	notifier    UserNotifier
	counters    CounterUpdater

	mu        sync.Mutex
	processed int64
	errored   int64
}

var _ Service = (*service)(nil)

// Option configures the revocation service. Every side effect defaults to a
// no-op so callers wire only what they need.
type Option func(*service)

// WithAuditor sets the audit trail side effect.
func WithAuditor(a Auditor) Option {
	return func(s *service) {
		s.auditor = a
	}
}

// WithCacheInvalidator sets the cache invalidation side effect.
func WithCacheInvalidator(i CacheInvalidator) Option {
	return func(s *service) {
		s.invalidator = i
	}
}

// WithUserNotifier sets the user notification side effect.
func WithUserNotifier(n UserNotifier) Option {
	return func(s *service) {
		s.notifier = n
	}
}

// WithCounterUpdater sets the counter update side effect.
func WithCounterUpdater(c CounterUpdater) Option {
	return func(s *service) {
		s.counters = c
	}
}

// New creates a revocation saga coordinator.
func New(opts ...Option) *service {
	s := &service{
		auditor:     nopAuditor{},
		invalidator: nopInvalidator{},
		notifier:    nopNotifier{},
		counters:    nopCounters{},
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *service) ProcessBadgeRevocation(ctx context.Context, revocation event.BadgeRevocation) Result {
	if err := validate(revocation); err != nil {
		s.record(false)
		return Result{Err: err}
	}

	var (
		wg     sync.WaitGroup
		result = Result{Success: true}
	)

	effects := []struct {
		name string
		flag *bool
		run  func(context.Context) error
	}{
		{"audit", &result.AuditLogged, func(ctx context.Context) error {
			return s.auditor.RecordRevocation(ctx, revocation)
		}},
		{"cache_invalidation", &result.CacheInvalidated, func(ctx context.Context) error {
			return s.invalidator.InvalidateForRevocation(ctx, revocation)
		}},
		{"notification", &result.Notified, func(ctx context.Context) error {
			return s.notifier.NotifyRevocation(ctx, revocation)
		}},
		{"counter_update", &result.CountUpdated, func(ctx context.Context) error {
			return s.counters.ApplyRevocation(ctx, revocation)
		}},
	}

	for _, effect := range effects {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := effect.run(ctx); err != nil {
				logger.Error(ctx, "revocation side effect failed",
					"revocation.effect", effect.name,
					"revocation.badge_id", revocation.BadgeID,
					"revocation.user_id", revocation.UserID,
					"transaction.hash", revocation.Provenance.TxHash,
					"error", err,
				)
				return
			}
			*effect.flag = true
		}()
	}
	wg.Wait()

	s.record(result.AuditLogged && result.CacheInvalidated && result.Notified && result.CountUpdated)
	return result
}

func (s *service) ProcessBatch(ctx context.Context, revocations []event.BadgeRevocation) []Result {
	results := make([]Result, len(revocations))
	for i, revocation := range revocations {
		results[i] = s.ProcessBadgeRevocation(ctx, revocation)
	}
	return results
}

func (s *service) ProcessingTotals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := Totals{Processed: s.processed, Errors: s.errored}
	if s.processed > 0 {
		totals.SuccessRate = float64(s.processed-s.errored) / float64(s.processed)
	}
	return totals
}

func (s *service) ResetTotals() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed, s.errored = 0, 0
}

func (s *service) record(clean bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed++
	if !clean {
		s.errored++
	}
}

func validate(revocation event.BadgeRevocation) error {
	switch {
	case revocation.BadgeID == "":
		return fmt.Errorf("%w: missing badge id", ErrInvalidRevocation)
	case revocation.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidRevocation)
	case revocation.Provenance.TxHash == "":
		return fmt.Errorf("%w: missing transaction hash", ErrInvalidRevocation)
	}
	return nil
}

type nopAuditor struct{}

func (nopAuditor) RecordRevocation(context.Context, event.BadgeRevocation) error { return nil }

type nopInvalidator struct{}

func (nopInvalidator) InvalidateForRevocation(context.Context, event.BadgeRevocation) error {
	return nil
}

type nopNotifier struct{}

func (nopNotifier) NotifyRevocation(context.Context, event.BadgeRevocation) error { return nil }

type nopCounters struct{}

func (nopCounters) ApplyRevocation(context.Context, event.BadgeRevocation) error { return nil }
