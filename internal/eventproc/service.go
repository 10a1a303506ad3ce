// Package eventproc coordinates the per-envelope processing pipeline,
// combining reorg handling, deduplication, extraction and all downstream
// side effects into a unified orchestration layer.
package eventproc

import (
	"context"
	"errors"
	"sync"

	"github.com/gabapcia/badgewatch/internal/chainfeed"
	"github.com/gabapcia/badgewatch/internal/counters"
	"github.com/gabapcia/badgewatch/internal/dedup"
	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/extract"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
	"github.com/gabapcia/badgewatch/internal/pkg/metrics"
	"github.com/gabapcia/badgewatch/internal/registry"
	"github.com/gabapcia/badgewatch/internal/revocation"
	"github.com/gabapcia/badgewatch/internal/rollback"
	"github.com/gabapcia/badgewatch/internal/viewcache"
	"github.com/gabapcia/badgewatch/internal/webhook"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrServiceAlreadyStarted is returned if Start is called more than once.
var ErrServiceAlreadyStarted = errors.New("service already started")

// Status classifies the outcome of processing one envelope.
type Status string

const (
	// StatusProcessed marks an envelope extracted and dispatched for the
	// first time.
	StatusProcessed Status = "processed"

	// StatusDuplicate marks a redelivered envelope served from the
	// idempotency cache.
	StatusDuplicate Status = "duplicate"

	// StatusReorg marks an envelope that carried a reorg notification and
	// triggered a rollback instead of extraction.
	StatusReorg Status = "reorg"
)

// Result reports the processing of one envelope.
type Result struct {
	Key                 string
	Status              Status
	Events              []event.DomainEvent
	Skipped             []extract.Skip
	MatchedPredicates   []string
	DispatchedConsumers int
	RollbackReport      *rollback.Report
}

// Stats summarizes pipeline activity since startup.
type Stats struct {
	Processed  int64
	Duplicates int64
	Rejected   int64
	Reorgs     int64
	Events     int64
	Skips      int64
}

// Service is the envelope processing entrypoint.
type Service interface {
	// Start launches background dependencies (the webhook retry sweep).
	// Returns ErrServiceAlreadyStarted if called twice.
	Start(ctx context.Context) error

	// Close shuts the service down. Safe to call if never started.
	Close()

	// Process runs one envelope through the full pipeline: validation,
	// reorg handling, deduplication, predicate matching, extraction and
	// side-effect dispatch.
	Process(ctx context.Context, env chainfeed.Envelope) (Result, error)

	// PipelineStats returns running pipeline counters.
	PipelineStats() Stats
}

type service struct {
	mu        sync.Mutex
	isStarted bool
	closeFunc func()
	stats     Stats

	network string

	dedup       dedup.Store
	registry    registry.Service
	extractors  []extract.Extractor
	coordinator *rollback.Coordinator
	journal     rollback.Journal
	invalidator *viewcache.Engine
	counters    counters.Service
	revocation  revocation.Service
	webhooks    webhook.Service
}

var _ Service = (*service)(nil)

// New wires the pipeline. The rollback coordinator must already have every
// height-indexed store registered; extraction order follows the extractor
// slice order.
func New(
	network string,
	dedupStore dedup.Store,
	reg registry.Service,
	extractors []extract.Extractor,
	coordinator *rollback.Coordinator,
	journal rollback.Journal,
	invalidator *viewcache.Engine,
	counterSvc counters.Service,
	revocationSvc revocation.Service,
	webhookSvc webhook.Service,
) *service {
	return &service{
		network:     network,
		dedup:       dedupStore,
		registry:    reg,
		extractors:  extractors,
		coordinator: coordinator,
		journal:     journal,
		invalidator: invalidator,
		counters:    counterSvc,
		revocation:  revocationSvc,
		webhooks:    webhookSvc,
	}
}

func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isStarted {
		return ErrServiceAlreadyStarted
	}

	if err := s.webhooks.Start(ctx); err != nil {
		return err
	}

	s.closeFunc = func() {
		s.webhooks.Close()
	}
	s.isStarted = true
	return nil
}

func (s *service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeFunc != nil {
		s.closeFunc()
	}

	s.closeFunc = nil
	s.isStarted = false
}

// Process handles one envelope end to end.
//
// Reorg handling runs before anything else: once a rollback target is known,
// no event from blocks above it may reach consumers until every store has
// been rolled back, otherwise new and rolled-back mutations interleave.
func (s *service) Process(ctx context.Context, env chainfeed.Envelope) (Result, error) {
	timer := prometheus.NewTimer(metrics.ProcessingLatency.WithLabelValues(s.network))
	defer timer.ObserveDuration()

	if err := env.Validate(); err != nil {
		s.count(func(st *Stats) { st.Rejected++ })
		metrics.EnvelopesProcessed.WithLabelValues(s.network, "rejected").Inc()
		return Result{}, err
	}

	if reorg, err := rollback.Detect(env); err != nil {
		s.count(func(st *Stats) { st.Rejected++ })
		metrics.EnvelopesProcessed.WithLabelValues(s.network, "rejected").Inc()
		return Result{}, err
	} else if reorg != nil {
		return s.applyReorg(ctx, *reorg), nil
	}

	key := dedup.Key(env)

	if cached, found, err := s.dedup.Get(ctx, key); err != nil {
		logger.Warn(ctx, "idempotency cache lookup failed, reprocessing",
			"envelope.key", key,
			"error", err,
		)
	} else if found {
		s.count(func(st *Stats) { st.Duplicates++ })
		metrics.DedupHits.WithLabelValues(s.network).Inc()
		metrics.EnvelopesProcessed.WithLabelValues(s.network, "duplicate").Inc()
		return Result{Key: key, Status: StatusDuplicate, Events: cached.Events}, nil
	}

	result := Result{
		Key:               key,
		Status:            StatusProcessed,
		MatchedPredicates: s.matchPredicates(ctx, env),
	}

	for _, extractor := range s.extractors {
		if !extractor.CanHandle(env) {
			continue
		}

		outcome := extractor.Extract(ctx, env)
		result.Events = append(result.Events, outcome.Events...)
		result.Skipped = append(result.Skipped, outcome.Skipped...)
	}

	for _, ev := range result.Events {
		result.DispatchedConsumers += s.dispatch(ctx, ev)
	}

	if _, err := s.dedup.Put(ctx, dedup.Entry{
		Key:         key,
		BlockHeight: env.BlockIdentifier.Index,
		Events:      result.Events,
	}); err != nil {
		logger.Warn(ctx, "idempotency cache store failed",
			"envelope.key", key,
			"error", err,
		)
	}

	s.count(func(st *Stats) {
		st.Processed++
		st.Events += int64(len(result.Events))
		st.Skips += int64(len(result.Skipped))
	})

	metrics.EnvelopesProcessed.WithLabelValues(s.network, "processed").Inc()
	metrics.LatestBlockHeight.WithLabelValues(s.network).Set(float64(env.BlockIdentifier.Index))
	for _, ev := range result.Events {
		metrics.EventsExtracted.WithLabelValues(s.network, string(ev.EventType())).Inc()
	}
	if n := len(result.Skipped); n > 0 {
		metrics.OperationsSkipped.WithLabelValues(s.network).Add(float64(n))
	}

	logger.Info(ctx, "envelope processed",
		"envelope.key", key,
		"block.height", env.BlockIdentifier.Index,
		"events.extracted", len(result.Events),
		"events.skipped", len(result.Skipped),
		"consumers.dispatched", result.DispatchedConsumers,
	)
	return result, nil
}

func (s *service) PipelineStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats
}

// applyReorg rolls back every registered store and records the reorg.
func (s *service) applyReorg(ctx context.Context, reorg rollback.Reorg) Result {
	report := s.coordinator.Apply(ctx, reorg)

	s.count(func(st *Stats) { st.Reorgs++ })
	metrics.ReorgsApplied.WithLabelValues(s.network).Inc()
	metrics.ReorgDepth.WithLabelValues(s.network).Observe(float64(reorg.Depth))
	metrics.EnvelopesProcessed.WithLabelValues(s.network, "reorg").Inc()

	return Result{Status: StatusReorg, RollbackReport: &report}
}

// matchPredicates collects the matching predicate UUIDs across every
// operation plus the block-scoped predicates, deduplicated.
func (s *service) matchPredicates(ctx context.Context, env chainfeed.Envelope) []string {
	seen := make(map[string]struct{})
	var matched []string

	add := func(uuids []string) {
		for _, id := range uuids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			matched = append(matched, id)
		}
	}

	add(s.registry.MatchBlock(ctx, s.network))
	for _, tx := range env.Transactions {
		for _, op := range tx.Operations {
			add(s.registry.Match(ctx, s.network, op))
		}
	}

	return matched
}

// dispatch fans one extracted event out to its side effects and consumers,
// returning the number of subscription deliveries.
func (s *service) dispatch(ctx context.Context, ev event.DomainEvent) int {
	provenance := ev.EventProvenance()

	switch typed := ev.(type) {
	case event.BadgeMint:
		if _, err := s.counters.ApplyMint(ctx, typed); err != nil {
			logger.Error(ctx, "counter update failed",
				"badge.id", typed.BadgeID,
				"transaction.hash", provenance.TxHash,
				"error", err,
			)
		} else {
			s.recordOp(ctx, provenance, rollback.OpUpdate, s.counters.Name(), typed.UserID)
		}

		if applied := s.invalidator.InvalidateForEvent(ctx, ev); applied > 0 {
			s.recordOp(ctx, provenance, rollback.OpDelete, "viewcache", string(ev.EventType()))
		}
		s.webhooks.Dispatch(ctx, deliveryFor(ev))

	case event.BadgeRevocation:
		// The saga covers audit, invalidation, notification and counters,
		// each inside its own failure boundary. Only the effects that landed
		// are journaled.
		outcome := s.revocation.ProcessBadgeRevocation(ctx, typed)
		if outcome.CountUpdated {
			s.recordOp(ctx, provenance, rollback.OpUpdate, s.counters.Name(), typed.UserID)
		}
		if outcome.AuditLogged {
			s.recordOp(ctx, provenance, rollback.OpCreate, "audit", typed.BadgeID)
		}
		if outcome.CacheInvalidated {
			s.recordOp(ctx, provenance, rollback.OpDelete, "viewcache", string(ev.EventType()))
		}

	default:
		if applied := s.invalidator.InvalidateForEvent(ctx, ev); applied > 0 {
			s.recordOp(ctx, provenance, rollback.OpDelete, "viewcache", string(ev.EventType()))
		}
		s.webhooks.Dispatch(ctx, deliveryFor(ev))
	}

	return s.registry.DispatchMatched(ctx, ev)
}

// recordOp journals one derived-state mutation for rollback bookkeeping.
func (s *service) recordOp(ctx context.Context, provenance event.Provenance, kind rollback.OpKind, store, targetID string) {
	err := s.journal.Record(ctx, rollback.Operation{
		Provenance: provenance,
		Kind:       kind,
		Store:      store,
		TargetID:   targetID,
	})
	if err != nil {
		logger.Warn(ctx, "rollback journal record failed",
			"journal.store", store,
			"block.height", provenance.BlockHeight,
			"error", err,
		)
	}
}

func (s *service) count(apply func(*Stats)) {
	s.mu.Lock()
	apply(&s.stats)
	s.mu.Unlock()
}
