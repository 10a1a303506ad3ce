package viewcache

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
)

// Rule maps one event type to the cache keys it invalidates.
//
// A pattern ending in "*" is a prefix wipe; anything else is an exact key.
// Patterns may carry {badge}, {user} and {community} placeholders filled
// from the triggering event. Priority orders rule application when several
// rules fire for the same event type; higher runs first.
type Rule struct {
	Name        string
	EventType   event.Type
	KeyPatterns []string
	Priority    int
	Warm        bool // Recompute and repopulate instead of merely deleting
}

// Warmer recomputes the value for a cache key after a warm-flagged rule
// fired. Returning ok=false leaves the key invalidated.
type Warmer func(ctx context.Context, key string, ev event.DomainEvent) (value any, ok bool)

// Metrics is a read-only snapshot of invalidation activity. All counters
// are monotonically increasing.
type Metrics struct {
	Total       int64
	ByEventType map[event.Type]int64
	ByRule      map[string]int64
}

// Engine applies invalidation rules to the read-view cache as domain events
// arrive.
type Engine struct {
	mu     sync.Mutex
	rules  map[event.Type][]Rule
	store  Store
	warmer Warmer

	total       int64
	byEventType map[event.Type]int64
	byRule      map[string]int64
}

// EngineOption configures the invalidation engine.
type EngineOption func(*Engine)

// WithWarmer sets the recompute hook used by warm-flagged rules.
func WithWarmer(w Warmer) EngineOption {
	return func(e *Engine) {
		e.warmer = w
	}
}

// WithRules replaces the default rule table.
func WithRules(rules []Rule) EngineOption {
	return func(e *Engine) {
		e.rules = make(map[event.Type][]Rule)
		for _, r := range rules {
			e.rules[r.EventType] = append(e.rules[r.EventType], r)
		}
	}
}

// NewEngine creates an invalidation engine over the given cache store,
// preloaded with the default rule table unless WithRules overrides it.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		byEventType: make(map[event.Type]int64),
		byRule:      make(map[string]int64),
	}

	WithRules(DefaultRules())(e)
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// DefaultRules is the built-in rule table covering every event family.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "mint-user-views",
			EventType:   event.TypeBadgeMint,
			KeyPatterns: []string{"user:{user}:badges", "badge:{badge}", "community:{community}:members*"},
			Priority:    10,
			Warm:        true,
		},
		{
			Name:        "revocation-user-views",
			EventType:   event.TypeBadgeRevocation,
			KeyPatterns: []string{"user:{user}:badges", "badge:{badge}"},
			Priority:    20,
		},
		{
			Name:        "revocation-leaderboards",
			EventType:   event.TypeBadgeRevocation,
			KeyPatterns: []string{"leaderboard:*"},
			Priority:    10,
		},
		{
			Name:        "metadata-badge-view",
			EventType:   event.TypeBadgeMetadataUpdate,
			KeyPatterns: []string{"badge:{badge}"},
			Priority:    10,
			Warm:        true,
		},
		{
			Name:        "community-directory",
			EventType:   event.TypeCommunityCreation,
			KeyPatterns: []string{"communities:directory", "community:{community}"},
			Priority:    10,
		},
	}
}

// InvalidateForEvent applies every rule registered for the event's type and
// returns the number of rules that fired. Unknown event types invalidate
// nothing and never raise.
func (e *Engine) InvalidateForEvent(ctx context.Context, ev event.DomainEvent) int {
	e.mu.Lock()
	rules := make([]Rule, len(e.rules[ev.EventType()]))
	copy(rules, e.rules[ev.EventType()])
	e.mu.Unlock()

	if len(rules) == 0 {
		return 0
	}

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	applied := 0
	for _, rule := range rules {
		if err := e.applyRule(ctx, rule, ev); err != nil {
			logger.Error(ctx, "invalidation rule failed",
				"rule.name", rule.Name,
				"event.type", ev.EventType(),
				"error", err,
			)
			continue
		}
		applied++

		e.mu.Lock()
		e.total++
		e.byEventType[ev.EventType()]++
		e.byRule[rule.Name]++
		e.mu.Unlock()
	}

	return applied
}

// applyRule expands and applies one rule's key patterns.
func (e *Engine) applyRule(ctx context.Context, rule Rule, ev event.DomainEvent) error {
	for _, pattern := range rule.KeyPatterns {
		key := expandPattern(pattern, ev)

		if prefix, ok := strings.CutSuffix(key, "*"); ok {
			if _, err := e.store.DeletePrefix(ctx, prefix); err != nil {
				return err
			}
			continue
		}

		if rule.Warm && e.warmer != nil {
			if value, ok := e.warmer(ctx, key, ev); ok {
				if err := e.store.Set(ctx, key, value, ev.EventProvenance().BlockHeight); err != nil {
					return err
				}
				continue
			}
		}

		if err := e.store.Delete(ctx, key); err != nil {
			return err
		}
	}

	return nil
}

// InvalidationMetrics returns a copy of the engine's counters.
func (e *Engine) InvalidationMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Metrics{
		Total:       e.total,
		ByEventType: make(map[event.Type]int64, len(e.byEventType)),
		ByRule:      make(map[string]int64, len(e.byRule)),
	}
	for t, n := range e.byEventType {
		m.ByEventType[t] = n
	}
	for r, n := range e.byRule {
		m.ByRule[r] = n
	}

	return m
}

// expandPattern fills the {badge}, {user} and {community} placeholders from
// the event's fields.
func expandPattern(pattern string, ev event.DomainEvent) string {
	var badge, user, community string

	switch e := ev.(type) {
	case event.BadgeMint:
		badge, user, community = e.BadgeID, e.UserID, e.CommunityID
	case event.BadgeRevocation:
		badge, user = e.BadgeID, e.UserID
	case event.BadgeMetadataUpdate:
		badge = e.BadgeID
	case event.CommunityCreation:
		community = e.CommunityID
	}

	replacer := strings.NewReplacer(
		"{badge}", badge,
		"{user}", user,
		"{community}", community,
	)
	return replacer.Replace(pattern)
}
