package registry

import (
	"sync"

	"github.com/gabapcia/badgewatch/internal/event"
)

// Stats is a point-in-time snapshot of registry contents and dispatch
// activity, exposed for operational visibility.
type Stats struct {
	PredicatesTotal     int
	PredicatesActive    int
	PredicatesByNetwork map[string]int
	PredicatesByType    map[CallType]int
	SubscriptionsTotal  int
	SubscriptionsActive int
	DispatchedByType    map[event.Type]int64
	DroppedByType       map[event.Type]int64
}

// statsCollector accumulates dispatch counters. Registry contents are
// counted on demand from the predicate and subscription maps.
type statsCollector struct {
	mu         sync.Mutex
	dispatched map[event.Type]int64
	dropped    map[event.Type]int64
}

func (c *statsCollector) recordDispatch(t event.Type) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dispatched == nil {
		c.dispatched = make(map[event.Type]int64)
	}
	c.dispatched[t]++
}

func (c *statsCollector) recordDrop(t event.Type) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped == nil {
		c.dropped = make(map[event.Type]int64)
	}
	c.dropped[t]++
}

func (c *statsCollector) snapshot() (map[event.Type]int64, map[event.Type]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dispatched := make(map[event.Type]int64, len(c.dispatched))
	for t, n := range c.dispatched {
		dispatched[t] = n
	}

	dropped := make(map[event.Type]int64, len(c.dropped))
	for t, n := range c.dropped {
		dropped[t] = n
	}

	return dispatched, dropped
}

// Stats returns the current registry statistics.
func (s *service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		PredicatesTotal:     len(s.predicates),
		PredicatesByNetwork: make(map[string]int),
		PredicatesByType:    make(map[CallType]int),
		SubscriptionsTotal:  len(s.subscriptions),
	}

	for _, p := range s.predicates {
		stats.PredicatesByNetwork[p.Network]++
		stats.PredicatesByType[p.Type]++
		if p.Active {
			stats.PredicatesActive++
		}
	}

	for _, sub := range s.subscriptions {
		if sub.Active {
			stats.SubscriptionsActive++
		}
	}

	stats.DispatchedByType, stats.DroppedByType = s.stats.snapshot()
	return stats
}
