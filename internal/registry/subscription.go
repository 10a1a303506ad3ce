package registry

import (
	"context"

	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
	"github.com/gabapcia/badgewatch/internal/pkg/validator"
	"github.com/gabapcia/badgewatch/internal/pkg/x/chflow"

	"github.com/google/uuid"
)

// subscriptionQueueSize bounds each subscription's delivery queue. When the
// queue is full the oldest undelivered event is dropped so the producer
// never blocks on a slow consumer.
const subscriptionQueueSize = 64

// Subscription binds a logical event type to a consumer. Category and Level
// are optional narrowing filters: an empty filter matches everything.
type Subscription struct {
	ID              string         `json:"id"               validate:"omitempty,uuid"`
	EventType       event.Type     `json:"event_type"       validate:"required"`
	PredicateConfig map[string]any `json:"predicate_config,omitempty"`
	Category        string         `json:"category,omitempty"`
	Level           string         `json:"level,omitempty"`
	Active          bool           `json:"active"`
}

// matches reports whether the event passes the subscription's type and
// optional category/level filters.
func (sub Subscription) matches(ev event.DomainEvent) bool {
	if sub.EventType != ev.EventType() {
		return false
	}

	category, level := eventCategoryAndLevel(ev)

	if sub.Category != "" && sub.Category != category {
		return false
	}

	if sub.Level != "" && sub.Level != level {
		return false
	}

	return true
}

// eventCategoryAndLevel extracts the badge category and level carried by the
// event families that have them.
func eventCategoryAndLevel(ev event.DomainEvent) (string, string) {
	switch e := ev.(type) {
	case event.BadgeMint:
		return e.Category, e.Level
	case event.BadgeRevocation:
		return e.Category, e.Level
	default:
		return "", ""
	}
}

// CreateSubscription validates and registers a subscription, assigning an ID
// when none is provided, and allocates its delivery queue.
func (s *service) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if err := validator.Validate(sub); err != nil {
		return Subscription{}, err
	}

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID]; exists {
		return Subscription{}, ErrSubscriptionAlreadyExists
	}

	s.subscriptions[sub.ID] = sub
	s.queues[sub.ID] = make(chan event.DomainEvent, subscriptionQueueSize)
	return sub, nil
}

// SetSubscriptionActive pauses or resumes delivery for a subscription
// without losing its configuration or queued events.
func (s *service) SetSubscriptionActive(ctx context.Context, subscriptionID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return ErrSubscriptionNotFound
	}

	sub.Active = active
	s.subscriptions[subscriptionID] = sub
	return nil
}

// Events returns the delivery channel for a subscription. Consumers range
// over it to receive dispatched events.
func (s *service) Events(subscriptionID string) (<-chan event.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queue, ok := s.queues[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}

	return queue, nil
}

// Consume receives events for a subscription and hands each one to handler.
// It blocks until the context is canceled, returning the context error, or
// until the subscription's queue is closed.
func (s *service) Consume(ctx context.Context, subscriptionID string, handler func(event.DomainEvent)) error {
	queue, err := s.Events(subscriptionID)
	if err != nil {
		return err
	}

	for {
		ev, ok := chflow.Receive(ctx, queue)
		if !ok {
			return ctx.Err()
		}

		handler(ev)
	}
}

// Dispatch delivers the event to one subscription's queue.
//
// Inactive subscriptions and filter mismatches are silent no-ops. A full
// queue drops the oldest queued event in favor of the new one; the drop is
// logged and counted, never propagated as a failure.
func (s *service) Dispatch(ctx context.Context, subscriptionID string, ev event.DomainEvent) error {
	s.mu.RLock()
	sub, ok := s.subscriptions[subscriptionID]
	queue := s.queues[subscriptionID]
	s.mu.RUnlock()

	if !ok {
		return ErrSubscriptionNotFound
	}

	if !sub.Active || !sub.matches(ev) {
		return nil
	}

	for {
		select {
		case queue <- ev:
			s.stats.recordDispatch(ev.EventType())
			return nil
		default:
		}

		// Queue full: drop the oldest queued event and retry.
		select {
		case dropped := <-queue:
			s.stats.recordDrop(dropped.EventType())
			logger.Warn(ctx, "subscription queue full, dropped oldest event",
				"subscription.id", subscriptionID,
				"event.type", dropped.EventType(),
				"event.provenance", dropped.EventProvenance().Key(),
			)
		default:
		}
	}
}

// DispatchMatched delivers the event to every active subscription whose
// filters accept it.
func (s *service) DispatchMatched(ctx context.Context, ev event.DomainEvent) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, id := range ids {
		s.mu.RLock()
		sub := s.subscriptions[id]
		s.mu.RUnlock()

		if !sub.Active || !sub.matches(ev) {
			continue
		}

		if err := s.Dispatch(ctx, id, ev); err == nil {
			delivered++
		}
	}

	return delivered
}
