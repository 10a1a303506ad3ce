package eventproc

import (
	"context"
	"encoding/json"

	"github.com/gabapcia/badgewatch/internal/audit"
	"github.com/gabapcia/badgewatch/internal/counters"
	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/revocation"
	"github.com/gabapcia/badgewatch/internal/viewcache"
	"github.com/gabapcia/badgewatch/internal/webhook"
)

// deliveryFor maps a domain event to the outbound webhook delivery,
// carrying the category and level used for target narrowing.
func deliveryFor(ev event.DomainEvent) webhook.Delivery {
	delivery := webhook.Delivery{
		EventType: ev.EventType(),
		Data:      eventData(ev),
	}

	if mint, ok := ev.(event.BadgeMint); ok {
		delivery.Category = mint.Category
		delivery.Level = mint.Level
	}

	return delivery
}

// eventData flattens the typed event into the generic payload map.
func eventData(ev event.DomainEvent) map[string]any {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return data
}

// The adapters below bridge the concrete stores to the revocation saga's
// consumer-side interfaces.

type auditAdapter struct {
	trail audit.Trail
}

// AuditorFor adapts the audit trail to the saga's Auditor interface.
func AuditorFor(trail audit.Trail) revocation.Auditor {
	return auditAdapter{trail: trail}
}

func (a auditAdapter) RecordRevocation(ctx context.Context, rev event.BadgeRevocation) error {
	_, err := a.trail.RecordRevocation(ctx, rev)
	return err
}

type invalidatorAdapter struct {
	engine *viewcache.Engine
}

// InvalidatorFor adapts the invalidation engine to the saga's
// CacheInvalidator interface.
func InvalidatorFor(engine *viewcache.Engine) revocation.CacheInvalidator {
	return invalidatorAdapter{engine: engine}
}

func (a invalidatorAdapter) InvalidateForRevocation(ctx context.Context, rev event.BadgeRevocation) error {
	a.engine.InvalidateForEvent(ctx, rev)
	return nil
}

type notifierAdapter struct {
	webhooks webhook.Service
}

// NotifierFor adapts the webhook dispatcher to the saga's UserNotifier
// interface: the revoked user's notification goes out as a webhook delivery.
func NotifierFor(webhooks webhook.Service) revocation.UserNotifier {
	return notifierAdapter{webhooks: webhooks}
}

func (a notifierAdapter) NotifyRevocation(ctx context.Context, rev event.BadgeRevocation) error {
	a.webhooks.Dispatch(ctx, webhook.Delivery{
		EventType: rev.EventType(),
		Data:      eventData(rev),
	})
	return nil
}

type counterAdapter struct {
	counters counters.Service
}

// CounterFor adapts the counter service to the saga's CounterUpdater
// interface.
func CounterFor(svc counters.Service) revocation.CounterUpdater {
	return counterAdapter{counters: svc}
}

func (a counterAdapter) ApplyRevocation(ctx context.Context, rev event.BadgeRevocation) error {
	_, err := a.counters.ApplyRevocation(ctx, rev)
	return err
}
