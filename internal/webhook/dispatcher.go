package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
	"github.com/gabapcia/badgewatch/internal/pkg/metrics"
	transporthttp "github.com/gabapcia/badgewatch/internal/pkg/transport/http"

	"github.com/hashicorp/go-retryablehttp"
)

// SignatureHeader carries the payload signature so receivers can verify it
// without parsing the body first. Verification must use a constant-time
// comparison.
const SignatureHeader = "X-Badgewatch-Signature"

const (
	defaultSweepInterval    = 30 * time.Second
	defaultPerTargetTimeout = 10 * time.Second
)

// Delivery is one outbound payload bound to a target.
type Delivery struct {
	EventType event.Type
	Data      map[string]any
	Category  string
	Level     string
}

// payload is the wire format POSTed to targets.
type payload struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	Signature string         `json:"signature"`
}

// Service is the outbound notification dispatcher contract.
type Service interface {
	// RegisterWebhook validates and stores a target. Only https URLs are
	// accepted.
	RegisterWebhook(ctx context.Context, target Target) (Target, error)

	// ActiveTargets returns the active targets matching the event type and
	// the category/level narrowing. Zero values disable each filter.
	ActiveTargets(ctx context.Context, eventType event.Type, category, level string) ([]Target, error)

	// Dispatch fans the delivery out to every matching target in parallel
	// and waits for all attempts to settle.
	Dispatch(ctx context.Context, delivery Delivery)

	// Reactivate clears a deactivated target's failure count and reenables
	// delivery.
	Reactivate(ctx context.Context, targetID string) error

	// Targets returns every registration, active or not.
	Targets(ctx context.Context) ([]Target, error)

	// Start launches the fixed-interval retry sweep. Close stops it.
	Start(ctx context.Context) error
	Close()
}

type service struct {
	mu      sync.Mutex
	targets map[string]*registration

	client        *retryablehttp.Client
	sweepInterval time.Duration
	now           func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Service = (*service)(nil)

// Option configures the dispatcher.
type Option func(*service)

// WithSweepInterval sets the retry sweep period. Default: 30 seconds.
func WithSweepInterval(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithPerTargetTimeout bounds each delivery attempt. Default: 10 seconds.
func WithPerTargetTimeout(d time.Duration) Option {
	return func(s *service) {
		s.client = transporthttp.NewClient(
			transporthttp.WithTimeout(d),
			transporthttp.WithRetryMax(0),
		)
	}
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// New creates a webhook dispatcher. Transport retries are disabled on the
// HTTP client so every attempt maps to exactly one failure-count decision;
// redelivery is the sweep's job.
func New(opts ...Option) *service {
	s := &service{
		targets: make(map[string]*registration),
		client: transporthttp.NewClient(
			transporthttp.WithTimeout(defaultPerTargetTimeout),
			transporthttp.WithRetryMax(0),
		),
		sweepInterval: defaultSweepInterval,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *service) RegisterWebhook(ctx context.Context, target Target) (Target, error) {
	if err := validateTarget(target); err != nil {
		return Target{}, err
	}

	reg := newRegistration(target, s.now())

	s.mu.Lock()
	s.targets[reg.target.ID] = reg
	s.mu.Unlock()

	logger.Info(ctx, "webhook target registered",
		"webhook.id", reg.target.ID,
		"webhook.url", reg.target.URL,
		"webhook.event_types", len(reg.target.EventTypes),
	)
	return reg.target, nil
}

func (s *service) ActiveTargets(_ context.Context, eventType event.Type, category, level string) ([]Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Target
	for _, reg := range s.targets {
		t := reg.target
		if !t.Active {
			continue
		}
		if eventType != "" && !t.wantsEvent(eventType) {
			continue
		}
		if !t.matchesFilter(category, level) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *service) Targets(_ context.Context) ([]Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Target, 0, len(s.targets))
	for _, reg := range s.targets {
		out = append(out, reg.target)
	}
	return out, nil
}

func (s *service) Dispatch(ctx context.Context, delivery Delivery) {
	targets, _ := s.ActiveTargets(ctx, delivery.EventType, delivery.Category, delivery.Level)
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.attempt(ctx, target.ID, delivery)
		}()
	}
	wg.Wait()
}

func (s *service) Reactivate(ctx context.Context, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.targets[targetID]
	if !ok {
		return ErrTargetNotFound
	}

	reg.target.Active = true
	reg.target.ConsecutiveFailures = 0

	logger.Info(ctx, "webhook target reactivated", "webhook.id", targetID)
	return nil
}

// Start launches the background sweep that re-attempts delivery to targets
// with a failure count between one and the deactivation threshold.
func (s *service) Start(ctx context.Context) error {
	if s.cancel != nil {
		return nil
	}

	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()

	return nil
}

func (s *service) Close() {
	if s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done
	s.cancel = nil
}

// sweep snapshots the eligible targets, then re-attempts their pending
// deliveries. The snapshot keeps an overlapping or slow sweep from observing
// registrations mutated mid-pass.
func (s *service) sweep(ctx context.Context) {
	type retryItem struct {
		targetID string
		delivery Delivery
	}

	s.mu.Lock()
	var items []retryItem
	for id, reg := range s.targets {
		failures := reg.target.ConsecutiveFailures
		if reg.target.Active && reg.pending != nil && failures > 0 && failures < deactivationThreshold {
			items = append(items, retryItem{targetID: id, delivery: *reg.pending})
		}
	}
	s.mu.Unlock()

	for _, item := range items {
		s.attempt(ctx, item.targetID, item.delivery)
	}
}

// attempt delivers one payload to one target and updates its failure state.
func (s *service) attempt(ctx context.Context, targetID string, delivery Delivery) {
	s.mu.Lock()
	reg, ok := s.targets[targetID]
	if !ok || !reg.target.Active {
		s.mu.Unlock()
		return
	}
	target := reg.target
	s.mu.Unlock()

	err := s.send(ctx, target, delivery)

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok = s.targets[targetID]
	if !ok {
		return
	}
	reg.target.LastAttemptAt = s.now()

	if err == nil {
		metrics.WebhookDeliveries.WithLabelValues("success").Inc()
		reg.target.ConsecutiveFailures = 0
		reg.pending = nil
		return
	}

	metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
	reg.target.ConsecutiveFailures++
	reg.pending = &delivery

	logger.Warn(ctx, "webhook delivery failed",
		"webhook.id", targetID,
		"webhook.url", target.URL,
		"webhook.consecutive_failures", reg.target.ConsecutiveFailures,
		"error", err,
	)

	if reg.target.ConsecutiveFailures >= deactivationThreshold {
		reg.target.Active = false
		reg.pending = nil
		logger.Error(ctx, "webhook target deactivated after repeated failures",
			"webhook.id", targetID,
			"webhook.url", target.URL,
		)
	}
}

// send POSTs the signed payload to the target.
func (s *service) send(ctx context.Context, target Target, delivery Delivery) error {
	body, signature, err := signPayload(target.Secret, delivery, s.now())
	if err != nil {
		return fmt.Errorf("signing webhook payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering webhook: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("webhook target responded with status %d", res.StatusCode)
	}
	return nil
}

// signPayload serializes the delivery and computes the keyed hash over the
// unsigned body. The signature is embedded in the payload and duplicated in
// the request header.
func signPayload(secret string, delivery Delivery, now time.Time) ([]byte, string, error) {
	p := payload{
		Event:     string(delivery.EventType),
		Data:      delivery.Data,
		Timestamp: now.Format(time.RFC3339),
	}

	unsigned, err := json.Marshal(p)
	if err != nil {
		return nil, "", err
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(unsigned)
	p.Signature = hex.EncodeToString(mac.Sum(nil))

	signed, err := json.Marshal(p)
	if err != nil {
		return nil, "", err
	}
	return signed, p.Signature, nil
}

// VerifySignature recomputes the keyed hash over the payload with its
// signature field blanked and compares in constant time. Receivers use it to
// authenticate deliveries.
func VerifySignature(secret string, body []byte, signature string) bool {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return false
	}
	p.Signature = ""

	unsigned, err := json.Marshal(p)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(unsigned)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
