// Package webhook delivers domain events to registered HTTP targets.
//
// Deliveries are signed with a per-target secret and fan out to all matching
// targets in parallel. A target failing five consecutive deliveries is
// deactivated, never deleted, so an operator can bring it back once the
// endpoint recovers. A fixed-interval background sweep re-attempts targets
// that are failing but not yet deactivated.
package webhook

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/validator"

	"github.com/google/uuid"
)

const deactivationThreshold = 5

var (
	// ErrInsecureURL is returned when a registration URL does not use an
	// encrypted transport.
	ErrInsecureURL = errors.New("webhook url must use https")

	// ErrTargetNotFound is returned when the target id is unknown.
	ErrTargetNotFound = errors.New("webhook target not found")
)

// Target is one registered webhook endpoint.
type Target struct {
	ID         string
	URL        string       `validate:"required,url"`
	EventTypes []event.Type `validate:"required,min=1"`
	Secret     string
	Categories []string // Empty means every category
	Levels     []string // Empty means every level

	Active              bool
	ConsecutiveFailures int
	LastAttemptAt       time.Time
	RegisteredAt        time.Time
}

// registration is the mutable internal record behind a Target.
type registration struct {
	target  Target
	pending *Delivery // Most recent failed delivery, re-attempted by the sweep
}

// wantsEvent reports whether the target subscribed to the event type.
func (t Target) wantsEvent(eventType event.Type) bool {
	for _, et := range t.EventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}

// matchesFilter applies category and level narrowing. A target that declares
// no categories or levels receives everything.
func (t Target) matchesFilter(category, level string) bool {
	return matchesList(t.Categories, category) && matchesList(t.Levels, level)
}

func matchesList(declared []string, value string) bool {
	if len(declared) == 0 || value == "" {
		return true
	}
	for _, d := range declared {
		if d == value {
			return true
		}
	}
	return false
}

// validateTarget checks the registration and enforces encrypted transport.
func validateTarget(t Target) error {
	if err := validator.Validate(t); err != nil {
		return err
	}

	parsed, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("parsing webhook url: %w", err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("%w: got %q", ErrInsecureURL, parsed.Scheme)
	}

	return nil
}

// newRegistration builds the internal record for a validated target.
func newRegistration(t Target, now time.Time) *registration {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Active = true
	t.ConsecutiveFailures = 0
	t.RegisteredAt = now

	return &registration{target: t}
}
