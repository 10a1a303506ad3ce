// Package audit keeps the append-only trail of badge revocations.
//
// Records live in a capped ring buffer: once full, appending overwrites the
// oldest record. A chain reorganization never deletes records; it marks the
// affected ones rolled back so the trail stays complete while statistics
// exclude them.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/gabapcia/badgewatch/internal/event"
)

const (
	storeName       = "audit"
	defaultCapacity = 1_000
)

// Record is one audited revocation.
type Record struct {
	Provenance event.Provenance
	BadgeID    string
	UserID     string
	Kind       event.RevocationKind
	Reason     string
	RevokedBy  string
	ReceivedAt time.Time
	RolledBack bool // Set when a reorg discarded the block that produced this record
}

// Stats summarizes the live (non rolled back) trail.
type Stats struct {
	Recorded   int64 // Records ever appended, including overwritten ones
	Live       int64 // Records currently in the buffer and not rolled back
	RolledBack int64
	ByKind     map[event.RevocationKind]int64
}

// Trail is the revocation audit log contract.
type Trail interface {
	// RecordRevocation appends one revocation to the trail.
	RecordRevocation(ctx context.Context, revocation event.BadgeRevocation) (Record, error)

	// Records returns the buffered records, oldest first.
	Records(ctx context.Context) ([]Record, error)

	// TrailStats summarizes the buffered records.
	TrailStats(ctx context.Context) (Stats, error)

	// Name identifies the store in rollback reports.
	Name() string

	// RollbackAbove marks every record above the given block height rolled
	// back, returning the number marked.
	RollbackAbove(ctx context.Context, height int64) (int, error)
}

type trail struct {
	mu       sync.Mutex
	records  []Record
	start    int // Index of the oldest record once the buffer wrapped
	capacity int
	recorded int64
	now      func() time.Time
}

var _ Trail = (*trail)(nil)

// Option configures the audit trail.
type Option func(*trail)

// WithCapacity sets the ring buffer size. Default: 1000.
func WithCapacity(n int) Option {
	return func(t *trail) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(t *trail) {
		t.now = now
	}
}

// New creates an in-process audit trail.
func New(opts ...Option) *trail {
	t := &trail{
		capacity: defaultCapacity,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	t.records = make([]Record, 0, t.capacity)

	return t
}

func (t *trail) RecordRevocation(_ context.Context, revocation event.BadgeRevocation) (Record, error) {
	record := Record{
		Provenance: revocation.Provenance,
		BadgeID:    revocation.BadgeID,
		UserID:     revocation.UserID,
		Kind:       revocation.Kind,
		Reason:     revocation.Reason,
		RevokedBy:  revocation.RevokedBy,
		ReceivedAt: t.now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) < t.capacity {
		t.records = append(t.records, record)
	} else {
		t.records[t.start] = record
		t.start = (t.start + 1) % t.capacity
	}
	t.recorded++

	return record, nil
}

func (t *trail) Records(_ context.Context) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, 0, len(t.records))
	for i := range t.records {
		out = append(out, t.records[(t.start+i)%len(t.records)])
	}
	return out, nil
}

func (t *trail) TrailStats(_ context.Context) (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{
		Recorded: t.recorded,
		ByKind:   make(map[event.RevocationKind]int64),
	}
	for _, record := range t.records {
		if record.RolledBack {
			stats.RolledBack++
			continue
		}
		stats.Live++
		stats.ByKind[record.Kind]++
	}

	return stats, nil
}

func (t *trail) Name() string { return storeName }

func (t *trail) RollbackAbove(_ context.Context, height int64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	marked := 0
	for i := range t.records {
		if t.records[i].RolledBack || t.records[i].Provenance.BlockHeight <= height {
			continue
		}
		t.records[i].RolledBack = true
		marked++
	}

	return marked, nil
}
