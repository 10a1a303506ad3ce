package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnvelopesProcessed tracks ingested envelopes by outcome
	EnvelopesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badgewatch_envelopes_processed_total",
			Help: "Total number of chain event envelopes processed",
		},
		[]string{"network", "outcome"},
	)

	// EventsExtracted tracks extracted domain events per type
	EventsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badgewatch_events_extracted_total",
			Help: "Total number of domain events extracted",
		},
		[]string{"network", "event_type"},
	)

	// OperationsSkipped tracks operations skipped during extraction
	OperationsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badgewatch_operations_skipped_total",
			Help: "Total number of operations skipped during extraction",
		},
		[]string{"network"},
	)

	// ReorgsApplied tracks applied chain reorganizations
	ReorgsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badgewatch_reorgs_applied_total",
			Help: "Total number of chain reorganizations rolled back",
		},
		[]string{"network"},
	)

	// ReorgDepth tracks the depth of applied reorgs
	ReorgDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "badgewatch_reorg_depth_blocks",
			Help:    "Depth in blocks of applied chain reorganizations",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"network"},
	)

	// DedupHits tracks envelopes short-circuited by the idempotency cache
	DedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badgewatch_dedup_hits_total",
			Help: "Total number of envelopes served from the idempotency cache",
		},
		[]string{"network"},
	)

	// WebhookDeliveries tracks outbound webhook attempts by outcome
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badgewatch_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"outcome"},
	)

	// LatestBlockHeight tracks the highest block height seen per network
	LatestBlockHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "badgewatch_latest_block_height",
			Help: "Highest block height observed per network",
		},
		[]string{"network"},
	)

	// ProcessingLatency tracks per-envelope processing time
	ProcessingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "badgewatch_envelope_processing_seconds",
			Help:    "Envelope processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network"},
	)
)
