package main

import (
	"context"

	"github.com/gabapcia/badgewatch/internal/audit"
	"github.com/gabapcia/badgewatch/internal/counters"
	"github.com/gabapcia/badgewatch/internal/dedup"
	"github.com/gabapcia/badgewatch/internal/eventproc"
	"github.com/gabapcia/badgewatch/internal/extract"
	"github.com/gabapcia/badgewatch/internal/handlers/cli"
	"github.com/gabapcia/badgewatch/internal/handlers/httpfeed"
	"github.com/gabapcia/badgewatch/internal/infra/config"
	"github.com/gabapcia/badgewatch/internal/infra/ops"
	"github.com/gabapcia/badgewatch/internal/infra/storage/redis"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
	"github.com/gabapcia/badgewatch/internal/pkg/telemetry"
	"github.com/gabapcia/badgewatch/internal/registry"
	"github.com/gabapcia/badgewatch/internal/revocation"
	"github.com/gabapcia/badgewatch/internal/rollback"
	"github.com/gabapcia/badgewatch/internal/viewcache"
	"github.com/gabapcia/badgewatch/internal/webhook"

	"github.com/joho/godotenv"
)

const serviceName = "badgewatch"

func main() {
	ctx := context.Background()

	// A missing .env file is the normal case outside development.
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(ctx, "loading configuration", "error", err)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		logger.Fatal(ctx, "initializing telemetry", "error", err)
	}
	defer shutdownTelemetry(ctx)

	var (
		dedupStore dedup.Store
		cacheStore viewcache.Store
		counterSvc counters.Service
	)
	if cfg.Redis.Addr != "" {
		client, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Username, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal(ctx, "connecting to redis", "redis.addr", cfg.Redis.Addr, "error", err)
		}
		defer client.Close()

		dedupStore = client.DedupStore(cfg.DedupCapacity, cfg.DedupTTL)
		cacheStore = client.ViewcacheStore(cfg.CacheTTL)
		counterSvc = client.CounterStore()
	} else {
		dedupStore = dedup.NewMemoryStore(
			dedup.WithCapacity(cfg.DedupCapacity),
			dedup.WithTTL(cfg.DedupTTL),
		)
		cacheStore = viewcache.NewMemoryStore(viewcache.WithEntryTTL(cfg.CacheTTL))
		counterSvc = counters.New()
	}

	var (
		trail    = audit.New(audit.WithCapacity(cfg.AuditCapacity))
		reg      = registry.New()
		webhooks = webhook.New(
			webhook.WithSweepInterval(cfg.SweepInterval),
			webhook.WithPerTargetTimeout(cfg.TargetTimeout),
		)
		engine = viewcache.NewEngine(cacheStore)
	)

	// The processor records derived-state mutations into the same journal the
	// coordinator discards from on a reorg.
	journal := rollback.NewMemoryJournal()

	coordinator := rollback.NewCoordinator(journal)
	coordinator.Register(eventproc.ViewcacheRollbackStore(cacheStore))
	coordinator.Register(counterSvc)
	coordinator.Register(trail)
	coordinator.Register(eventproc.DedupRollbackStore(dedupStore))

	saga := revocation.New(
		revocation.WithAuditor(eventproc.AuditorFor(trail)),
		revocation.WithCacheInvalidator(eventproc.InvalidatorFor(engine)),
		revocation.WithUserNotifier(eventproc.NotifierFor(webhooks)),
		revocation.WithCounterUpdater(eventproc.CounterFor(counterSvc)),
	)

	extractors := []extract.Extractor{
		extract.NewMintExtractor(cfg.BadgeContract),
		extract.NewRevocationExtractor(cfg.BadgeContract),
		extract.NewMetadataExtractor(cfg.BadgeContract),
		extract.NewCommunityExtractor(cfg.BadgeContract),
	}

	processor := eventproc.New(
		cfg.Network,
		dedupStore,
		reg,
		extractors,
		coordinator,
		journal,
		engine,
		counterSvc,
		saga,
		webhooks,
	)

	services := cli.Services{
		Processor: processor,
		Registry:  reg,
		Webhooks:  webhooks,
		Feed:      httpfeed.NewServer(cfg.FeedListenAddr, processor),
		Ops: ops.NewServer(cfg.OpsListenAddr, processor, reg, coordinator, func(ctx context.Context) bool {
			return true
		}),
	}

	if err := cli.Run(ctx, services); err != nil {
		logger.Fatal(ctx, "badgewatch exited with error", "error", err)
	}
}
