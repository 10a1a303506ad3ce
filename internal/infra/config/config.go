// Package config loads the runtime configuration from the environment.
//
// Every variable carries the BADGEWATCH_ prefix. The selected network picks
// the badge contract address: mainnet has no safe default and fails loud
// when the address is missing, while testnet and devnet fall back to the
// well-known development deployments.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "badgewatch"

// ErrMissingContract is returned when the selected network requires an
// explicit badge contract address and none is configured.
var ErrMissingContract = errors.New("badge contract address is required")

// defaultContracts holds the development deployments used when no explicit
// address is configured. Mainnet is deliberately absent.
var defaultContracts = map[string]string{
	"testnet": "ST2PABAF9FTAJYNFZH93XENAJ8FVY99RRM4DF2YCW.community-badges",
	"devnet":  "STB44HYPYAT2BB2QE513NSP81HTMYWBJP02HPGK6.community-badges",
}

// Redis configures the optional redis backends for the keyed stores. When
// Addr is empty the in-memory implementations are used instead.
type Redis struct {
	Addr     string `envconfig:"REDIS_ADDR"`
	Username string `envconfig:"REDIS_USERNAME"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB"`
}

// Config is the full runtime configuration.
type Config struct {
	Network       string `envconfig:"NETWORK"        default:"devnet"`
	BadgeContract string `envconfig:"BADGE_CONTRACT"`

	FeedListenAddr string `envconfig:"FEED_LISTEN_ADDR" default:":8080"`
	OpsListenAddr  string `envconfig:"OPS_LISTEN_ADDR"  default:":9090"`

	DedupCapacity int           `envconfig:"DEDUP_CAPACITY"   default:"10000"`
	DedupTTL      time.Duration `envconfig:"DEDUP_TTL"        default:"10m"`
	CacheTTL      time.Duration `envconfig:"CACHE_TTL"        default:"15m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL"   default:"30s"`
	TargetTimeout time.Duration `envconfig:"TARGET_TIMEOUT"   default:"10s"`
	AuditCapacity int           `envconfig:"AUDIT_CAPACITY"   default:"1000"`

	Redis Redis
}

// Load reads the configuration from the environment and resolves the badge
// contract address for the selected network.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("processing environment: %w", err)
	}

	switch cfg.Network {
	case "mainnet", "testnet", "devnet":
	default:
		return Config{}, fmt.Errorf("unknown network %q", cfg.Network)
	}

	if cfg.BadgeContract == "" {
		fallback, ok := defaultContracts[cfg.Network]
		if !ok {
			return Config{}, fmt.Errorf("%w on %s", ErrMissingContract, cfg.Network)
		}
		cfg.BadgeContract = fallback
	}

	return cfg, nil
}
