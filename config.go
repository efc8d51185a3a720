package notifly

import (
	"time"

	"github.com/xraph/notifly/delivery"
	"github.com/xraph/notifly/ratelimit"
)

// Config holds the configuration for a Notifly instance.
type Config struct {
	// Concurrency is the number of in-flight messages per retry tier.
	Concurrency int

	// PollInterval is how often the outbox relay checks for pending entries.
	PollInterval time.Duration

	// BatchSize is the maximum number of outbox entries claimed per poll cycle.
	BatchSize int

	// ClaimLease is how long a claimed outbox entry stays invisible to other
	// relays.
	ClaimLease time.Duration

	// SendTimeout bounds each channel send.
	SendTimeout time.Duration

	// Tiers is the retry schedule. Its length is the attempt limit.
	Tiers []delivery.Tier

	// RateLimit is the default applied to tenants without their own config.
	RateLimit ratelimit.Config

	// ShutdownTimeout is the maximum time to wait for in-flight work on shutdown.
	ShutdownTimeout time.Duration

	// CacheTTL is the TTL of the channel policy cache.
	// Set to 0 to cache until restart.
	CacheTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     10,
		PollInterval:    1 * time.Second,
		BatchSize:       50,
		ClaimLease:      30 * time.Second,
		SendTimeout:     10 * time.Second,
		Tiers:           delivery.DefaultTiers(),
		RateLimit:       ratelimit.DefaultConfig,
		ShutdownTimeout: 30 * time.Second,
		CacheTTL:        30 * time.Second,
	}
}
