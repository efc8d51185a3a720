package notifly

import (
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/notifly/broker"
	"github.com/xraph/notifly/channel"
	"github.com/xraph/notifly/delivery"
	"github.com/xraph/notifly/dlq"
	"github.com/xraph/notifly/observability"
	"github.com/xraph/notifly/ratelimit"
	"github.com/xraph/notifly/store"
)

// Option configures a Notifly instance.
type Option func(*Notifly) error

// WithStore sets the persistence backend.
func WithStore(s store.Store) Option {
	return func(n *Notifly) error {
		n.store = s
		return nil
	}
}

// WithBroker sets the message broker used by the relay, the worker and DLQ
// replay.
func WithBroker(b broker.Broker) Option {
	return func(n *Notifly) error {
		n.broker = b
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifly) error {
		n.logger = logger
		return nil
	}
}

// WithSenders sets the channel sender registry. Defaults to the stub senders.
func WithSenders(r *channel.Registry) Option {
	return func(n *Notifly) error {
		n.registry = r
		return nil
	}
}

// WithWindowStore sets the rate-limit window backend. Defaults to an
// in-process store.
func WithWindowStore(ws ratelimit.WindowStore) Option {
	return func(n *Notifly) error {
		n.windows = ws
		return nil
	}
}

// WithDeadLetterStore persists dead letters somewhere other than the main store.
func WithDeadLetterStore(s dlq.Store) Option {
	return func(n *Notifly) error {
		n.dlqStore = s
		return nil
	}
}

// WithMetrics sets the go-utils metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(n *Notifly) error {
		n.metrics = m
		return nil
	}
}

// WithTracer enables OpenTelemetry spans.
func WithTracer(t *observability.Tracer) Option {
	return func(n *Notifly) error {
		n.tracer = t
		return nil
	}
}

// WithClock overrides the time source for admission and rate limiting.
func WithClock(now func() time.Time) Option {
	return func(n *Notifly) error {
		if now == nil {
			return errors.New("notifly: clock must not be nil")
		}
		n.now = now
		return nil
	}
}

// WithConcurrency sets the number of in-flight messages per retry tier.
func WithConcurrency(c int) Option {
	return func(n *Notifly) error {
		n.config.Concurrency = c
		return nil
	}
}

// WithPollInterval sets how often the outbox relay polls.
func WithPollInterval(d time.Duration) Option {
	return func(n *Notifly) error {
		n.config.PollInterval = d
		return nil
	}
}

// WithBatchSize sets the maximum number of outbox entries claimed per poll.
func WithBatchSize(size int) Option {
	return func(n *Notifly) error {
		n.config.BatchSize = size
		return nil
	}
}

// WithClaimLease sets how long a claimed outbox entry stays leased.
func WithClaimLease(d time.Duration) Option {
	return func(n *Notifly) error {
		n.config.ClaimLease = d
		return nil
	}
}

// WithSendTimeout bounds each channel send.
func WithSendTimeout(d time.Duration) Option {
	return func(n *Notifly) error {
		n.config.SendTimeout = d
		return nil
	}
}

// WithTiers replaces the retry schedule.
func WithTiers(tiers []delivery.Tier) Option {
	return func(n *Notifly) error {
		if len(tiers) == 0 {
			return errors.New("notifly: at least one tier is required")
		}
		n.config.Tiers = tiers
		return nil
	}
}

// WithRateLimit sets the default rate limit for tenants without a config.
func WithRateLimit(cfg ratelimit.Config) Option {
	return func(n *Notifly) error {
		n.config.RateLimit = cfg
		return nil
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight work on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(n *Notifly) error {
		n.config.ShutdownTimeout = d
		return nil
	}
}

// WithCacheTTL sets the TTL of the channel policy cache.
func WithCacheTTL(d time.Duration) Option {
	return func(n *Notifly) error {
		n.config.CacheTTL = d
		return nil
	}
}
