package notifly

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/notifly/broker"
	"github.com/xraph/notifly/channel"
	"github.com/xraph/notifly/delivery"
	"github.com/xraph/notifly/dlq"
	"github.com/xraph/notifly/observability"
	"github.com/xraph/notifly/outbox"
	"github.com/xraph/notifly/policy"
	"github.com/xraph/notifly/ratelimit"
	"github.com/xraph/notifly/store"
	"github.com/xraph/notifly/template"
)

// Notifly is the root notification pipeline.
type Notifly struct {
	config   Config
	store    store.Store
	broker   broker.Broker
	registry *channel.Registry
	windows  ratelimit.WindowStore
	dlqStore dlq.Store
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	now      func() time.Time
	logger   *slog.Logger

	limiter  *ratelimit.Limiter
	resolver *policy.Resolver
	renderer *template.Renderer
	dlqSvc   *dlq.Service
	relay    *outbox.Relay
	worker   *delivery.Worker
}

// New creates a new Notifly with the given options.
func New(opts ...Option) (*Notifly, error) {
	n := &Notifly{
		config: DefaultConfig(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	if n.store == nil {
		return nil, ErrNoStore
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	n.wireServices()
	return n, nil
}

// wireServices initializes the internal services after options have been applied.
func (n *Notifly) wireServices() {
	if n.registry == nil {
		n.registry = channel.NewStubRegistry()
	}
	if n.windows == nil {
		n.windows = ratelimit.NewMemoryStore()
	}
	if n.dlqStore == nil {
		n.dlqStore = n.store
	}

	n.limiter = ratelimit.New(n.windows,
		ratelimit.WithConfigStore(n.store),
		ratelimit.WithDefault(n.config.RateLimit),
		ratelimit.WithClock(n.now),
		ratelimit.WithLogger(n.logger),
	)

	n.resolver = policy.NewResolver(n.store, policy.Config{
		CacheTTL: n.config.CacheTTL,
	}, n.logger)

	n.renderer = template.NewRenderer()

	// A nil broker leaves the service without replay.
	var pub broker.Publisher
	if n.broker != nil {
		pub = n.broker
	}
	n.dlqSvc = dlq.NewService(n.dlqStore, pub, n.logger)

	if n.broker == nil {
		return
	}

	n.relay = outbox.NewRelay(n.store, n.broker, outbox.RelayConfig{
		PollInterval: n.config.PollInterval,
		BatchSize:    n.config.BatchSize,
		ClaimLease:   n.config.ClaimLease,
		Topic:        n.config.Tiers[0].Topic,
		Metrics:      n.metrics,
		Tracer:       n.tracer,
	}, n.logger)

	n.worker = delivery.NewWorker(n.store, n.broker, n.dlqSvc, delivery.WorkerConfig{
		Tiers:       n.config.Tiers,
		Concurrency: n.config.Concurrency,
		SendTimeout: n.config.SendTimeout,
		Registry:    n.registry,
		Resolver:    n.resolver,
		Metrics:     n.metrics,
		Tracer:      n.tracer,
	}, n.logger)
}

// StartRelay begins publishing the outbox.
func (n *Notifly) StartRelay(ctx context.Context) error {
	if n.relay == nil {
		return ErrNoBroker
	}
	n.relay.Start(ctx)
	n.logger.InfoContext(ctx, "outbox relay started",
		"poll_interval", n.config.PollInterval, "batch_size", n.config.BatchSize)
	return nil
}

// StartWorker begins consuming every retry tier.
func (n *Notifly) StartWorker(ctx context.Context) error {
	if n.worker == nil {
		return ErrNoBroker
	}
	n.worker.Start(ctx)
	n.logger.InfoContext(ctx, "delivery worker started",
		"tiers", len(n.config.Tiers), "concurrency", n.config.Concurrency)
	return nil
}

// Stop gracefully shuts down the relay and the worker, waiting at most
// ShutdownTimeout.
func (n *Notifly) Stop(ctx context.Context) {
	if n.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if n.relay != nil {
			n.relay.Stop(ctx)
		}
		if n.worker != nil {
			n.worker.Stop(ctx)
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		n.logger.WarnContext(ctx, "shutdown timed out with work in flight")
	}
}

// RelayOnce runs one outbox poll cycle synchronously.
func (n *Notifly) RelayOnce(ctx context.Context) (int, error) {
	if n.relay == nil {
		return 0, ErrNoBroker
	}
	return n.relay.Tick(ctx)
}

// Ping checks store connectivity.
func (n *Notifly) Ping(ctx context.Context) error {
	return n.store.Ping(ctx)
}

// Store returns the underlying store.
func (n *Notifly) Store() store.Store {
	return n.store
}

// DLQ returns the DLQ service.
func (n *Notifly) DLQ() *dlq.Service {
	return n.dlqSvc
}

// Senders returns the channel sender registry.
func (n *Notifly) Senders() *channel.Registry {
	return n.registry
}

// Worker returns the delivery worker, or nil without a broker.
func (n *Notifly) Worker() *delivery.Worker {
	return n.worker
}
