package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/notifly/broker"
	"github.com/xraph/notifly/observability"
)

// RelayConfig holds relay configuration.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	ClaimLease   time.Duration
	Topic        string
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
}

// Relay polls PENDING outbox entries and publishes them to the broker.
type Relay struct {
	store     Store
	publisher broker.Publisher
	config    RelayConfig
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelay creates an outbox relay.
func NewRelay(store Store, publisher broker.Publisher, cfg RelayConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = broker.TopicPrimary
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 30 * time.Second
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
	}
}

// Start begins the poll loop.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pollLoop(ctx)
	}()
}

// Stop cancels the poll loop and waits for the in-flight batch to finish.
func (r *Relay) Stop(_ context.Context) {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Relay) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				r.logger.ErrorContext(ctx, "outbox claim failed", "error", err)
			}
		}
	}
}

// Tick runs one poll cycle and returns how many entries were published.
// Entries are published sequentially so per-aggregate order within a batch
// follows creation order.
func (r *Relay) Tick(ctx context.Context) (int, error) {
	batch, err := r.store.ClaimPending(ctx, r.config.BatchSize, r.config.ClaimLease)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, e := range batch {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if r.publish(ctx, e) {
			published++
		}
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, e *Entry) bool {
	var span trace.Span
	if r.config.Tracer != nil {
		ctx, span = r.config.Tracer.StartPublishSpan(ctx, e.ID.String(), e.TenantID, e.AggregateID)
	}

	headers := map[string]string{broker.HeaderTenantID: e.TenantID}
	if e.CorrelationID != "" {
		headers[broker.HeaderCorrelationID] = e.CorrelationID
	}
	pubErr := r.publisher.Publish(ctx, &broker.Message{
		Topic:     r.config.Topic,
		Key:       e.AggregateID,
		Value:     e.Payload,
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	})

	if pubErr != nil {
		r.logger.ErrorContext(ctx, "outbox publish failed",
			"outbox_id", e.ID, "request_id", e.AggregateID, "tenant_id", e.TenantID, "error", pubErr)
		if err := r.store.MarkFailed(ctx, e.ID, pubErr.Error()); err != nil {
			r.logger.ErrorContext(ctx, "mark outbox failed",
				"outbox_id", e.ID, "error", err)
		}
		if r.config.Metrics != nil {
			r.config.Metrics.OutboxFailed.Inc()
		}
		if span != nil {
			r.config.Tracer.EndSpan(span, pubErr.Error())
		}
		return false
	}

	if err := r.store.MarkSent(ctx, e.ID); err != nil {
		// Published but still PENDING: redelivered after the lease expires.
		r.logger.ErrorContext(ctx, "mark outbox sent",
			"outbox_id", e.ID, "error", err)
	}
	if r.config.Metrics != nil {
		r.config.Metrics.OutboxPublished.Inc()
	}
	if span != nil {
		r.config.Tracer.EndSpan(span, "")
	}
	r.logger.DebugContext(ctx, "outbox published",
		"outbox_id", e.ID, "request_id", e.AggregateID, "tenant_id", e.TenantID)
	return true
}
