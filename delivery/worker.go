package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/notifly/broker"
	"github.com/xraph/notifly/channel"
	"github.com/xraph/notifly/dlq"
	"github.com/xraph/notifly/event"
	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/internal/entity"
	"github.com/xraph/notifly/observability"
	"github.com/xraph/notifly/policy"
	"github.com/xraph/notifly/scope"
)

// DLQRecorder persists terminal failures.
type DLQRecorder interface {
	Record(ctx context.Context, entry *dlq.Entry) (bool, error)
}

// ChannelResolver computes the channel try order for one event.
type ChannelResolver interface {
	Resolve(ctx context.Context, tenantID, eventType, userID string, requested []string) ([]string, error)
}

// Outcomes reported on delivery spans.
const (
	outcomeDelivered    = "delivered"
	outcomeDuplicate    = "duplicate"
	outcomeRetried      = "retried"
	outcomeDeadLettered = "dead_lettered"
)

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Tiers       []Tier
	Concurrency int
	SendTimeout time.Duration
	Registry    *channel.Registry
	Resolver    ChannelResolver
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer

	// Now overrides the clock used for tier delays.
	Now func() time.Time
}

// Worker consumes every retry tier and delivers events.
type Worker struct {
	store  Store
	broker broker.Broker
	dlq    DLQRecorder
	config WorkerConfig
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a delivery worker.
func NewWorker(store Store, b broker.Broker, dlq DLQRecorder, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Registry == nil {
		cfg.Registry = channel.NewStubRegistry()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = policy.NewResolver(nil, policy.Config{}, logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{
		store:  store,
		broker: b,
		dlq:    dlq,
		config: cfg,
		logger: logger,
	}
}

// MaxAttempts is the number of tiers.
func (w *Worker) MaxAttempts() int { return len(w.config.Tiers) }

// Start subscribes one consumer group per tier.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	for i, tier := range w.config.Tiers {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.consumeLoop(ctx, i, tier)
		}()
	}
}

// Stop cancels every tier consumer and waits for in-flight messages.
func (w *Worker) Stop(_ context.Context) {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) consumeLoop(ctx context.Context, idx int, tier Tier) {
	handler := func(ctx context.Context, msg *broker.Message) error {
		if err := w.waitUntilDue(ctx, tier, msg); err != nil {
			return err
		}
		return w.Process(ctx, idx, msg)
	}

	for {
		err := w.broker.Consume(ctx, tier.Topic, w.config.Concurrency, handler)
		if ctx.Err() != nil {
			return
		}
		w.logger.ErrorContext(ctx, "tier consumer stopped",
			"topic", tier.Topic, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// waitUntilDue blocks until the message's publish time plus the tier delay.
func (w *Worker) waitUntilDue(ctx context.Context, tier Tier, msg *broker.Message) error {
	if tier.Delay <= 0 || msg.Timestamp.IsZero() {
		return nil
	}
	wait := msg.Timestamp.Add(tier.Delay).Sub(w.config.Now())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Process handles one message received on the given tier. A nil return means
// the outcome is durable and the message may be acknowledged.
func (w *Worker) Process(ctx context.Context, tier int, msg *broker.Message) error {
	if tier < 0 || tier >= len(w.config.Tiers) {
		return fmt.Errorf("delivery: unknown tier %d", tier)
	}

	evt, err := event.Decode(msg.Value)
	if err != nil {
		return w.processMalformed(ctx, tier, msg, err)
	}
	ctx = scope.Restore(ctx, evt.TenantID, evt.CorrelationID)

	var span trace.Span
	if w.config.Tracer != nil {
		ctx, span = w.config.Tracer.StartDeliverySpan(ctx, evt.TenantID, evt.RequestID, tier)
	}

	outcome, ch, err := w.deliver(ctx, tier, evt, msg)

	if span != nil {
		errStr := ""
		if err != nil {
			errStr = err.Error()
		}
		w.config.Tracer.EndDeliverySpan(span, outcome, ch, errStr)
	}
	return err
}

func (w *Worker) deliver(ctx context.Context, tier int, evt *event.DeliveryEvent, msg *broker.Message) (string, string, error) {
	done, err := w.store.HasSuccess(ctx, evt.TenantID, evt.RequestID, evt.Channels)
	if err != nil {
		return "", "", fmt.Errorf("delivery: check prior success: %w", err)
	}
	if done {
		w.logger.DebugContext(ctx, "already delivered, skipping",
			"request_id", evt.RequestID, "tenant_id", evt.TenantID, "attempt", tier)
		return outcomeDuplicate, "", nil
	}

	order, err := w.config.Resolver.Resolve(ctx, evt.TenantID, evt.EventType, evt.UserID, evt.Channels)
	if err != nil {
		return "", "", fmt.Errorf("delivery: resolve channels: %w", err)
	}

	failures := make([]string, 0, len(order))
	for _, ch := range order {
		res := w.config.Registry.Send(ctx, ch, channel.Message{
			TenantID:      evt.TenantID,
			RequestID:     evt.RequestID,
			EventType:     evt.EventType,
			CorrelationID: evt.CorrelationID,
			Recipient:     evt.RecipientFor(ch),
			Subject:       evt.Subject,
			Content:       evt.Content,
		}, w.config.SendTimeout)

		if w.config.Metrics != nil {
			status := string(StatusSuccess)
			if !res.Success {
				status = string(StatusFailed)
			}
			w.config.Metrics.RecordAttempt(ch, status, float64(res.LatencyMs)/1000.0)
		}

		if res.Success {
			if err := w.appendLog(ctx, &Log{
				TenantID:          evt.TenantID,
				RequestID:         evt.RequestID,
				CorrelationID:     evt.CorrelationID,
				Channel:           ch,
				Status:            StatusSuccess,
				RetryAttempt:      tier,
				ProviderLatencyMs: res.LatencyMs,
			}); err != nil {
				return "", ch, err
			}
			w.logger.InfoContext(ctx, "notification delivered",
				"request_id", evt.RequestID, "tenant_id", evt.TenantID,
				"channel", ch, "attempt", tier, "latency_ms", res.LatencyMs)
			return outcomeDelivered, ch, nil
		}

		failures = append(failures, fmt.Sprintf("%s: %s %s", ch, res.ErrorCode, res.ErrorMessage))
		w.logger.WarnContext(ctx, "channel send failed",
			"request_id", evt.RequestID, "tenant_id", evt.TenantID,
			"channel", ch, "attempt", tier, "error_code", res.ErrorCode, "error", res.ErrorMessage)
	}

	// Sends cut short by shutdown are not failures; leave the message for
	// redelivery.
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	tried := strings.Join(order, ",")
	details := strings.Join(failures, "; ")
	if err := w.appendLog(ctx, &Log{
		TenantID:      evt.TenantID,
		RequestID:     evt.RequestID,
		CorrelationID: evt.CorrelationID,
		Channel:       tried,
		Status:        StatusFailed,
		RetryAttempt:  tier,
		ErrorDetails:  details,
	}); err != nil {
		return "", tried, err
	}

	if tier+1 < len(w.config.Tiers) {
		raw, err := event.Encode(evt.NextAttempt())
		if err != nil {
			return "", tried, fmt.Errorf("delivery: encode retry: %w", err)
		}
		if err := w.forward(ctx, tier, evt.RequestID, raw, headersFor(msg, evt)); err != nil {
			return "", tried, err
		}
		return outcomeRetried, tried, nil
	}

	w.logger.ErrorContext(ctx, "delivery attempts exhausted",
		"request_id", evt.RequestID, "tenant_id", evt.TenantID,
		"attempt", tier, "error", ErrMaxRetriesExceeded)
	if err := w.deadLetter(ctx, &dlq.Entry{
		TenantID:      evt.TenantID,
		RequestID:     evt.RequestID,
		CorrelationID: evt.CorrelationID,
		Channels:      tried,
		Recipient:     evt.Recipient,
		RetryAttempt:  tier,
		ErrorCode:     dlq.CodeMaxRetriesExceeded,
		ErrorMessage:  details,
		Payload:       msg.Value,
	}); err != nil {
		return "", tried, err
	}
	return outcomeDeadLettered, tried, nil
}

// processMalformed advances an undecodable message unchanged. No log row is
// written because its tenant and request identity cannot be trusted.
func (w *Worker) processMalformed(ctx context.Context, tier int, msg *broker.Message, decodeErr error) error {
	tenantID := msg.Headers[broker.HeaderTenantID]
	w.logger.WarnContext(ctx, "malformed delivery event",
		"key", msg.Key, "tenant_id", tenantID, "attempt", tier, "error", decodeErr)

	if tier+1 < len(w.config.Tiers) {
		return w.forward(ctx, tier, msg.Key, msg.Value, msg.Headers)
	}
	return w.deadLetter(ctx, &dlq.Entry{
		TenantID:      tenantID,
		RequestID:     msg.Key,
		CorrelationID: msg.Headers[broker.HeaderCorrelationID],
		RetryAttempt:  tier,
		ErrorCode:     dlq.CodeDeserialization,
		ErrorMessage:  decodeErr.Error(),
		Payload:       msg.Value,
	})
}

func (w *Worker) appendLog(ctx context.Context, l *Log) error {
	l.Entity = entity.New()
	l.ID = id.NewDeliveryLogID()
	if err := w.store.AppendLog(ctx, l); err != nil {
		return fmt.Errorf("delivery: append log: %w", err)
	}
	return nil
}

func (w *Worker) forward(ctx context.Context, tier int, key string, value []byte, headers map[string]string) error {
	next := w.config.Tiers[tier+1]
	err := w.broker.Publish(ctx, &broker.Message{
		Topic:     next.Topic,
		Key:       key,
		Value:     value,
		Headers:   headers,
		Timestamp: w.config.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("delivery: publish to %s: %w", next.Topic, err)
	}
	if w.config.Metrics != nil {
		w.config.Metrics.RecordRetry(next.Topic)
	}
	w.logger.DebugContext(ctx, "retry scheduled",
		"key", key, "attempt", tier+1, "topic", next.Topic, "delay", next.Delay)
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, entry *dlq.Entry) error {
	if w.dlq == nil {
		return fmt.Errorf("delivery: no dead letter sink for request %q", entry.RequestID)
	}
	inserted, err := w.dlq.Record(ctx, entry)
	if err != nil {
		return fmt.Errorf("delivery: record dead letter: %w", err)
	}
	if inserted && w.config.Metrics != nil {
		w.config.Metrics.RecordDeadLetter(entry.ErrorCode)
	}
	return nil
}

func headersFor(msg *broker.Message, evt *event.DeliveryEvent) map[string]string {
	h := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		h[k] = v
	}
	h[broker.HeaderTenantID] = evt.TenantID
	if evt.CorrelationID != "" {
		h[broker.HeaderCorrelationID] = evt.CorrelationID
	}
	return h
}
