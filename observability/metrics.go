package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gu "github.com/xraph/go-utils/metrics"
)

// Metrics holds the pipeline's metric instruments, backed by any go-utils
// MetricFactory (e.g. fapp.Metrics() when embedded in a forge app).
type Metrics struct {
	NotificationsAccepted gu.Counter
	NotificationsRejected gu.Counter
	OutboxPublished       gu.Counter
	OutboxFailed          gu.Counter
	DeliveryAttempts      gu.Counter
	SendLatency           gu.Histogram
	Retries               gu.Counter
	DeadLetters           gu.Counter
}

// NewMetrics creates the instruments using the supplied factory. Pass
// metrics.NewMetricsCollector("notifly") for standalone usage.
func NewMetrics(factory gu.MetricFactory) *Metrics {
	return &Metrics{
		NotificationsAccepted: factory.Counter("notifly_notifications_accepted_total"),
		NotificationsRejected: factory.Counter("notifly_notifications_rejected_total"),
		OutboxPublished:       factory.Counter("notifly_outbox_published_total"),
		OutboxFailed:          factory.Counter("notifly_outbox_failed_total"),
		DeliveryAttempts:      factory.Counter("notifly_delivery_attempts_total"),
		SendLatency:           factory.Histogram("notifly_send_latency_seconds"),
		Retries:               factory.Counter("notifly_retries_total"),
		DeadLetters:           factory.Counter("notifly_dead_letters_total"),
	}
}

// RecordRejection counts a request turned away at admission.
func (m *Metrics) RecordRejection(reason string) {
	m.NotificationsRejected.WithLabels(map[string]string{"reason": reason}).Inc()
}

// RecordAttempt records one channel send with its status and latency.
func (m *Metrics) RecordAttempt(channel, status string, latencySeconds float64) {
	m.DeliveryAttempts.WithLabels(map[string]string{"channel": channel, "status": status}).Inc()
	m.SendLatency.Observe(latencySeconds)
}

// RecordRetry counts an event re-emitted to the given tier topic.
func (m *Metrics) RecordRetry(topic string) {
	m.Retries.WithLabels(map[string]string{"topic": topic}).Inc()
}

// RecordDeadLetter counts a newly stored dead letter. The DLQ size is read
// from the store by BacklogCollector, so purges and replays never skew it.
func (m *Metrics) RecordDeadLetter(code string) {
	m.DeadLetters.WithLabels(map[string]string{"code": code}).Inc()
}

// BacklogSource reports the durable backlog sizes.
type BacklogSource interface {
	CountPending(ctx context.Context) (int64, error)
	CountDLQ(ctx context.Context, tenantID string) (int64, error)
}

// BacklogCollector exports the outbox and dead letter backlog, read from the
// store on every scrape, as Prometheus gauges.
type BacklogCollector struct {
	src     BacklogSource
	timeout time.Duration

	pending *prometheus.Desc
	dlq     *prometheus.Desc
}

var _ prometheus.Collector = (*BacklogCollector)(nil)

// NewBacklogCollector creates a collector over src.
func NewBacklogCollector(src BacklogSource) *BacklogCollector {
	return &BacklogCollector{
		src:     src,
		timeout: 2 * time.Second,
		pending: prometheus.NewDesc("notifly_outbox_pending",
			"Outbox entries awaiting publication.", nil, nil),
		dlq: prometheus.NewDesc("notifly_dlq_entries",
			"Dead letter entries currently stored.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *BacklogCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
	ch <- c.dlq
}

// Collect implements prometheus.Collector. A failed count is reported as an
// invalid metric rather than a stale value.
func (c *BacklogCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if n, err := c.src.CountPending(ctx); err != nil {
		ch <- prometheus.NewInvalidMetric(c.pending, err)
	} else {
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(n))
	}
	if n, err := c.src.CountDLQ(ctx, ""); err != nil {
		ch <- prometheus.NewInvalidMetric(c.dlq, err)
	} else {
		ch <- prometheus.MustNewConstMetric(c.dlq, prometheus.GaugeValue, float64(n))
	}
}
