// Package kafka implements broker.Broker on Apache Kafka using IBM/sarama.
//
// Publishing uses an idempotent SyncProducer that waits for all in-sync
// replicas. Consumption uses consumer groups; an offset is marked only after
// the handler succeeds, so a crash or handler error redelivers the record.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/xraph/notifly/broker"
)

// compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

// Config configures the Kafka adapter.
type Config struct {
	Brokers []string

	// GroupPrefix prefixes the consumer group id; the topic name is appended.
	GroupPrefix string

	// RetryBackoff is how long a failing record waits before it is handed to
	// the handler again.
	RetryBackoff time.Duration
}

// Broker publishes and consumes DeliveryEvents on Kafka.
type Broker struct {
	cfg      Config
	producer sarama.SyncProducer
	logger   *slog.Logger
}

func saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Return.Errors = true
	return cfg
}

// New connects a producer to the cluster.
func New(cfg Config, logger *slog.Logger) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker address is required")
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "notifly-worker"
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	prod, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka: new producer: %w", err)
	}
	return newWithProducer(cfg, prod, logger), nil
}

func newWithProducer(cfg Config, prod sarama.SyncProducer, logger *slog.Logger) *Broker {
	return &Broker{cfg: cfg, producer: prod, logger: logger}
}

// Publish implements broker.Publisher. The record key is msg.Key so that all
// attempts for one request land on the same partition.
func (b *Broker) Publish(ctx context.Context, msg *broker.Message) error {
	pm := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
	}
	if !msg.Timestamp.IsZero() {
		pm.Timestamp = msg.Timestamp
	}
	for k, v := range msg.Headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := b.producer.SendMessage(pm)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("kafka: publish %s: %w", msg.Topic, err)
		}
		return nil
	}
}

// Consume implements broker.Consumer. It starts concurrency members of one
// consumer group; Kafka spreads the topic's partitions across them.
func (b *Broker) Consume(ctx context.Context, topic string, concurrency int, h broker.Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	groupID := b.cfg.GroupPrefix + "." + topic

	groups := make([]sarama.ConsumerGroup, 0, concurrency)
	for range concurrency {
		group, err := sarama.NewConsumerGroup(b.cfg.Brokers, groupID, saramaConfig())
		if err != nil {
			for _, g := range groups {
				_ = g.Close()
			}
			return fmt.Errorf("kafka: new consumer group %s: %w", groupID, err)
		}
		groups = append(groups, group)
	}

	errs := make(chan error, concurrency)
	var wg sync.WaitGroup
	for i, group := range groups {
		wg.Add(1)
		go func(member int, group sarama.ConsumerGroup) {
			defer wg.Done()
			defer group.Close()
			go func() {
				for err := range group.Errors() {
					b.logger.ErrorContext(ctx, "consumer group error", "group", groupID, "member", member, "error", err)
				}
			}()
			handler := &groupHandler{h: h, backoff: b.cfg.RetryBackoff}
			for {
				if err := group.Consume(ctx, []string{topic}, handler); err != nil {
					if errors.Is(err, sarama.ErrClosedConsumerGroup) {
						return
					}
					errs <- fmt.Errorf("kafka: consume %s: %w", topic, err)
					return
				}
				if ctx.Err() != nil {
					return
				}
			}
		}(i, group)
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}
	return ctx.Err()
}

// Close shuts down the producer.
func (b *Broker) Close() error {
	return b.producer.Close()
}

// groupHandler adapts a broker.Handler to sarama.ConsumerGroupHandler.
type groupHandler struct {
	h       broker.Handler
	backoff time.Duration
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim processes one partition in order. A failed record is retried in
// place; the offset is never marked past an unacknowledged record.
func (g *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cm, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			msg := fromConsumerMessage(cm)
			for {
				err := g.h(ctx, msg)
				if err == nil {
					sess.MarkMessage(cm, "")
					break
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(g.backoff):
				}
			}
		}
	}
}

func fromConsumerMessage(cm *sarama.ConsumerMessage) *broker.Message {
	headers := make(map[string]string, len(cm.Headers))
	for _, h := range cm.Headers {
		if h != nil {
			headers[string(h.Key)] = string(h.Value)
		}
	}
	return &broker.Message{
		Topic:     cm.Topic,
		Key:       string(cm.Key),
		Value:     cm.Value,
		Headers:   headers,
		Timestamp: cm.Timestamp,
	}
}
