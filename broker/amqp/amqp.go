// Package amqp implements broker.Broker on RabbitMQ using rabbitmq/amqp091-go.
//
// Each topic maps to one durable queue on the default exchange. Publishes wait
// for a publisher confirm; deliveries are acked manually after the handler
// succeeds and nacked with requeue otherwise.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xraph/notifly/broker"
)

// compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

// headerKey carries broker.Message.Key, since queues have no record key.
const headerKey = "x-message-key"

// ErrNotConfirmed is returned when the server nacks a publish.
var ErrNotConfirmed = errors.New("amqp: publish not confirmed")

// channel is the subset of *amqp.Channel the adapter uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Broker publishes and consumes DeliveryEvents on RabbitMQ.
type Broker struct {
	conn   *amqp.Connection
	openCh func() (channel, error)
	logger *slog.Logger

	mu       sync.Mutex
	pub      channel
	declared map[string]bool
}

// Dial connects to url and opens a confirm-mode publishing channel.
func Dial(url string, logger *slog.Logger) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: open publish channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: enable confirms: %w", err)
	}
	b := newBroker(pub, func() (channel, error) { return conn.Channel() }, logger)
	b.conn = conn
	return b, nil
}

func newBroker(pub channel, open func() (channel, error), logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		openCh:   open,
		pub:      pub,
		logger:   logger,
		declared: make(map[string]bool),
	}
}

func declare(ch channel, topic string) error {
	_, err := ch.QueueDeclare(topic, true, false, false, false, nil)
	return err
}

// Publish implements broker.Publisher.
func (b *Broker) Publish(ctx context.Context, msg *broker.Message) error {
	headers := amqp.Table{headerKey: msg.Key}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	b.mu.Lock()
	if !b.declared[msg.Topic] {
		if err := declare(b.pub, msg.Topic); err != nil {
			b.mu.Unlock()
			return fmt.Errorf("amqp: declare %s: %w", msg.Topic, err)
		}
		b.declared[msg.Topic] = true
	}
	dc, err := b.pub.PublishWithDeferredConfirmWithContext(ctx, "", msg.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Key,
		Timestamp:    msg.Timestamp,
		Headers:      headers,
		Body:         msg.Value,
	})
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("amqp: publish %s: %w", msg.Topic, err)
	}
	if dc == nil {
		// Channel not in confirm mode.
		return nil
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp: await confirm: %w", err)
	}
	if !ok {
		return ErrNotConfirmed
	}
	return nil
}

// Consume implements broker.Consumer. Prefetch is set to concurrency so the
// server never hands this consumer more unacked deliveries than it has workers.
func (b *Broker) Consume(ctx context.Context, topic string, concurrency int, h broker.Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := b.openCh()
	if err != nil {
		return fmt.Errorf("amqp: open consume channel: %w", err)
	}
	defer ch.Close()

	if err := declare(ch, topic); err != nil {
		return fmt.Errorf("amqp: declare %s: %w", topic, err)
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("amqp: qos: %w", err)
	}
	deliveries, err := ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: consume %s: %w", topic, err)
	}

	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					b.handle(ctx, topic, d, h)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// handle runs h and settles the delivery: ack on success, nack with requeue
// on error.
func (b *Broker) handle(ctx context.Context, topic string, d amqp.Delivery, h broker.Handler) {
	if err := h(ctx, fromDelivery(topic, d)); err != nil {
		if nackErr := d.Nack(false, true); nackErr != nil {
			b.logger.ErrorContext(ctx, "nack failed", "topic", topic, "error", nackErr)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		b.logger.ErrorContext(ctx, "ack failed", "topic", topic, "error", err)
	}
}

func fromDelivery(topic string, d amqp.Delivery) *broker.Message {
	headers := make(map[string]string, len(d.Headers))
	key := d.MessageId
	for k, v := range d.Headers {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == headerKey {
			key = s
			continue
		}
		headers[k] = s
	}
	return &broker.Message{
		Topic:     topic,
		Key:       key,
		Value:     d.Body,
		Headers:   headers,
		Timestamp: d.Timestamp,
	}
}

// Close closes the publishing channel and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	if b.pub != nil {
		errs = append(errs, b.pub.Close())
	}
	if b.conn != nil {
		errs = append(errs, b.conn.Close())
	}
	return errors.Join(errs...)
}
