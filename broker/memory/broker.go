// Package memory provides an in-process Broker for tests and single-binary
// deployments. Unacknowledged messages are redelivered.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/notifly/broker"
)

// compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

// Broker is an in-memory, at-least-once message broker.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*queue
	closed bool

	// RedeliveryDelay is how long a nacked message waits before it becomes
	// visible again.
	RedeliveryDelay time.Duration
}

type queue struct {
	ch        chan *broker.Message
	published []*broker.Message
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		topics:          make(map[string]*queue),
		RedeliveryDelay: 10 * time.Millisecond,
	}
}

func (b *Broker) queue(topic string) *queue {
	q, ok := b.topics[topic]
	if !ok {
		q = &queue{ch: make(chan *broker.Message, 1024)}
		b.topics[topic] = q
	}
	return q
}

// Publish implements broker.Publisher.
func (b *Broker) Publish(ctx context.Context, msg *broker.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	cp := *msg
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	q := b.queue(cp.Topic)
	q.published = append(q.published, &cp)
	b.mu.Unlock()

	select {
	case q.ch <- &cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume implements broker.Consumer.
func (b *Broker) Consume(ctx context.Context, topic string, concurrency int, h broker.Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	q := b.queue(topic)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-q.ch:
					if err := h(ctx, msg); err != nil {
						b.redeliver(ctx, q, msg)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (b *Broker) redeliver(ctx context.Context, q *queue, msg *broker.Message) {
	select {
	case <-ctx.Done():
		// Put it back for the next consumer without blocking shutdown.
		select {
		case q.ch <- msg:
		default:
		}
	case <-time.After(b.RedeliveryDelay):
		q.ch <- msg
	}
}

// Published returns every message ever published to topic, in order.
func (b *Broker) Published(topic string) []*broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.topics[topic]
	if !ok {
		return nil
	}
	return append([]*broker.Message(nil), q.published...)
}

// Drain removes and returns the messages currently waiting on topic without
// running any handler.
func (b *Broker) Drain(topic string) []*broker.Message {
	b.mu.Lock()
	q := b.queue(topic)
	b.mu.Unlock()

	var out []*broker.Message
	for {
		select {
		case msg := <-q.ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Close rejects further publishes and subscriptions.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
