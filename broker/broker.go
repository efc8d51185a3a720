// Package broker defines the publish/consume contracts the pipeline needs from
// a message broker, plus the topic chain that encodes the retry schedule.
package broker

import (
	"context"
	"errors"
	"time"
)

// Topic chain. Names encode the fixed backoff schedule.
const (
	TopicPrimary    = "notification.events"
	TopicRetry1s    = "notification.retry.1s"
	TopicRetry5s    = "notification.retry.5s"
	TopicRetry30s   = "notification.retry.30s"
	TopicDeadLetter = "notification.dlq"
)

// Header keys attached to every published message.
const (
	HeaderTenantID      = "x-tenant-id"
	HeaderCorrelationID = "x-correlation-id"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Message is one record read from or written to a topic.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Publisher writes messages to topics. Publish returns only after the broker
// acknowledged the write.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// Handler processes one message. Returning nil acknowledges it; returning an
// error leaves it unacknowledged so the broker redelivers it.
type Handler func(ctx context.Context, msg *Message) error

// Consumer runs handlers for a topic. Consume blocks until ctx is cancelled or
// the subscription fails, invoking h from up to concurrency goroutines.
type Consumer interface {
	Consume(ctx context.Context, topic string, concurrency int, h Handler) error
}

// Broker is a Publisher and Consumer with a lifecycle.
type Broker interface {
	Publisher
	Consumer
	Close() error
}
