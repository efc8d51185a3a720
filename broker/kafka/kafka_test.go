package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/xraph/notifly/broker"
)

func TestPublishSendsKeyedRecord(t *testing.T) {
	prod := mocks.NewSyncProducer(t, saramaConfig())
	prod.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		key, _ := pm.Key.Encode()
		if string(key) != "req-1" {
			return errors.New("unexpected key " + string(key))
		}
		if pm.Topic != broker.TopicPrimary {
			return errors.New("unexpected topic " + pm.Topic)
		}
		if len(pm.Headers) != 1 || string(pm.Headers[0].Key) != broker.HeaderTenantID {
			return errors.New("missing tenant header")
		}
		return nil
	})
	b := newWithProducer(Config{}, prod, nil)
	defer b.Close()

	err := b.Publish(context.Background(), &broker.Message{
		Topic:   broker.TopicPrimary,
		Key:     "req-1",
		Value:   []byte(`{}`),
		Headers: map[string]string{broker.HeaderTenantID: "tenant-1"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestPublishFailureIsReturned(t *testing.T) {
	prod := mocks.NewSyncProducer(t, saramaConfig())
	prod.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	b := newWithProducer(Config{}, prod, nil)
	defer b.Close()

	err := b.Publish(context.Background(), &broker.Message{Topic: broker.TopicPrimary, Key: "k"})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected ErrOutOfBrokers, got %v", err)
	}
}

func TestFromConsumerMessage(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	msg := fromConsumerMessage(&sarama.ConsumerMessage{
		Topic:     broker.TopicRetry5s,
		Key:       []byte("req-1"),
		Value:     []byte("v"),
		Timestamp: ts,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(broker.HeaderCorrelationID), Value: []byte("corr-1")},
			nil,
		},
	})
	if msg.Key != "req-1" || msg.Topic != broker.TopicRetry5s || !msg.Timestamp.Equal(ts) {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Headers[broker.HeaderCorrelationID] != "corr-1" {
		t.Fatalf("missing header: %v", msg.Headers)
	}
}
