// Package dlq is the dead letter sink: the durable record of notifications
// the pipeline gave up on, with operator listing and replay.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/notifly/broker"
	"github.com/xraph/notifly/event"
	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/scope"
)

// ErrNotReplayable is returned by Replay when the stored payload is not a
// valid event.
var ErrNotReplayable = errors.New("dlq: entry is not replayable")

// Service manages the dead letter sink.
type Service struct {
	store     Store
	publisher broker.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a DLQ service. publisher may be nil, in which case
// Replay is unavailable.
func NewService(store Store, publisher broker.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		now:       time.Now,
		logger:    logger,
	}
}

// Record persists a dead letter, filling ID and timestamps when unset. It
// reports false when the cycle already has an entry.
func (svc *Service) Record(ctx context.Context, entry *Entry) (bool, error) {
	now := svc.now().UTC()
	if entry.ID.IsNil() {
		entry.ID = id.NewDLQID()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = now
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
		entry.UpdatedAt = now
	}
	inserted, err := svc.store.PushDLQ(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("dlq: record: %w", err)
	}
	if !inserted {
		svc.logger.DebugContext(ctx, "dead letter already recorded",
			"tenant_id", entry.TenantID,
			"request_id", entry.RequestID,
			"correlation_id", entry.CorrelationID,
		)
		return false, nil
	}
	svc.logger.WarnContext(ctx, "dead letter recorded",
		"dlq_id", entry.ID,
		"tenant_id", entry.TenantID,
		"request_id", entry.RequestID,
		"correlation_id", entry.CorrelationID,
		"error_code", entry.ErrorCode,
		"attempt", entry.RetryAttempt,
	)
	return true, nil
}

// List returns entries matching the given options.
func (svc *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return svc.store.ListDLQ(ctx, opts)
}

// Get returns an entry by ID.
func (svc *Service) Get(ctx context.Context, dlqID id.ID) (*Entry, error) {
	return svc.store.GetDLQ(ctx, dlqID)
}

// Count returns the number of entries for tenantID, or all when empty.
func (svc *Service) Count(ctx context.Context, tenantID string) (int64, error) {
	return svc.store.CountDLQ(ctx, tenantID)
}

// Purge removes entries that failed before the threshold.
func (svc *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	return svc.store.PurgeDLQ(ctx, before)
}

// Replay publishes a fresh copy of the entry's event to the primary topic
// with retryCount 0, a new correlation id and createdAt now. The entry itself
// is left untouched.
func (svc *Service) Replay(ctx context.Context, dlqID id.ID) (*event.DeliveryEvent, error) {
	if svc.publisher == nil {
		return nil, errors.New("dlq: replay requires a publisher")
	}

	entry, err := svc.store.GetDLQ(ctx, dlqID)
	if err != nil {
		return nil, err
	}

	evt, err := event.Decode(entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotReplayable, err)
	}
	if scoped := scope.TenantID(ctx); scoped != "" && scoped != evt.TenantID {
		return nil, fmt.Errorf("%w: tenant mismatch", ErrNotReplayable)
	}

	evt.RetryCount = 0
	evt.CorrelationID = scope.NewCorrelationID()
	evt.CreatedAt = svc.now().UnixMilli()

	raw, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("dlq: encode replay: %w", err)
	}
	err = svc.publisher.Publish(ctx, &broker.Message{
		Topic: broker.TopicPrimary,
		Key:   evt.RequestID,
		Value: raw,
		Headers: map[string]string{
			broker.HeaderTenantID:      evt.TenantID,
			broker.HeaderCorrelationID: evt.CorrelationID,
		},
		Timestamp: svc.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("dlq: publish replay: %w", err)
	}

	svc.logger.InfoContext(ctx, "dead letter replayed",
		"dlq_id", entry.ID,
		"tenant_id", evt.TenantID,
		"request_id", evt.RequestID,
		"correlation_id", evt.CorrelationID,
	)
	return evt, nil
}
