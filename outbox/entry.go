// Package outbox holds the transactional outbox entries written at admission
// and the relay that publishes them to the broker.
package outbox

import (
	"context"
	"time"

	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/internal/entity"
)

// Status is the publication state of an outbox entry.
type Status string

const (
	// StatusPending entries await publication.
	StatusPending Status = "PENDING"

	// StatusSent entries were acknowledged by the broker. Terminal.
	StatusSent Status = "SENT"

	// StatusFailed entries could not be published. Terminal; never republished
	// by the relay.
	StatusFailed Status = "FAILED"
)

// Entry is one to-be-published DeliveryEvent.
type Entry struct {
	entity.Entity

	ID            id.ID      `json:"id"`
	TenantID      string     `json:"tenantId"`
	AggregateID   string     `json:"aggregateId"`
	CorrelationID string     `json:"correlationId,omitempty"`
	Payload       []byte     `json:"payload"`
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retryCount"`
	LastError     string     `json:"lastError,omitempty"`
	ClaimedUntil  *time.Time `json:"claimedUntil,omitempty"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
}

// Store defines the relay's view of outbox persistence.
type Store interface {
	// ClaimPending leases up to limit PENDING entries, oldest first. An entry
	// leased by one caller is not returned to another until the lease expires.
	// Implementations must use row ownership (e.g. SKIP LOCKED).
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*Entry, error)

	// MarkSent transitions a PENDING entry to SENT.
	MarkSent(ctx context.Context, entryID id.ID) error

	// MarkFailed transitions a PENDING entry to FAILED with the publish error.
	MarkFailed(ctx context.Context, entryID id.ID, lastError string) error

	// GetOutboxByAggregate returns the entry for a request.
	GetOutboxByAggregate(ctx context.Context, tenantID, aggregateID string) (*Entry, error)

	// CountPending returns the number of entries awaiting publication.
	CountPending(ctx context.Context) (int64, error)
}
