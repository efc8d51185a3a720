package dlq

import (
	"context"
	"time"

	"github.com/xraph/notifly/id"
)

// Store defines the persistence contract for dead letters.
type Store interface {
	// PushDLQ persists an entry and reports whether it was inserted. A
	// second entry for the same (tenant, requestId, correlationId) is a
	// no-op that returns false.
	PushDLQ(ctx context.Context, entry *Entry) (bool, error)

	// ListDLQ returns entries, newest first, optionally filtered.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDLQ returns an entry by ID.
	GetDLQ(ctx context.Context, dlqID id.ID) (*Entry, error)

	// CountDLQ returns the number of entries for a tenant, or all entries
	// when tenantID is empty.
	CountDLQ(ctx context.Context, tenantID string) (int64, error)

	// PurgeDLQ deletes entries that failed before the threshold.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)
}
