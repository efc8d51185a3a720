package dlq

import (
	"time"

	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/internal/entity"
)

// Error codes recorded on dead letters.
const (
	CodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
	CodeDeserialization    = "DESERIALIZATION_ERROR"
)

// Entry is the terminal record of a notification that exhausted every retry
// tier or could not be decoded. Entries are immutable.
type Entry struct {
	entity.Entity

	// ID is the unique TypeID for this entry.
	ID id.ID `json:"id"`

	// TenantID and RequestID identify the failed notification. At most one
	// entry exists per processing cycle of a request.
	TenantID  string `json:"tenantId"`
	RequestID string `json:"requestId"`

	// CorrelationID identifies the cycle that failed. Replays mint a new one.
	CorrelationID string `json:"correlationId,omitempty"`

	// Channels is the comma-joined list of channels attempted last.
	Channels string `json:"channels"`

	Recipient    string `json:"recipient,omitempty"`
	RetryAttempt int    `json:"retryAttempt"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`

	// Payload is the last event bytes received, kept for replay.
	Payload []byte `json:"payload"`

	FailedAt time.Time `json:"failedAt"`
}

// ListOpts configures filtering and pagination for listing.
type ListOpts struct {
	Offset   int
	Limit    int
	TenantID string
	From     *time.Time
	To       *time.Time
}
