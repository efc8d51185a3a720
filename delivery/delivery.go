// Package delivery consumes DeliveryEvents from the retry-tier topics, tries
// each channel in fallback order, records the outcome in the append-only
// delivery log, and advances failures to the next tier or the dead letter
// sink.
package delivery

import (
	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/internal/entity"
)

// Status is the outcome recorded on a delivery log row.
type Status string

const (
	// StatusSuccess means one channel accepted the notification.
	StatusSuccess Status = "SUCCESS"

	// StatusFailed means every channel tried in an attempt failed.
	StatusFailed Status = "FAILED"
)

// Log is one append-only delivery outcome, unique per
// (tenant, requestId, correlationId, channel, retryAttempt). A dead letter
// replay mints a new correlation id, so each replayed cycle writes its own
// rows.
type Log struct {
	entity.Entity

	// ID is the unique TypeID for this row.
	ID id.ID `json:"id"`

	TenantID  string `json:"tenantId"`
	RequestID string `json:"requestId"`

	// CorrelationID identifies the processing cycle the row belongs to.
	CorrelationID string `json:"correlationId,omitempty"`

	// Channel is the channel that succeeded, or the comma-joined list of
	// channels tried when Status is FAILED.
	Channel string `json:"channel"`

	Status Status `json:"status"`

	// RetryAttempt is the tier index the attempt ran on.
	RetryAttempt int `json:"retryAttempt"`

	ProviderLatencyMs int64  `json:"providerLatencyMs"`
	ErrorDetails      string `json:"errorDetails,omitempty"`
}
