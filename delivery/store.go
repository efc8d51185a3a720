package delivery

import "context"

// Store defines the persistence contract for the delivery log.
type Store interface {
	// AppendLog inserts a row. A row with the same
	// (tenant, requestId, correlationId, channel, retryAttempt) already
	// present is a no-op.
	AppendLog(ctx context.Context, l *Log) error

	// HasSuccess reports whether a SUCCESS row exists for the request on
	// any of the given channels.
	HasSuccess(ctx context.Context, tenantID, requestID string, channels []string) (bool, error)

	// ListLogs returns a request's rows in creation order.
	ListLogs(ctx context.Context, tenantID, requestID string) ([]*Log, error)
}
