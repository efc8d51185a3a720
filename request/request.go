// Package request defines the persisted NotificationRequest created at
// admission and the payload hash used for idempotency checks.
package request

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/xraph/notifly/internal/entity"
	"github.com/xraph/notifly/outbox"
)

// StatusAccepted is the only status written at admission. Delivery truth
// lives in the delivery log.
const StatusAccepted = "ACCEPTED"

// Request is one admitted notification request.
type Request struct {
	entity.Entity

	TenantID       string            `json:"tenantId"`
	RequestID      string            `json:"requestId"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	PayloadHash    string            `json:"payloadHash"`
	RawPayload     json.RawMessage   `json:"rawPayload"`
	EventType      string            `json:"eventType"`
	UserID         string            `json:"userId,omitempty"`
	Recipient      string            `json:"recipient"`
	CorrelationID  string            `json:"correlationId"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         string            `json:"status"`
}

// Store persists requests. CreateRequest writes the request and its outbox
// entry in one transaction; a uniqueness violation on (tenant, requestId) or
// (tenant, idempotencyKey) is reported as notifly.ErrDuplicateRequest.
type Store interface {
	CreateRequest(ctx context.Context, req *Request, entry *outbox.Entry) error
	GetRequest(ctx context.Context, tenantID, requestID string) (*Request, error)
	GetRequestByIdempotencyKey(ctx context.Context, tenantID, key string) (*Request, error)
}

// HashPayload returns the base64 SHA-256 of the canonical JSON encoding of v.
// Map keys are sorted by encoding/json, so logically equal bodies hash equal.
func HashPayload(v any) (string, []byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("request: marshal payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:]), raw, nil
}
