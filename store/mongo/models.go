package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/notifly/dlq"
	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/internal/entity"
)

// --- DLQ models ---

type dlqEntryModel struct {
	grove.BaseModel `grove:"table:notifly_dead_letters"`

	ID            string    `grove:"id,pk"          bson:"_id"`
	TenantID      string    `grove:"tenant_id"      bson:"tenant_id"`
	RequestID     string    `grove:"request_id"     bson:"request_id,omitempty"`
	CorrelationID string    `grove:"correlation_id" bson:"correlation_id"`
	Channels      string    `grove:"channels"       bson:"channels"`
	Recipient     string    `grove:"recipient"      bson:"recipient"`
	RetryAttempt  int       `grove:"retry_attempt"  bson:"retry_attempt"`
	ErrorCode     string    `grove:"error_code"     bson:"error_code"`
	ErrorMessage  string    `grove:"error_message"  bson:"error_message"`
	Payload       []byte    `grove:"payload"        bson:"payload,omitempty"`
	FailedAt      time.Time `grove:"failed_at"      bson:"failed_at"`
	CreatedAt     time.Time `grove:"created_at"     bson:"created_at"`
	UpdatedAt     time.Time `grove:"updated_at"     bson:"updated_at"`
}

func toDLQEntryModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:            e.ID.String(),
		TenantID:      e.TenantID,
		RequestID:     e.RequestID,
		CorrelationID: e.CorrelationID,
		Channels:      e.Channels,
		Recipient:     e.Recipient,
		RetryAttempt:  e.RetryAttempt,
		ErrorCode:     e.ErrorCode,
		ErrorMessage:  e.ErrorMessage,
		Payload:       e.Payload,
		FailedAt:      e.FailedAt.UTC(),
		CreatedAt:     e.CreatedAt.UTC(),
		UpdatedAt:     e.UpdatedAt.UTC(),
	}
}

func fromDLQEntryModel(m *dlqEntryModel) (*dlq.Entry, error) {
	dlqID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse DLQ ID %q: %w", m.ID, err)
	}

	return &dlq.Entry{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            dlqID,
		TenantID:      m.TenantID,
		RequestID:     m.RequestID,
		CorrelationID: m.CorrelationID,
		Channels:      m.Channels,
		Recipient:     m.Recipient,
		RetryAttempt:  m.RetryAttempt,
		ErrorCode:     m.ErrorCode,
		ErrorMessage:  m.ErrorMessage,
		Payload:       m.Payload,
		FailedAt:      m.FailedAt,
	}, nil
}
