package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/notifly/delivery"
	"github.com/xraph/notifly/dlq"
	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/internal/entity"
	"github.com/xraph/notifly/outbox"
	"github.com/xraph/notifly/policy"
	"github.com/xraph/notifly/ratelimit"
	"github.com/xraph/notifly/request"
	"github.com/xraph/notifly/template"
)

// --- Request models ---

type requestModel struct {
	grove.BaseModel `grove:"table:notification_requests"`

	TenantID       string            `grove:"tenant_id,pk"`
	RequestID      string            `grove:"request_id,pk"`
	IdempotencyKey string            `grove:"idempotency_key"`
	PayloadHash    string            `grove:"payload_hash"`
	RawPayload     json.RawMessage   `grove:"raw_payload,type:jsonb"`
	EventType      string            `grove:"event_type"`
	UserID         string            `grove:"user_id"`
	Recipient      string            `grove:"recipient"`
	CorrelationID  string            `grove:"correlation_id"`
	Metadata       map[string]string `grove:"metadata,type:jsonb"`
	Status         string            `grove:"status"`
	CreatedAt      time.Time         `grove:"created_at"`
	UpdatedAt      time.Time         `grove:"updated_at"`
}

func fromRequestModel(m *requestModel) *request.Request {
	return &request.Request{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		TenantID:       m.TenantID,
		RequestID:      m.RequestID,
		IdempotencyKey: m.IdempotencyKey,
		PayloadHash:    m.PayloadHash,
		RawPayload:     m.RawPayload,
		EventType:      m.EventType,
		UserID:         m.UserID,
		Recipient:      m.Recipient,
		CorrelationID:  m.CorrelationID,
		Metadata:       m.Metadata,
		Status:         m.Status,
	}
}

// --- Outbox models ---

type outboxModel struct {
	grove.BaseModel `grove:"table:notification_outbox"`

	ID            string     `grove:"id,pk"`
	TenantID      string     `grove:"tenant_id"`
	AggregateID   string     `grove:"aggregate_id"`
	CorrelationID string     `grove:"correlation_id"`
	Payload       []byte     `grove:"payload"`
	Status        string     `grove:"status"`
	RetryCount    int        `grove:"retry_count"`
	LastError     string     `grove:"last_error"`
	ClaimedUntil  *time.Time `grove:"claimed_until"`
	SentAt        *time.Time `grove:"sent_at"`
	CreatedAt     time.Time  `grove:"created_at"`
	UpdatedAt     time.Time  `grove:"updated_at"`
}

func fromOutboxModel(m *outboxModel) (*outbox.Entry, error) {
	entryID, err := id.ParseOutboxID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse outbox ID %q: %w", m.ID, err)
	}
	return &outbox.Entry{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            entryID,
		TenantID:      m.TenantID,
		AggregateID:   m.AggregateID,
		CorrelationID: m.CorrelationID,
		Payload:       m.Payload,
		Status:        outbox.Status(m.Status),
		RetryCount:    m.RetryCount,
		LastError:     m.LastError,
		ClaimedUntil:  m.ClaimedUntil,
		SentAt:        m.SentAt,
	}, nil
}

// --- Delivery log models ---

type deliveryLogModel struct {
	grove.BaseModel `grove:"table:delivery_logs"`

	ID                string    `grove:"id,pk"`
	TenantID          string    `grove:"tenant_id"`
	RequestID         string    `grove:"request_id"`
	CorrelationID     string    `grove:"correlation_id"`
	Channel           string    `grove:"channel"`
	Status            string    `grove:"status"`
	RetryAttempt      int       `grove:"retry_attempt"`
	ProviderLatencyMs int64     `grove:"provider_latency_ms"`
	ErrorDetails      string    `grove:"error_details"`
	CreatedAt         time.Time `grove:"created_at"`
	UpdatedAt         time.Time `grove:"updated_at"`
}

func toDeliveryLogModel(l *delivery.Log) *deliveryLogModel {
	return &deliveryLogModel{
		ID:                l.ID.String(),
		TenantID:          l.TenantID,
		RequestID:         l.RequestID,
		CorrelationID:     l.CorrelationID,
		Channel:           l.Channel,
		Status:            string(l.Status),
		RetryAttempt:      l.RetryAttempt,
		ProviderLatencyMs: l.ProviderLatencyMs,
		ErrorDetails:      l.ErrorDetails,
		CreatedAt:         l.CreatedAt,
		UpdatedAt:         l.UpdatedAt,
	}
}

func fromDeliveryLogModel(m *deliveryLogModel) (*delivery.Log, error) {
	logID, err := id.ParseDeliveryLogID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery log ID %q: %w", m.ID, err)
	}
	return &delivery.Log{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                logID,
		TenantID:          m.TenantID,
		RequestID:         m.RequestID,
		CorrelationID:     m.CorrelationID,
		Channel:           m.Channel,
		Status:            delivery.Status(m.Status),
		RetryAttempt:      m.RetryAttempt,
		ProviderLatencyMs: m.ProviderLatencyMs,
		ErrorDetails:      m.ErrorDetails,
	}, nil
}

// --- DLQ models ---

type dlqEntryModel struct {
	grove.BaseModel `grove:"table:dead_letters"`

	ID            string    `grove:"id,pk"`
	TenantID      string    `grove:"tenant_id"`
	RequestID     string    `grove:"request_id"`
	CorrelationID string    `grove:"correlation_id"`
	Channels      string    `grove:"channels"`
	Recipient     string    `grove:"recipient"`
	RetryAttempt  int       `grove:"retry_attempt"`
	ErrorCode     string    `grove:"error_code"`
	ErrorMessage  string    `grove:"error_message"`
	Payload       []byte    `grove:"payload"`
	FailedAt      time.Time `grove:"failed_at"`
	CreatedAt     time.Time `grove:"created_at"`
	UpdatedAt     time.Time `grove:"updated_at"`
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
		FailedAt:      e.FailedAt,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
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

// --- Tenant configuration models ---

type policyModel struct {
	grove.BaseModel `grove:"table:channel_policies"`

	TenantID  string    `grove:"tenant_id,pk"`
	EventType string    `grove:"event_type,pk"`
	Channels  []string  `grove:"channels,array"`
	CreatedAt time.Time `grove:"created_at"`
	UpdatedAt time.Time `grove:"updated_at"`
}

func fromPolicyModel(m *policyModel) *policy.Policy {
	return &policy.Policy{
		Entity:    entity.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		TenantID:  m.TenantID,
		EventType: m.EventType,
		Channels:  m.Channels,
	}
}

type preferenceModel struct {
	grove.BaseModel `grove:"table:user_channel_preferences"`

	TenantID  string    `grove:"tenant_id,pk"`
	UserID    string    `grove:"user_id,pk"`
	Channel   string    `grove:"channel,pk"`
	Enabled   bool      `grove:"enabled"`
	CreatedAt time.Time `grove:"created_at"`
	UpdatedAt time.Time `grove:"updated_at"`
}

func fromPreferenceModel(m *preferenceModel) *policy.Preference {
	return &policy.Preference{
		Entity:   entity.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		TenantID: m.TenantID,
		UserID:   m.UserID,
		Channel:  m.Channel,
		Enabled:  m.Enabled,
	}
}

type templateModel struct {
	grove.BaseModel `grove:"table:notification_templates"`

	ID        string          `grove:"id,pk"`
	TenantID  string          `grove:"tenant_id"`
	Name      string          `grove:"name"`
	Version   int             `grove:"version"`
	Channel   string          `grove:"channel"`
	Subject   string          `grove:"subject"`
	Content   string          `grove:"content"`
	Schema    json.RawMessage `grove:"schema,type:jsonb"`
	IsActive  bool            `grove:"is_active"`
	CreatedAt time.Time       `grove:"created_at"`
	UpdatedAt time.Time       `grove:"updated_at"`
}

func toTemplateModel(t *template.Template) (*templateModel, error) {
	var schema json.RawMessage
	if t.Schema != nil {
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema: %w", err)
		}
		schema = raw
	}
	now := time.Now().UTC()
	return &templateModel{
		ID:        t.ID.String(),
		TenantID:  t.TenantID,
		Name:      t.Name,
		Version:   t.Version,
		Channel:   t.Channel,
		Subject:   t.Subject,
		Content:   t.Content,
		Schema:    schema,
		IsActive:  t.IsActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func fromTemplateModel(m *templateModel) (*template.Template, error) {
	tplID, err := id.ParseTemplateID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse template ID %q: %w", m.ID, err)
	}
	t := &template.Template{
		Entity:   entity.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:       tplID,
		TenantID: m.TenantID,
		Name:     m.Name,
		Version:  m.Version,
		Channel:  m.Channel,
		Subject:  m.Subject,
		Content:  m.Content,
		IsActive: m.IsActive,
	}
	if len(m.Schema) > 0 && string(m.Schema) != "null" {
		if err := json.Unmarshal(m.Schema, &t.Schema); err != nil {
			return nil, fmt.Errorf("unmarshal schema: %w", err)
		}
	}
	return t, nil
}

type rateLimitModel struct {
	grove.BaseModel `grove:"table:rate_limit_configs"`

	TenantID          string    `grove:"tenant_id,pk"`
	RequestsPerMinute int       `grove:"requests_per_minute"`
	BurstLimit        int       `grove:"burst_limit"`
	CreatedAt         time.Time `grove:"created_at"`
	UpdatedAt         time.Time `grove:"updated_at"`
}

func fromRateLimitModel(m *rateLimitModel) *ratelimit.Config {
	return &ratelimit.Config{
		TenantID:          m.TenantID,
		RequestsPerMinute: m.RequestsPerMinute,
		BurstLimit:        m.BurstLimit,
	}
}
