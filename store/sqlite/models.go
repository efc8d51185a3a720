package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"
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

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func microsPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromMicros(*v)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Submission model ---

// submissionModel is one row of the notification_submissions view. Inserting
// it fires the trigger that writes the request and its outbox entry.
type submissionModel struct {
	grove.BaseModel `grove:"table:notification_submissions"`

	TenantID         string `grove:"tenant_id"`
	RequestID        string `grove:"request_id"`
	IdempotencyKey   string `grove:"idempotency_key"`
	PayloadHash      string `grove:"payload_hash"`
	RawPayload       []byte `grove:"raw_payload"`
	EventType        string `grove:"event_type"`
	UserID           string `grove:"user_id"`
	Recipient        string `grove:"recipient"`
	CorrelationID    string `grove:"correlation_id"`
	Metadata         string `grove:"metadata"`
	Status           string `grove:"status"`
	CreatedAt        int64  `grove:"created_at"`
	UpdatedAt        int64  `grove:"updated_at"`
	OutboxID         string `grove:"outbox_id,pk"`
	OutboxPayload    []byte `grove:"outbox_payload"`
	OutboxStatus     string `grove:"outbox_status"`
	OutboxRetryCount int    `grove:"outbox_retry_count"`
	OutboxLastError  string `grove:"outbox_last_error"`
	OutboxCreatedAt  int64  `grove:"outbox_created_at"`
	OutboxUpdatedAt  int64  `grove:"outbox_updated_at"`
}

func toSubmissionModel(req *request.Request, entry *outbox.Entry) (*submissionModel, error) {
	meta := []byte("{}")
	if req.Metadata != nil {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = raw
	}
	return &submissionModel{
		TenantID:         req.TenantID,
		RequestID:        req.RequestID,
		IdempotencyKey:   req.IdempotencyKey,
		PayloadHash:      req.PayloadHash,
		RawPayload:       req.RawPayload,
		EventType:        req.EventType,
		UserID:           req.UserID,
		Recipient:        req.Recipient,
		CorrelationID:    req.CorrelationID,
		Metadata:         string(meta),
		Status:           req.Status,
		CreatedAt:        micros(req.CreatedAt),
		UpdatedAt:        micros(req.UpdatedAt),
		OutboxID:         entry.ID.String(),
		OutboxPayload:    entry.Payload,
		OutboxStatus:     string(entry.Status),
		OutboxRetryCount: entry.RetryCount,
		OutboxLastError:  entry.LastError,
		OutboxCreatedAt:  micros(entry.CreatedAt),
		OutboxUpdatedAt:  micros(entry.UpdatedAt),
	}, nil
}

// --- Request models ---

type requestModel struct {
	grove.BaseModel `grove:"table:notification_requests"`

	TenantID       string `grove:"tenant_id,pk"`
	RequestID      string `grove:"request_id,pk"`
	IdempotencyKey string `grove:"idempotency_key"`
	PayloadHash    string `grove:"payload_hash"`
	RawPayload     []byte `grove:"raw_payload"`
	EventType      string `grove:"event_type"`
	UserID         string `grove:"user_id"`
	Recipient      string `grove:"recipient"`
	CorrelationID  string `grove:"correlation_id"`
	Metadata       string `grove:"metadata"`
	Status         string `grove:"status"`
	CreatedAt      int64  `grove:"created_at"`
	UpdatedAt      int64  `grove:"updated_at"`
}

func fromRequestModel(m *requestModel) (*request.Request, error) {
	r := &request.Request{
		Entity: entity.Entity{
			CreatedAt: fromMicros(m.CreatedAt),
			UpdatedAt: fromMicros(m.UpdatedAt),
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
		Status:         m.Status,
	}
	if m.Metadata != "" && m.Metadata != "null" {
		if err := json.Unmarshal([]byte(m.Metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return r, nil
}

// --- Outbox models ---

type outboxModel struct {
	grove.BaseModel `grove:"table:notification_outbox"`

	ID            string `grove:"id,pk"`
	TenantID      string `grove:"tenant_id"`
	AggregateID   string `grove:"aggregate_id"`
	CorrelationID string `grove:"correlation_id"`
	Payload       []byte `grove:"payload"`
	Status        string `grove:"status"`
	RetryCount    int    `grove:"retry_count"`
	LastError     string `grove:"last_error"`
	ClaimedUntil  *int64 `grove:"claimed_until"`
	SentAt        *int64 `grove:"sent_at"`
	CreatedAt     int64  `grove:"created_at"`
	UpdatedAt     int64  `grove:"updated_at"`
}

func fromOutboxModel(m *outboxModel) (*outbox.Entry, error) {
	entryID, err := id.ParseOutboxID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse outbox ID %q: %w", m.ID, err)
	}
	return &outbox.Entry{
		Entity: entity.Entity{
			CreatedAt: fromMicros(m.CreatedAt),
			UpdatedAt: fromMicros(m.UpdatedAt),
		},
		ID:            entryID,
		TenantID:      m.TenantID,
		AggregateID:   m.AggregateID,
		CorrelationID: m.CorrelationID,
		Payload:       m.Payload,
		Status:        outbox.Status(m.Status),
		RetryCount:    m.RetryCount,
		LastError:     m.LastError,
		ClaimedUntil:  microsPtr(m.ClaimedUntil),
		SentAt:        microsPtr(m.SentAt),
	}, nil
}

// --- Delivery log models ---

type deliveryLogModel struct {
	grove.BaseModel `grove:"table:delivery_logs"`

	ID                string `grove:"id,pk"`
	TenantID          string `grove:"tenant_id"`
	RequestID         string `grove:"request_id"`
	CorrelationID     string `grove:"correlation_id"`
	Channel           string `grove:"channel"`
	Status            string `grove:"status"`
	RetryAttempt      int    `grove:"retry_attempt"`
	ProviderLatencyMs int64  `grove:"provider_latency_ms"`
	ErrorDetails      string `grove:"error_details"`
	CreatedAt         int64  `grove:"created_at"`
	UpdatedAt         int64  `grove:"updated_at"`
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
		CreatedAt:         micros(l.CreatedAt),
		UpdatedAt:         micros(l.UpdatedAt),
	}
}

func fromDeliveryLogModel(m *deliveryLogModel) (*delivery.Log, error) {
	logID, err := id.ParseDeliveryLogID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery log ID %q: %w", m.ID, err)
	}
	return &delivery.Log{
		Entity: entity.Entity{
			CreatedAt: fromMicros(m.CreatedAt),
			UpdatedAt: fromMicros(m.UpdatedAt),
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

	ID            string `grove:"id,pk"`
	TenantID      string `grove:"tenant_id"`
	RequestID     string `grove:"request_id"`
	CorrelationID string `grove:"correlation_id"`
	Channels      string `grove:"channels"`
	Recipient     string `grove:"recipient"`
	RetryAttempt  int    `grove:"retry_attempt"`
	ErrorCode     string `grove:"error_code"`
	ErrorMessage  string `grove:"error_message"`
	Payload       []byte `grove:"payload"`
	FailedAt      int64  `grove:"failed_at"`
	CreatedAt     int64  `grove:"created_at"`
	UpdatedAt     int64  `grove:"updated_at"`
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
		FailedAt:      micros(e.FailedAt),
		CreatedAt:     micros(e.CreatedAt),
		UpdatedAt:     micros(e.UpdatedAt),
	}
}

func fromDLQEntryModel(m *dlqEntryModel) (*dlq.Entry, error) {
	dlqID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse DLQ ID %q: %w", m.ID, err)
	}
	return &dlq.Entry{
		Entity: entity.Entity{
			CreatedAt: fromMicros(m.CreatedAt),
			UpdatedAt: fromMicros(m.UpdatedAt),
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
		FailedAt:      fromMicros(m.FailedAt),
	}, nil
}

// --- Tenant configuration models ---

// Channels are stored comma-joined.
type policyModel struct {
	grove.BaseModel `grove:"table:channel_policies"`

	TenantID  string `grove:"tenant_id,pk"`
	EventType string `grove:"event_type,pk"`
	Channels  string `grove:"channels"`
	CreatedAt int64  `grove:"created_at"`
	UpdatedAt int64  `grove:"updated_at"`
}

func fromPolicyModel(m *policyModel) *policy.Policy {
	var channels []string
	if m.Channels != "" {
		channels = strings.Split(m.Channels, ",")
	}
	return &policy.Policy{
		Entity:    entity.Entity{CreatedAt: fromMicros(m.CreatedAt), UpdatedAt: fromMicros(m.UpdatedAt)},
		TenantID:  m.TenantID,
		EventType: m.EventType,
		Channels:  channels,
	}
}

type preferenceModel struct {
	grove.BaseModel `grove:"table:user_channel_preferences"`

	TenantID  string `grove:"tenant_id,pk"`
	UserID    string `grove:"user_id,pk"`
	Channel   string `grove:"channel,pk"`
	Enabled   int    `grove:"enabled"`
	CreatedAt int64  `grove:"created_at"`
	UpdatedAt int64  `grove:"updated_at"`
}

func fromPreferenceModel(m *preferenceModel) *policy.Preference {
	return &policy.Preference{
		Entity:   entity.Entity{CreatedAt: fromMicros(m.CreatedAt), UpdatedAt: fromMicros(m.UpdatedAt)},
		TenantID: m.TenantID,
		UserID:   m.UserID,
		Channel:  m.Channel,
		Enabled:  m.Enabled != 0,
	}
}

type templateModel struct {
	grove.BaseModel `grove:"table:notification_templates"`

	ID        string  `grove:"id,pk"`
	TenantID  string  `grove:"tenant_id"`
	Name      string  `grove:"name"`
	Version   int     `grove:"version"`
	Channel   string  `grove:"channel"`
	Subject   string  `grove:"subject"`
	Content   string  `grove:"content"`
	Schema    *string `grove:"schema"`
	IsActive  int     `grove:"is_active"`
	CreatedAt int64   `grove:"created_at"`
	UpdatedAt int64   `grove:"updated_at"`
}

func toTemplateModel(t *template.Template, now time.Time) (*templateModel, error) {
	var schema *string
	if t.Schema != nil {
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema: %w", err)
		}
		s := string(raw)
		schema = &s
	}
	return &templateModel{
		ID:        t.ID.String(),
		TenantID:  t.TenantID,
		Name:      t.Name,
		Version:   t.Version,
		Channel:   t.Channel,
		Subject:   t.Subject,
		Content:   t.Content,
		Schema:    schema,
		IsActive:  boolToInt(t.IsActive),
		CreatedAt: micros(now),
		UpdatedAt: micros(now),
	}, nil
}

func fromTemplateModel(m *templateModel) (*template.Template, error) {
	tplID, err := id.ParseTemplateID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse template ID %q: %w", m.ID, err)
	}
	t := &template.Template{
		Entity:   entity.Entity{CreatedAt: fromMicros(m.CreatedAt), UpdatedAt: fromMicros(m.UpdatedAt)},
		ID:       tplID,
		TenantID: m.TenantID,
		Name:     m.Name,
		Version:  m.Version,
		Channel:  m.Channel,
		Subject:  m.Subject,
		Content:  m.Content,
		IsActive: m.IsActive != 0,
	}
	if m.Schema != nil && *m.Schema != "" {
		if err := json.Unmarshal([]byte(*m.Schema), &t.Schema); err != nil {
			return nil, fmt.Errorf("unmarshal schema: %w", err)
		}
	}
	return t, nil
}

type rateLimitModel struct {
	grove.BaseModel `grove:"table:rate_limit_configs"`

	TenantID          string `grove:"tenant_id,pk"`
	RequestsPerMinute int    `grove:"requests_per_minute"`
	BurstLimit        int    `grove:"burst_limit"`
	CreatedAt         int64  `grove:"created_at"`
	UpdatedAt         int64  `grove:"updated_at"`
}

func fromRateLimitModel(m *rateLimitModel) *ratelimit.Config {
	return &ratelimit.Config{
		TenantID:          m.TenantID,
		RequestsPerMinute: m.RequestsPerMinute,
		BurstLimit:        m.BurstLimit,
	}
}
