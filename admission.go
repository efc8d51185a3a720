package notifly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/notifly/channel"
	"github.com/xraph/notifly/delivery"
	"github.com/xraph/notifly/event"
	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/internal/entity"
	"github.com/xraph/notifly/outbox"
	"github.com/xraph/notifly/request"
	"github.com/xraph/notifly/scope"
	"github.com/xraph/notifly/template"
)

// Receipt messages.
const (
	MessageAccepted  = "Request accepted"
	MessageDuplicate = "Request accepted (duplicate)"
)

// Delivery status values reported by Status.
const (
	StatusNotFound  = "NOT_FOUND"
	StatusPending   = "PENDING"
	StatusDelivered = "DELIVERED"
	StatusFailed    = "FAILED"
)

// Input is a notification request as submitted by a client.
type Input struct {
	RequestID  string            `json:"requestId,omitempty"`
	EventType  string            `json:"eventType"`
	UserID     string            `json:"userId,omitempty"`
	Recipient  map[string]string `json:"recipient"`
	Channels   []string          `json:"channels"`
	TemplateID string            `json:"templateId,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Receipt acknowledges an accepted request. Delivery happens later.
type Receipt struct {
	RequestID     string `json:"requestId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

// StatusResult is the delivery status of one request.
type StatusResult struct {
	RequestID    string          `json:"requestId"`
	Status       string          `json:"status"`
	DeliveryLogs []*delivery.Log `json:"deliveryLogs"`
	CreatedAt    *time.Time      `json:"createdAt,omitempty"`
}

// Submit admits a notification request for the tenant carried by ctx.
//
// The request and its outbox entry are written in one transaction; nothing is
// delivered synchronously. A repeated idempotency key with the same body, or
// a repeated requestId, returns the original requestId with MessageDuplicate.
func (n *Notifly) Submit(ctx context.Context, in Input, idempotencyKey string) (*Receipt, error) {
	tenantID := scope.TenantID(ctx)
	ctx, correlationID := scope.EnsureCorrelationID(ctx)

	var span trace.Span
	if n.tracer != nil {
		ctx, span = n.tracer.StartAdmissionSpan(ctx, tenantID, in.EventType, correlationID)
	}

	receipt, err := n.submit(ctx, tenantID, correlationID, in, idempotencyKey)

	if span != nil {
		errStr := ""
		if err != nil {
			errStr = err.Error()
		}
		n.tracer.EndSpan(span, errStr)
	}
	if n.metrics != nil {
		switch {
		case err == nil:
			n.metrics.NotificationsAccepted.Inc()
		case errors.Is(err, ErrValidation):
			n.metrics.RecordRejection("validation")
		case errors.Is(err, ErrRateLimitExceeded):
			n.metrics.RecordRejection("rate_limited")
		case errors.Is(err, ErrIdempotencyConflict):
			n.metrics.RecordRejection("idempotency_conflict")
		default:
			n.metrics.RecordRejection("internal")
		}
	}
	return receipt, err
}

func (n *Notifly) submit(ctx context.Context, tenantID, correlationID string, in Input, idempotencyKey string) (*Receipt, error) {
	in, err := n.validate(tenantID, in)
	if err != nil {
		return nil, err
	}

	rl, err := n.limiter.Check(ctx, tenantID, scope.Credential(ctx))
	if err != nil {
		return nil, fmt.Errorf("notifly: rate limit: %w", err)
	}
	if !rl.Allowed {
		n.logger.WarnContext(ctx, "rate limit exceeded",
			"tenant_id", tenantID, "limit", rl.Limit, "retry_after", rl.RetryAfter)
		return nil, &RateLimitError{RetryAfter: rl.RetryAfter, Limit: rl.Limit}
	}

	// The hash excludes requestId so a client retry with a regenerated id
	// still matches.
	hashed := in
	hashed.RequestID = ""
	hash, _, err := request.HashPayload(hashed)
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		prior, err := n.store.GetRequestByIdempotencyKey(ctx, tenantID, idempotencyKey)
		switch {
		case err == nil:
			return n.duplicate(ctx, prior, hash)
		case errors.Is(err, ErrRequestNotFound):
		default:
			return nil, fmt.Errorf("notifly: idempotency lookup: %w", err)
		}
	}

	subject, content, err := n.render(ctx, tenantID, in)
	if err != nil {
		return nil, err
	}

	if in.RequestID == "" {
		in.RequestID = id.NewRequestID().String()
	}
	now := n.now().UTC()

	evt := &event.DeliveryEvent{
		RequestID:     in.RequestID,
		TenantID:      tenantID,
		EventType:     in.EventType,
		UserID:        in.UserID,
		Recipient:     event.PrimaryRecipient(in.Recipient),
		Recipients:    in.Recipient,
		Subject:       subject,
		Content:       content,
		Channels:      in.Channels,
		CorrelationID: correlationID,
		RetryCount:    0,
		CreatedAt:     now.UnixMilli(),
	}
	payload, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("notifly: encode event: %w", err)
	}
	_, raw, err := request.HashPayload(in)
	if err != nil {
		return nil, err
	}

	req := &request.Request{
		Entity:         entity.At(now),
		TenantID:       tenantID,
		RequestID:      in.RequestID,
		IdempotencyKey: idempotencyKey,
		PayloadHash:    hash,
		RawPayload:     raw,
		EventType:      in.EventType,
		UserID:         in.UserID,
		Recipient:      evt.Recipient,
		CorrelationID:  correlationID,
		Metadata:       in.Metadata,
		Status:         request.StatusAccepted,
	}
	entry := &outbox.Entry{
		Entity:        entity.At(now),
		ID:            id.NewOutboxID(),
		TenantID:      tenantID,
		AggregateID:   in.RequestID,
		CorrelationID: correlationID,
		Payload:       payload,
		Status:        outbox.StatusPending,
	}

	if err := n.store.CreateRequest(ctx, req, entry); err != nil {
		if !errors.Is(err, ErrDuplicateRequest) {
			return nil, fmt.Errorf("notifly: persist request: %w", err)
		}
		return n.resolveDuplicate(ctx, tenantID, in.RequestID, idempotencyKey, hash)
	}

	n.logger.InfoContext(ctx, "notification accepted",
		"request_id", in.RequestID,
		"tenant_id", tenantID,
		"event_type", in.EventType,
		"channels", in.Channels,
		"correlation_id", correlationID,
	)

	return &Receipt{
		RequestID:     in.RequestID,
		Status:        request.StatusAccepted,
		Message:       MessageAccepted,
		CorrelationID: correlationID,
	}, nil
}

// validate checks fields and returns the input with channels normalized.
func (n *Notifly) validate(tenantID string, in Input) (Input, error) {
	if tenantID == "" {
		return in, invalid("tenantId", "tenant is required")
	}
	if in.EventType == "" {
		return in, invalid("eventType", "eventType is required")
	}
	if len(in.Channels) == 0 {
		return in, invalid("channels", "at least one channel is required")
	}
	channels := make([]string, 0, len(in.Channels))
	seen := make(map[string]bool, len(in.Channels))
	for _, ch := range in.Channels {
		ch = channel.Normalize(ch)
		if !n.registry.Has(ch) {
			return in, invalid("channels", fmt.Sprintf("unsupported channel %q", ch))
		}
		if seen[ch] {
			continue
		}
		seen[ch] = true
		channels = append(channels, ch)
	}
	in.Channels = channels

	if event.PrimaryRecipient(in.Recipient) == "" {
		return in, invalid("recipient", "one of email, phone or deviceToken is required")
	}
	return in, nil
}

// render produces subject and content from the template, or from data when
// no template is referenced.
func (n *Notifly) render(ctx context.Context, tenantID string, in Input) (string, string, error) {
	if in.TemplateID == "" {
		content := stringValue(in.Data, "content")
		if content == "" {
			content = stringValue(in.Data, "message")
		}
		return stringValue(in.Data, "subject"), content, nil
	}

	tplID, err := id.ParseTemplateID(in.TemplateID)
	if err != nil {
		return "", "", invalid("templateId", "malformed template id")
	}
	tpl, err := n.store.GetTemplate(ctx, tenantID, tplID)
	if err != nil {
		if errors.Is(err, template.ErrTemplateNotFound) {
			return "", "", invalid("templateId", "template not found")
		}
		return "", "", fmt.Errorf("notifly: load template: %w", err)
	}

	out, err := n.renderer.Render(tpl, in.Data)
	switch {
	case err == nil:
		return out.Subject, out.Content, nil
	case errors.Is(err, template.ErrInactive):
		return "", "", invalid("templateId", "template is inactive")
	case errors.Is(err, template.ErrInvalidData):
		return "", "", invalid("data", err.Error())
	default:
		return "", "", fmt.Errorf("notifly: render template: %w", err)
	}
}

func (n *Notifly) duplicate(ctx context.Context, prior *request.Request, hash string) (*Receipt, error) {
	if prior.PayloadHash != hash {
		n.logger.WarnContext(ctx, "idempotency key reused with a different payload",
			"tenant_id", prior.TenantID, "request_id", prior.RequestID)
		return nil, ErrIdempotencyConflict
	}
	n.logger.DebugContext(ctx, "duplicate request",
		"tenant_id", prior.TenantID, "request_id", prior.RequestID)
	return &Receipt{
		RequestID:     prior.RequestID,
		Status:        request.StatusAccepted,
		Message:       MessageDuplicate,
		CorrelationID: prior.CorrelationID,
	}, nil
}

// resolveDuplicate handles a uniqueness violation raised by the store, which
// covers a concurrent submission that won the race.
func (n *Notifly) resolveDuplicate(ctx context.Context, tenantID, requestID, idempotencyKey, hash string) (*Receipt, error) {
	var prior *request.Request
	var err error
	if idempotencyKey != "" {
		prior, err = n.store.GetRequestByIdempotencyKey(ctx, tenantID, idempotencyKey)
	}
	if prior == nil {
		prior, err = n.store.GetRequest(ctx, tenantID, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("notifly: load duplicate: %w", err)
	}
	return n.duplicate(ctx, prior, hash)
}

// Status reports the delivery status of a request owned by the tenant in ctx.
func (n *Notifly) Status(ctx context.Context, requestID string) (*StatusResult, error) {
	tenantID := scope.TenantID(ctx)
	if tenantID == "" {
		return nil, invalid("tenantId", "tenant is required")
	}

	req, err := n.store.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return &StatusResult{RequestID: requestID, Status: StatusNotFound, DeliveryLogs: []*delivery.Log{}}, nil
		}
		return nil, fmt.Errorf("notifly: get request: %w", err)
	}

	logs, err := n.store.ListLogs(ctx, tenantID, requestID)
	if err != nil {
		return nil, fmt.Errorf("notifly: list delivery logs: %w", err)
	}

	status := StatusPending
	if len(logs) > 0 {
		status = StatusFailed
		for _, l := range logs {
			if l.Status == delivery.StatusSuccess {
				status = StatusDelivered
				break
			}
		}
	}

	created := req.CreatedAt
	return &StatusResult{
		RequestID:    requestID,
		Status:       status,
		DeliveryLogs: logs,
		CreatedAt:    &created,
	}, nil
}

func stringValue(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
