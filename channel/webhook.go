package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/xraph/notifly/signature"
)

const maxResponseBody = 1024 // 1KB cap on provider error bodies

// webhookPayload is the JSON body posted by WebhookSender.
type webhookPayload struct {
	TenantID      string `json:"tenantId"`
	RequestID     string `json:"requestId"`
	EventType     string `json:"eventType"`
	CorrelationID string `json:"correlationId,omitempty"`
	Recipient     string `json:"recipient"`
	Subject       string `json:"subject,omitempty"`
	Content       string `json:"content"`
}

// WebhookSender delivers messages by POSTing a signed JSON body to a push
// gateway. Any non-2xx response is a failure.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSender creates a sender posting to url, signing with secret.
func NewWebhookSender(url, secret string, timeout time.Duration) *WebhookSender {
	return &WebhookSender{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, msg Message) Result {
	body, err := json.Marshal(webhookPayload{
		TenantID:      msg.TenantID,
		RequestID:     msg.RequestID,
		EventType:     msg.EventType,
		CorrelationID: msg.CorrelationID,
		Recipient:     msg.Recipient,
		Subject:       msg.Subject,
		Content:       msg.Content,
	})
	if err != nil {
		return Failed(CodeProvider, fmt.Sprintf("marshal payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Failed(CodeProvider, fmt.Sprintf("create request: %v", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Notifly/1.0")
	req.Header.Set("X-Notifly-Request-ID", msg.RequestID)
	if msg.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", msg.CorrelationID)
	}

	ts := time.Now().Unix()
	req.Header.Set(signature.HeaderSignature, signature.Sign(body, s.secret, ts))
	req.Header.Set(signature.HeaderTimestamp, strconv.FormatInt(ts, 10))

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return Result{ErrorCode: CodeTimeout, ErrorMessage: err.Error(), LatencyMs: latency}
		}
		return Result{ErrorCode: CodeProvider, ErrorMessage: err.Error(), LatencyMs: latency}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Succeeded(latency)
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return Result{
		ErrorCode:    "HTTP_" + strconv.Itoa(resp.StatusCode),
		ErrorMessage: string(respBody),
		LatencyMs:    latency,
	}
}
