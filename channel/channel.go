// Package channel defines the Sender capability used by the delivery worker
// and the name-keyed registry that resolves a channel name to its sender.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Well-known channel names.
const (
	Email = "EMAIL"
	SMS   = "SMS"
	Push  = "PUSH"
)

// Error codes shared by the built-in senders.
const (
	CodeUnsupported = "UNSUPPORTED_CHANNEL"
	CodeTimeout     = "SEND_TIMEOUT"
	CodeProvider    = "PROVIDER_ERROR"
)

// DefaultOrder is the fallback order used when no policy is configured.
var DefaultOrder = []string{Email, SMS, Push}

// Normalize upper-cases and trims a channel name.
func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Message is one notification to hand to a provider.
type Message struct {
	TenantID      string
	RequestID     string
	EventType     string
	CorrelationID string
	Recipient     string
	Subject       string
	Content       string
}

// Result holds the outcome of a single send.
type Result struct {
	Success      bool
	LatencyMs    int64
	ErrorCode    string
	ErrorMessage string
}

// Succeeded returns a successful Result.
func Succeeded(latencyMs int64) Result {
	return Result{Success: true, LatencyMs: latencyMs}
}

// Failed returns a failed Result.
func Failed(code, message string) Result {
	return Result{ErrorCode: code, ErrorMessage: message}
}

// Err converts a failed result into a *SendError for ch. Returns nil on success.
func (r Result) Err(ch string) error {
	if r.Success {
		return nil
	}
	return &SendError{Channel: ch, Code: r.ErrorCode, Message: r.ErrorMessage}
}

// Sender sends one message through one provider. Implementations must honor
// ctx cancellation and report failures in the Result, never by panicking.
type Sender interface {
	Send(ctx context.Context, msg Message) Result
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg Message) Result

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, msg Message) Result { return f(ctx, msg) }

// ErrSend is matched by every SendError.
var ErrSend = errors.New("channel: send failed")

// SendError is a non-fatal per-channel failure that triggers fallback to the
// next channel.
type SendError struct {
	Channel string
	Code    string
	Message string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("channel: %s: %s %s", e.Channel, e.Code, e.Message)
}

// Unwrap lets errors.Is match ErrSend.
func (e *SendError) Unwrap() error { return ErrSend }
