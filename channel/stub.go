package channel

import (
	"context"
	"strings"
	"time"
)

// Stub error codes.
const (
	CodeInvalidEmail       = "INVALID_EMAIL"
	CodeInvalidPhone       = "INVALID_PHONE"
	CodeInvalidDeviceToken = "INVALID_DEVICE_TOKEN"
)

// Stub is a provider-less sender that validates the recipient format and
// reports success. It stands in for a real provider in development and tests.
type Stub struct {
	validate func(recipient string) (code, message string)
}

// NewStubEmail accepts any recipient containing "@".
func NewStubEmail() *Stub {
	return &Stub{validate: func(r string) (string, string) {
		if !strings.Contains(r, "@") {
			return CodeInvalidEmail, "Invalid email format"
		}
		return "", ""
	}}
}

// NewStubSMS accepts recipients of at least 10 characters.
func NewStubSMS() *Stub {
	return &Stub{validate: func(r string) (string, string) {
		if len(r) < 10 {
			return CodeInvalidPhone, "Invalid phone number"
		}
		return "", ""
	}}
}

// NewStubPush accepts device tokens longer than 20 characters.
func NewStubPush() *Stub {
	return &Stub{validate: func(r string) (string, string) {
		if len(r) <= 20 {
			return CodeInvalidDeviceToken, "Invalid device token"
		}
		return "", ""
	}}
}

// Send implements Sender.
func (s *Stub) Send(ctx context.Context, msg Message) Result {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Failed(CodeTimeout, err.Error())
	}
	if code, message := s.validate(msg.Recipient); code != "" {
		return Failed(code, message)
	}
	return Succeeded(time.Since(start).Milliseconds())
}
