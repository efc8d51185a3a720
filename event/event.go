// Package event defines the in-flight DeliveryEvent carried on the broker
// between the outbox relay and the delivery worker.
package event

import (
	"time"

	"github.com/xraph/notifly/channel"
)

// Recipient map keys accepted at admission.
const (
	RecipientEmail       = "email"
	RecipientPhone       = "phone"
	RecipientDeviceToken = "deviceToken"
)

// recipientPriority is the order used to derive the primary recipient.
var recipientPriority = []string{RecipientEmail, RecipientPhone, RecipientDeviceToken}

// DeliveryEvent is the broker message for one notification request. It is
// re-emitted with an incremented RetryCount on each retry tier.
type DeliveryEvent struct {
	RequestID     string            `json:"requestId"`
	TenantID      string            `json:"tenantId"`
	EventType     string            `json:"eventType"`
	UserID        string            `json:"userId,omitempty"`
	Recipient     string            `json:"recipient"`
	Recipients    map[string]string `json:"recipients,omitempty"`
	Subject       string            `json:"subject,omitempty"`
	Content       string            `json:"content,omitempty"`
	Channels      []string          `json:"channels"`
	CorrelationID string            `json:"correlationId"`
	RetryCount    int               `json:"retryCount"`
	CreatedAt     int64             `json:"createdAt"`
}

// CreatedTime returns CreatedAt as a time.Time.
func (e *DeliveryEvent) CreatedTime() time.Time {
	return time.UnixMilli(e.CreatedAt).UTC()
}

// NextAttempt returns a copy of the event with RetryCount advanced by one.
func (e *DeliveryEvent) NextAttempt() *DeliveryEvent {
	next := *e
	next.RetryCount = e.RetryCount + 1
	next.Channels = append([]string(nil), e.Channels...)
	return &next
}

// RecipientFor returns the address to use for ch. A per-channel address from
// Recipients wins; otherwise the primary Recipient is used.
func (e *DeliveryEvent) RecipientFor(ch string) string {
	key := ""
	switch channel.Normalize(ch) {
	case channel.Email:
		key = RecipientEmail
	case channel.SMS:
		key = RecipientPhone
	case channel.Push:
		key = RecipientDeviceToken
	}
	if v := e.Recipients[key]; key != "" && v != "" {
		return v
	}
	return e.Recipient
}

// PrimaryRecipient picks the first non-empty address in the order
// email, phone, deviceToken.
func PrimaryRecipient(recipients map[string]string) string {
	for _, k := range recipientPriority {
		if v := recipients[k]; v != "" {
			return v
		}
	}
	return ""
}
