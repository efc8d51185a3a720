package event_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/xraph/notifly/event"
)

func TestEncodeUsesWireFieldNames(t *testing.T) {
	raw, err := event.Encode(&event.DeliveryEvent{
		RequestID:     "req-1",
		TenantID:      "tenant-1",
		EventType:     "welcome",
		Recipient:     "a@b.com",
		Channels:      []string{"EMAIL"},
		CorrelationID: "corr-1",
		RetryCount:    2,
		CreatedAt:     1700000000000,
	})
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"requestId", "tenantId", "eventType", "recipient", "channels", "correlationId", "retryCount", "createdAt"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("missing wire field %q in %s", k, raw)
		}
	}
	if _, ok := m["recipients"]; ok {
		t.Fatal("empty recipients map should be omitted")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{nope`,
		"missing request":  `{"tenantId":"t","channels":["EMAIL"]}`,
		"missing tenant":   `{"requestId":"r","channels":["EMAIL"]}`,
		"missing channels": `{"requestId":"r","tenantId":"t"}`,
		"negative retry":   `{"requestId":"r","tenantId":"t","channels":["EMAIL"],"retryCount":-1}`,
	}
	for name, raw := range cases {
		_, err := event.Decode([]byte(raw))
		if !errors.Is(err, event.ErrDeserialization) {
			t.Fatalf("%s: expected ErrDeserialization, got %v", name, err)
		}
		var de *event.DeserializationError
		if !errors.As(err, &de) {
			t.Fatalf("%s: expected *DeserializationError", name)
		}
	}
}

func TestNextAttemptCopies(t *testing.T) {
	e := &event.DeliveryEvent{RequestID: "r", Channels: []string{"EMAIL", "SMS"}}
	next := e.NextAttempt()
	next.Channels[0] = "PUSH"

	if next.RetryCount != 1 || e.RetryCount != 0 {
		t.Fatalf("unexpected retry counts: %d %d", e.RetryCount, next.RetryCount)
	}
	if e.Channels[0] != "EMAIL" {
		t.Fatal("NextAttempt must not share the channels slice")
	}
}

func TestRecipientFor(t *testing.T) {
	e := &event.DeliveryEvent{
		Recipient:  "a@b.com",
		Recipients: map[string]string{"email": "a@b.com", "phone": "+15550001111"},
	}
	if got := e.RecipientFor("SMS"); got != "+15550001111" {
		t.Fatalf("expected phone for SMS, got %q", got)
	}
	if got := e.RecipientFor("push"); got != "a@b.com" {
		t.Fatalf("expected primary fallback for PUSH, got %q", got)
	}
}

func TestPrimaryRecipientPriority(t *testing.T) {
	got := event.PrimaryRecipient(map[string]string{"deviceToken": "tok", "phone": "+1555"})
	if got != "+1555" {
		t.Fatalf("expected phone before device token, got %q", got)
	}
	if event.PrimaryRecipient(nil) != "" {
		t.Fatal("expected empty for nil map")
	}
}
