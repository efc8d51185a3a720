package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDeserialization is matched by every DeserializationError.
var ErrDeserialization = errors.New("event: deserialization failed")

// DeserializationError reports a broker payload that could not be decoded
// into a usable DeliveryEvent. It is terminal for that message only.
type DeserializationError struct {
	Reason string
	Err    error
}

func (e *DeserializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event: deserialize: %s: %v", e.Reason, e.Err)
	}
	return "event: deserialize: " + e.Reason
}

// Unwrap lets errors.Is match ErrDeserialization and the cause.
func (e *DeserializationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDeserialization, e.Err}
	}
	return []error{ErrDeserialization}
}

// Encode serializes the event for the broker and the outbox.
func Encode(e *DeliveryEvent) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: encode: %w", err)
	}
	return raw, nil
}

// Decode parses a broker payload. Structurally valid JSON that lacks the
// identity fields or channels the worker needs is also rejected.
func Decode(raw []byte) (*DeliveryEvent, error) {
	var e DeliveryEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, &DeserializationError{Reason: "invalid json", Err: err}
	}
	switch {
	case e.RequestID == "":
		return nil, &DeserializationError{Reason: "missing requestId"}
	case e.TenantID == "":
		return nil, &DeserializationError{Reason: "missing tenantId"}
	case len(e.Channels) == 0:
		return nil, &DeserializationError{Reason: "missing channels"}
	case e.RetryCount < 0:
		return nil, &DeserializationError{Reason: "negative retryCount"}
	}
	return &e, nil
}
