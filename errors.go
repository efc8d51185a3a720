package notifly

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by notifly operations.
var (
	// ErrNoStore is returned when a Notifly is created without a store.
	ErrNoStore = errors.New("notifly: store is required")

	// ErrNoBroker is returned when a role that needs a broker has none.
	ErrNoBroker = errors.New("notifly: broker is required")

	// ErrValidation is returned when a request fails field validation.
	ErrValidation = errors.New("notifly: validation failed")

	// ErrIdempotencyConflict is returned when an idempotency key is reused with
	// a different payload.
	ErrIdempotencyConflict = errors.New("notifly: idempotency key reused with a different payload")

	// ErrRateLimitExceeded is returned when the tenant exceeded its rate limit.
	ErrRateLimitExceeded = errors.New("notifly: rate limit exceeded")

	// ErrDuplicateRequest is returned by stores when (tenant, requestId) or
	// (tenant, idempotencyKey) already exists.
	ErrDuplicateRequest = errors.New("notifly: duplicate request")

	// ErrRequestNotFound is returned when a request cannot be found.
	ErrRequestNotFound = errors.New("notifly: request not found")

	// ErrOutboxNotFound is returned when an outbox entry cannot be found.
	ErrOutboxNotFound = errors.New("notifly: outbox entry not found")

	// ErrDLQNotFound is returned when a DLQ entry cannot be found.
	ErrDLQNotFound = errors.New("notifly: dlq entry not found")

	// ErrStoreClosed is returned when a store operation is attempted after the store is closed.
	ErrStoreClosed = errors.New("notifly: store is closed")

	// ErrMigrationFailed is returned when a database migration fails.
	ErrMigrationFailed = errors.New("notifly: migration failed")
)

// ValidationError reports the field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("notifly: invalid %s: %s", e.Field, e.Message)
}

// Unwrap returns ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// RateLimitError carries the retry hint for a rejected request.
type RateLimitError struct {
	RetryAfter time.Duration
	Limit      int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("notifly: rate limit of %d/min exceeded, retry after %s", e.Limit, e.RetryAfter)
}

// Unwrap returns ErrRateLimitExceeded.
func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (e *RateLimitError) RetryAfterSeconds() int {
	s := int((e.RetryAfter + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
