// Package template stores tenant notification templates and renders their
// subject and content from request data after validating it against the
// template's JSON Schema.
package template

import (
	"context"
	"errors"

	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/internal/entity"
)

var (
	// ErrTemplateNotFound is returned when no template matches.
	ErrTemplateNotFound = errors.New("template: not found")

	// ErrInactive is returned when the template exists but is disabled.
	ErrInactive = errors.New("template: inactive")

	// ErrInvalidData is returned when request data does not satisfy the schema.
	ErrInvalidData = errors.New("template: invalid data")
)

// Template is a versioned subject/content pair for one channel.
type Template struct {
	entity.Entity

	ID       id.ID  `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
	Channel  string `json:"channel,omitempty"`
	Subject  string `json:"subject"`
	Content  string `json:"content"`

	// Schema is a JSON Schema document the request data must satisfy.
	// A nil schema skips validation.
	Schema   map[string]any `json:"schema,omitempty"`
	IsActive bool           `json:"isActive"`
}

// Store provides template lookup.
type Store interface {
	GetTemplate(ctx context.Context, tenantID string, templateID id.ID) (*Template, error)
}
