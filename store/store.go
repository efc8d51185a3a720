// Package store defines the composite Store interface for all notifly
// persistence.
//
// Each subsystem defines its own store interface and the aggregate Store
// composes them all.
package store

import (
	"context"

	"github.com/xraph/notifly/delivery"
	"github.com/xraph/notifly/dlq"
	"github.com/xraph/notifly/outbox"
	"github.com/xraph/notifly/policy"
	"github.com/xraph/notifly/ratelimit"
	"github.com/xraph/notifly/request"
	"github.com/xraph/notifly/template"
)

// Store is the aggregate persistence interface.
type Store interface {
	request.Store
	outbox.Store
	delivery.Store
	dlq.Store
	policy.Store
	ratelimit.ConfigStore
	template.Store
	Admin

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

// Admin writes the tenant configuration the pipeline only reads.
type Admin interface {
	PutPolicy(ctx context.Context, p *policy.Policy) error
	PutPreference(ctx context.Context, p *policy.Preference) error
	PutTemplate(ctx context.Context, t *template.Template) error
	PutRateLimitConfig(ctx context.Context, c *ratelimit.Config) error
}
