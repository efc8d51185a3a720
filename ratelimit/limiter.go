// Package ratelimit implements sliding-window admission control per
// (tenant, credential).
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Window is the sliding window length.
const Window = time.Minute

// entryTTL is the expiry set on a window after each insert; slightly longer
// than Window so the last entry is still counted until it ages out.
const entryTTL = 61 * time.Second

// ErrConfigNotFound is returned by a ConfigStore when a tenant has no
// dedicated limit.
var ErrConfigNotFound = errors.New("ratelimit: config not found")

// Config is a tenant's rate limit. A RequestsPerMinute of zero or less
// disables limiting for the tenant.
type Config struct {
	TenantID          string `json:"tenantId"`
	RequestsPerMinute int    `json:"requestsPerMinute"`
	BurstLimit        int    `json:"burstLimit"`
}

// DefaultConfig is the global default applied to tenants without a Config.
var DefaultConfig = Config{RequestsPerMinute: 60, BurstLimit: 100}

// ConfigStore provides per-tenant limits.
type ConfigStore interface {
	GetRateLimitConfig(ctx context.Context, tenantID string) (*Config, error)
}

// SlideResult is the outcome of one WindowStore.Slide call.
type SlideResult struct {
	Allowed bool
	Count   int
	Oldest  time.Time
}

// WindowStore keeps the time-ordered entries of every window.
//
// Slide drops entries at or before now-window, counts the rest, and when the
// count is below limit records a new entry at now and sets the window expiry
// to ttl. Oldest is the earliest entry still in the window.
type WindowStore interface {
	Slide(ctx context.Context, key string, now time.Time, window time.Duration, limit int, ttl time.Duration) (SlideResult, error)
}

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Key returns the window key for a tenant and credential.
func Key(tenantID, credential string) string {
	return "rate_limit:" + tenantID + ":" + credential
}

// Limiter checks requests against per-tenant sliding windows.
type Limiter struct {
	store   WindowStore
	configs ConfigStore
	def     Config
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithConfigStore sets the per-tenant config source.
func WithConfigStore(cs ConfigStore) Option {
	return func(l *Limiter) { l.configs = cs }
}

// WithDefault overrides the global default limit.
func WithDefault(cfg Config) Option {
	return func(l *Limiter) { l.def = cfg }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a limiter over store.
func New(store WindowStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		def:    DefaultConfig,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Resolve returns the limit that applies to tenantID.
func (l *Limiter) Resolve(ctx context.Context, tenantID string) Config {
	if l.configs == nil {
		return l.def
	}
	cfg, err := l.configs.GetRateLimitConfig(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, ErrConfigNotFound) {
			l.logger.WarnContext(ctx, "rate limit config lookup failed, using default",
				"tenant_id", tenantID, "error", err)
		}
		return l.def
	}
	return *cfg
}

// Check records one request for (tenantID, credential) if the window has room.
func (l *Limiter) Check(ctx context.Context, tenantID, credential string) (*Result, error) {
	cfg := l.Resolve(ctx, tenantID)
	if cfg.RequestsPerMinute <= 0 {
		return &Result{Allowed: true}, nil
	}

	now := l.now()
	res, err := l.store.Slide(ctx, Key(tenantID, credential), now, Window, cfg.RequestsPerMinute, entryTTL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: slide window: %w", err)
	}

	out := &Result{
		Allowed:   res.Allowed,
		Limit:     cfg.RequestsPerMinute,
		Remaining: max(0, cfg.RequestsPerMinute-res.Count),
	}
	if !res.Allowed {
		out.RetryAfter = res.Oldest.Add(Window).Sub(now)
		if out.RetryAfter <= 0 {
			out.RetryAfter = time.Millisecond
		}
	}
	return out, nil
}
