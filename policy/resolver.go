package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/notifly/channel"
)

// Resolver caches policies per (tenant, eventType) and resolves channel order.
type Resolver struct {
	store    Store
	cacheTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	channels []string
	loadedAt time.Time
}

// Config configures the resolver.
type Config struct {
	// CacheTTL bounds how long a loaded policy is reused. Zero caches forever.
	CacheTTL time.Duration

	// Now overrides the clock.
	Now func() time.Time
}

// NewResolver creates a Resolver. A nil store resolves every event to the
// default order with no preferences.
func NewResolver(store Store, cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{
		store:    store,
		cacheTTL: cfg.CacheTTL,
		now:      cfg.Now,
		logger:   logger,
		cache:    make(map[string]cachedPolicy),
	}
}

// Resolve returns the ordered list of channels to try for one delivery.
func (r *Resolver) Resolve(ctx context.Context, tenantID, eventType, userID string, requested []string) ([]string, error) {
	order, err := r.policyOrder(ctx, tenantID, eventType)
	if err != nil {
		return nil, err
	}

	var disabled map[string]bool
	if userID != "" && r.store != nil {
		prefs, err := r.store.ListPreferences(ctx, tenantID, userID)
		if err != nil {
			return nil, fmt.Errorf("policy: list preferences: %w", err)
		}
		for _, p := range prefs {
			if p.Enabled {
				continue
			}
			if disabled == nil {
				disabled = make(map[string]bool)
			}
			disabled[channel.Normalize(p.Channel)] = true
		}
	}

	return Order(order, requested, disabled), nil
}

func (r *Resolver) policyOrder(ctx context.Context, tenantID, eventType string) ([]string, error) {
	if r.store == nil {
		return channel.DefaultOrder, nil
	}

	key := tenantID + "/" + eventType
	r.mu.RLock()
	if c, ok := r.cache[key]; ok && !r.expired(c) {
		r.mu.RUnlock()
		return c.channels, nil
	}
	r.mu.RUnlock()

	order := channel.DefaultOrder
	p, err := r.store.GetPolicy(ctx, tenantID, eventType)
	switch {
	case err == nil && len(p.Channels) > 0:
		order = p.Channels
	case err == nil, errors.Is(err, ErrPolicyNotFound):
	default:
		return nil, fmt.Errorf("policy: get policy: %w", err)
	}

	r.mu.Lock()
	r.cache[key] = cachedPolicy{channels: order, loadedAt: r.now()}
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "channel policy loaded",
		"tenant_id", tenantID, "event_type", eventType, "channels", order)
	return order, nil
}

// Invalidate drops every cached policy.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]cachedPolicy)
	r.mu.Unlock()
}

// expired must be called with at least RLock held.
func (r *Resolver) expired(c cachedPolicy) bool {
	if r.cacheTTL == 0 {
		return false
	}
	return r.now().Sub(c.loadedAt) > r.cacheTTL
}
