// Package memory provides an in-memory Store implementation for unit testing
// and single-process deployments.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xraph/notifly"
	"github.com/xraph/notifly/channel"
	"github.com/xraph/notifly/delivery"
	"github.com/xraph/notifly/dlq"
	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/outbox"
	"github.com/xraph/notifly/policy"
	"github.com/xraph/notifly/ratelimit"
	"github.com/xraph/notifly/request"
	notiflystore "github.com/xraph/notifly/store"
	"github.com/xraph/notifly/template"
)

// compile-time interface check.
var _ notiflystore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	requests       map[string]*request.Request // keyed by tenant/requestId
	requestsByIdem map[string]*request.Request // keyed by tenant/idempotencyKey
	outbox         []*outbox.Entry             // creation order
	logs           []*delivery.Log             // creation order
	logKeys        map[string]bool             // tenant/request/correlation/channel/attempt
	dlqEntries     map[string]*dlq.Entry       // keyed by ID string
	dlqKeys        map[string]bool             // tenant/requestId/correlationId
	policies       map[string]*policy.Policy   // keyed by tenant/eventType
	preferences    map[string]*policy.Preference
	templates      map[string]*template.Template // keyed by tenant/ID
	rateLimits     map[string]*ratelimit.Config

	now    func() time.Time
	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		requests:       make(map[string]*request.Request),
		requestsByIdem: make(map[string]*request.Request),
		logKeys:        make(map[string]bool),
		dlqEntries:     make(map[string]*dlq.Entry),
		dlqKeys:        make(map[string]bool),
		policies:       make(map[string]*policy.Policy),
		preferences:    make(map[string]*policy.Preference),
		templates:      make(map[string]*template.Template),
		rateLimits:     make(map[string]*ratelimit.Config),
		now:            time.Now,
	}
}

// SetClock overrides the clock used for claim leases.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func key(parts ...string) string { return strings.Join(parts, "/") }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return notifly.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// request.Store
// ──────────────────────────────────────────────────

// CreateRequest stores the request and its outbox entry atomically.
func (s *Store) CreateRequest(_ context.Context, req *request.Request, entry *outbox.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return notifly.ErrStoreClosed
	}
	rk := key(req.TenantID, req.RequestID)
	if _, ok := s.requests[rk]; ok {
		return notifly.ErrDuplicateRequest
	}
	var ik string
	if req.IdempotencyKey != "" {
		ik = key(req.TenantID, req.IdempotencyKey)
		if _, ok := s.requestsByIdem[ik]; ok {
			return notifly.ErrDuplicateRequest
		}
	}

	cp := *req
	s.requests[rk] = &cp
	if ik != "" {
		s.requestsByIdem[ik] = &cp
	}
	e := *entry
	s.outbox = append(s.outbox, &e)
	return nil
}

// GetRequest returns a request by tenant and requestId.
func (s *Store) GetRequest(_ context.Context, tenantID, requestID string) (*request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[key(tenantID, requestID)]
	if !ok {
		return nil, notifly.ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

// GetRequestByIdempotencyKey returns a request by tenant and idempotency key.
func (s *Store) GetRequestByIdempotencyKey(_ context.Context, tenantID, idemKey string) (*request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requestsByIdem[key(tenantID, idemKey)]
	if !ok {
		return nil, notifly.ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

// ──────────────────────────────────────────────────
// outbox.Store
// ──────────────────────────────────────────────────

// ClaimPending leases up to limit PENDING entries in creation order. Returns
// copies so callers can mutate without holding a lock.
func (s *Store) ClaimPending(_ context.Context, limit int, lease time.Duration) ([]*outbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, notifly.ErrStoreClosed
	}
	now := s.now().UTC()
	result := make([]*outbox.Entry, 0, limit)
	for _, e := range s.outbox {
		if limit > 0 && len(result) >= limit {
			break
		}
		if e.Status != outbox.StatusPending {
			continue
		}
		// simulates SKIP LOCKED
		if e.ClaimedUntil != nil && e.ClaimedUntil.After(now) {
			continue
		}
		until := now.Add(lease)
		e.ClaimedUntil = &until
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (s *Store) findOutbox(entryID id.ID) *outbox.Entry {
	for _, e := range s.outbox {
		if e.ID.String() == entryID.String() {
			return e
		}
	}
	return nil
}

// MarkSent transitions an entry to SENT.
func (s *Store) MarkSent(_ context.Context, entryID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.findOutbox(entryID)
	if e == nil {
		return notifly.ErrOutboxNotFound
	}
	if e.Status != outbox.StatusPending {
		return nil
	}
	now := s.now().UTC()
	e.Status = outbox.StatusSent
	e.SentAt = &now
	e.ClaimedUntil = nil
	e.UpdatedAt = now
	return nil
}

// MarkFailed transitions an entry to FAILED.
func (s *Store) MarkFailed(_ context.Context, entryID id.ID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.findOutbox(entryID)
	if e == nil {
		return notifly.ErrOutboxNotFound
	}
	if e.Status != outbox.StatusPending {
		return nil
	}
	e.Status = outbox.StatusFailed
	e.LastError = lastError
	e.RetryCount++
	e.ClaimedUntil = nil
	e.UpdatedAt = s.now().UTC()
	return nil
}

// GetOutboxByAggregate returns the entry for a request.
func (s *Store) GetOutboxByAggregate(_ context.Context, tenantID, aggregateID string) (*outbox.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.outbox {
		if e.TenantID == tenantID && e.AggregateID == aggregateID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, notifly.ErrOutboxNotFound
}

// CountPending returns the number of entries awaiting publication.
func (s *Store) CountPending(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, e := range s.outbox {
		if e.Status == outbox.StatusPending {
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// delivery.Store
// ──────────────────────────────────────────────────

// AppendLog inserts a delivery log row unless its key already exists.
func (s *Store) AppendLog(_ context.Context, l *delivery.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return notifly.ErrStoreClosed
	}
	k := key(l.TenantID, l.RequestID, l.CorrelationID, l.Channel, strconv.Itoa(l.RetryAttempt))
	if s.logKeys[k] {
		return nil
	}
	s.logKeys[k] = true
	cp := *l
	s.logs = append(s.logs, &cp)
	return nil
}

// HasSuccess reports whether a SUCCESS row exists on any of channels.
func (s *Store) HasSuccess(_ context.Context, tenantID, requestID string, channels []string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.logs {
		if l.TenantID != tenantID || l.RequestID != requestID || l.Status != delivery.StatusSuccess {
			continue
		}
		for _, ch := range channels {
			if channel.Normalize(ch) == l.Channel {
				return true, nil
			}
		}
	}
	return false, nil
}

// ListLogs returns a request's rows in creation order.
func (s *Store) ListLogs(_ context.Context, tenantID, requestID string) ([]*delivery.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*delivery.Log, 0)
	for _, l := range s.logs {
		if l.TenantID == tenantID && l.RequestID == requestID {
			cp := *l
			result = append(result, &cp)
		}
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// dlq.Store
// ──────────────────────────────────────────────────

func dlqKey(e *dlq.Entry) string { return key(e.TenantID, e.RequestID, e.CorrelationID) }

// PushDLQ stores an entry once per (tenant, requestId, correlationId).
func (s *Store) PushDLQ(_ context.Context, entry *dlq.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, notifly.ErrStoreClosed
	}
	if entry.RequestID != "" {
		k := dlqKey(entry)
		if s.dlqKeys[k] {
			return false, nil
		}
		s.dlqKeys[k] = true
	}
	cp := *entry
	s.dlqEntries[entry.ID.String()] = &cp
	return true, nil
}

// ListDLQ returns entries newest first, optionally filtered.
func (s *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(s.dlqEntries))
	for _, e := range s.dlqEntries {
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		if opts.From != nil && e.FailedAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && e.FailedAt.After(*opts.To) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].FailedAt.After(result[j].FailedAt)
	})

	result = applyPagination(result, opts.Offset, opts.Limit)
	return result, nil
}

// GetDLQ returns an entry by ID.
func (s *Store) GetDLQ(_ context.Context, dlqID id.ID) (*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.dlqEntries[dlqID.String()]
	if !ok {
		return nil, notifly.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// CountDLQ returns the number of entries for tenantID, or all when empty.
func (s *Store) CountDLQ(_ context.Context, tenantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tenantID == "" {
		return int64(len(s.dlqEntries)), nil
	}
	var count int64
	for _, e := range s.dlqEntries {
		if e.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

// PurgeDLQ deletes entries that failed before the threshold.
func (s *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for k, e := range s.dlqEntries {
		if e.FailedAt.Before(before) {
			delete(s.dlqEntries, k)
			delete(s.dlqKeys, dlqKey(e))
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// policy.Store, template.Store, ratelimit.ConfigStore
// ──────────────────────────────────────────────────

// GetPolicy returns the policy for (tenant, eventType).
func (s *Store) GetPolicy(_ context.Context, tenantID, eventType string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[key(tenantID, eventType)]
	if !ok {
		return nil, policy.ErrPolicyNotFound
	}
	cp := *p
	cp.Channels = append([]string(nil), p.Channels...)
	return &cp, nil
}

// ListPreferences returns every preference a user has set.
func (s *Store) ListPreferences(_ context.Context, tenantID, userID string) ([]*policy.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*policy.Preference, 0)
	for _, p := range s.preferences {
		if p.TenantID == tenantID && p.UserID == userID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Channel < result[j].Channel })
	return result, nil
}

// GetTemplate returns a tenant's template by ID.
func (s *Store) GetTemplate(_ context.Context, tenantID string, templateID id.ID) (*template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[key(tenantID, templateID.String())]
	if !ok {
		return nil, template.ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

// GetRateLimitConfig returns a tenant's rate limit.
func (s *Store) GetRateLimitConfig(_ context.Context, tenantID string) (*ratelimit.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.rateLimits[tenantID]
	if !ok {
		return nil, ratelimit.ErrConfigNotFound
	}
	cp := *c
	return &cp, nil
}

// ──────────────────────────────────────────────────
// store.Admin
// ──────────────────────────────────────────────────

// PutPolicy creates or replaces a policy.
func (s *Store) PutPolicy(_ context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	cp.Channels = make([]string, len(p.Channels))
	for i, ch := range p.Channels {
		cp.Channels[i] = channel.Normalize(ch)
	}
	s.policies[key(p.TenantID, p.EventType)] = &cp
	return nil
}

// PutPreference creates or replaces a user preference.
func (s *Store) PutPreference(_ context.Context, p *policy.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	cp.Channel = channel.Normalize(p.Channel)
	s.preferences[key(p.TenantID, p.UserID, cp.Channel)] = &cp
	return nil
}

// PutTemplate creates or replaces a template.
func (s *Store) PutTemplate(_ context.Context, t *template.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID.IsNil() {
		t.ID = id.NewTemplateID()
	}
	cp := *t
	s.templates[key(t.TenantID, t.ID.String())] = &cp
	return nil
}

// PutRateLimitConfig creates or replaces a tenant's rate limit.
func (s *Store) PutRateLimitConfig(_ context.Context, c *ratelimit.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.rateLimits[c.TenantID] = &cp
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset > 0 {
		return items[:0]
	}

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
