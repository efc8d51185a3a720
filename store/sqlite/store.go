// Package sqlite implements store.Store on SQLite via Grove ORM and the
// pure-Go modernc driver. Timestamps are stored as Unix microseconds.
//
// SQLite has a single writer, so the outbox claim is one UPDATE ... RETURNING
// statement, and a request and its outbox entry are written by one INSERT
// into a view whose trigger fills both tables.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

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

// compile-time interface check
var _ notiflystore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB

	mu  sync.RWMutex
	now func() time.Time
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
		now: time.Now,
	}
}

// Open opens a grove database on the sqlite driver. Writers wait on a
// locked database instead of failing.
func Open(ctx context.Context, dsn string) (*grove.DB, error) {
	if !strings.Contains(dsn, "busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)"
	}
	drv := sqlitedriver.New()
	if err := drv.Open(ctx, dsn); err != nil {
		return nil, fmt.Errorf("notifly/sqlite: open: %w", err)
	}
	return grove.Open(drv)
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// SetClock overrides the clock used for claim leases and write timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().UTC()
}

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("%w: create executor: %w", notifly.ErrMigrationFailed, err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", notifly.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Request Store ====================

// CreateRequest inserts the request and its outbox entry in one statement, so
// a uniqueness violation on either leaves neither row behind.
func (s *Store) CreateRequest(ctx context.Context, req *request.Request, entry *outbox.Entry) error {
	m, err := toSubmissionModel(req, entry)
	if err != nil {
		return fmt.Errorf("notifly/sqlite: %w", err)
	}
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		if isConstraint(err) {
			return notifly.ErrDuplicateRequest
		}
		return fmt.Errorf("notifly/sqlite: create request: %w", err)
	}
	return nil
}

// GetRequest returns a request by tenant and requestId.
func (s *Store) GetRequest(ctx context.Context, tenantID, requestID string) (*request.Request, error) {
	m := new(requestModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Where("request_id = ?", requestID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, notifly.ErrRequestNotFound
		}
		return nil, err
	}
	return fromRequestModel(m)
}

// GetRequestByIdempotencyKey returns a request by tenant and idempotency key.
func (s *Store) GetRequestByIdempotencyKey(ctx context.Context, tenantID, key string) (*request.Request, error) {
	if key == "" {
		return nil, notifly.ErrRequestNotFound
	}
	m := new(requestModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Where("idempotency_key = ?", key).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, notifly.ErrRequestNotFound
		}
		return nil, err
	}
	return fromRequestModel(m)
}

// ==================== Outbox Store ====================

// ClaimPending leases up to limit PENDING entries, oldest first.
func (s *Store) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*outbox.Entry, error) {
	now := s.clock()
	if limit <= 0 {
		limit = -1
	}
	var models []outboxModel
	err := s.sdb.NewRaw(`
		UPDATE notification_outbox
		SET claimed_until = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE status = 'PENDING' AND (claimed_until IS NULL OR claimed_until <= ?)
			ORDER BY created_at, id
			LIMIT ?
		)
		RETURNING *
	`, micros(now.Add(lease)), micros(now), micros(now), limit).Scan(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("notifly/sqlite: claim outbox: %w", err)
	}

	result := make([]*outbox.Entry, len(models))
	for i := range models {
		e, err := fromOutboxModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	// RETURNING does not preserve the subquery order.
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID.String() < result[j].ID.String()
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// MarkSent transitions a PENDING entry to SENT.
func (s *Store) MarkSent(ctx context.Context, entryID id.ID) error {
	now := micros(s.clock())
	res, err := s.sdb.NewUpdate((*outboxModel)(nil)).
		Set("status = 'SENT'").
		Set("sent_at = ?", now).
		Set("claimed_until = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", entryID.String()).
		Where("status = 'PENDING'").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notifly/sqlite: mark sent: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.outboxExists(ctx, entryID)
	}
	return nil
}

// MarkFailed transitions a PENDING entry to FAILED.
func (s *Store) MarkFailed(ctx context.Context, entryID id.ID, lastError string) error {
	res, err := s.sdb.NewUpdate((*outboxModel)(nil)).
		Set("status = 'FAILED'").
		Set("last_error = ?", lastError).
		Set("retry_count = retry_count + 1").
		Set("claimed_until = NULL").
		Set("updated_at = ?", micros(s.clock())).
		Where("id = ?", entryID.String()).
		Where("status = 'PENDING'").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notifly/sqlite: mark failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.outboxExists(ctx, entryID)
	}
	return nil
}

// outboxExists distinguishes an already-terminal entry (nil) from a missing one.
func (s *Store) outboxExists(ctx context.Context, entryID id.ID) error {
	count, err := s.sdb.NewSelect((*outboxModel)(nil)).
		Where("id = ?", entryID.String()).
		Count(ctx)
	if err != nil {
		return fmt.Errorf("notifly/sqlite: lookup outbox: %w", err)
	}
	if count == 0 {
		return notifly.ErrOutboxNotFound
	}
	return nil
}

// GetOutboxByAggregate returns the entry for a request.
func (s *Store) GetOutboxByAggregate(ctx context.Context, tenantID, aggregateID string) (*outbox.Entry, error) {
	m := new(outboxModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Where("aggregate_id = ?", aggregateID).
		OrderExpr("created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, notifly.ErrOutboxNotFound
		}
		return nil, err
	}
	return fromOutboxModel(m)
}

// CountPending returns the number of entries awaiting publication.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	count, err := s.sdb.NewSelect((*outboxModel)(nil)).
		Where("status = 'PENDING'").
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("notifly/sqlite: count pending: %w", err)
	}
	return count, nil
}

// ==================== Delivery Store ====================

// AppendLog inserts a delivery log row; an existing
// (tenant, request, correlation, channel, attempt) row is left untouched.
func (s *Store) AppendLog(ctx context.Context, l *delivery.Log) error {
	_, err := s.sdb.NewInsert(toDeliveryLogModel(l)).
		OnConflict("(tenant_id, request_id, correlation_id, channel, retry_attempt) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notifly/sqlite: append log: %w", err)
	}
	return nil
}

// HasSuccess reports whether a SUCCESS row exists on any of channels.
func (s *Store) HasSuccess(ctx context.Context, tenantID, requestID string, channels []string) (bool, error) {
	if len(channels) == 0 {
		return false, nil
	}
	marks := make([]string, len(channels))
	args := make([]any, len(channels))
	for i, ch := range channels {
		marks[i] = "?"
		args[i] = channel.Normalize(ch)
	}
	count, err := s.sdb.NewSelect((*deliveryLogModel)(nil)).
		Where("tenant_id = ?", tenantID).
		Where("request_id = ?", requestID).
		Where("status = 'SUCCESS'").
		Where("channel IN ("+strings.Join(marks, ", ")+")", args...).
		Count(ctx)
	if err != nil {
		return false, fmt.Errorf("notifly/sqlite: has success: %w", err)
	}
	return count > 0, nil
}

// ListLogs returns a request's rows in creation order.
func (s *Store) ListLogs(ctx context.Context, tenantID, requestID string) ([]*delivery.Log, error) {
	var models []deliveryLogModel
	err := s.sdb.NewSelect(&models).
		Where("tenant_id = ?", tenantID).
		Where("request_id = ?", requestID).
		OrderExpr("created_at ASC, retry_attempt ASC, rowid ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("notifly/sqlite: list logs: %w", err)
	}

	result := make([]*delivery.Log, len(models))
	for i := range models {
		l, err := fromDeliveryLogModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = l
	}
	return result, nil
}

// ==================== DLQ Store ====================

// PushDLQ inserts an entry once per (tenant, requestId, correlationId).
// Entries without a requestId never collide.
func (s *Store) PushDLQ(ctx context.Context, e *dlq.Entry) (bool, error) {
	res, err := s.sdb.NewInsert(toDLQEntryModel(e)).
		OnConflict("(tenant_id, request_id, correlation_id) WHERE request_id != '' DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("notifly/sqlite: push dlq: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListDLQ returns entries newest first, optionally filtered.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var models []dlqEntryModel
	q := s.sdb.NewSelect(&models)

	if opts.TenantID != "" {
		q = q.Where("tenant_id = ?", opts.TenantID)
	}
	if opts.From != nil {
		q = q.Where("failed_at >= ?", micros(*opts.From))
	}
	if opts.To != nil {
		q = q.Where("failed_at <= ?", micros(*opts.To))
	}
	switch {
	case opts.Limit > 0:
		q = q.Limit(opts.Limit)
	case opts.Offset > 0:
		// SQLite requires a LIMIT before OFFSET.
		q = q.Limit(-1)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("failed_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("notifly/sqlite: list dlq: %w", err)
	}

	result := make([]*dlq.Entry, len(models))
	for i := range models {
		e, err := fromDLQEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

// GetDLQ returns an entry by ID.
func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	m := new(dlqEntryModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", dlqID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, notifly.ErrDLQNotFound
		}
		return nil, err
	}
	return fromDLQEntryModel(m)
}

// CountDLQ returns the number of entries for tenantID, or all when empty.
func (s *Store) CountDLQ(ctx context.Context, tenantID string) (int64, error) {
	q := s.sdb.NewSelect((*dlqEntryModel)(nil))
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("notifly/sqlite: count dlq: %w", err)
	}
	return count, nil
}

// PurgeDLQ deletes entries that failed before the threshold.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sdb.NewDelete((*dlqEntryModel)(nil)).
		Where("failed_at < ?", micros(before)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("notifly/sqlite: purge dlq: %w", err)
	}
	return res.RowsAffected()
}

// ==================== Policy, Template, Rate Limit ====================

// GetPolicy returns the policy for (tenant, eventType).
func (s *Store) GetPolicy(ctx context.Context, tenantID, eventType string) (*policy.Policy, error) {
	m := new(policyModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Where("event_type = ?", eventType).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, policy.ErrPolicyNotFound
		}
		return nil, err
	}
	return fromPolicyModel(m), nil
}

// ListPreferences returns every preference a user has set.
func (s *Store) ListPreferences(ctx context.Context, tenantID, userID string) ([]*policy.Preference, error) {
	var models []preferenceModel
	err := s.sdb.NewSelect(&models).
		Where("tenant_id = ?", tenantID).
		Where("user_id = ?", userID).
		OrderExpr("channel ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("notifly/sqlite: list preferences: %w", err)
	}

	result := make([]*policy.Preference, len(models))
	for i := range models {
		result[i] = fromPreferenceModel(&models[i])
	}
	return result, nil
}

// GetTemplate returns a tenant's template by ID.
func (s *Store) GetTemplate(ctx context.Context, tenantID string, templateID id.ID) (*template.Template, error) {
	m := new(templateModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Where("id = ?", templateID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, template.ErrTemplateNotFound
		}
		return nil, err
	}
	return fromTemplateModel(m)
}

// GetRateLimitConfig returns a tenant's rate limit.
func (s *Store) GetRateLimitConfig(ctx context.Context, tenantID string) (*ratelimit.Config, error) {
	m := new(rateLimitModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, ratelimit.ErrConfigNotFound
		}
		return nil, err
	}
	return fromRateLimitModel(m), nil
}

// ==================== Admin ====================

// PutPolicy creates or replaces a policy.
func (s *Store) PutPolicy(ctx context.Context, p *policy.Policy) error {
	channels := make([]string, len(p.Channels))
	for i, ch := range p.Channels {
		channels[i] = channel.Normalize(ch)
	}
	now := micros(s.clock())
	_, err := s.sdb.NewInsert(&policyModel{
		TenantID:  p.TenantID,
		EventType: p.EventType,
		Channels:  strings.Join(channels, ","),
		CreatedAt: now,
		UpdatedAt: now,
	}).
		OnConflict("(tenant_id, event_type) DO UPDATE").
		Set("channels = EXCLUDED.channels").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notifly/sqlite: put policy: %w", err)
	}
	return nil
}

// PutPreference creates or replaces a user preference.
func (s *Store) PutPreference(ctx context.Context, p *policy.Preference) error {
	now := micros(s.clock())
	_, err := s.sdb.NewInsert(&preferenceModel{
		TenantID:  p.TenantID,
		UserID:    p.UserID,
		Channel:   channel.Normalize(p.Channel),
		Enabled:   boolToInt(p.Enabled),
		CreatedAt: now,
		UpdatedAt: now,
	}).
		OnConflict("(tenant_id, user_id, channel) DO UPDATE").
		Set("enabled = EXCLUDED.enabled").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notifly/sqlite: put preference: %w", err)
	}
	return nil
}

// PutTemplate creates or replaces a template, assigning an ID when unset.
func (s *Store) PutTemplate(ctx context.Context, t *template.Template) error {
	if t.ID.IsNil() {
		t.ID = id.NewTemplateID()
	}
	m, err := toTemplateModel(t, s.clock())
	if err != nil {
		return fmt.Errorf("notifly/sqlite: %w", err)
	}
	_, err = s.sdb.NewInsert(m).
		OnConflict("(id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("version = EXCLUDED.version").
		Set("channel = EXCLUDED.channel").
		Set("subject = EXCLUDED.subject").
		Set("content = EXCLUDED.content").
		Set("schema = EXCLUDED.schema").
		Set("is_active = EXCLUDED.is_active").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notifly/sqlite: put template: %w", err)
	}
	return nil
}

// PutRateLimitConfig creates or replaces a tenant's rate limit.
func (s *Store) PutRateLimitConfig(ctx context.Context, c *ratelimit.Config) error {
	now := micros(s.clock())
	_, err := s.sdb.NewInsert(&rateLimitModel{
		TenantID:          c.TenantID,
		RequestsPerMinute: c.RequestsPerMinute,
		BurstLimit:        c.BurstLimit,
		CreatedAt:         now,
		UpdatedAt:         now,
	}).
		OnConflict("(tenant_id) DO UPDATE").
		Set("requests_per_minute = EXCLUDED.requests_per_minute").
		Set("burst_limit = EXCLUDED.burst_limit").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notifly/sqlite: put rate limit: %w", err)
	}
	return nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isConstraint reports a UNIQUE or PRIMARY KEY violation, whether or not the
// driver kept the sqlite error in the chain.
func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
