// Package postgres implements store.Store on PostgreSQL via Grove ORM.
//
// The outbox is claimed with FOR UPDATE SKIP LOCKED so concurrent relays
// never lease the same row, and every at-most-once table relies on a unique
// index with ON CONFLICT DO NOTHING.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

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

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// ConnectConfig controls Connect.
type ConnectConfig struct {
	URL           string
	RetryAttempts int
	RetryInterval time.Duration
}

// Open opens a grove database on the pg driver.
func Open(ctx context.Context, dsn string) (*grove.DB, error) {
	drv := pgdriver.New()
	if err := drv.Open(ctx, dsn); err != nil {
		return nil, fmt.Errorf("notifly/postgres: open: %w", err)
	}
	return grove.Open(drv)
}

// Connect opens the database and verifies it with a ping, retrying with
// linear backoff while the database comes up.
func Connect(ctx context.Context, cfg ConnectConfig) (*grove.DB, error) {
	attempts := max(cfg.RetryAttempts, 1)
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	var lastErr error
	for i := range attempts {
		db, err := Open(ctx, cfg.URL)
		if err == nil {
			if err = db.Ping(ctx); err == nil {
				return db, nil
			}
			_ = db.Close()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * interval):
		}
	}
	return nil, fmt.Errorf("notifly/postgres: connect after %d attempts: %w", attempts, lastErr)
}

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
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

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Request Store ====================

// CreateRequest inserts the request and its outbox entry in one statement, so
// a uniqueness violation on either leaves neither row behind.
func (s *Store) CreateRequest(ctx context.Context, req *request.Request, entry *outbox.Entry) error {
	meta, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("notifly/postgres: marshal metadata: %w", err)
	}
	if req.Metadata == nil {
		meta = []byte("{}")
	}

	var created []outboxModel
	err = s.pg.NewRaw(`
		WITH req AS (
			INSERT INTO notification_requests
				(tenant_id, request_id, idempotency_key, payload_hash, raw_payload, event_type,
				 user_id, recipient, correlation_id, metadata, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10::jsonb, $11, $12, $13)
			RETURNING request_id
		)
		INSERT INTO notification_outbox
			(id, tenant_id, aggregate_id, correlation_id, payload, status,
			 retry_count, last_error, created_at, updated_at)
		SELECT $14::text, $15::text, req.request_id, $16::text, $17::bytea, $18::text,
			$19::int, $20::text, $21::timestamptz, $22::timestamptz
		FROM req
		RETURNING *
	`,
		req.TenantID, req.RequestID, req.IdempotencyKey, req.PayloadHash, string(req.RawPayload), req.EventType,
		req.UserID, req.Recipient, req.CorrelationID, string(meta), req.Status, req.CreatedAt, req.UpdatedAt,
		entry.ID.String(), entry.TenantID, entry.CorrelationID, entry.Payload, string(entry.Status),
		entry.RetryCount, entry.LastError, entry.CreatedAt, entry.UpdatedAt,
	).Scan(ctx, &created)
	if err != nil {
		if isDuplicateKey(err) {
			return notifly.ErrDuplicateRequest
		}
		return fmt.Errorf("notifly/postgres: create request: %w", err)
	}
	return nil
}

// GetRequest returns a request by tenant and requestId.
func (s *Store) GetRequest(ctx context.Context, tenantID, requestID string) (*request.Request, error) {
	m := new(requestModel)
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
		Where("request_id = $2", requestID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, notifly.ErrRequestNotFound
		}
		return nil, err
	}
	return fromRequestModel(m), nil
}

// GetRequestByIdempotencyKey returns a request by tenant and idempotency key.
func (s *Store) GetRequestByIdempotencyKey(ctx context.Context, tenantID, key string) (*request.Request, error) {
	if key == "" {
		return nil, notifly.ErrRequestNotFound
	}
	m := new(requestModel)
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
		Where("idempotency_key = $2", key).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, notifly.ErrRequestNotFound
		}
		return nil, err
	}
	return fromRequestModel(m), nil
}

// ==================== Outbox Store ====================

// ClaimPending leases up to limit PENDING entries, oldest first. Rows locked
// by a concurrent claimer are skipped rather than waited on.
func (s *Store) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*outbox.Entry, error) {
	var models []outboxModel
	err := s.pg.NewRaw(`
		UPDATE notification_outbox
		SET claimed_until = NOW() + ($2::float8 * INTERVAL '1 millisecond'), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE status = 'PENDING' AND (claimed_until IS NULL OR claimed_until <= NOW())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, limit, float64(lease.Milliseconds())).Scan(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("notifly/postgres: claim outbox: %w", err)
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
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// MarkSent transitions a PENDING entry to SENT.
func (s *Store) MarkSent(ctx context.Context, entryID id.ID) error {
	res, err := s.pg.NewUpdate((*outboxModel)(nil)).
		Set("status = 'SENT'").
		Set("sent_at = NOW()").
		Set("claimed_until = NULL").
		Set("updated_at = NOW()").
		Where("id = $1", entryID.String()).
		Where("status = 'PENDING'").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notifly/postgres: mark sent: %w", err)
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
	res, err := s.pg.NewUpdate((*outboxModel)(nil)).
		Set("status = 'FAILED'").
		Set("last_error = $1", lastError).
		Set("retry_count = retry_count + 1").
		Set("claimed_until = NULL").
		Set("updated_at = NOW()").
		Where("id = $2", entryID.String()).
		Where("status = 'PENDING'").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notifly/postgres: mark failed: %w", err)
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
	count, err := s.pg.NewSelect((*outboxModel)(nil)).
		Where("id = $1", entryID.String()).
		Count(ctx)
	if err != nil {
		return fmt.Errorf("notifly/postgres: lookup outbox: %w", err)
	}
	if count == 0 {
		return notifly.ErrOutboxNotFound
	}
	return nil
}

// GetOutboxByAggregate returns the entry for a request.
func (s *Store) GetOutboxByAggregate(ctx context.Context, tenantID, aggregateID string) (*outbox.Entry, error) {
	m := new(outboxModel)
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
		Where("aggregate_id = $2", aggregateID).
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
	count, err := s.pg.NewSelect((*outboxModel)(nil)).
		Where("status = 'PENDING'").
		Count(ctx)
	return count, err
}

// ==================== Delivery Store ====================

// AppendLog inserts a delivery log row; an existing
// (tenant, request, correlation, channel, attempt) row is left untouched.
func (s *Store) AppendLog(ctx context.Context, l *delivery.Log) error {
	_, err := s.pg.NewInsert(toDeliveryLogModel(l)).
		OnConflict("(tenant_id, request_id, correlation_id, channel, retry_attempt) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notifly/postgres: append log: %w", err)
	}
	return nil
}

// HasSuccess reports whether a SUCCESS row exists on any of channels.
func (s *Store) HasSuccess(ctx context.Context, tenantID, requestID string, channels []string) (bool, error) {
	normalized := make([]string, len(channels))
	for i, ch := range channels {
		normalized[i] = channel.Normalize(ch)
	}
	count, err := s.pg.NewSelect((*deliveryLogModel)(nil)).
		Where("tenant_id = $1", tenantID).
		Where("request_id = $2", requestID).
		Where("status = 'SUCCESS'").
		Where("channel = ANY($3)", normalized).
		Count(ctx)
	if err != nil {
		return false, fmt.Errorf("notifly/postgres: has success: %w", err)
	}
	return count > 0, nil
}

// ListLogs returns a request's rows in creation order.
func (s *Store) ListLogs(ctx context.Context, tenantID, requestID string) ([]*delivery.Log, error) {
	var models []deliveryLogModel
	err := s.pg.NewSelect(&models).
		Where("tenant_id = $1", tenantID).
		Where("request_id = $2", requestID).
		OrderExpr("created_at ASC, retry_attempt ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("notifly/postgres: list logs: %w", err)
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
	res, err := s.pg.NewInsert(toDLQEntryModel(e)).
		OnConflict("(tenant_id, request_id, correlation_id) WHERE request_id != '' DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("notifly/postgres: push dlq: %w", err)
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
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.TenantID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("tenant_id = $%d", argIdx), opts.TenantID)
	}
	if opts.From != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("failed_at >= $%d", argIdx), *opts.From)
	}
	if opts.To != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("failed_at <= $%d", argIdx), *opts.To)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("failed_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("notifly/postgres: list dlq: %w", err)
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
	err := s.pg.NewSelect(m).
		Where("id = $1", dlqID.String()).
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
	q := s.pg.NewSelect((*dlqEntryModel)(nil))
	if tenantID != "" {
		q = q.Where("tenant_id = $1", tenantID)
	}
	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("notifly/postgres: count dlq: %w", err)
	}
	return count, nil
}

// PurgeDLQ deletes entries that failed before the threshold.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.pg.NewDelete((*dlqEntryModel)(nil)).
		Where("failed_at < $1", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("notifly/postgres: purge dlq: %w", err)
	}
	return res.RowsAffected()
}

// ==================== Policy, Template, Rate Limit ====================

// GetPolicy returns the policy for (tenant, eventType).
func (s *Store) GetPolicy(ctx context.Context, tenantID, eventType string) (*policy.Policy, error) {
	m := new(policyModel)
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
		Where("event_type = $2", eventType).
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
	err := s.pg.NewSelect(&models).
		Where("tenant_id = $1", tenantID).
		Where("user_id = $2", userID).
		OrderExpr("channel ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("notifly/postgres: list preferences: %w", err)
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
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
		Where("id = $2", templateID.String()).
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
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
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
	now := time.Now().UTC()
	_, err := s.pg.NewInsert(&policyModel{
		TenantID:  p.TenantID,
		EventType: p.EventType,
		Channels:  channels,
		CreatedAt: now,
		UpdatedAt: now,
	}).
		OnConflict("(tenant_id, event_type) DO UPDATE").
		Set("channels = EXCLUDED.channels").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notifly/postgres: put policy: %w", err)
	}
	return nil
}

// PutPreference creates or replaces a user preference.
func (s *Store) PutPreference(ctx context.Context, p *policy.Preference) error {
	now := time.Now().UTC()
	_, err := s.pg.NewInsert(&preferenceModel{
		TenantID:  p.TenantID,
		UserID:    p.UserID,
		Channel:   channel.Normalize(p.Channel),
		Enabled:   p.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}).
		OnConflict("(tenant_id, user_id, channel) DO UPDATE").
		Set("enabled = EXCLUDED.enabled").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notifly/postgres: put preference: %w", err)
	}
	return nil
}

// PutTemplate creates or replaces a template, assigning an ID when unset.
func (s *Store) PutTemplate(ctx context.Context, t *template.Template) error {
	if t.ID.IsNil() {
		t.ID = id.NewTemplateID()
	}
	m, err := toTemplateModel(t)
	if err != nil {
		return fmt.Errorf("notifly/postgres: %w", err)
	}
	_, err = s.pg.NewInsert(m).
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
		return fmt.Errorf("notifly/postgres: put template: %w", err)
	}
	return nil
}

// PutRateLimitConfig creates or replaces a tenant's rate limit.
func (s *Store) PutRateLimitConfig(ctx context.Context, c *ratelimit.Config) error {
	now := time.Now().UTC()
	_, err := s.pg.NewInsert(&rateLimitModel{
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
		return fmt.Errorf("notifly/postgres: put rate limit: %w", err)
	}
	return nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey reports a unique_violation, whether or not the driver kept
// the pgconn error in the chain.
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "SQLSTATE 23505")
}
