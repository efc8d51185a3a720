package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"

	// registers the migration executor for the driver
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate"
)

// Migrations is the grove migration group for the notifly store (SQLite).
// Timestamps are INTEGER Unix microseconds.
var Migrations = migrate.NewGroup("notifly")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_notification_requests",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS notification_requests (
    tenant_id       TEXT NOT NULL,
    request_id      TEXT NOT NULL,
    idempotency_key TEXT NOT NULL DEFAULT '',
    payload_hash    TEXT NOT NULL,
    raw_payload     BLOB NOT NULL,
    event_type      TEXT NOT NULL,
    user_id         TEXT NOT NULL DEFAULT '',
    recipient       TEXT NOT NULL DEFAULT '',
    correlation_id  TEXT NOT NULL DEFAULT '',
    metadata        TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, request_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_notification_requests_idempotency
    ON notification_requests (tenant_id, idempotency_key)
    WHERE idempotency_key != '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS notification_requests`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_notification_outbox",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS notification_outbox (
    id             TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    aggregate_id   TEXT NOT NULL,
    correlation_id TEXT NOT NULL DEFAULT '',
    payload        BLOB NOT NULL,
    status         TEXT NOT NULL DEFAULT 'PENDING',
    retry_count    INTEGER NOT NULL DEFAULT 0,
    last_error     TEXT NOT NULL DEFAULT '',
    claimed_until  INTEGER,
    sent_at        INTEGER,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notification_outbox_pending
    ON notification_outbox (status, created_at);
CREATE INDEX IF NOT EXISTS idx_notification_outbox_aggregate
    ON notification_outbox (tenant_id, aggregate_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS notification_outbox`)
				return err
			},
		},
		&migrate.Migration{
			// A single INSERT into the view writes both rows; a constraint
			// failure in the trigger aborts the whole statement.
			Name:    "create_notification_submissions",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE VIEW IF NOT EXISTS notification_submissions AS
SELECT
    r.tenant_id, r.request_id, r.idempotency_key, r.payload_hash, r.raw_payload,
    r.event_type, r.user_id, r.recipient, r.correlation_id, r.metadata, r.status,
    r.created_at, r.updated_at,
    o.id AS outbox_id, o.payload AS outbox_payload, o.status AS outbox_status,
    o.retry_count AS outbox_retry_count, o.last_error AS outbox_last_error,
    o.created_at AS outbox_created_at, o.updated_at AS outbox_updated_at
FROM notification_requests r
JOIN notification_outbox o ON o.tenant_id = r.tenant_id AND o.aggregate_id = r.request_id;

CREATE TRIGGER IF NOT EXISTS notification_submissions_insert
INSTEAD OF INSERT ON notification_submissions
BEGIN
    INSERT INTO notification_requests
        (tenant_id, request_id, idempotency_key, payload_hash, raw_payload, event_type,
         user_id, recipient, correlation_id, metadata, status, created_at, updated_at)
    VALUES
        (NEW.tenant_id, NEW.request_id, NEW.idempotency_key, NEW.payload_hash, NEW.raw_payload, NEW.event_type,
         NEW.user_id, NEW.recipient, NEW.correlation_id, NEW.metadata, NEW.status, NEW.created_at, NEW.updated_at);
    INSERT INTO notification_outbox
        (id, tenant_id, aggregate_id, correlation_id, payload, status,
         retry_count, last_error, created_at, updated_at)
    VALUES
        (NEW.outbox_id, NEW.tenant_id, NEW.request_id, NEW.correlation_id, NEW.outbox_payload, NEW.outbox_status,
         NEW.outbox_retry_count, NEW.outbox_last_error, NEW.outbox_created_at, NEW.outbox_updated_at);
END;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TRIGGER IF EXISTS notification_submissions_insert;
DROP VIEW IF EXISTS notification_submissions;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_delivery_logs",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS delivery_logs (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    request_id          TEXT NOT NULL,
    correlation_id      TEXT NOT NULL DEFAULT '',
    channel             TEXT NOT NULL,
    status              TEXT NOT NULL,
    retry_attempt       INTEGER NOT NULL,
    provider_latency_ms INTEGER NOT NULL DEFAULT 0,
    error_details       TEXT NOT NULL DEFAULT '',
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    UNIQUE (tenant_id, request_id, correlation_id, channel, retry_attempt)
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS delivery_logs`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_dead_letters",
			Version: "20250101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS dead_letters (
    id             TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL DEFAULT '',
    request_id     TEXT NOT NULL DEFAULT '',
    correlation_id TEXT NOT NULL DEFAULT '',
    channels       TEXT NOT NULL DEFAULT '',
    recipient      TEXT NOT NULL DEFAULT '',
    retry_attempt  INTEGER NOT NULL DEFAULT 0,
    error_code     TEXT NOT NULL,
    error_message  TEXT NOT NULL DEFAULT '',
    payload        BLOB,
    failed_at      INTEGER NOT NULL,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_dead_letters_cycle
    ON dead_letters (tenant_id, request_id, correlation_id)
    WHERE request_id != '';
CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters (failed_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS dead_letters`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tenant_configuration",
			Version: "20250101000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS channel_policies (
    tenant_id  TEXT NOT NULL,
    event_type TEXT NOT NULL,
    channels   TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, event_type)
);

CREATE TABLE IF NOT EXISTS user_channel_preferences (
    tenant_id  TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    channel    TEXT NOT NULL,
    enabled    INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, user_id, channel)
);

CREATE TABLE IF NOT EXISTS notification_templates (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    name       TEXT NOT NULL,
    version    INTEGER NOT NULL DEFAULT 1,
    channel    TEXT NOT NULL DEFAULT '',
    subject    TEXT NOT NULL DEFAULT '',
    content    TEXT NOT NULL DEFAULT '',
    schema     TEXT,
    is_active  INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_configs (
    tenant_id           TEXT PRIMARY KEY,
    requests_per_minute INTEGER NOT NULL,
    burst_limit         INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS rate_limit_configs;
DROP TABLE IF EXISTS notification_templates;
DROP TABLE IF EXISTS user_channel_preferences;
DROP TABLE IF EXISTS channel_policies;
`)
				return err
			},
		},
	)
}
