package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"

	// registers the migration executor for the driver
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate"
)

// Migrations is the grove migration group for the notifly PostgreSQL store.
// It can be registered with a grove orchestrator shared with other groups.
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
    raw_payload     JSONB NOT NULL,
    event_type      TEXT NOT NULL,
    user_id         TEXT NOT NULL DEFAULT '',
    recipient       TEXT NOT NULL DEFAULT '',
    correlation_id  TEXT NOT NULL DEFAULT '',
    metadata        JSONB NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
    payload        BYTEA NOT NULL,
    status         TEXT NOT NULL DEFAULT 'PENDING',
    retry_count    INT NOT NULL DEFAULT 0,
    last_error     TEXT NOT NULL DEFAULT '',
    claimed_until  TIMESTAMPTZ,
    sent_at        TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_notification_outbox_pending
    ON notification_outbox (created_at)
    WHERE status = 'PENDING';
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
			Name:    "create_delivery_logs",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS delivery_logs (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    request_id          TEXT NOT NULL,
    correlation_id      TEXT NOT NULL DEFAULT '',
    channel             TEXT NOT NULL,
    status              TEXT NOT NULL,
    retry_attempt       INT NOT NULL,
    provider_latency_ms BIGINT NOT NULL DEFAULT 0,
    error_details       TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (tenant_id, request_id, correlation_id, channel, retry_attempt)
);

CREATE INDEX IF NOT EXISTS idx_delivery_logs_request ON delivery_logs (tenant_id, request_id);
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
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS dead_letters (
    id             TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL DEFAULT '',
    request_id     TEXT NOT NULL DEFAULT '',
    correlation_id TEXT NOT NULL DEFAULT '',
    channels       TEXT NOT NULL DEFAULT '',
    recipient      TEXT NOT NULL DEFAULT '',
    retry_attempt  INT NOT NULL DEFAULT 0,
    error_code     TEXT NOT NULL,
    error_message  TEXT NOT NULL DEFAULT '',
    payload        BYTEA,
    failed_at      TIMESTAMPTZ NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
			Version: "20250101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS channel_policies (
    tenant_id  TEXT NOT NULL,
    event_type TEXT NOT NULL,
    channels   TEXT[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (tenant_id, event_type)
);

CREATE TABLE IF NOT EXISTS user_channel_preferences (
    tenant_id  TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    channel    TEXT NOT NULL,
    enabled    BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (tenant_id, user_id, channel)
);

CREATE TABLE IF NOT EXISTS notification_templates (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    name       TEXT NOT NULL,
    version    INT NOT NULL DEFAULT 1,
    channel    TEXT NOT NULL DEFAULT '',
    subject    TEXT NOT NULL DEFAULT '',
    content    TEXT NOT NULL DEFAULT '',
    schema     JSONB,
    is_active  BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_notification_templates_tenant ON notification_templates (tenant_id);

CREATE TABLE IF NOT EXISTS rate_limit_configs (
    tenant_id           TEXT PRIMARY KEY,
    requests_per_minute INT NOT NULL,
    burst_limit         INT NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
