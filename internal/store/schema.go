package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Bootstrap creates the engine's tables if they do not exist. River's own
// tables are migrated separately by rivermigrate in main.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS point_accounts (
			user_id    uuid NOT NULL,
			role       text NOT NULL,
			balance    bigint NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, role)
		)`,
		`CREATE TABLE IF NOT EXISTS point_transactions (
			id             uuid PRIMARY KEY,
			user_id        uuid NOT NULL,
			role           text NOT NULL,
			tx_type        text NOT NULL,
			amount         bigint NOT NULL,
			balance_after  bigint NOT NULL,
			job_id         uuid,
			status         text NOT NULL,
			description    text NOT NULL DEFAULT '',
			request_id     text,
			policy_version int,
			rating         double precision,
			created_at     timestamptz NOT NULL DEFAULT now(),
			completed_at   timestamptz
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS point_transactions_request_id_key
			ON point_transactions (request_id) WHERE request_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS point_transactions_account_idx
			ON point_transactions (user_id, role, created_at)`,
		`CREATE TABLE IF NOT EXISTS escrow_records (
			job_id            uuid PRIMARY KEY,
			requester_id      uuid NOT NULL,
			fulfiller_id      uuid,
			amount            bigint NOT NULL,
			commission_fee    bigint NOT NULL,
			requester_rating  double precision NOT NULL,
			fulfiller_rating  double precision,
			policy_version    int NOT NULL,
			status            text NOT NULL,
			compensated_total bigint NOT NULL DEFAULT 0,
			accepted_at       timestamptz,
			dispute_deadline  timestamptz NOT NULL,
			resolved_at       timestamptz,
			created_at        timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS escrow_records_pending_deadline_idx
			ON escrow_records (dispute_deadline) WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS escrow_compensations (
			job_id            uuid NOT NULL,
			compensation_type text NOT NULL,
			amount            bigint NOT NULL,
			created_at        timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (job_id, compensation_type)
		)`,
		`CREATE TABLE IF NOT EXISTS cancellation_records (
			id                     uuid PRIMARY KEY,
			job_id                 uuid NOT NULL,
			fulfiller_id           uuid NOT NULL,
			cancelled_at           timestamptz NOT NULL,
			hours_since_acceptance double precision NOT NULL,
			fee_amount             bigint NOT NULL,
			daily_index            int NOT NULL,
			suspension_days        int NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS cancellation_records_fulfiller_idx
			ON cancellation_records (fulfiller_id, cancelled_at)`,
		`CREATE TABLE IF NOT EXISTS withdrawals (
			id             uuid PRIMARY KEY,
			user_id        uuid NOT NULL,
			role           text NOT NULL,
			amount         bigint NOT NULL,
			status         text NOT NULL,
			transaction_id uuid NOT NULL,
			bank_ref       text,
			reject_reason  text,
			created_at     timestamptz NOT NULL DEFAULT now(),
			resolved_at    timestamptz
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_messages (
			id          uuid PRIMARY KEY,
			topic       text NOT NULL,
			message_key text NOT NULL,
			payload     jsonb NOT NULL,
			status      text NOT NULL DEFAULT 'pending',
			retry_count int NOT NULL DEFAULT 0,
			created_at  timestamptz NOT NULL DEFAULT now(),
			sent_at     timestamptz
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_messages_pending_idx
			ON outbox_messages (created_at) WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS policy_snapshots (
			version      serial PRIMARY KEY,
			commission   jsonb NOT NULL,
			suspension   jsonb NOT NULL,
			cancellation jsonb NOT NULL,
			created_at   timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS service_keys (
			id         uuid PRIMARY KEY,
			name       text NOT NULL,
			key_hash   text NOT NULL UNIQUE,
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}
