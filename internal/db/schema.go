package db

import (
	"context"
	"fmt"
)

// Shared messaging tables, created per service database. The outbox is an
// audit trail: rows get processed_at set, never deleted. The inbox unique key
// is what converts at-least-once delivery into at-most-once effect.
const messagingSchema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
	id           uuid PRIMARY KEY,
	message_id   uuid NOT NULL UNIQUE,
	type         text NOT NULL,
	payload_json text NOT NULL,
	occurred_at  timestamptz NOT NULL,
	processed_at timestamptz,
	last_error   text
);

CREATE INDEX IF NOT EXISTS outbox_messages_pending_idx
	ON outbox_messages (occurred_at) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS inbox_messages (
	message_id  uuid PRIMARY KEY,
	received_at timestamptz NOT NULL
);
`

const ordersSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id         uuid PRIMARY KEY,
	user_id    text NOT NULL,
	amount     numeric(19,4) NOT NULL,
	status     text NOT NULL,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);
`

const paymentsSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id    text PRIMARY KEY,
	balance    numeric(19,4) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_operations (
	order_id          uuid PRIMARY KEY,
	user_id           text NOT NULL,
	amount            numeric(19,4) NOT NULL,
	decision          text NOT NULL,
	reason            text,
	result_message_id uuid NOT NULL,
	created_at        timestamptz NOT NULL
);
`

// EnsureOrdersSchema creates the orders service tables if missing. Startup is
// idempotent against a fresh or already-provisioned database, mirroring how
// the broker topology is redeclared on every start.
func EnsureOrdersSchema(ctx context.Context, pool Pool) error {
	if _, err := pool.Exec(ctx, ordersSchema+messagingSchema); err != nil {
		return fmt.Errorf("failed to ensure orders schema: %w", err)
	}
	return nil
}

// EnsurePaymentsSchema creates the payments service tables if missing.
func EnsurePaymentsSchema(ctx context.Context, pool Pool) error {
	if _, err := pool.Exec(ctx, paymentsSchema+messagingSchema); err != nil {
		return fmt.Errorf("failed to ensure payments schema: %w", err)
	}
	return nil
}
