// Package outbox implements the transactional outbox store shared by both
// services. Messages are enqueued in the same transaction as the business
// change they announce and relayed to the broker by the worker.Relay loop.
// Rows are never deleted; processed_at marks confirmed delivery and the
// table doubles as an audit trail.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/amirkasheesh/hw-hse-gozon/internal/db"
	"github.com/amirkasheesh/hw-hse-gozon/internal/model"
)

// Enqueue inserts a pending message in the caller's transaction, atomically
// with the business effect that produced it.
func Enqueue(ctx context.Context, tx pgx.Tx, m model.OutboxMessage) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_messages (id, message_id, type, payload_json, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.MessageID, m.Type, m.PayloadJSON, m.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}
	return nil
}

// Contains reports whether a message with the given message identifier is
// already enqueued. Consumers use it to avoid enqueueing the same result
// twice when a partially-completed delivery is retried.
func Contains(ctx context.Context, tx pgx.Tx, messageID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM outbox_messages WHERE message_id = $1)
	`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check outbox message: %w", err)
	}
	return exists, nil
}

// Store reads and updates outbox rows outside of business transactions; it is
// the relay side of the pattern.
type Store struct {
	db db.Pool
}

func NewStore(pool db.Pool) *Store {
	return &Store{db: pool}
}

// FetchPending returns up to limit unprocessed messages, oldest first.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, message_id, type, payload_json, occurred_at, processed_at, last_error
		FROM outbox_messages
		WHERE processed_at IS NULL
		ORDER BY occurred_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending outbox messages: %w", err)
	}
	defer rows.Close()

	var batch []model.OutboxMessage
	for rows.Next() {
		var m model.OutboxMessage
		if err := rows.Scan(&m.ID, &m.MessageID, &m.Type, &m.PayloadJSON, &m.OccurredAt, &m.ProcessedAt, &m.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		batch = append(batch, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox batch: %w", err)
	}

	return batch, nil
}

// MarkProcessed records broker-confirmed delivery and clears any prior error.
func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox_messages
		SET processed_at = $1, last_error = NULL
		WHERE id = $2
	`, processedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message processed: %w", err)
	}
	return nil
}

// MarkFailed records the publish failure and leaves the row unprocessed so
// the next poll cycle retries it.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox_messages
		SET last_error = $1
		WHERE id = $2
	`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message failed: %w", err)
	}
	return nil
}
