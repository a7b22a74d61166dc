// Package inbox implements the deduplication guard for inbound messages.
//
// The guard must run inside the same transaction as the business effect it
// protects: checking existence in a separate transaction would reopen the
// race between two concurrent redeliveries.
package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MarkIfNew records messageID inside the caller's transaction. It returns
// false when the message was already applied, in which case the caller must
// commit and acknowledge without re-applying the effect.
func MarkIfNew(ctx context.Context, tx pgx.Tx, messageID uuid.UUID, receivedAt time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO inbox_messages (message_id, received_at)
		VALUES ($1, $2)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID, receivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record inbox message: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}
