package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/amirkasheesh/hw-hse-gozon/internal/contracts"
	"github.com/amirkasheesh/hw-hse-gozon/internal/db"
	"github.com/amirkasheesh/hw-hse-gozon/internal/inbox"
	"github.com/amirkasheesh/hw-hse-gozon/internal/metrics"
	"github.com/amirkasheesh/hw-hse-gozon/internal/model"
	"github.com/amirkasheesh/hw-hse-gozon/internal/notify"
)

// orderUpdate captures a committed settlement for the post-commit push.
type orderUpdate struct {
	status model.OrderStatus
	reason *string
}

// SettlementConsumer applies PaymentResultEvent deliveries to orders. Each
// delivery is handled in one local transaction: inbox dedup, status
// transition, commit; the broker delivery is acknowledged only after the
// commit. There is no compensation path: an order whose payment result never
// arrives stays new indefinitely.
type SettlementConsumer struct {
	db       db.Pool
	notifier notify.Notifier
	log      zerolog.Logger
	now      func() time.Time
}

func NewSettlementConsumer(pool db.Pool, notifier notify.Notifier, logger zerolog.Logger) *SettlementConsumer {
	return &SettlementConsumer{
		db:       pool,
		notifier: notifier,
		log:      logger.With().Str("component", "settlement_consumer").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run processes deliveries until ctx is cancelled or the channel closes.
// In-flight unacknowledged deliveries are redelivered by the broker to a
// future consumer instance.
func (c *SettlementConsumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *SettlementConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	queue := contracts.OrdersPaymentResultQueue

	var evt contracts.PaymentResultEvent
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		metrics.ConsumerFailures.WithLabelValues(queue).Inc()
		c.log.Error().Err(err).Str("message_id", d.MessageId).Msg("failed to decode payment result, requeueing")
		c.nack(d)
		return
	}

	update, err := c.applyResult(ctx, evt)
	if err != nil {
		metrics.ConsumerFailures.WithLabelValues(queue).Inc()
		c.log.Error().Err(err).Str("message_id", evt.MessageID.String()).Msg("failed to apply payment result, requeueing")
		c.nack(d)
		return
	}

	if err := d.Ack(false); err != nil {
		c.log.Error().Err(err).Str("message_id", evt.MessageID.String()).Msg("failed to ack delivery")
		return
	}
	metrics.ConsumerProcessed.WithLabelValues(queue).Inc()

	// Best-effort push, outside the transaction: a crash between commit and
	// delivery silently drops it and the persisted status stays authoritative.
	if update != nil {
		if err := c.notifier.OrderUpdated(ctx, evt.OrderID, update.status, update.reason); err != nil {
			c.log.Warn().Err(err).Str("order_id", evt.OrderID.String()).Msg("failed to push order update")
		}
	}
}

func (c *SettlementConsumer) nack(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		c.log.Error().Err(err).Msg("failed to nack delivery")
	}
}

// applyResult runs the settlement state machine. A nil update with a nil
// error means the delivery committed as a no-op (replay, unknown order, or an
// order already in a terminal state).
func (c *SettlementConsumer) applyResult(ctx context.Context, evt contracts.PaymentResultEvent) (*orderUpdate, error) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := inbox.MarkIfNew(ctx, tx, evt.MessageID, c.now())
	if err != nil {
		return nil, err
	}
	if !inserted {
		metrics.ConsumerDuplicates.WithLabelValues(contracts.OrdersPaymentResultQueue).Inc()
		c.log.Debug().Str("message_id", evt.MessageID.String()).Msg("duplicate payment result, skipping")
		return nil, commit(ctx, tx)
	}

	var status model.OrderStatus
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, evt.OrderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		c.log.Warn().Str("order_id", evt.OrderID.String()).Msg("payment result for unknown order")
		return nil, commit(ctx, tx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	// Second layer of idempotence on top of the inbox: a terminal order is
	// never transitioned again, whatever the delivery history looked like.
	if status != model.OrderStatusNew {
		return nil, commit(ctx, tx)
	}

	newStatus := model.OrderStatusCancelled
	if evt.Decision == model.DecisionApproved {
		newStatus = model.OrderStatusFinished
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3
	`, newStatus, c.now(), evt.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	if err := commit(ctx, tx); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("order_id", evt.OrderID.String()).
		Str("status", string(newStatus)).
		Msg("order settled")

	return &orderUpdate{status: newStatus, reason: evt.Reason}, nil
}

func commit(ctx context.Context, tx pgx.Tx) error {
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
