package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/amirkasheesh/hw-hse-gozon/internal/contracts"
	"github.com/amirkasheesh/hw-hse-gozon/internal/db"
	"github.com/amirkasheesh/hw-hse-gozon/internal/inbox"
	"github.com/amirkasheesh/hw-hse-gozon/internal/metrics"
	"github.com/amirkasheesh/hw-hse-gozon/internal/model"
	"github.com/amirkasheesh/hw-hse-gozon/internal/outbox"
)

const (
	reasonInsufficientFunds = "insufficient funds"
	reasonAccountNotFound   = "account not found"
)

// DebitConsumer handles InitiatePaymentCommand deliveries. The whole effect
// (inbox record, debit, decision row, result outbox row) commits in one local
// transaction; the broker delivery is acknowledged only after the commit.
//
// Two guards make the money movement idempotent: the inbox suppresses exact
// redeliveries (same messageId), and the per-order payment_operations row
// pins the decision so a differently-identified redelivery of the same order
// resolves to the same outcome instead of debiting again.
type DebitConsumer struct {
	db    db.Pool
	log   zerolog.Logger
	now   func() time.Time
	newID func() uuid.UUID
}

func NewDebitConsumer(pool db.Pool, logger zerolog.Logger) *DebitConsumer {
	return &DebitConsumer{
		db:    pool,
		log:   logger.With().Str("component", "debit_consumer").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.New,
	}
}

// Run processes deliveries until ctx is cancelled or the channel closes.
func (c *DebitConsumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
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

func (c *DebitConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	queue := contracts.PaymentsInitiateQueue

	var cmd contracts.InitiatePaymentCommand
	if err := json.Unmarshal(d.Body, &cmd); err != nil {
		metrics.ConsumerFailures.WithLabelValues(queue).Inc()
		c.log.Error().Err(err).Str("message_id", d.MessageId).Msg("failed to decode payment command, requeueing")
		c.nack(d)
		return
	}

	// Malformed commands are dropped, not retried. Only logged and counted;
	// nothing else surfaces them.
	if strings.TrimSpace(cmd.UserID) == "" || cmd.Amount.Sign() <= 0 {
		metrics.ConsumerDropped.WithLabelValues(queue).Inc()
		c.log.Warn().
			Str("message_id", cmd.MessageID.String()).
			Str("order_id", cmd.OrderID.String()).
			Msg("dropping malformed payment command")
		c.ack(d)
		return
	}

	if err := c.handleCommand(ctx, cmd); err != nil {
		metrics.ConsumerFailures.WithLabelValues(queue).Inc()
		c.log.Error().Err(err).Str("message_id", cmd.MessageID.String()).Msg("failed to process payment command, requeueing")
		c.nack(d)
		return
	}

	c.ack(d)
	metrics.ConsumerProcessed.WithLabelValues(queue).Inc()
}

func (c *DebitConsumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.log.Error().Err(err).Msg("failed to ack delivery")
	}
}

func (c *DebitConsumer) nack(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		c.log.Error().Err(err).Msg("failed to nack delivery")
	}
}

func (c *DebitConsumer) handleCommand(ctx context.Context, cmd contracts.InitiatePaymentCommand) error {
	now := c.now()
	userID := strings.TrimSpace(cmd.UserID)

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := inbox.MarkIfNew(ctx, tx, cmd.MessageID, now)
	if err != nil {
		return err
	}
	if !inserted {
		metrics.ConsumerDuplicates.WithLabelValues(contracts.PaymentsInitiateQueue).Inc()
		c.log.Debug().Str("message_id", cmd.MessageID.String()).Msg("duplicate payment command, skipping")
		return commit(ctx, tx)
	}

	op, err := c.loadOperation(ctx, tx, cmd.OrderID)
	if err != nil {
		return err
	}

	if op == nil {
		// First time this order is seen: decide by attempting the debit.
		decided, err := c.decide(ctx, tx, cmd.OrderID, userID, cmd.Amount, now)
		if err != nil {
			return err
		}
		op = decided
	}

	evt := contracts.PaymentResultEvent{
		MessageID:  op.ResultMessageID,
		OrderID:    cmd.OrderID,
		UserID:     userID,
		Amount:     cmd.Amount,
		Decision:   op.Decision,
		Reason:     op.Reason,
		OccurredAt: now,
	}

	// A crash after the operation row persisted but before this message was
	// enqueued leaves a retry that must not enqueue twice.
	exists, err := outbox.Contains(ctx, tx, op.ResultMessageID)
	if err != nil {
		return err
	}
	if !exists {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("failed to marshal payment result: %w", err)
		}
		err = outbox.Enqueue(ctx, tx, model.OutboxMessage{
			ID:          c.newID(),
			MessageID:   op.ResultMessageID,
			Type:        contracts.TypePaymentResult,
			PayloadJSON: string(payload),
			OccurredAt:  now,
		})
		if err != nil {
			return err
		}
	}

	if err := commit(ctx, tx); err != nil {
		return err
	}

	c.log.Info().
		Str("order_id", cmd.OrderID.String()).
		Str("decision", string(op.Decision)).
		Msg("payment command processed")

	return nil
}

func (c *DebitConsumer) loadOperation(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*model.PaymentOperation, error) {
	var op model.PaymentOperation
	op.OrderID = orderID
	err := tx.QueryRow(ctx, `
		SELECT user_id, amount, decision, reason, result_message_id, created_at
		FROM payment_operations
		WHERE order_id = $1
	`, orderID).Scan(&op.UserID, &op.Amount, &op.Decision, &op.Reason, &op.ResultMessageID, &op.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment operation: %w", err)
	}
	return &op, nil
}

// decide attempts the conditional debit and persists the resulting decision.
// The debit decrements the balance only when it covers the amount, in a
// single atomic statement; the decision is derived from the affected row
// count, so no read-then-write race can overdraw an account.
func (c *DebitConsumer) decide(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, userID string, amount decimal.Decimal, now time.Time) (*model.PaymentOperation, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance - $1, updated_at = $2
		WHERE user_id = $3 AND balance >= $1
	`, amount, now, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to debit account: %w", err)
	}

	op := &model.PaymentOperation{
		OrderID:         orderID,
		UserID:          userID,
		Amount:          amount,
		ResultMessageID: c.newID(),
		CreatedAt:       now,
	}

	if tag.RowsAffected() == 1 {
		op.Decision = model.DecisionApproved
	} else {
		var hasAccount bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM accounts WHERE user_id = $1)
		`, userID).Scan(&hasAccount)
		if err != nil {
			return nil, fmt.Errorf("failed to check account existence: %w", err)
		}

		op.Decision = model.DecisionDeclined
		reason := reasonAccountNotFound
		if hasAccount {
			reason = reasonInsufficientFunds
		}
		op.Reason = &reason
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payment_operations (order_id, user_id, amount, decision, reason, result_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, op.OrderID, op.UserID, op.Amount, op.Decision, op.Reason, op.ResultMessageID, op.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment operation: %w", err)
	}

	return op, nil
}

func commit(ctx context.Context, tx pgx.Tx) error {
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
