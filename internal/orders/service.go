// Package orders implements the orders side of the saga: the order creation
// unit of work that stages the payment command, the read side used by the API
// collaborator, and the consumer that settles orders from payment results.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/amirkasheesh/hw-hse-gozon/internal/contracts"
	"github.com/amirkasheesh/hw-hse-gozon/internal/db"
	"github.com/amirkasheesh/hw-hse-gozon/internal/model"
	"github.com/amirkasheesh/hw-hse-gozon/internal/outbox"
)

var (
	ErrBlankUserID       = errors.New("userId is required")
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrOrderNotFound     = errors.New("order not found")
)

// Service is the order-creation collaborator boundary. The HTTP layer that
// fronts it lives outside this module.
type Service struct {
	db    db.Pool
	log   zerolog.Logger
	now   func() time.Time
	newID func() uuid.UUID
}

func NewService(pool db.Pool, logger zerolog.Logger) *Service {
	return &Service{
		db:    pool,
		log:   logger.With().Str("component", "orders_service").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.New,
	}
}

// CreateOrder inserts the order row and its InitiatePayment outbox row in one
// transaction. The order starts as new and is mutated only by the settlement
// consumer from that point on.
func (s *Service) CreateOrder(ctx context.Context, userID string, amount decimal.Decimal) (*model.Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrBlankUserID
	}
	if amount.Sign() <= 0 {
		return nil, ErrNonPositiveAmount
	}

	now := s.now()
	order := &model.Order{
		ID:        s.newID(),
		UserID:    userID,
		Amount:    amount,
		Status:    model.OrderStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}

	cmd := contracts.InitiatePaymentCommand{
		MessageID:   s.newID(),
		OrderID:     order.ID,
		UserID:      order.UserID,
		Amount:      order.Amount,
		RequestedAt: now,
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment command: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, order.ID, order.UserID, order.Amount, order.Status, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	err = outbox.Enqueue(ctx, tx, model.OutboxMessage{
		ID:          s.newID(),
		MessageID:   cmd.MessageID,
		Type:        contracts.TypeInitiatePayment,
		PayloadJSON: string(payload),
		OccurredAt:  now,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info().
		Str("order_id", order.ID.String()).
		Str("user_id", order.UserID).
		Str("amount", order.Amount.String()).
		Msg("order created, payment command staged")

	return order, nil
}

// Order returns one order by id.
func (s *Service) Order(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	var o model.Order
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, amount, status, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&o.ID, &o.UserID, &o.Amount, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &o, nil
}

// RecentOrders returns the newest orders, bounded by limit.
func (s *Service) RecentOrders(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, amount, status, created_at, updated_at
		FROM orders
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Amount, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return out, nil
}
