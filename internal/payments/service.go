// Package payments implements the payments side of the saga: account
// management at the collaborator boundary and the consumer that decides and
// applies debits exactly once per order.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/amirkasheesh/hw-hse-gozon/internal/db"
	"github.com/amirkasheesh/hw-hse-gozon/internal/model"
)

var (
	ErrBlankUserID       = errors.New("userId is required")
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrAccountExists     = errors.New("account already exists")
	ErrAccountNotFound   = errors.New("account not found")
)

// uniqueViolation is the Postgres error code for a unique constraint breach.
const uniqueViolation = "23505"

// Service is the account collaborator boundary fronted by the external API.
type Service struct {
	db  db.Pool
	log zerolog.Logger
	now func() time.Time
}

func NewService(pool db.Pool, logger zerolog.Logger) *Service {
	return &Service{
		db:  pool,
		log: logger.With().Str("component", "accounts_service").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateAccount opens a zero-balance account for the user.
func (s *Service) CreateAccount(ctx context.Context, userID string) (*model.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrBlankUserID
	}

	now := s.now()
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
	`, userID, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return &model.Account{
		UserID:    userID,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// TopUp adds amount to the balance and returns the new balance. The update is
// additive, so concurrent top-ups never lose increments.
func (s *Service) TopUp(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return decimal.Zero, ErrBlankUserID
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, ErrNonPositiveAmount
	}

	var balance decimal.Decimal
	err := s.db.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $1, updated_at = $2
		WHERE user_id = $3
		RETURNING balance
	`, amount, s.now(), userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to top up account: %w", err)
	}

	return balance, nil
}

// Balance returns the current balance for the user.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRow(ctx, `
		SELECT balance FROM accounts WHERE user_id = $1
	`, strings.TrimSpace(userID)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load balance: %w", err)
	}
	return balance, nil
}
