package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order. An order starts as new and
// moves exactly once to finished or cancelled; terminal states never change.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusFinished  OrderStatus = "finished"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentDecision is the outcome of a debit attempt. Exactly one decision is
// ever made per order.
type PaymentDecision string

const (
	DecisionApproved PaymentDecision = "approved"
	DecisionDeclined PaymentDecision = "declined"
)

type Order struct {
	ID        uuid.UUID       `json:"id"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Account struct {
	UserID    string          `json:"userId"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// PaymentOperation records the single debit decision made for an order.
// ResultMessageID identifies the outbox message that announces the decision,
// so redeliveries of the triggering command re-emit the same message instead
// of re-deciding.
type PaymentOperation struct {
	OrderID         uuid.UUID
	UserID          string
	Amount          decimal.Decimal
	Decision        PaymentDecision
	Reason          *string
	ResultMessageID uuid.UUID
	CreatedAt       time.Time
}

// OutboxMessage is a pending (or already relayed) outgoing message. Rows are
// inserted in the same transaction as the business change they announce and
// are never deleted; ProcessedAt marks broker-confirmed delivery.
type OutboxMessage struct {
	ID          uuid.UUID
	MessageID   uuid.UUID
	Type        string
	PayloadJSON string
	OccurredAt  time.Time
	ProcessedAt *time.Time
	LastError   *string
}

// InboxMessage marks an inbound message as already applied. Its presence
// turns a redelivery into a no-op.
type InboxMessage struct {
	MessageID  uuid.UUID
	ReceivedAt time.Time
}
