// Package contracts defines the broker topology and the wire messages
// exchanged between the orders and payments services. Both services declare
// the topology idempotently on startup; the messageId carried in every payload
// is the idempotency key and is distinct from broker delivery tags.
package contracts

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amirkasheesh/hw-hse-gozon/internal/model"
)

const (
	OrdersExchange   = "gozon.orders"
	PaymentsExchange = "gozon.payments"

	InitiatePaymentRoutingKey = "payments.initiate"
	PaymentResultRoutingKey   = "orders.payment_result"

	PaymentsInitiateQueue    = "payments.initiate_queue"
	OrdersPaymentResultQueue = "orders.payment_results"
)

// Logical message type tags, attached to broker messages and outbox rows.
const (
	TypeInitiatePayment = "InitiatePayment"
	TypePaymentResult   = "PaymentResult"
)

// InitiatePaymentCommand asks the payments service to debit the order amount
// from the user's account.
type InitiatePaymentCommand struct {
	MessageID   uuid.UUID       `json:"messageId"`
	OrderID     uuid.UUID       `json:"orderId"`
	UserID      string          `json:"userId"`
	Amount      decimal.Decimal `json:"amount"`
	RequestedAt time.Time       `json:"requestedAt"`
}

// PaymentResultEvent announces the debit decision back to the orders service.
// Reason is set only for declined payments.
type PaymentResultEvent struct {
	MessageID  uuid.UUID             `json:"messageId"`
	OrderID    uuid.UUID             `json:"orderId"`
	UserID     string                `json:"userId"`
	Amount     decimal.Decimal       `json:"amount"`
	Decision   model.PaymentDecision `json:"decision"`
	Reason     *string               `json:"reason,omitempty"`
	OccurredAt time.Time             `json:"occurredAt"`
}
