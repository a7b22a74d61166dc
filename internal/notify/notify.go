// Package notify is the boundary to the external real-time push transport.
// Delivery is best-effort and happens after the settlement transaction
// commits; a dropped push is acceptable because the persisted order status is
// authoritative.
package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amirkasheesh/hw-hse-gozon/internal/model"
)

// Notifier pushes an order status change to all subscribers of that order.
type Notifier interface {
	OrderUpdated(ctx context.Context, orderID uuid.UUID, status model.OrderStatus, reason *string) error
}

// LogNotifier is the in-process stand-in for the push transport: it logs the
// update instead of delivering it to connected clients.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) OrderUpdated(_ context.Context, orderID uuid.UUID, status model.OrderStatus, reason *string) error {
	evt := n.log.Info().
		Str("order_id", orderID.String()).
		Str("status", string(status))
	if reason != nil {
		evt = evt.Str("reason", *reason)
	}
	evt.Msg("order updated")
	return nil
}
