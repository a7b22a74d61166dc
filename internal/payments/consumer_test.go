package payments

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirkasheesh/hw-hse-gozon/internal/contracts"
	"github.com/amirkasheesh/hw-hse-gozon/internal/model"
)

type fakeAck struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (f *fakeAck) Ack(uint64, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAck) Reject(uint64, bool) error { return nil }

// captureString is a pgxmock argument matcher that records the string it saw.
type captureString struct{ dst *string }

func (c captureString) Match(v any) bool {
	s, ok := v.(string)
	if ok {
		*c.dst = s
	}
	return ok
}

func testConsumer(t *testing.T) (*DebitConsumer, pgxmock.PgxPoolIface, uuid.UUID, time.Time) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	resultMessageID := uuid.New()

	c := NewDebitConsumer(mock, zerolog.Nop())
	c.now = func() time.Time { return now }
	c.newID = func() uuid.UUID { return resultMessageID }

	return c, mock, resultMessageID, now
}

func command(amount string) contracts.InitiatePaymentCommand {
	return contracts.InitiatePaymentCommand{
		MessageID:   uuid.New(),
		OrderID:     uuid.New(),
		UserID:      "alice",
		Amount:      decimal.RequireFromString(amount),
		RequestedAt: time.Now().UTC(),
	}
}

// expectFreshDecision scripts the full first-time flow: inbox insert, no
// prior operation, conditional debit with the given affected row count.
func expectFreshDecision(mock pgxmock.PgxPoolIface, cmd contracts.InitiatePaymentCommand, now time.Time, debited bool, hasAccount bool) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox_messages").
		WithArgs(cmd.MessageID, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT user_id, amount, decision, reason, result_message_id, created_at").
		WithArgs(cmd.OrderID).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "amount", "decision", "reason", "result_message_id", "created_at"}))

	rows := int64(0)
	if debited {
		rows = 1
	}
	mock.ExpectExec("UPDATE accounts").
		WithArgs(cmd.Amount, now, "alice").
		WillReturnResult(pgxmock.NewResult("UPDATE", rows))

	if !debited {
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("alice").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(hasAccount))
	}

	mock.ExpectExec("INSERT INTO payment_operations").
		WithArgs(cmd.OrderID, "alice", cmd.Amount, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO outbox_messages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "PaymentResult", pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
}

// A balance that covers the amount is debited once and approved.
func TestDebitApproved(t *testing.T) {
	c, mock, _, now := testConsumer(t)
	cmd := command("60.00")

	expectFreshDecision(mock, cmd, now, true, true)

	require.NoError(t, c.handleCommand(context.Background(), cmd))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A balance below the amount declines without touching the account.
func TestDebitDeclinedInsufficientFunds(t *testing.T) {
	c, mock, _, now := testConsumer(t)
	cmd := command("60.00")

	expectFreshDecision(mock, cmd, now, false, true)

	require.NoError(t, c.handleCommand(context.Background(), cmd))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A user with no account declines with the matching reason.
func TestDebitDeclinedAccountNotFound(t *testing.T) {
	c, mock, _, now := testConsumer(t)
	cmd := command("60.00")

	expectFreshDecision(mock, cmd, now, false, false)

	require.NoError(t, c.handleCommand(context.Background(), cmd))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// An exact redelivery (same messageId) stops at the inbox; no debit, no
// second outbox row.
func TestRedeliverySameMessageIsNoOp(t *testing.T) {
	c, mock, _, now := testConsumer(t)
	cmd := command("60.00")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox_messages").
		WithArgs(cmd.MessageID, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	require.NoError(t, c.handleCommand(context.Background(), cmd))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A redelivery with a fresh messageId for an already-decided order must reuse
// the stored decision: no debit is attempted and the same result message id
// is surfaced.
func TestRedeliveryReusesStoredDecision(t *testing.T) {
	c, mock, _, now := testConsumer(t)
	cmd := command("60.00")
	storedResultID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox_messages").
		WithArgs(cmd.MessageID, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT user_id, amount, decision, reason, result_message_id, created_at").
		WithArgs(cmd.OrderID).
		WillReturnRows(pgxmock.
			NewRows([]string{"user_id", "amount", "decision", "reason", "result_message_id", "created_at"}).
			AddRow("alice", cmd.Amount, model.DecisionApproved, nil, storedResultID, now.Add(-time.Minute)))
	// The result message for the stored decision is already enqueued, so the
	// retry must not enqueue it again.
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(storedResultID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	require.NoError(t, c.handleCommand(context.Background(), cmd))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A retry of a crash between the operation insert and the outbox insert finds
// the decision row but no outbox row, and completes just the outbox part.
func TestRetryCompletesMissingOutboxRow(t *testing.T) {
	c, mock, outboxRowID, now := testConsumer(t)
	cmd := command("60.00")
	storedResultID := uuid.New()
	reason := "insufficient funds"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox_messages").
		WithArgs(cmd.MessageID, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT user_id, amount, decision, reason, result_message_id, created_at").
		WithArgs(cmd.OrderID).
		WillReturnRows(pgxmock.
			NewRows([]string{"user_id", "amount", "decision", "reason", "result_message_id", "created_at"}).
			AddRow("alice", cmd.Amount, model.DecisionDeclined, &reason, storedResultID, now.Add(-time.Minute)))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(storedResultID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO outbox_messages").
		WithArgs(outboxRowID, storedResultID, "PaymentResult", pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, c.handleCommand(context.Background(), cmd))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultEventCarriesDecisionAndReason(t *testing.T) {
	// Drive handleCommand and capture the enqueued payload to check the wire
	// shape of the produced event.
	c, mock, _, now := testConsumer(t)
	cmd := command("60.00")

	var capturedPayload string
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox_messages").
		WithArgs(cmd.MessageID, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT user_id, amount, decision, reason, result_message_id, created_at").
		WithArgs(cmd.OrderID).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "amount", "decision", "reason", "result_message_id", "created_at"}))
	mock.ExpectExec("UPDATE accounts").
		WithArgs(cmd.Amount, now, "alice").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("INSERT INTO payment_operations").
		WithArgs(cmd.OrderID, "alice", cmd.Amount, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO outbox_messages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "PaymentResult", captureString{dst: &capturedPayload}, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, c.handleCommand(context.Background(), cmd))

	var evt contracts.PaymentResultEvent
	require.NoError(t, json.Unmarshal([]byte(capturedPayload), &evt))
	assert.Equal(t, model.DecisionDeclined, evt.Decision)
	require.NotNil(t, evt.Reason)
	assert.Equal(t, "insufficient funds", *evt.Reason)
	assert.Equal(t, cmd.OrderID, evt.OrderID)
	assert.True(t, cmd.Amount.Equal(evt.Amount))
}

func TestMalformedCommandIsDroppedAndAcked(t *testing.T) {
	c, _, _, _ := testConsumer(t)

	for _, cmd := range []contracts.InitiatePaymentCommand{
		{MessageID: uuid.New(), OrderID: uuid.New(), UserID: "  ", Amount: decimal.New(10, 0)},
		{MessageID: uuid.New(), OrderID: uuid.New(), UserID: "alice", Amount: decimal.Zero},
		{MessageID: uuid.New(), OrderID: uuid.New(), UserID: "alice", Amount: decimal.New(-5, 0)},
	} {
		body, err := json.Marshal(cmd)
		require.NoError(t, err)

		ack := &fakeAck{}
		c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body})

		assert.Equal(t, 1, ack.acks, "malformed command must be acked, not retried")
		assert.Zero(t, ack.nacks)
	}
}

func TestUndecodableBodyIsRequeued(t *testing.T) {
	c, _, _, _ := testConsumer(t)
	ack := &fakeAck{}

	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("{")})

	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestStorageFailureNacksWithRequeue(t *testing.T) {
	c, mock, _, now := testConsumer(t)
	cmd := command("60.00")
	body, err := json.Marshal(cmd)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox_messages").
		WithArgs(cmd.MessageID, now).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	ack := &fakeAck{}
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body})

	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c, _, _, _ := testConsumer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, make(chan amqp.Delivery)) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after context cancellation")
	}
}
