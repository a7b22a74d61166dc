package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/amirkasheesh/hw-hse-gozon/internal/config"
	"github.com/amirkasheesh/hw-hse-gozon/internal/contracts"
	"github.com/amirkasheesh/hw-hse-gozon/internal/db"
	"github.com/amirkasheesh/hw-hse-gozon/internal/logging"
	"github.com/amirkasheesh/hw-hse-gozon/internal/metrics"
	"github.com/amirkasheesh/hw-hse-gozon/internal/outbox"
	"github.com/amirkasheesh/hw-hse-gozon/internal/payments"
	"github.com/amirkasheesh/hw-hse-gozon/internal/rabbitmq"
	"github.com/amirkasheesh/hw-hse-gozon/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()
	logger := logging.New("payments", cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer pool.Close()

	if err := db.EnsurePaymentsSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply payments schema")
	}

	conn, err := rabbitmq.Connect(ctx, rabbitmq.Config{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to connect to rabbitmq")
	}
	defer conn.Close()

	// Publisher channel: outgoing PaymentResult events.
	pubCh, err := conn.Channel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open publisher channel")
	}
	defer pubCh.Close()

	if err := rabbitmq.DeclareTopology(pubCh, contracts.PaymentsExchange, contracts.OrdersPaymentResultQueue, contracts.PaymentResultRoutingKey); err != nil {
		logger.Fatal().Err(err).Msg("failed to declare payments topology")
	}

	publisher, err := rabbitmq.NewPublisher(pubCh, contracts.PaymentsExchange, contracts.PaymentResultRoutingKey, cfg.ConfirmTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to put channel into confirm mode")
	}

	// Consumer channel: incoming InitiatePayment commands.
	consCh, err := conn.Channel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open consumer channel")
	}
	defer consCh.Close()

	if err := rabbitmq.DeclareTopology(consCh, contracts.OrdersExchange, contracts.PaymentsInitiateQueue, contracts.InitiatePaymentRoutingKey); err != nil {
		logger.Fatal().Err(err).Msg("failed to declare orders topology")
	}

	deliveries, err := rabbitmq.Consume(consCh, contracts.PaymentsInitiateQueue)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start initiate payment consumer")
	}

	relay := worker.NewRelay(outbox.NewStore(pool), publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger)
	debit := payments.NewDebitConsumer(pool, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error { return debit.Run(ctx, deliveries) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, cfg.MetricsAddr, logger) })
	}

	logger.Info().Msg("payments service started")

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("payments service failed")
	}
	logger.Info().Msg("payments service shut down")
}
