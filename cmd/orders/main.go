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
	"github.com/amirkasheesh/hw-hse-gozon/internal/notify"
	"github.com/amirkasheesh/hw-hse-gozon/internal/orders"
	"github.com/amirkasheesh/hw-hse-gozon/internal/outbox"
	"github.com/amirkasheesh/hw-hse-gozon/internal/rabbitmq"
	"github.com/amirkasheesh/hw-hse-gozon/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()
	logger := logging.New("orders", cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer pool.Close()

	if err := db.EnsureOrdersSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply orders schema")
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

	// Publisher channel: outgoing InitiatePayment commands.
	pubCh, err := conn.Channel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open publisher channel")
	}
	defer pubCh.Close()

	if err := rabbitmq.DeclareTopology(pubCh, contracts.OrdersExchange, contracts.PaymentsInitiateQueue, contracts.InitiatePaymentRoutingKey); err != nil {
		logger.Fatal().Err(err).Msg("failed to declare orders topology")
	}

	publisher, err := rabbitmq.NewPublisher(pubCh, contracts.OrdersExchange, contracts.InitiatePaymentRoutingKey, cfg.ConfirmTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to put channel into confirm mode")
	}

	// Consumer channel: incoming PaymentResult events.
	consCh, err := conn.Channel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open consumer channel")
	}
	defer consCh.Close()

	if err := rabbitmq.DeclareTopology(consCh, contracts.PaymentsExchange, contracts.OrdersPaymentResultQueue, contracts.PaymentResultRoutingKey); err != nil {
		logger.Fatal().Err(err).Msg("failed to declare payments topology")
	}

	deliveries, err := rabbitmq.Consume(consCh, contracts.OrdersPaymentResultQueue)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start payment result consumer")
	}

	relay := worker.NewRelay(outbox.NewStore(pool), publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger)
	settlement := orders.NewSettlementConsumer(pool, notify.NewLogNotifier(logger), logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error { return settlement.Run(ctx, deliveries) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, cfg.MetricsAddr, logger) })
	}

	logger.Info().Msg("orders service started")

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("orders service failed")
	}
	logger.Info().Msg("orders service shut down")
}
