package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Domenick1991/hostelpay/api"
	"github.com/Domenick1991/hostelpay/config"
	"github.com/Domenick1991/hostelpay/internal/backend"
	"github.com/Domenick1991/hostelpay/internal/bootstrap"
	"github.com/Domenick1991/hostelpay/internal/cache"
	"github.com/Domenick1991/hostelpay/internal/kafka"
	"github.com/Domenick1991/hostelpay/internal/logging"
	"github.com/Domenick1991/hostelpay/internal/repository"
	"github.com/Domenick1991/hostelpay/internal/service/checkout"
	"github.com/Domenick1991/hostelpay/internal/service/payments"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Log, "hostelpay-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		logger.WithError(err).Fatal("connect postgres")
	}
	defer pool.Close()

	settings := checkout.SettingsFromConfig(cfg)
	redisCache := cache.NewRedisCache(cfg.Redis, settings.AttemptTTL)
	producer := kafka.NewProducer(cfg.Kafka.Brokers, logger)
	defer producer.Close()

	client := backend.NewClient(cfg.Backend, logger)
	paymentService := payments.NewPaymentService(client, logger, payments.WithCurrency(cfg.Backend.Currency))
	checkoutService := checkout.NewCheckoutService(
		paymentService,
		redisCache,
		settings,
		logger,
		checkout.WithRecorder(repository.NewAttemptRepository(pool)),
		checkout.WithProducer(producer, cfg.Kafka.PaymentsTopic, cfg.Kafka.NotificationsTopic),
		checkout.WithBaseContext(ctx),
	)
	go checkoutService.Run(ctx)

	handlers := bootstrap.Handlers{
		Bookings: api.NewBookingHandler(paymentService, checkoutService),
		Payments: api.NewPaymentHandler(checkoutService, cfg.Backend.Currency),
	}
	checks := []bootstrap.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "redis", Check: redisCache.Ping},
		{Name: "kafka", Check: producer.CheckConnection},
	}

	if err := bootstrap.Run(ctx, cfg, logger, handlers, checks...); err != nil {
		logger.WithError(err).Fatal("server error")
	}
}
