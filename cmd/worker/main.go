package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Domenick1991/hostelpay/config"
	"github.com/Domenick1991/hostelpay/internal/kafka"
	"github.com/Domenick1991/hostelpay/internal/logging"
	"github.com/Domenick1991/hostelpay/internal/notify"
	"github.com/Domenick1991/hostelpay/internal/repository"
	"github.com/Domenick1991/hostelpay/internal/service/sweeper"
	"github.com/jackc/pgx/v5/pgxpool"
	kafkaGo "github.com/segmentio/kafka-go"
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
	logger := logging.New(cfg.Log, "hostelpay-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		logger.WithError(err).Fatal("connect postgres")
	}
	defer pool.Close()

	producer := kafka.NewProducer(cfg.Kafka.Brokers, logger)
	defer producer.Close()

	sweep := sweeper.NewSweeper(
		repository.NewAttemptRepository(pool),
		producer,
		cfg.Kafka.PaymentsTopic,
		cfg.Kafka.NotificationsTopic,
		time.Duration(cfg.Worker.StaleAfterMinutes)*time.Minute,
		logger,
	)
	if err := sweep.Start(ctx, cfg.Worker.StaleAttemptSweep); err != nil {
		logger.WithError(err).Fatal("schedule sweep")
	}
	defer sweep.Stop()

	if cfg.Kafka.NotificationsTopic == "" {
		logger.Warn("no notifications topic configured, only sweeping")
		<-ctx.Done()
		return
	}

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.NotificationsTopic, logger)
	defer consumer.Close()

	sender := notify.NewSender(logger)
	err = consumer.Consume(ctx, func(ctx context.Context, msg kafkaGo.Message) error {
		event, err := kafka.DecodePaymentEvent(msg)
		if err != nil {
			return err
		}
		_, err = sender.Send(ctx, event)
		return err
	})
	if err != nil {
		logger.WithError(err).Error("consumer stopped")
	}
	logger.Info("worker shut down")
}
