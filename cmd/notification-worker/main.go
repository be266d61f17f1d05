package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"ms-admission/internal/config"
	"ms-admission/internal/kafka"
	"ms-admission/internal/logger"
	"ms-admission/internal/notify"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	auditBookings := pflag.Bool("audit-bookings", true, "also log booking lifecycle events")
	pflag.Parse()

	log := logger.NewLogger("notification-worker")
	defer log.Close()

	if err := godotenv.Load(*envFile); err != nil {
		log.Warn("CONFIG", fmt.Sprintf("%s not loaded, using environment variables", *envFile))
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deliver := notify.LogNotifier{Logger: log}
	var wg sync.WaitGroup

	switch cfg.Notifier.Driver {
	case "amqp", "rabbitmq":
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("AMQP", fmt.Sprintf("Consuming promotions from queue %s", cfg.AMQP.Queue))
			if err := notify.ConsumeAMQP(ctx, cfg.AMQP.URL, cfg.AMQP.Queue, log, deliver.NotifyPromotion); err != nil {
				log.Error("AMQP", fmt.Sprintf("Consumer stopped: %v", err))
			}
		}()
	default:
		if !cfg.Kafka.Enabled {
			log.Warn("KAFKA", "Kafka disabled and notifier driver is not amqp, no promotion consumer started")
			break
		}
		consume(ctx, &wg, kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.WaitlistPromoted, cfg.Kafka.GroupID, log),
			notify.PromotionHandler(deliver), log)
	}

	if *auditBookings && cfg.Kafka.Enabled {
		handler := notify.BookingEventHandler(log)
		for _, topic := range []string{cfg.Kafka.Topics.BookingCreated, cfg.Kafka.Topics.BookingCanceled} {
			consume(ctx, &wg, kafka.NewConsumer(cfg.Kafka.Brokers, topic, cfg.Kafka.GroupID+"-audit", log), handler, log)
		}
	}

	log.Info("APP", "Notification worker started, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("APP", "Shutdown signal received, draining consumers")
	wg.Wait()
	log.Info("APP", "✅ Notification worker stopped")
}

func consume(ctx context.Context, wg *sync.WaitGroup, c *kafka.Consumer, handler kafka.Handler, log *logger.Logger) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.Close()
		if err := c.Start(ctx, handler); err != nil {
			log.Error("KAFKA", fmt.Sprintf("Consumer stopped: %v", err))
		}
	}()
}
