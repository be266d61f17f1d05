package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/uptrace/bun"

	"ms-admission/internal/auth"
	"ms-admission/internal/booking"
	"ms-admission/internal/booking/booking_api"
	"ms-admission/internal/clock"
	"ms-admission/internal/config"
	"ms-admission/internal/database"
	"ms-admission/internal/database/migrations"
	"ms-admission/internal/event"
	"ms-admission/internal/event/event_api"
	eventcache "ms-admission/internal/event/redis"
	"ms-admission/internal/idempotency"
	idemredis "ms-admission/internal/idempotency/redis"
	"ms-admission/internal/kafka"
	"ms-admission/internal/logger"
	"ms-admission/internal/notify"
	"ms-admission/internal/server"
	"ms-admission/internal/waitlist"
	"ms-admission/internal/waitlist/waitlist_api"
)

// runMigrations leaves the runner open unless closeAfter is set: closing it
// also closes bunDB's pool.
func runMigrations(bunDB *bun.DB, cfg *config.Config, direction string, closeAfter bool, log *logger.Logger) error {
	runner := migrations.NewRunner(bunDB, migrations.Options{MigrationsDir: cfg.Database.MigrationsDir}, log)
	if closeAfter {
		defer runner.Close()
	}

	if err := runner.Initialize(); err != nil {
		return err
	}
	switch direction {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	default:
		return fmt.Errorf("unknown migration direction %q (want up or down)", direction)
	}
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) *redis.Client {
	if !cfg.Enabled {
		log.Warn("REDIS", "Redis disabled, event detail cache is off")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("REDIS", fmt.Sprintf("Redis unreachable at %s, event detail cache is off: %v", cfg.Addr, err))
		client.Close()
		return nil
	}
	log.Info("REDIS", fmt.Sprintf("✅ Redis connection successful to %s (DB: %d)", cfg.Addr, cfg.DB))
	return client
}

func buildVerifier(ctx context.Context, cfg config.AuthConfig, log *logger.Logger) auth.TokenVerifier {
	if cfg.OIDCIssuer != "" {
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.AdminRole)
		if err != nil {
			log.Fatal("AUTH", fmt.Sprintf("OIDC setup failed: %v", err))
		}
		log.Info("AUTH", fmt.Sprintf("Verifying bearer tokens against issuer %s", cfg.OIDCIssuer))
		return v
	}
	if cfg.JWTSecret == "" {
		log.Fatal("CONFIG", "Either OIDC_ISSUER or JWT_SECRET must be set")
	}
	log.Info("AUTH", "Verifying HS256 bearer tokens with JWT_SECRET")
	return auth.NewHMACVerifier(cfg.JWTSecret, cfg.AdminRole)
}

type closer interface{ Close() error }

func buildNotifier(cfg *config.Config, producer *kafka.Producer, log *logger.Logger) (notify.Notifier, closer) {
	switch cfg.Notifier.Driver {
	case "kafka":
		if producer == nil {
			log.Warn("NOTIFY", "Kafka notifier selected but Kafka is disabled, falling back to log")
			return notify.LogNotifier{Logger: log}, nil
		}
		log.Info("NOTIFY", fmt.Sprintf("Promotion notices go to Kafka topic %s", cfg.Kafka.Topics.WaitlistPromoted))
		return notify.NewKafkaNotifier(producer, cfg.Kafka.Topics.WaitlistPromoted), nil
	case "amqp", "rabbitmq":
		n := notify.NewAMQPNotifier(cfg.AMQP.URL, cfg.AMQP.Queue, log)
		log.Info("NOTIFY", fmt.Sprintf("Promotion notices go to AMQP queue %s", cfg.AMQP.Queue))
		return n, n
	default:
		log.Info("NOTIFY", "Promotion notices are only logged")
		return notify.LogNotifier{Logger: log}, nil
	}
}

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	migrate := pflag.String("migrate", "", "run migrations (up or down) and exit")
	port := pflag.String("port", "", "listen address, overrides PORT")
	pflag.Parse()

	log := logger.NewLogger("admission-service")
	defer log.Close()

	log.Info("APP", "Starting Admission Service initialization")

	if err := godotenv.Load(*envFile); err != nil {
		log.Warn("CONFIG", fmt.Sprintf("%s not loaded, using environment variables", *envFile))
	} else {
		log.Info("CONFIG", fmt.Sprintf("Loaded environment variables from %s", *envFile))
	}

	cfg := config.Load()
	if *port != "" {
		cfg.Server.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	if *migrate != "" {
		if err := runMigrations(bunDB, cfg, *migrate, true, log); err != nil {
			log.Fatal("MIGRATION", err.Error())
		}
		log.Info("MIGRATION", fmt.Sprintf("✅ Migrations %s complete", *migrate))
		return
	}
	if cfg.Database.AutoMigrate {
		if err := runMigrations(bunDB, cfg, "up", false, log); err != nil {
			log.Fatal("MIGRATION", err.Error())
		}
	}

	redisClient := connectRedis(ctx, cfg.Redis, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var producer *kafka.Producer
	var bookingEvents booking.EventPublisher
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		log.Info("KAFKA", fmt.Sprintf("Kafka producer initialized for %v", cfg.Kafka.Brokers))

		topics := []string{cfg.Kafka.Topics.WaitlistPromoted, cfg.Kafka.Topics.BookingCreated, cfg.Kafka.Topics.BookingCanceled}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		bookingEvents = kafka.NewBookingPublisher(producer, cfg.Kafka.Topics)
	}

	baseNotifier, notifierCloser := buildNotifier(cfg, producer, log)
	if notifierCloser != nil {
		defer notifierCloser.Close()
	}
	notifier := notify.NewAsync(baseNotifier, log)

	clk := clock.NewSystem()
	maxAttempts := cfg.Admission.MaxAttempts

	bookingService := booking.NewBookingService(bunDB, clk, bookingEvents, log, maxAttempts)
	waitlistService := waitlist.NewWaitlistService(bunDB, clk, notifier, bookingEvents, log, maxAttempts)
	waitlistService.MinutesPerEntry = cfg.Waitlist.MinutesPerEntry

	var detailCache event.DetailCache
	if redisClient != nil {
		detailCache = eventcache.NewCache(redisClient, cfg.Redis.EventCacheTTL, log)
	}
	eventService := event.NewEventService(bunDB, detailCache, bookingService, waitlistService, clk, log, maxAttempts)
	coordinator := idempotency.NewCoordinator(bunDB, clk, cfg.Idempotency.TTL, log)
	if redisClient != nil {
		coordinator.Lease = idemredis.NewLease(redisClient, idemredis.DefaultSweepLeaseKey, cfg.Idempotency.SweepInterval)
	}

	waitlistHandler := waitlist_api.NewHandler(waitlistService, cfg.Waitlist.JoinBaseURL, log)
	waitlistHandler.TrustForwardedHeaders = cfg.Waitlist.TrustForwardedHeaders

	router := server.NewRouter(server.Handlers{
		Bookings: booking_api.NewHandler(bookingService, waitlistService, coordinator, log),
		Waitlist: waitlistHandler,
		Events:   event_api.NewHandler(eventService, waitlistService, log),
	}, buildVerifier(ctx, cfg.Auth, log), log)

	go coordinator.RunSweeper(ctx, cfg.Idempotency.SweepInterval, cfg.Idempotency.InProgressTTL)
	log.Info("IDEMPOTENCY", fmt.Sprintf("Sweeper running every %s", cfg.Idempotency.SweepInterval))

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Admission Service running on %s", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	}
	notifier.Wait()
	log.Info("HTTP", "✅ Admission Service shutdown complete")
}
