/**
 * @description
 * This is the main entry point for the payments core. It is responsible for
 * initializing all components of the service, including configuration, logging, the
 * database pool and migrations, the settlement gateway client, message brokers, the
 * claim rate limiter, scheduled jobs and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: shared rate limiting across replicas.
 * - github.com/joho/godotenv: optional .env loading for local runs.
 * - internal/*: configuration, storage, application service, scheduler and API.
 * - pkg/settlementclient, pkg/rabbitmq: outbound gateway and event bus clients.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/api"
	"github.com/transfa/payments-core/internal/app"
	"github.com/transfa/payments-core/internal/config"
	"github.com/transfa/payments-core/internal/logging"
	"github.com/transfa/payments-core/internal/scheduler"
	"github.com/transfa/payments-core/internal/store"
	"github.com/transfa/payments-core/pkg/rabbitmq"
	"github.com/transfa/payments-core/pkg/settlementclient"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	bootLog := logger.With(zap.String("component", "bootstrap"))
	for _, warning := range cfg.Warnings {
		bootLog.Warn("config adjusted", zap.String("detail", warning))
	}
	if cfg.InternalAPIKey == "" {
		bootLog.Warn("internal api key not configured; internal routes will reject every request", zap.String("env", "INTERNAL_API_KEY"))
	}

	bootLog.Info("starting payments core", zap.String("port", cfg.ServerPort))

	if cfg.RunMigrations {
		if err := store.RunMigrations(cfg.DatabaseURL, logger); err != nil {
			bootLog.Fatal("database migration failed", zap.Error(err))
		}
	}

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.Fatal("database url parse failed", zap.Error(err))
	}
	poolConfig.MaxConns = cfg.DatabaseMaxConns
	poolConfig.MinConns = cfg.DatabaseMinConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to stay compatible with transaction poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		bootLog.Fatal("database connection failed", zap.Error(err))
	}
	defer dbpool.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := dbpool.Ping(pingCtx); err != nil {
		cancelPing()
		bootLog.Fatal("database ping failed", zap.Error(err))
	}
	cancelPing()
	bootLog.Info("database connected")

	// Initialize the RabbitMQ producer to publish domain events.
	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		defer producer.Close()
		publisher = producer
		bootLog.Info("rabbitmq producer connected")
	}

	settlement := settlementclient.NewClient(cfg.SettlementAPIBaseURL, cfg.SettlementAPIKey, settlementclient.Options{
		Timeout:          cfg.SettlementTimeout(),
		MaxFailures:      cfg.SettlementBreakerMaxFails,
		OpenTimeout:      time.Duration(cfg.SettlementBreakerOpenSecs) * time.Second,
		HalfOpenRequests: cfg.SettlementBreakerHalfOpenRq,
	}, logger)

	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	service := app.NewService(repository, settlement, publisher, app.ServiceConfig{
		P2PFee:                        cfg.P2PTransactionFeeKobo,
		MoneyDropFee:                  cfg.MoneyDropFeeKobo,
		MoneyDropFeePercent:           cfg.MoneyDropFeePercent,
		BulkTransferMaxItems:          cfg.BulkTransferMaxItems,
		SubscriptionFee:               cfg.SubscriptionFeeKobo,
		PaymentRequestClaimStaleAfter: cfg.PaymentRequestClaimStaleAfter(),
		EventsExchange:                cfg.EventsExchange,
	}, logger)
	service.ConfigureMoneyDropHardening(
		cfg.MoneyDropClaimRateLimitPerMinute,
		app.StaticLockoutPolicy{
			Attempts: cfg.MoneyDropPasswordMaxAttempts,
			Duration: time.Duration(cfg.MoneyDropPasswordLockoutSeconds) * time.Second,
		},
		time.Duration(cfg.MoneyDropClaimIdempotencyTTLMin)*time.Minute,
		time.Duration(cfg.MoneyDropClaimStaleSeconds)*time.Second,
	)
	service.ConfigureTransactionPIN(cfg.TransactionPINRequired, app.StaticLockoutPolicy{
		Attempts: cfg.TransactionPINMaxAttempts,
		Duration: time.Duration(cfg.TransactionPINLockoutSeconds) * time.Second,
	})

	redisClient := connectRedis(cfg.RedisURL, bootLog)
	if redisClient != nil {
		defer redisClient.Close()
		service.SetClaimRateLimiter(app.NewRedisClaimRateLimiter(redisClient, cfg.RedisRateLimitKey))
	} else {
		bootLog.Warn("using in-process claim rate limiter; limits apply per replica")
		service.SetClaimRateLimiter(app.NewLocalClaimRateLimiter())
	}

	// Settlement callbacks arrive on the event bus; the internal HTTP route covers the
	// case where the consumer cannot start.
	events := service.SettlementEventHandler()
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.Warn("rabbitmq consumer unavailable; settlement callbacks only via internal route", zap.Error(err))
	} else {
		defer consumer.Close()
		bindings := map[string]rabbitmq.Handler{}
		for _, kind := range []string{"nip", "book"} {
			for _, status := range []string{"processing", "successful", "failed"} {
				bindings[fmt.Sprintf("transfer.status.%s.%s", kind, status)] = events.HandleMessage
			}
		}
		if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.TransferEventQueue, bindings); err != nil {
			bootLog.Fatal("transfer consumer start failed", zap.Error(err))
		}
	}

	jobs := scheduler.NewJobs(service, logger)
	sched := scheduler.NewScheduler(jobs, logger, scheduler.Config{
		MoneyDropExpirySchedule:  cfg.MoneyDropExpirySchedule,
		IdempotencyPurgeSchedule: cfg.IdempotencyPurgeSchedule,
	})
	bootLog.Info("scheduler started", zap.Int("jobs", sched.Start()))

	handlers := api.NewTransactionHandlers(service, events, jobs, logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		Auth: api.AuthConfig{
			JWKSURL:  cfg.ClerkJWKSURL,
			Audience: cfg.ClerkAudience,
			Issuer:   cfg.ClerkIssuer,
		},
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("component", "http"), zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server stopped unexpectedly", zap.String("component", "http"), zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", zap.String("component", "http"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", zap.String("component", "http"), zap.Error(err))
	}
	select {
	case <-sched.Stop().Done():
	case <-ctx.Done():
		logger.Warn("scheduled jobs still running at shutdown", zap.String("component", "scheduler"))
	}

	logger.Info("shutdown complete", zap.String("component", "http"))
}

// connectRedis returns a connected client, or nil when Redis is not configured or
// unreachable.
func connectRedis(url string, log *zap.Logger) *redis.Client {
	if url == "" {
		log.Info("redis url not set", zap.String("env", "REDIS_URL"))
		return nil
	}
	options, err := redis.ParseURL(url)
	if err != nil {
		log.Warn("redis url parse failed", zap.Error(err))
		return nil
	}
	client := redis.NewClient(options)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping failed", zap.Error(err))
		_ = client.Close()
		return nil
	}
	log.Info("redis connected")
	return client
}
