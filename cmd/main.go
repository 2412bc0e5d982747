/**
 * @description
 * This is the main entry point for the transaction-service. It is responsible for
 * initializing all components of the service, including configuration, the transaction
 * store, the settlement and pricing clients, message brokers, the orchestrator and the
 * HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - net/http: HTTP server.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Attempt locks and begin rate limiting.
 * - github.com/prometheus/client_golang: Metrics registry.
 * - internal/*: Service packages.
 * - pkg/settlement, pkg/pricing: Backend clients behind circuit breakers.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bitsacco/transaction-service/internal/api"
	"github.com/bitsacco/transaction-service/internal/app"
	"github.com/bitsacco/transaction-service/internal/config"
	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/bitsacco/transaction-service/internal/metrics"
	"github.com/bitsacco/transaction-service/internal/rates"
	"github.com/bitsacco/transaction-service/internal/resolver"
	"github.com/bitsacco/transaction-service/internal/retry"
	"github.com/bitsacco/transaction-service/internal/store"
	"github.com/bitsacco/transaction-service/pkg/breaker"
	"github.com/bitsacco/transaction-service/pkg/logging"
	"github.com/bitsacco/transaction-service/pkg/pricing"
	"github.com/bitsacco/transaction-service/pkg/rabbitmq"
	"github.com/bitsacco/transaction-service/pkg/settlement"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// Settlement backend statuses relayed from its webhook.
var settlementStatusKeys = []string{
	"settlement.status.pending",
	"settlement.status.processing",
	"settlement.status.completed",
	"settlement.status.failed",
}

func main() {
	bootLogger := logging.Setup()

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		bootLogger.Error("config load failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	logger := logging.SetupWith(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting transaction-service", "component", "bootstrap", "port", cfg.ServerPort)

	ctx := context.Background()

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("store setup failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	// Redis backs the cross-replica attempt lock and the begin rate limiter. Without it the
	// service falls back to an in-process lock and no rate limiting.
	var locker app.Locker
	var limiter app.RateLimiter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("redis url parse failed", "component", "bootstrap", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unavailable; using in-process locks", "component", "bootstrap", "error", err)
		} else {
			locker = app.NewRedisLocker(redisClient, cfg.RedisKeyPrefix+":lock:", 2*cfg.SubmitTimeout())
			limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix+":ratelimit", map[string]app.RatePolicy{
				app.OperationBegin: {Limit: cfg.BeginRateLimitPerMin, Window: time.Minute},
			})
			logger.Info("redis connected", "component", "bootstrap")
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	breakerCfg := breaker.DefaultConfig()
	breakerCfg.ConsecutiveFailures = uint32(cfg.BreakerMaxFailures)
	breakerCfg.OpenTimeout = cfg.BreakerOpenTimeout()

	settlementClient := settlement.NewClient(
		cfg.SettlementAPIBaseURL,
		cfg.SettlementAPIKey,
		breaker.New("settlement", breakerCfg, logger, settlement.IsBreakerFailure),
		logger,
	)
	pricingClient := pricing.NewClient(
		cfg.PricingAPIBaseURL,
		cfg.PricingAPIKey,
		breaker.New("pricing", breakerCfg, logger, nil),
		logger,
	)

	rateService := rates.NewService(pricingClient, domain.CurrencyKES, domain.CurrencyBTC,
		rates.WithAllowStale(cfg.QuoteAllowStale),
		rates.WithFetchTimeout(cfg.QuoteTimeout()),
		rates.WithMetrics(m),
		rates.WithLogger(logger),
	)

	intentResolver := resolver.New(resolver.Limits{
		MobileMoneyMinKES: cfg.MpesaMinKES,
		MobileMoneyMaxKES: cfg.MpesaMaxKES,
		LightningMinSats:  cfg.LightningMinSats,
		LightningMaxSats:  cfg.LightningMaxSats,
		WalletMinSats:     cfg.WalletMinSats,
		WalletMaxSats:     cfg.WalletMaxSats,
	})

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.RetryMaxAttempts
	retryCfg.BaseDelay = cfg.RetryBaseDelay()

	svcCfg := app.DefaultConfig()
	svcCfg.QuoteTimeout = cfg.QuoteTimeout()
	svcCfg.SubmitTimeout = cfg.SubmitTimeout()
	svcCfg.PollBatch = cfg.StatusPollBatch

	service := app.NewService(app.Dependencies{
		Repo:       repo,
		Settlement: settlementClient,
		Rates:      rateService,
		Resolver:   intentResolver,
		Retry:      retry.NewCoordinator(retryCfg, logger),
		Locker:     locker,
		Limiter:    limiter,
		Metrics:    m,
		Logger:     logger,
	}, svcCfg)

	// Initialize the RabbitMQ producer to publish status events.
	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; status events will not be published", "component", "bootstrap", "error", err)
		publisher = &rabbitmq.FallbackPublisher{Logger: logger}
	} else {
		defer producer.Close()
		publisher = producer
	}
	service.Observe(app.NewEventPublisher(publisher, cfg.EventsExchange, logger))

	// Consume settlement status updates relayed from the backend webhook.
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq consumer unavailable; relying on status polling", "component", "bootstrap", "error", err)
	} else {
		defer consumer.Close()
		statusConsumer := app.NewSettlementStatusConsumer(service, logger)
		bindings := make(map[string]rabbitmq.Handler, len(settlementStatusKeys))
		for _, key := range settlementStatusKeys {
			bindings[key] = statusConsumer.HandleMessage
		}
		if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.StatusEventQueue, bindings); err != nil {
			logger.Warn("settlement status consumer failed to start", "component", "bootstrap", "error", err)
		} else {
			logger.Info("settlement status consumer started", "component", "bootstrap", "queue", cfg.StatusEventQueue)
		}
	}

	scheduler := app.NewScheduler(app.NewJobs(service, logger), logger, cfg.StatusPollSchedule)
	if err := scheduler.Start(); err != nil {
		logger.Error("scheduler start failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}

	handlers := api.NewTransactionHandlers(service, logger)
	auth := api.AuthMiddleware(api.NewJWKS(cfg.JWKSURL).Keyfunc, api.AuthOptions{}, logger)
	router := api.TransactionRoutes(handlers, auth, registry)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "component", "bootstrap", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "component", "bootstrap", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down", "component", "bootstrap")

	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "component", "bootstrap", "error", err)
	}
	logger.Info("server exited", "component", "bootstrap")
}

// openRepository connects to PostgreSQL and applies the schema. An empty DATABASE_URL
// selects the in-memory store, which only suits local development.
func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store", "component", "bootstrap")
		return store.NewMemoryRepository(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	repo := store.NewPostgresRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("database connected", "component", "bootstrap")
	return repo, pool.Close, nil
}
