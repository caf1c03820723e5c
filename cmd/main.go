/**
 * @description
 * Entry point for the payment-service. It wires the gateway adapters, fee
 * calculator, ledger store, webhook API, reconcile consumer and scheduled jobs.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL connection pool.
 * - github.com/redis/go-redis/v9: tier/credential cache and webhook rate limiting.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/hngcommerce/payment-service/internal/api"
	"github.com/hngcommerce/payment-service/internal/app"
	"github.com/hngcommerce/payment-service/internal/config"
	"github.com/hngcommerce/payment-service/internal/credentials"
	"github.com/hngcommerce/payment-service/internal/store"
	"github.com/hngcommerce/payment-service/pkg/gateway"
	"github.com/hngcommerce/payment-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	migrator, err := store.NewMigrator(cfg.DatabaseURL, cfg.MigrationsPath)
	if err != nil {
		logger.Error("failed to initialize migrations", "error", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}
	migrator.Close()
	logger.Info("database migrations applied")

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = 100
	pgConfig.MinConns = 20
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	repository := store.NewPostgresRepository(dbpool)

	redisClient := connectRedis(cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}
	var cache credentials.Cache = credentials.NewMemoryCache()
	var limiter api.RateLimiter
	if redisClient != nil {
		cache = credentials.NewRedisCache(redisClient, cfg.RedisKeyPrefix)
		limiter = api.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	}

	transport := gateway.TransportConfig{
		Timeout:         time.Duration(cfg.GatewayTimeoutSeconds) * time.Second,
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerOpenFor:  time.Duration(cfg.BreakerOpenSeconds) * time.Second,
		BreakerHalfOpen: 1,
	}

	var sellers api.SellerConnector
	var sellerTokens gateway.SellerTokenSource
	if cfg.CredentialsKey != "" && cfg.MercadoPagoClientID != "" {
		sealer, err := credentials.NewSealer(cfg.CredentialsKey)
		if err != nil {
			logger.Error("invalid credentials encryption key", "error", err)
			os.Exit(1)
		}
		oauth := gateway.NewMercadoPagoOAuth(gateway.MercadoPagoOAuthConfig{
			ClientID:     cfg.MercadoPagoClientID,
			ClientSecret: cfg.MercadoPagoClientSecret,
			BaseURL:      cfg.MercadoPagoBaseURL,
			Transport:    transport,
		})
		credStore := credentials.NewStore(repository, cache, sealer,
			map[string]credentials.TokenRefresher{gateway.MercadoPagoID: oauth},
			time.Duration(cfg.OAuthCacheTTLSeconds)*time.Second, logger)
		sellers = credStore
		sellerTokens = credStore
	} else {
		logger.Warn("seller OAuth disabled; split payments will charge the platform account only")
	}

	var adapters []gateway.Adapter
	if cfg.MercadoPagoEnabled {
		adapters = append(adapters, gateway.NewMercadoPago(gateway.MercadoPagoConfig{
			AccessToken:   cfg.MercadoPagoToken,
			WebhookSecret: cfg.MercadoPagoSecret,
			BaseURL:       cfg.MercadoPagoBaseURL,
			Transport:     transport,
		}, sellerTokens))
	}
	if cfg.AsaasEnabled {
		adapters = append(adapters, gateway.NewAsaas(gateway.AsaasConfig{
			APIKey:        cfg.AsaasToken,
			WebhookToken:  cfg.AsaasWebhookToken,
			Sandbox:       cfg.AsaasSandbox,
			BoletoDueDays: cfg.AsaasBoletoDueDays,
			Transport:     transport,
		}))
	}
	if cfg.PagSeguroEnabled {
		adapters = append(adapters, gateway.NewPagSeguro(gateway.PagSeguroConfig{
			Token:         cfg.PagSeguroToken,
			WebhookSecret: cfg.PagSeguroSecret,
			Sandbox:       cfg.PagSeguroSandbox,
			BoletoDueDays: cfg.PagSeguroDueDays,
			Transport:     transport,
		}))
	}
	registry := gateway.NewRegistry(adapters...)
	for _, a := range adapters {
		logger.Info("gateway registered", "gateway", a.ID(), "configured", a.IsConfigured())
	}

	fees, err := app.LoadFeeCalculator(cfg.TierTable, cfg.GatewayFees)
	if err != nil {
		logger.Error("invalid fee configuration", "error", err)
		os.Exit(1)
	}

	var publisher app.EventPublisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
			defer producer.Close()
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}

	service := app.NewService(repository, registry, fees, cache, publisher, logger, app.Config{
		Exchange:            cfg.EventsExchange,
		NotificationURLBase: cfg.NotificationURLBase,
		TierCacheTTL:        time.Duration(cfg.TierCacheTTLSeconds) * time.Second,
		StaleAfter:          time.Duration(cfg.StalePendingHours) * time.Hour,
		StaleAfterBoleto:    time.Duration(cfg.StaleBoletoHours) * time.Hour,
		StaleAfterByGateway: cfg.StaleOverrides(),
	})

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, 10)
		if err != nil {
			logger.Warn("failed to start reconcile consumer", "error", err)
		} else {
			defer consumer.Close()
			reconcile := app.NewReconcileRequestConsumer(service, logger)
			bindings := map[string]rabbitmq.Handler{
				app.RoutingKeyReconcileRequested: reconcile.HandleMessage,
			}
			if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.ReconcileQueue, bindings); err != nil {
				logger.Error("failed to bind reconcile consumer", "error", err)
				os.Exit(1)
			}
			logger.Info("reconcile consumer started", "queue", cfg.ReconcileQueue)
		}
	}

	scheduler := app.NewScheduler(app.NewJobs(service, logger), logger, app.SchedulerConfig{
		StalePendingSchedule: cfg.StalePendingCron,
		TierRefreshSchedule:  cfg.TierRefreshCron,
	})
	scheduler.Start()

	handler := api.NewHandler(service, sellers, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		InternalAPIKey:   cfg.InternalAPIKey,
		AdminJWKSURL:     cfg.AdminJWKSURL,
		AdminRole:        cfg.AdminRole,
		AllowedOrigins:   cfg.AllowedOrigins(),
		WebhookRateLimit: cfg.WebhookRateLimit,
		RateLimiter:      limiter,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	<-scheduler.Stop().Done()

	logger.Info("server stopped")
}

// connectRedis returns nil when REDIS_URL is unset or unreachable; callers
// fall back to in-process caching and skip webhook rate limiting.
func connectRedis(url string) *redis.Client {
	if strings.TrimSpace(url) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-memory cache\" env=REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-memory cache\" err=%v", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-memory cache\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
