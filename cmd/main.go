/**
 * @description
 * This is the main entry point for the disbursement-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP server functionality.
 * - go.uber.org/zap: Structured logging.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient: Client for the payment ledger API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stellarscholar/disbursement-service/internal/api"
	"github.com/stellarscholar/disbursement-service/internal/app"
	"github.com/stellarscholar/disbursement-service/internal/config"
	"github.com/stellarscholar/disbursement-service/internal/store"
	"github.com/stellarscholar/disbursement-service/pkg/ledgerclient"
	"github.com/stellarscholar/disbursement-service/pkg/rabbitmq"
)

// reconcileInterval is how often the background reconciliation loop runs in
// addition to the on-demand internal endpoint.
const reconcileInterval = 30 * time.Minute

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalw("config load failed", "err", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalw("internal api key must be configured", "env", "INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.LedgerSourceAccount) == "" {
		log.Fatalw("ledger source account must be configured", "env", "LEDGER_SOURCE_ACCOUNT")
	}

	log.Infow("starting disbursement-service", "port", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalw("database url parse failed", "err", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalw("database connection failed", "err", err)
	}
	defer dbpool.Close()
	log.Infow("database connected")

	// Initialize the RabbitMQ producer to publish events. Event delivery is
	// best effort; a missing broker degrades to the no-op fallback.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, log)
	if err != nil {
		log.Warnw("rabbitmq producer unavailable; using fallback", "err", err)
		producer = &rabbitmq.EventProducerFallback{Log: log}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Infow("rabbitmq producer connected")
	}

	// Initialize the client for the payment ledger API.
	ledgerClient := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey, cfg.LedgerSourceAccount)

	var redisClient *redis.Client
	if cfg.ApproveRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Warnw("redis url missing; approve rate limiting disabled", "env", "REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Warnw("redis url parse failed; approve rate limiting disabled", "err", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Warnw("redis ping failed; approve rate limiting disabled", "err", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Infow("redis connected")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	var limiter app.RateLimiter
	if redisClient != nil {
		limiter = app.NewRedisApproveRateLimiter(
			redisClient,
			cfg.RedisRateLimitPrefix,
			cfg.ApproveRateLimitPerMinute,
			time.Minute,
		)
	}

	// Initialize the core application service with its dependencies.
	service := app.NewService(
		repository,
		ledgerClient,
		producer,
		limiter,
		log,
		cfg.MaxApprovedAmountStroops,
	)

	reconciler := app.NewReconciler(
		repository,
		ledgerClient,
		log,
		cfg.LedgerSourceAccount,
		time.Duration(cfg.ReconcileClaimMinAgeMinutes)*time.Minute,
	)

	// Initialize the API handlers and router.
	handlers := api.NewScholarshipHandlers(service, reconciler, cfg.LedgerSourceAccount, log)
	router := api.ScholarshipRoutes(handlers, api.AuthConfig{
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
	}, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Infow("server listening", "addr", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server stopped unexpectedly", "err", err)
		}
	}()

	// Background reconciliation loop. The on-demand endpoint remains the
	// primary trigger; this catches drift when nobody is calling it.
	reconcileCtx, stopReconcile := context.WithCancel(context.Background())
	defer stopReconcile()
	go func() {
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-reconcileCtx.Done():
				return
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(reconcileCtx, 10*time.Minute)
				if _, err := reconciler.Run(runCtx); err != nil {
					log.Errorw("scheduled reconciliation failed", "err", err)
				}
				cancel()
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Infow("shutdown started")
	stopReconcile()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorw("shutdown failed", "err", err)
	}

	log.Infow("shutdown complete")
}
