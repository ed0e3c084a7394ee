// cmd/escrow-server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"marketplace-escrow/internal/api"
	"marketplace-escrow/internal/audit"
	"marketplace-escrow/internal/common/config"
	"marketplace-escrow/internal/common/database"
	"marketplace-escrow/internal/common/logger"
	"marketplace-escrow/internal/escrow"
	"marketplace-escrow/internal/gateway"
	"marketplace-escrow/internal/idempotency"
	"marketplace-escrow/internal/jobs"
	"marketplace-escrow/internal/notify"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting escrow server...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var rd *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rd, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rd.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rd.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init Elasticsearch (optional, audit search only) ---
	var esClient *database.ElasticsearchClient
	if len(cfg.Database.Elasticsearch.Addresses) > 0 {
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping(ctx)
		}, 5, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Warn("elasticsearch unavailable, audit search disabled", zap.Error(err))
			esClient = nil
		} else {
			zapLog.Info("Elasticsearch connected successfully")
		}
	}

	// --- Wire the domain ---
	gatewayClient := gateway.NewHTTPClient(
		cfg.Gateway.BaseURL,
		cfg.Gateway.APIKey,
		config.GetDuration(cfg.Gateway.Timeout),
		log,
	)

	auditRecorder := newAuditRecorder(pg, esClient, cfg.Escrow.AuditIndex, log)

	notifier, err := notify.NewNotifier(cfg.Notifications, pg.DB, log)
	if err != nil {
		zapLog.Fatal("notifier init failed", zap.Error(err))
	}

	holdStore := escrow.NewPostgresStore(pg.DB)
	jobStore := jobs.NewPostgresStore(pg.DB)

	executor := escrow.NewExecutor(holdStore, gatewayClient, escrow.ExecutorConfig{
		MaxRetries: cfg.Gateway.MaxRetries,
		Backoff:    config.GetDuration(cfg.Gateway.BackoffMs),
		ClaimTTL:   config.GetDuration(2 * cfg.Gateway.Timeout * cfg.Gateway.MaxRetries),
	}, log)

	escrowService := escrow.NewService(
		holdStore,
		gatewayClient,
		executor,
		escrow.FeePolicy{Percent: cfg.Escrow.FeePercent},
		auditRecorder,
		notifier,
		jobStore,
		log,
	)

	jobsService := jobs.NewService(jobStore, escrowService, log)

	idemStore := idempotency.NewStore(rd.Client,
		time.Duration(cfg.Idempotency.TTLMinutes)*time.Minute)

	handlers := api.NewHandlers(escrowService, jobsService, auditRecorder, log)
	router := api.NewRouter(handlers, idemStore, log)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}

	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("http server failed", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	zapLog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("shutdown error", zap.Error(err))
	}
	zapLog.Info("Server stopped")
}

func newAuditRecorder(pg *database.PostgresClient, es *database.ElasticsearchClient, index string, log logger.Logger) *audit.Recorder {
	if es == nil {
		return audit.NewRecorder(pg.DB, nil, index, log)
	}
	return audit.NewRecorder(pg.DB, es.Client, index, log)
}
