package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"escrow-service/internal/api"
	"escrow-service/internal/config"
	"escrow-service/internal/db"
	"escrow-service/internal/escrow"
	"escrow-service/internal/gateway"
	"escrow-service/internal/kafka"
	"escrow-service/internal/logging"
	"escrow-service/internal/metrics"
	"escrow-service/internal/notify"
	"escrow-service/internal/reconcile"
	"escrow-service/internal/store"
	"escrow-service/internal/store/memstore"
	"escrow-service/internal/webhook"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	reconcileLeaseKey = "escrow-service:reconcile:lease"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	cfg := config.MustLoadConfig(".")
	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore := openStore(ctx, cfg.Database, logger)
	defer closeStore()

	notifier, closeNotifier := openNotifier(cfg.Kafka, logger)
	defer closeNotifier()

	feeRate, err := escrow.ParseFeeRate(cfg.Escrow.PlatformFeePercent)
	if err != nil {
		log.Fatal(err)
	}

	paystack := gateway.NewPaystack(cfg.Gateway, logger)
	svc := escrow.NewService(st, paystack, notifier, escrow.Options{
		FeeRate:     feeRate,
		CallbackURL: cfg.Gateway.CallbackURL,
	}, logger)

	processor := webhook.NewProcessor(st, svc, logger)

	lease, closeLease := openLease(ctx, cfg, logger)
	defer closeLease()

	reconciler := reconcile.NewReconciler(cfg.Reconcile, st, svc, paystack, processor, lease, logger)
	reconciler.Start(ctx)

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: api.NewRouter(api.Deps{
			Escrow:     svc,
			Webhooks:   webhook.NewHandler(processor, cfg.Gateway.WebhookSecret, logger),
			Reconciler: reconciler,
			AdminToken: cfg.Server.AdminToken,
			Logger:     logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", "error", err)
	}
}

func openStore(ctx context.Context, cfg config.Database, logger *slog.Logger) (store.Store, func()) {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory store, data will not survive a restart")
		return memstore.New(), func() {}
	}

	connStr := cfg.ConnString()
	if err := db.RunMigrations(connStr, cfg.MigrationsDir); err != nil {
		log.Fatal(err)
	}

	dbpool, err := db.GetPool(ctx, connStr)
	if err != nil {
		log.Fatal(err)
	}
	return db.NewStore(dbpool), dbpool.Close
}

func openNotifier(cfg config.Kafka, logger *slog.Logger) (notify.Notifier, func()) {
	if cfg.Broker.URL == "" {
		logger.Warn("Kafka broker not configured, notifications are only logged")
		return notify.LogNotifier{Logger: logger}, func() {}
	}

	writer := kafka.NewWriter(cfg, cfg.Topic.Notifications, logger)
	return notify.NewKafkaNotifier(writer, logger), func() {
		if err := writer.Close(); err != nil {
			logger.Error("Error closing Kafka writer", "error", err)
		}
	}
}

func openLease(ctx context.Context, cfg *config.Config, logger *slog.Logger) (reconcile.Lease, func()) {
	if cfg.Redis.URL == "" {
		logger.Warn("Redis not configured, reconciliation is not coordinated across instances")
		return reconcile.LocalLease{}, func() {}
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatal(err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal(err)
	}

	ttl := time.Duration(cfg.Reconcile.LeaseTTLMs) * time.Millisecond
	return reconcile.NewRedisLease(client, reconcileLeaseKey, ttl), func() {
		if err := client.Close(); err != nil {
			logger.Error("Error closing Redis client", "error", err)
		}
	}
}
