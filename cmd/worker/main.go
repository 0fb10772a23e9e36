package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-fontenele/orderflow-stock/internal/config"
	"github.com/joao-fontenele/orderflow-stock/internal/ledger"
	"github.com/joao-fontenele/orderflow-stock/internal/messaging"
	"github.com/joao-fontenele/orderflow-stock/internal/telemetry"
	"github.com/joao-fontenele/orderflow-stock/internal/worker"
)

const serviceName = "stock-worker"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, serviceName, cfg.ServiceVersion, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to init tracer provider", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, cfg.ServiceVersion)
	if err != nil {
		logger.Error("failed to init meter provider", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	db, err := telemetry.OpenDB(cfg.Database.URL, cfg.Database.Schema)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	var opts []ledger.Option
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		opts = append(opts, ledger.WithCache(ledger.NewRedisCache(client, 0)))
	}
	if brokers := config.Brokers(cfg.KafkaBrokers); len(brokers) > 0 {
		feed := messaging.NewFeedProducer(brokers, cfg.KafkaTopic)
		defer func() { _ = feed.Close() }()
		opts = append(opts, ledger.WithFeed(feed))
	}

	stockLedger, err := ledger.New(db, logger, opts...)
	if err != nil {
		logger.Error("failed to create ledger", "error", err)
		os.Exit(1)
	}

	consumer, err := messaging.NewConsumer(cfg.AMQPURL, cfg.Queue, serviceName, logger)
	if err != nil {
		logger.Error("failed to create consumer", "error", err)
		os.Exit(1)
	}
	handler := worker.NewOrderEventHandler(stockLedger, logger)

	metricsServer := telemetry.NewMetricsServer(cfg.MetricsPort, metricsHandler)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting stock worker", "queue", cfg.Queue)

	if err := consumer.Run(ctx, handler.Handle); err != nil {
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}

	logger.Info("consumer stopped")
}
