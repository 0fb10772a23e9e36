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
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/orderflow-stock/internal/config"
	"github.com/joao-fontenele/orderflow-stock/internal/inventory"
	"github.com/joao-fontenele/orderflow-stock/internal/ledger"
	"github.com/joao-fontenele/orderflow-stock/internal/messaging"
	"github.com/joao-fontenele/orderflow-stock/internal/telemetry"
)

const serviceName = "inventory"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadInventory()
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
	var cache *ledger.RedisCache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		cache = ledger.NewRedisCache(client, cfg.CacheTTL)
		opts = append(opts, ledger.WithCache(cache))
	}

	brokers := config.Brokers(cfg.KafkaBrokers)
	if len(brokers) > 0 {
		feed := messaging.NewFeedProducer(brokers, cfg.KafkaTopic)
		defer func() { _ = feed.Close() }()
		opts = append(opts, ledger.WithFeed(feed))
	}

	stockLedger, err := ledger.New(db, logger, opts...)
	if err != nil {
		logger.Error("failed to create ledger", "error", err)
		os.Exit(1)
	}

	handler := inventory.NewHandler(stockLedger, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stock", telemetry.WithHTTPRoute(handler.HandleListStock))
	mux.HandleFunc("GET /stock/{variantId}", telemetry.WithHTTPRoute(handler.HandleGetStock))
	mux.HandleFunc("GET /stock/{variantId}/movements", telemetry.WithHTTPRoute(handler.HandleListMovements))
	mux.HandleFunc("POST /stock/{variantId}/movements", telemetry.WithHTTPRoute(handler.HandleApplyMovement))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      telemetry.InstrumentHandler(mux, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	metricsServer := telemetry.NewMetricsServer(cfg.MetricsPort, metricsHandler)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting inventory service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cache != nil && len(brokers) > 0 {
		feedConsumer := messaging.NewFeedConsumer(brokers, cfg.KafkaTopic, serviceName+"-cache")
		defer func() { _ = feedConsumer.Close() }()
		invalidator := inventory.NewCacheInvalidator(cache, logger)

		g.Go(func() error {
			err := feedConsumer.Consume(gctx, invalidator.Handle)
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return errors.Join(server.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.Error("inventory service stopped with error", "error", err)
		os.Exit(1)
	}
}
