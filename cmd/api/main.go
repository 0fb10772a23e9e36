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

	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/orderflow-stock/internal/config"
	"github.com/joao-fontenele/orderflow-stock/internal/messaging"
	"github.com/joao-fontenele/orderflow-stock/internal/orders"
	"github.com/joao-fontenele/orderflow-stock/internal/outbox"
	"github.com/joao-fontenele/orderflow-stock/internal/telemetry"
)

const serviceName = "orders-api"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadAPI()
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

	var publisher outbox.Publisher
	if cfg.AMQPURL != "" {
		conn, err := messaging.Dial(cfg.AMQPURL, true)
		if err != nil {
			logger.Error("failed to connect to broker", "error", err)
			os.Exit(1)
		}
		defer func() { _ = conn.Close() }()

		if err := messaging.DeclareQueue(conn.Channel, cfg.Queue); err != nil {
			logger.Error("failed to declare queue", "error", err, "queue", cfg.Queue)
			os.Exit(1)
		}
		publisher = messaging.NewPublisher(conn.Channel, cfg.Queue)
	} else {
		logger.Warn("AMQP_URL not set, order events stay in the outbox")
	}

	outboxStore := outbox.NewStore(db)
	repo := orders.NewOrderRepository(db)

	service := orders.NewService(repo, publisher, outboxStore, logger)
	handler := orders.NewHandler(service, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(handler.HandleCreate))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(handler.HandleGet))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      telemetry.InstrumentHandler(mux, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	metricsServer := telemetry.NewMetricsServer(cfg.MetricsPort, metricsHandler)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting orders api", "port", cfg.Port)
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

	if publisher != nil {
		relay, err := outbox.NewRelay(db, publisher, cfg.OutboxInterval, cfg.OutboxGrace, cfg.OutboxBatchSize, logger)
		if err != nil {
			logger.Error("failed to create outbox relay", "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			return relay.Run(gctx)
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
		logger.Error("orders api stopped with error", "error", err)
		os.Exit(1)
	}
}
