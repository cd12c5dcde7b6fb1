package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"openattribution/internal/adapters/config"
	"openattribution/internal/adapters/errors/noop"
	"openattribution/internal/adapters/errors/sentry"
	"openattribution/internal/adapters/kafka"
	"openattribution/internal/adapters/postgres"
	"openattribution/internal/api"
	"openattribution/internal/api/health"
	"openattribution/internal/api/ingest"
	"openattribution/internal/api/query"
	domain "openattribution/internal/domain/telemetry"
	"openattribution/internal/events"
	"openattribution/internal/metrics"
	pgrepo "openattribution/internal/repository/postgres"
	"openattribution/pkg/errors"
	"openattribution/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger
	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	log := logger.Get()
	log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	// Initialize error tracker
	errorTracker := initErrorTracker(cfg, log)
	logger.SetErrorTracker(errorTracker)

	// Initialize metrics registry
	metrics.Init()

	// Initialize PostgreSQL
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer pgClient.Close()
	log.Info("✓ PostgreSQL connected")

	if err := prometheus.Register(metrics.NewCustomCollector(log, pgClient.DB())); err != nil {
		log.Warnf("Failed to register custom collector: %v", err)
	}

	// Initialize repositories
	sessionRepo := pgrepo.NewSessionRepository(pgClient.DB())
	eventRepo := pgrepo.NewEventRepository(pgClient.DB())

	// Initialize closed-session publisher (optional)
	var publisher domain.ClosedPublisher
	if cfg.Kafka.Enabled() {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		defer producer.Close()
		publisher = events.NewPublisher(producer, cfg.Kafka.Topic)
		log.Infof("✓ Kafka publisher enabled (topic %s)", cfg.Kafka.Topic)
	} else {
		log.Info("Kafka publisher disabled")
	}

	// Initialize service and handlers
	service := domain.NewService(sessionRepo, eventRepo, publisher)
	ingestHandler := ingest.New(service, cfg.Ingest.MaxBatchSize)
	queryHandler := query.New(service)
	healthHandler := health.New(log, pgClient.DB(), cfg.App.Name, cfg.App.Version)

	server := api.NewServer(api.ServerConfig{
		Port:               cfg.Server.Port,
		ServiceName:        cfg.App.Name,
		Version:            cfg.App.Version,
		RateLimitPerMinute: cfg.Ingest.RateLimitPerMinute,
		RateBurst:          cfg.Ingest.RateBurst,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
	}, ingestHandler, queryHandler, healthHandler, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	log.Info("System initialized successfully")

	// Wait for shutdown signal or server failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infof("Received signal %v, shutting down...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Errorf("HTTP server failed: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Shutdown error: %v", err)
	}

	if errorTracker != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = errorTracker.Flush(flushCtx)
		flushCancel()
	}

	log.Info("Shutdown complete")
}

// initErrorTracker initializes error tracking (Sentry or no-op)
func initErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return noop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return noop.New()
	}

	log.Info("Error tracking initialized (Sentry)")
	return tracker
}
