package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stratosec/idposture/internal/aggregate"
	"github.com/stratosec/idposture/internal/api"
	"github.com/stratosec/idposture/internal/bus"
	"github.com/stratosec/idposture/internal/config"
	"github.com/stratosec/idposture/internal/lifecycle"
	"github.com/stratosec/idposture/internal/metrics"
	"github.com/stratosec/idposture/internal/posture"
	"github.com/stratosec/idposture/internal/reconcile"
	"github.com/stratosec/idposture/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting identity posture service")

	httpAddr := getEnv("POSTURE_HTTP_ADDR", ":8080")
	natsURL := getEnv("POSTURE_NATS_URL", "nats://localhost:4222")
	natsQueue := getEnv("POSTURE_NATS_QUEUE", "posture")
	storeDriver := getEnv("POSTURE_STORE_DRIVER", "postgres")
	postgresDSN := getEnv("POSTURE_POSTGRES_DSN",
		"host=localhost port=5432 user=posture password=posture dbname=posture sslmode=disable")
	configPath := getEnv("POSTURE_CONFIG_FILE", "")
	hotReload := strings.ToLower(getEnv("POSTURE_HOT_RELOAD", "false")) == "true"

	logger.Info("Configuration loaded",
		"http_addr", httpAddr,
		"nats_url", natsURL,
		"nats_queue", natsQueue,
		"store_driver", storeDriver,
		"config_file", configPath,
		"hot_reload", hotReload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	var st store.Store
	switch storeDriver {
	case "postgres":
		pg, err := store.NewPostgresStore(postgresDSN, logger)
		if err != nil {
			logger.Error("Failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to ensure schema", "error", err)
			os.Exit(1)
		}
		st = pg
	case "memory":
		st = store.NewMemoryStore()
		logger.Warn("Using in-memory store; data will not survive a restart")
	default:
		logger.Error("Unknown store driver", "driver", storeDriver)
		os.Exit(1)
	}

	// Pipeline config
	loader := config.NewLoader(configPath, hotReload, logger)
	cfg, err := loader.LoadSnapshot()
	if err != nil {
		logger.Error("Failed to load pipeline config", "error", err)
		os.Exit(1)
	}
	if err := loader.WatchForChanges(); err != nil {
		logger.Error("Failed to start config watcher", "error", err)
		os.Exit(1)
	}
	defer loader.StopWatching()

	// Metrics
	m := metrics.NewMetrics()

	// NATS
	nc, err := nats.Connect(natsURL, nats.Timeout(10*time.Second))
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("Connected to NATS")

	eventBus, err := bus.NewNATSBus(nc, natsQueue, m, logger)
	if err != nil {
		logger.Error("Failed to create event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	// Pipeline components
	lifecycleManager := lifecycle.NewManager(st, cfg.OwnedAlertTypes, m, logger)
	reconciler := reconcile.New(st, m, logger)
	linkStage := reconcile.NewStage(st, reconciler, reconcile.DirectoryLinker(logger), eventBus, logger)
	orchestrator := posture.NewOrchestrator(st, lifecycleManager, eventBus, loader, m, logger)

	handlers := map[string]aggregate.Handler{
		"linker":   linkStage.Run,
		"analyzer": orchestrator.Run,
	}

	var aggregators []*aggregate.Aggregator
	for _, consumer := range cfg.Consumers {
		handler, ok := handlers[consumer.Name]
		if !ok {
			logger.Error("No handler for configured consumer", "consumer", consumer.Name)
			os.Exit(1)
		}
		agg := aggregate.New(aggregate.Consumer{
			Name:                consumer.Name,
			Topics:              consumer.Topics,
			RequiresFullContext: consumer.RequiresFullContext,
			DebounceWindow:      consumer.DebounceWindow(),
			Handler:             handler,
		}, m, logger)
		aggregators = append(aggregators, agg)

		for _, topic := range consumer.Topics {
			if err := eventBus.Subscribe(topic, agg.Offer); err != nil {
				logger.Error("Failed to subscribe consumer",
					"consumer", consumer.Name,
					"topic", topic,
					"error", err)
				os.Exit(1)
			}
		}
	}

	// Apply config reloads to the lifecycle manager.
	go func() {
		updates := loader.Subscribe()
		for range updates {
			snapshot := loader.GetSnapshot()
			lifecycleManager.SetOwnedTypes(snapshot.OwnedAlertTypes)
			logger.Info("Pipeline config applied", "version", snapshot.Version)
		}
	}()

	// HTTP API
	httpAPI := api.NewHTTPAPI(st, orchestrator, logger)
	httpServer := &http.Server{
		Addr:    httpAddr,
		Handler: httpAPI.Router(),
	}
	go func() {
		logger.Info("Starting HTTP server", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Identity posture service started")
	<-sigChan

	logger.Info("Shutting down...")
	cancel()

	for _, agg := range aggregators {
		agg.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Identity posture service stopped")
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
