package porttwin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kradalby/port-twin/catalog"
	"github.com/kradalby/port-twin/config"
	"github.com/kradalby/port-twin/events"
	"github.com/kradalby/port-twin/history"
	"github.com/kradalby/port-twin/ingest"
	"github.com/kradalby/port-twin/measurement"
	"github.com/kradalby/port-twin/metrics"
	"github.com/kradalby/port-twin/reconcile"
	"github.com/kradalby/port-twin/stream"
	"github.com/kradalby/port-twin/web"
	"github.com/prometheus/client_golang/prometheus"
)

// Version is set at build time.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

// Serve runs the dashboard until ctx is cancelled.
func Serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting port energy twin", "version", Version)
	logger.Info("Configuration loaded",
		"web_addr", cfg.WebAddrPort().String(),
		"stream_url", cfg.StreamURL,
		"history_backend", cfg.HistoryBackend,
		"mqtt_enabled", cfg.MQTTEnabled,
		"timezone", cfg.Location().String(),
	)

	bus, err := events.New(logger)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("Failed to close event bus", "error", err)
		}
	}()

	devices, err := newCatalog(cfg)
	if err != nil {
		return err
	}

	var workers sync.WaitGroup
	defer workers.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := stream.NewHub(stream.WithHubLogger(logger))

	if cfg.StreamURL != "" {
		client, err := stream.NewClient(cfg.StreamURL,
			stream.WithLogger(logger),
			stream.WithBus(bus),
			stream.WithHub(hub),
		)
		if err != nil {
			return fmt.Errorf("failed to create stream client: %w", err)
		}

		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Stream client stopped", "error", err)
			}
		}()
	}

	if cfg.MQTTEnabled {
		hookOpts := []ingest.HookOption{
			ingest.WithHookLogger(logger),
			ingest.WithLocation(cfg.Location()),
			ingest.WithHookBus(bus),
		}
		if cfg.StreamURL == "" {
			hookOpts = append(hookOpts, ingest.WithConnectivity())
		}

		hook, err := ingest.NewHook(hub, hookOpts...)
		if err != nil {
			return fmt.Errorf("failed to create MQTT hook: %w", err)
		}

		broker, err := ingest.NewBroker(cfg.MQTTAddrPort().String(), hook)
		if err != nil {
			return fmt.Errorf("failed to create MQTT broker: %w", err)
		}

		go func() {
			logger.Info("Starting MQTT broker", "addr", cfg.MQTTAddrPort().String())
			if err := broker.Serve(); err != nil {
				logger.Error("MQTT server error", "error", err)
			}
		}()
		defer func() {
			logger.Info("Stopping MQTT broker...")
			if err := broker.Close(); err != nil {
				logger.Error("Error stopping MQTT broker", "error", err)
			}
		}()
	}

	fetcher, closeFetcher, err := newFetcher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFetcher()

	if store, ok := fetcher.(*history.Store); ok {
		archive := history.NewRecorder(store, logger)
		unsubscribe := hub.Subscribe(archive)
		defer unsubscribe()

		workers.Add(1)
		go func() {
			defer workers.Done()
			archive.Run(ctx)
		}()
	}

	engine, err := reconcile.New(hub, fetcher,
		reconcile.WithLogger(logger),
		reconcile.WithBus(bus),
		reconcile.WithLocation(cfg.Location()),
		reconcile.WithCatalog(devices),
		reconcile.WithMaxLiveRecords(cfg.MaxLiveRecords),
		reconcile.WithChronologicalOrder(cfg.SortByTimestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	collector, err := metrics.NewCollector(ctx, logger, bus, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to start metrics collector: %w", err)
	}
	defer collector.Close()

	webServer, err := web.NewServer(logger, engine, bus)
	if err != nil {
		return fmt.Errorf("failed to configure web server: %w", err)
	}
	webServer.Start(ctx)
	defer webServer.Close()

	if err := engine.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("Failed to close engine", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.WebAddrPort().String(),
		Handler:           webServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Web UI available", "url", "http://"+cfg.WebAddrPort().String())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("Server running, press Ctrl+C to stop")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("web server failed: %w", err)
		}
	}

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info("Stopping web server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping web server", "error", err)
	}

	return nil
}

// QueryHistory runs a single historical query against the configured
// backend.
func QueryHistory(ctx context.Context, cfg *config.Config, logger *slog.Logger, device string, day measurement.Day) ([]measurement.Record, error) {
	fetcher, closeFetcher, err := newFetcher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer closeFetcher()

	records, err := fetcher.Fetch(ctx, device, day)
	if err != nil {
		return nil, &reconcile.FetchError{Device: device, Date: day, Err: err}
	}
	return records, nil
}

// ImportHistory stores records in the PostgreSQL archive.
func ImportHistory(ctx context.Context, cfg *config.Config, records []measurement.Record) error {
	if cfg.HistoryBackend != config.HistoryBackendPostgres {
		return fmt.Errorf("import requires the %s history backend", config.HistoryBackendPostgres)
	}

	store, err := history.Open(ctx, cfg.DatabaseURL, history.WithLocation(cfg.Location()))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	return store.Insert(ctx, records)
}

func newCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.DeviceLabelsPath == "" {
		return catalog.New(), nil
	}

	labels, err := catalog.LoadLabels(cfg.DeviceLabelsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load device labels: %w", err)
	}
	return catalog.New(labels.Options()...), nil
}

func newFetcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (history.Fetcher, func(), error) {
	switch cfg.HistoryBackend {
	case config.HistoryBackendPostgres:
		store, err := history.Open(ctx, cfg.DatabaseURL, history.WithLocation(cfg.Location()))
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		logger.Info("Historical queries served from PostgreSQL")
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close history store", "error", err)
			}
		}, nil
	default:
		opts := []history.ClientOption{
			history.WithTimeout(cfg.HistoryTimeoutDuration()),
			history.WithLogger(logger),
		}
		if cfg.HistoryAPIKey != "" {
			opts = append(opts, history.WithAPIKey(cfg.HistoryAPIKey))
		}
		logger.Info("Historical queries served over HTTP", "url", cfg.HistoryURL)
		return history.NewClient(cfg.HistoryURL, opts...), func() {}, nil
	}
}
