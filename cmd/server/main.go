package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nmslite/hwsentry/internal/api"
	"github.com/nmslite/hwsentry/internal/api/common"
	"github.com/nmslite/hwsentry/internal/auth"
	"github.com/nmslite/hwsentry/internal/channels"
	"github.com/nmslite/hwsentry/internal/connector"
	"github.com/nmslite/hwsentry/internal/database"
	"github.com/nmslite/hwsentry/internal/exporter"
	"github.com/nmslite/hwsentry/internal/gate"
	"github.com/nmslite/hwsentry/internal/globals"
	"github.com/nmslite/hwsentry/internal/middleware"
	"github.com/nmslite/hwsentry/internal/poller"
	"github.com/nmslite/hwsentry/internal/protocols"
	"github.com/nmslite/hwsentry/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print an example configuration and exit")
	encrypt := flag.String("encrypt", "", "encrypt a secret for the configuration file and exit")
	flag.Parse()

	if *dumpConfig {
		if err := globals.DumpExampleConfig(os.Stdout); err != nil {
			log.Fatalf("Failed to dump configuration: %v", err)
		}
		return
	}

	cfg := globals.InitGlobal(*configPath)

	logger, err := globals.InitLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	slog.SetDefault(logger)

	authService, err := auth.NewService(
		cfg.Auth.JWTSecret,
		cfg.Auth.EncryptionKey,
		cfg.Auth.AdminUsername,
		cfg.Auth.AdminPassword,
		cfg.Auth.JWTExpiry(),
	)
	if err != nil {
		log.Fatalf("Failed to initialize auth service: %v", err)
	}

	if *encrypt != "" {
		sealed, err := authService.Seal(*encrypt)
		if err != nil {
			log.Fatalf("Failed to encrypt secret: %v", err)
		}
		fmt.Println(sealed)
		return
	}

	if err := run(cfg, authService, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(cfg *globals.Config, authService *auth.Service, logger *slog.Logger) error {
	logger.Info("Starting hwsentry",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"hosts", len(cfg.Hosts),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Connectors
	connectors := connector.NewRegistry(cfg.Connectors.Directory, logger)
	if err := connectors.Scan(); err != nil {
		return fmt.Errorf("failed to load connectors: %w", err)
	}
	for _, c := range connectors.List() {
		logger.Info("Connector registered", "id", c.Info.ID, "display_name", c.Info.DisplayName)
	}

	// Collection pipeline
	dispatcher := protocols.NewDispatcher(cfg.Collection.SourceTimeout(), logger)
	serialGate := gate.New(cfg.Collection.ForceSerializationTimeout(), logger, registry)
	runner := strategy.NewRunner(dispatcher, serialGate, logger)

	g, ctx := errgroup.WithContext(ctx)

	// Optional persistence
	var sink poller.MetricSink
	var pinger common.Pinger
	if cfg.Database.Enabled() {
		pool, err := database.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := database.RunMigrations(ctx, pool, logger); err != nil {
			return err
		}

		batchWriter := poller.NewBatchWriter(pool, cfg.Metrics, logger)
		g.Go(func() error { return batchWriter.Run(ctx) })
		sink = batchWriter
		pinger = pool
	} else {
		logger.Info("Database not configured, metric persistence disabled")
	}

	events := channels.NewEventChannels(channels.EventChannelsConfig{
		CycleBufferSize: cfg.Channel.CycleEventsChannelSize,
	})
	cycleMetrics := exporter.NewCycleMetrics(registry)
	cycleLogger := channels.StartCycleLogger(ctx, events, logger, cycleMetrics.Observe)

	scheduler := poller.NewScheduler(
		runner,
		authService,
		poller.NewResultWriter(logger, sink),
		events,
		cfg.Collection,
		logger,
	)
	for _, host := range cfg.Hosts {
		selected := connectors.List()
		if len(host.Connectors) > 0 {
			var err error
			if selected, err = connectors.Select(host.Connectors); err != nil {
				return fmt.Errorf("host %s: %w", host.Hostname, err)
			}
		}
		scheduler.AddHost(host.Target, selected, host.Interval(cfg.Collection.Interval()))
	}

	registry.MustRegister(exporter.NewCollector(scheduler, logger,
		gate.OutcomesMetricName,
		middleware.RequestsMetricName,
	))

	router := api.NewRouter(&common.Dependencies{
		Auth:     authService,
		Hosts:    scheduler,
		DB:       pinger,
		Gatherer: registry,
		Registry: registry,
		Logger:   logger,
	}, cfg.CORS)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	g.Go(func() error {
		err := scheduler.Run(ctx)
		// the scheduler has drained its workers, nothing emits anymore
		events.Close()
		return err
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", "error", err)
		}
		return nil
	})

	err := g.Wait()
	cycleLogger.Wait()
	return err
}
