package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/livelab/internal/backend"
	"github.com/knoguchi/livelab/internal/config"
	"github.com/knoguchi/livelab/internal/interleave"
	"github.com/knoguchi/livelab/internal/lifecycle"
	"github.com/knoguchi/livelab/internal/metrics"
	"github.com/knoguchi/livelab/internal/remote"
	"github.com/knoguchi/livelab/internal/repository"
	"github.com/knoguchi/livelab/internal/repository/memory"
	"github.com/knoguchi/livelab/internal/repository/postgres"
	"github.com/knoguchi/livelab/internal/server"
	"github.com/knoguchi/livelab/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting living-lab router",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"store", cfg.StoreBackend,
		"interleave", cfg.Interleave,
	)

	// Initialize the store
	var (
		repos       repository.Repositories
		workerRepos repository.Repositories
		ready       func(context.Context) error
	)
	switch cfg.StoreBackend {
	case config.StoreMemory:
		repos = memory.NewStore().Repositories()
		workerRepos = repos
		slog.Warn("using in-memory store, data is lost on restart")
	default:
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		repos = db.Repositories()
		ready = db.Ping

		// The lifecycle worker gets its own pool so sync passes never starve request handling.
		workerDB, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect worker to database: %w", err)
		}
		defer workerDB.Close()
		workerRepos = workerDB.Repositories()
		slog.Info("connected to PostgreSQL")
	}

	// Register systems
	systems, err := config.LoadSystems(cfg.SystemsFile)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(systems))
	for _, sys := range systems {
		if err := repos.Systems.Upsert(ctx, sys); err != nil {
			return fmt.Errorf("failed to register system %s: %w", sys.Name, err)
		}
		names = append(names, sys.Name)
		slog.Info("registered system", "name", sys.Name, "role", sys.Role, "lifecycle", sys.Lifecycle, "baseline", sys.Baseline)
	}
	if err := repos.Systems.RetireMissing(ctx, names); err != nil {
		return err
	}

	headQueries, err := config.LoadList(cfg.HeadQueriesFile)
	if err != nil {
		return err
	}
	headItems, err := config.LoadList(cfg.HeadItemsFile)
	if err != nil {
		return err
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics()
	if err := m.Register(registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// Initialize services
	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		Fetcher: backend.NewClient(backend.Config{
			Port:    cfg.BackendPort,
			Timeout: cfg.BackendTimeout,
		}),
		Systems:     repos.Systems,
		Results:     repos.Results,
		HeadQueries: service.NewHeadSet(headQueries),
		HeadItems:   service.NewHeadSet(headItems),
		Metrics:     m,
		Logger:      slog.Default(),
	})
	experiment := service.NewExperiment(repos, dispatcher, service.ExperimentConfig{
		Interleave:        cfg.Interleave,
		SessionExpiration: cfg.SessionExpiration,
		Selection:         service.SelectionPolicy(cfg.SelectionPolicy),
		UnknownSession:    service.SessionPolicy(cfg.UnknownSessionPolicy),
		Interleaver:       interleave.NewTeamDraft(nil),
		Metrics:           m,
		Logger:            slog.Default(),
	})

	// Session lifecycle and remote sync
	workerCfg := lifecycle.Config{
		Interval:     cfg.SyncInterval,
		Expiration:   cfg.SessionExpiration,
		Kill:         cfg.SessionKill,
		DeleteSent:   cfg.DeleteSentSessions,
		SiteUsername: cfg.RemoteSiteUsername,
		Metrics:      m,
		Logger:       slog.Default(),
	}
	if cfg.SyncEnabled {
		workerCfg.Remote = remote.NewClient(
			remote.WithBaseURL(cfg.RemoteAPIURL),
			remote.WithCredentials(cfg.RemoteUser, cfg.RemotePassword),
		)
		slog.Info("remote sync enabled", "url", cfg.RemoteAPIURL, "site_user", cfg.RemoteSiteUsername)
	}
	if cfg.RedisURL != "" {
		rdb, err := lifecycle.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		host, _ := os.Hostname()
		workerCfg.Lease = lifecycle.NewRedisLease(rdb, host+"-"+uuid.NewString())
		slog.Info("connected to Redis, sync lease enabled")
	}
	worker := lifecycle.NewWorker(workerRepos, workerCfg)

	// Create HTTP server
	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
		AdminAPIKey:    cfg.AdminAPIKey,
		Experiment:     experiment,
		Syncer:         worker,
		Gatherer:       registry,
		Ready:          ready,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	// Start background work and the server
	errCh := make(chan error, 1)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		cancel()
		<-workerDone
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	cancel()
	<-workerDone

	slog.Info("server stopped")
	return nil
}
