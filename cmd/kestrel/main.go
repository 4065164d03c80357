// Kestrel - Versioned model registry and KYC/AML risk scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/textsignal"
	"github.com/opensource-finance/kestrel/internal/training"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Create context with cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration: tier defaults, then KESTREL_CONFIG file, then KESTREL_* env
	cfg, err := config.Load(ctx)
	if err != nil {
		// Logger is not configured yet
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"textsignal", cfg.TextSignal.Provider,
	)

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	// Initialize Repository
	store, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Text signal: a configured model that cannot load is fatal
	textScorer, err := textsignal.NewScorer(cfg.TextSignal)
	if err != nil {
		slog.Error("failed to initialize text signal scorer", "error", err)
		os.Exit(1)
	}
	extractor := textsignal.NewExtractor(textScorer, textsignal.ExtractorConfig{
		Timeout:  cfg.TextSignal.Timeout,
		Cache:    cacheImpl,
		CacheTTL: cfg.Cache.TextSignalTTL,
		Metrics:  m,
	})
	pipeline := features.NewPipeline(extractor)

	// Model registry: loads the catalog and seeds missing defaults
	reg, err := registry.New(ctx, registry.Config{
		Store:    store,
		Cache:    cacheImpl,
		CacheTTL: cfg.Cache.BlobTTL,
		Bus:      busImpl,
		Metrics:  m,
	})
	if err != nil {
		slog.Error("failed to initialize model registry", "error", err)
		os.Exit(1)
	}
	slog.Info("model registry initialized", "models", len(reg.List(ctx)))

	scorer, err := scoring.New(reg, pipeline, scoring.ConfigFrom(cfg.Scoring, m))
	if err != nil {
		slog.Error("failed to initialize scorer", "error", err)
		os.Exit(1)
	}

	updater := training.NewUpdater(reg, pipeline, cfg.Training, m)

	// Async worker: training requests, and catalog sync between replicas on NATS
	workerCfg := worker.Config{
		Training:    cfg.Training.AsyncWorker,
		CatalogSync: cfg.EventBus.Type == "nats",
	}
	var asyncWorker *worker.Worker
	if workerCfg.Training || workerCfg.CatalogSync {
		asyncWorker = worker.NewWorker(busImpl, updater, reg)
		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
			os.Exit(1)
		}
		slog.Info("async worker started",
			"training", workerCfg.Training,
			"catalog_sync", workerCfg.CatalogSync,
		)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Registry: reg,
		Scorer:   scorer,
		Trainer:  updater,
		Store:    store,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Version:  Version,

		// Only accept async training when a worker consumes the requests
		AsyncTraining: workerCfg.Training,
	}, m, promReg)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ============================================")
	fmt.Println("                 KESTREL")
	fmt.Println("      Model registry and risk scoring")
	fmt.Println("  ============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /models                - List model artifacts")
	fmt.Println("    POST /models                - Upload a model bundle")
	fmt.Println("    GET  /models/{id}           - Get artifact metadata")
	fmt.Println("    GET  /models/latest/{type}  - Latest artifact of a type")
	fmt.Println("    POST /models/{type}/train   - Train a new version")
	fmt.Println("    POST /score/{type}          - Score one record")
	fmt.Println("    POST /score/{type}/batch    - Score a batch")
	fmt.Println("    GET  /health                - Health check")
	fmt.Println("    GET  /ready                 - Readiness check")
	fmt.Println("    GET  /metrics               - Prometheus metrics")
	fmt.Println()
}
