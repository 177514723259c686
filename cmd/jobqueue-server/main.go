package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/api"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/app"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/logging"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/telemetry"
)

func main() {
	configDir := flag.String("config", "./cmd/jobqueue-server", "directory containing jobqueue.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load and validate configuration from file and environment
	cfg, err := config.LoadFromFile(*configDir)
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		log.Fatal("Failed to create logger: ", err)
	}
	defer func() { _ = logger.Sync() }()

	// Initialize telemetry (tracing and metrics)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer shutdownTelemetry()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.Close()

	var wg sync.WaitGroup
	if cfg.Notifier.Enabled {
		watcher, err := a.Watcher(ctx)
		if err != nil {
			logger.Fatal("Failed to initialize status watcher", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Notifier.Run(ctx, watcher); err != nil {
				logger.Error("notifier stopped", zap.Error(err))
			}
		}()
	}
	if cfg.Worker.Embedded {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Processor.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewServer(a.Queue, a.Processor, a.Router, a.Monitor, logger).Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.Bool("embedded_worker", cfg.Worker.Embedded))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", zap.Error(err))
		stop()
	}
	wg.Wait()
	logger.Info("shut down")
}
