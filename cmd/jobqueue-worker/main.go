package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/app"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/logging"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/telemetry"
)

func main() {
	configDir := flag.String("config", "./cmd/jobqueue-server", "directory containing jobqueue.yaml")
	once := flag.Bool("once", false, "process at most one job and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromFile(*configDir)
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		log.Fatal("Failed to create logger: ", err)
	}
	defer func() { _ = logger.Sync() }()

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

	if *once {
		// One trigger from an external scheduler: sweep expired locks, then claim.
		if _, err := a.Queue.UnlockExpiredJobs(ctx); err != nil {
			logger.Warn("unlock expired jobs", zap.Error(err))
		}
		resp := a.Processor.ProcessNext(ctx)
		logger.Info("worker trigger",
			zap.Bool("processed", resp.Processed),
			zap.String("job_id", resp.JobID),
			zap.String("error", resp.Error))
		return
	}

	// Run the processor (blocks until the context is canceled)
	_ = a.Processor.Run(ctx)
}
