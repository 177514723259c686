// Package app wires the configured components into one runnable unit.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/broker"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/monitor"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/notifier"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/processor"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/queue"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/stage"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/state"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/telemetry"
)

type App struct {
	Config    *config.Settings
	Log       *zap.Logger
	Stores    *store.Stores
	State     *state.Service
	Broker    broker.MessageBroker
	Queue     *queue.Client
	Router    *stage.Router
	Processor *processor.JobProcessor
	Notifier  *notifier.Notifier
	Monitor   *monitor.Monitor

	closers []func()
}

// New connects to every configured backend. On error everything opened so
// far is released.
func New(ctx context.Context, cfg *config.Settings, log *zap.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Stores, err = store.NewRepository(ctx, cfg.Database, cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("initialize repository: %w", err)
	}
	a.closers = append(a.closers, a.Stores.Close)

	backend, closeBackend, err := state.NewBackend(ctx, cfg.State, a.Stores.DB)
	if err != nil {
		return nil, fmt.Errorf("initialize state backend: %w", err)
	}
	a.closers = append(a.closers, closeBackend)
	a.State = state.NewService(backend, cfg.Worker.CircuitBreakerThreshold)

	a.Broker, err = broker.NewBroker(ctx, &cfg.Broker, log)
	if err != nil {
		return nil, fmt.Errorf("initialize broker: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.Broker.Close() })

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a.Queue = queue.NewClient(a.Stores.Jobs, a.Stores.Audit, queue.Config{
		WorkerID:               cfg.Worker.ID,
		DefaultMaxAttempts:     cfg.Queue.DefaultMaxAttempts,
		DefaultWorkflowVersion: cfg.Queue.DefaultWorkflowVersion,
		LockTimeout:            cfg.Queue.LockTimeout,
		MaxBackoff:             cfg.Queue.MaxBackoff,
		KeyLength:              cfg.Queue.KeyLength,
	}, log)

	a.Router = stage.NewDefaultRouter(cfg.Stages, cfg.Worker.StageTimeout, stage.Deps{
		Dispatcher: stage.NewBrokerDispatcher(a.Broker, cfg.Broker.CommandTopic),
	})
	a.Processor = processor.NewJobProcessor(a.Queue, a.Router, a.State, metrics, cfg.Worker, log)
	a.Notifier = notifier.New(a.Queue, a.Broker, cfg.Notifier, log)
	a.Monitor = monitor.New(a.Queue, a.State, cfg.Monitoring, log)
	return a, nil
}

// Watcher returns the status change source for the notifier: the store
// itself when it can be watched, otherwise a Postgres listener.
func (a *App) Watcher(ctx context.Context) (store.StatusWatcher, error) {
	if a.Stores.Watcher != nil {
		return a.Stores.Watcher, nil
	}
	listener, err := notifier.NewPgListener(ctx, a.Config.Database.DSN, a.Log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, listener.Close)
	return listener, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
