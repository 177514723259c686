// Package monitor implements the status and control plane: health probes,
// business metrics, alerts, status reports and operator actions.
package monitor

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/queue"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/state"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

const metricsWindow = 24 * time.Hour

type Monitor struct {
	queue *queue.Client
	state *state.Service
	http  *http.Client
	cfg   config.MonitoringSettings
	log   *zap.Logger
}

func New(q *queue.Client, st *state.Service, cfg config.MonitoringSettings, log *zap.Logger) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.RecentActivityLimit <= 0 {
		cfg.RecentActivityLimit = 20
	}
	if cfg.LoadInFlightMax <= 0 {
		cfg.LoadInFlightMax = 500
	}
	if cfg.QueueDepthWarning <= 0 {
		cfg.QueueDepthWarning = 100
	}
	if cfg.SLASuccessRate <= 0 {
		cfg.SLASuccessRate = 95
	}
	if cfg.SLAMaxAvgDuration <= 0 {
		cfg.SLAMaxAvgDuration = 120 * time.Second
	}
	return &Monitor{
		queue: q,
		state: st,
		http:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		cfg:   cfg,
		log:   log.Named("monitor"),
	}
}

// Totals sums stat rows per status across job types.
func Totals(stats []store.StatRow) map[store.Status]int {
	totals := make(map[store.Status]int)
	for _, row := range stats {
		totals[row.Status] += row.Count
	}
	return totals
}
