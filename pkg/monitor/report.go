package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/state"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

const (
	FormatFull    = "full"
	FormatSummary = "summary"
	FormatMetrics = "metrics"

	recentJobsLimit = 5000
	deadLetterLimit = 1000
)

var ErrUnknownFormat = errors.New("unknown report format")

type QueueStats struct {
	Totals map[store.Status]int `json:"totals"`
	Rows   []store.StatRow      `json:"rows"`
}

// StatusReport is the full status document.
type StatusReport struct {
	SystemHealth    Health               `json:"system_health"`
	QueueStats      QueueStats           `json:"queue_stats"`
	BusinessMetrics BusinessMetrics      `json:"business_metrics"`
	RecentActivity  []store.AuditEntry   `json:"recent_activity"`
	Alerts          []Alert              `json:"alerts"`
	CircuitBreaker  state.CircuitBreaker `json:"circuit_breaker"`
	WorkerStatus    state.WorkerStatus   `json:"worker_status"`
	StuckJobs       int                  `json:"stuck_jobs"`
	DeadLetters     int                  `json:"dead_letters"`
	GeneratedAt     time.Time            `json:"generated_at"`
}

// SummaryReport is the compact shape for small dashboards.
type SummaryReport struct {
	Status         HealthStatus        `json:"status"`
	Queued         int                 `json:"queued"`
	Processing     int                 `json:"processing"`
	DeadLetter     int                 `json:"dead_letter"`
	SuccessRate    float64             `json:"success_rate"`
	Alerts         int                 `json:"alerts"`
	CircuitBreaker state.BreakerStatus `json:"circuit_breaker"`
	WorkerStatus   state.WorkerStatus  `json:"worker_status"`
}

// MetricsReport carries numbers only.
type MetricsReport struct {
	QueueStats      QueueStats      `json:"queue_stats"`
	BusinessMetrics BusinessMetrics `json:"business_metrics"`
}

// Report builds the status document in the requested format. An empty
// format is full.
func (m *Monitor) Report(ctx context.Context, format string) (any, error) {
	switch format {
	case "", FormatFull, FormatSummary, FormatMetrics:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	full, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatSummary:
		return SummaryReport{
			Status:         full.SystemHealth.Status,
			Queued:         full.QueueStats.Totals[store.StatusQueued] + full.QueueStats.Totals[store.StatusRetryScheduled],
			Processing:     full.QueueStats.Totals[store.StatusProcessing],
			DeadLetter:     full.QueueStats.Totals[store.StatusDeadLetter],
			SuccessRate:    full.BusinessMetrics.SuccessRate,
			Alerts:         len(full.Alerts),
			CircuitBreaker: full.CircuitBreaker.Status,
			WorkerStatus:   full.WorkerStatus,
		}, nil
	case FormatMetrics:
		return MetricsReport{QueueStats: full.QueueStats, BusinessMetrics: full.BusinessMetrics}, nil
	}
	return full, nil
}

// Status gathers every section of the full report.
func (m *Monitor) Status(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{GeneratedAt: m.queue.Now()}

	var stats []store.StatRow
	var jobs []store.Job
	var deadLetters []store.DeadLetterEntry

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stats, err = m.queue.GetQueueStats(gctx)
		return err
	})
	g.Go(func() (err error) {
		jobs, err = m.queue.RecentJobs(gctx, metricsWindow, recentJobsLimit)
		return err
	})
	g.Go(func() (err error) {
		report.StuckJobs, err = m.queue.StuckJobs(gctx)
		return err
	})
	g.Go(func() (err error) {
		deadLetters, err = m.queue.ListDeadLetters(gctx, deadLetterLimit)
		return err
	})
	g.Go(func() (err error) {
		report.RecentActivity, err = m.queue.RecentActivity(gctx, m.cfg.RecentActivityLimit)
		return err
	})
	g.Go(func() (err error) {
		report.CircuitBreaker, err = m.state.CircuitBreaker(gctx)
		return err
	})
	g.Go(func() (err error) {
		report.WorkerStatus, err = m.state.WorkerStatus(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("collect status: %w", err)
	}

	for _, entry := range deadLetters {
		if entry.CanRetry {
			report.DeadLetters++
		}
	}
	if report.RecentActivity == nil {
		report.RecentActivity = []store.AuditEntry{}
	}

	report.QueueStats = QueueStats{Totals: Totals(stats), Rows: stats}
	report.SystemHealth = m.SystemHealth(ctx, stats)
	report.BusinessMetrics = CalculateBusinessMetrics(jobs, report.GeneratedAt, metricsWindow, SLA{
		MinSuccessRate: m.cfg.SLASuccessRate,
		MaxAvgDuration: m.cfg.SLAMaxAvgDuration,
	})
	report.Alerts = GenerateAlerts(report.QueueStats.Totals, report.StuckJobs, report.DeadLetters, report.SystemHealth, report.CircuitBreaker, m.cfg)
	return report, nil
}
