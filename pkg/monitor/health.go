package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "error"
)

// ProbeResult is the outcome of one dependency check. A failing critical
// probe makes the system unhealthy; any other failure only degrades it.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Critical  bool   `json:"critical"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Load is a snapshot of outstanding work.
type Load struct {
	Pending    int  `json:"pending"`
	Processing int  `json:"processing"`
	Overloaded bool `json:"overloaded"`
}

type Health struct {
	Status    HealthStatus  `json:"status"`
	Probes    []ProbeResult `json:"probes"`
	Load      Load          `json:"load"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Reduce folds probe results and load into one status.
func Reduce(probes []ProbeResult, load Load) HealthStatus {
	status := Healthy
	for _, p := range probes {
		if p.OK {
			continue
		}
		if p.Critical {
			return Unhealthy
		}
		status = Degraded
	}
	if load.Overloaded {
		status = Degraded
	}
	return status
}

// SystemHealth pings the job store, probes the configured endpoints and
// compares the load in stats against the configured limit.
func (m *Monitor) SystemHealth(ctx context.Context, stats []store.StatRow) Health {
	probes := []ProbeResult{m.probeStore(ctx)}

	results := make([]ProbeResult, len(m.cfg.ProbeURLs))
	var wg sync.WaitGroup
	for i, url := range m.cfg.ProbeURLs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.probeURL(ctx, url)
		}()
	}
	wg.Wait()
	probes = append(probes, results...)

	totals := Totals(stats)
	load := Load{
		Pending:    totals[store.StatusQueued] + totals[store.StatusRetryScheduled],
		Processing: totals[store.StatusProcessing],
	}
	load.Overloaded = load.Pending+load.Processing > m.cfg.LoadInFlightMax

	health := Health{Probes: probes, Load: load, CheckedAt: m.queue.Now()}
	health.Status = Reduce(probes, load)
	if health.Status != Healthy {
		m.log.Warn("system health", zap.String("status", string(health.Status)))
	}
	return health
}

func (m *Monitor) probeStore(ctx context.Context) ProbeResult {
	start := time.Now()
	result := ProbeResult{Name: "job_store", Critical: true, OK: true}
	if err := m.queue.Ping(ctx); err != nil {
		result.OK = false
		result.Error = err.Error()
	}
	result.LatencyMs = time.Since(start).Milliseconds()
	return result
}

func (m *Monitor) probeURL(ctx context.Context, url string) ProbeResult {
	start := time.Now()
	result := ProbeResult{Name: url, OK: true}
	if err := m.head(ctx, url); err != nil {
		result.OK = false
		result.Error = err.Error()
	}
	result.LatencyMs = time.Since(start).Milliseconds()
	return result
}

func (m *Monitor) head(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
