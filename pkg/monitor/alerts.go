package monitor

import (
	"fmt"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/state"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is advisory. Action names the control action an operator may take.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Type    string     `json:"type"`
	Message string     `json:"message"`
	Action  string     `json:"action,omitempty"`
}

// GenerateAlerts applies the alerting rules to a queue snapshot. stuck is
// the number of processing jobs past the lock timeout and deadLetters the
// number of dead letter entries still open for requeue.
func GenerateAlerts(totals map[store.Status]int, stuck, deadLetters int, health Health, breaker state.CircuitBreaker, cfg config.MonitoringSettings) []Alert {
	alerts := []Alert{}

	depth := totals[store.StatusQueued] + totals[store.StatusRetryScheduled]
	if depth > cfg.QueueDepthWarning {
		alerts = append(alerts, Alert{
			Level:   AlertWarning,
			Type:    "queue_depth",
			Message: fmt.Sprintf("%d jobs waiting, threshold %d; consider scaling workers", depth, cfg.QueueDepthWarning),
		})
	}
	if stuck > cfg.StuckProcessingMax {
		alerts = append(alerts, Alert{
			Level:   AlertCritical,
			Type:    "stuck_jobs",
			Message: fmt.Sprintf("%d jobs held past the lock timeout, threshold %d", stuck, cfg.StuckProcessingMax),
			Action:  "force_unlock_jobs",
		})
	}
	if health.Status == Unhealthy {
		alerts = append(alerts, Alert{
			Level:   AlertCritical,
			Type:    "system_health",
			Message: "a critical dependency is failing",
		})
	}
	if deadLetters > 0 {
		alerts = append(alerts, Alert{
			Level:   AlertCritical,
			Type:    "dead_letters",
			Message: fmt.Sprintf("%d jobs in the dead letter queue need inspection", deadLetters),
			Action:  "clear_dead_letter",
		})
	}
	if breaker.Status == state.BreakerOpen {
		alerts = append(alerts, Alert{
			Level:   AlertWarning,
			Type:    "circuit_breaker",
			Message: fmt.Sprintf("circuit breaker open after %d consecutive failures", breaker.FailureCount),
			Action:  "reset_circuit_breaker",
		})
	}
	return alerts
}
