package monitor

import (
	"math"
	"time"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

type SLAState string

const (
	SLAMeeting SLAState = "meeting"
	SLAAtRisk  SLAState = "at_risk"
)

// SLA holds the thresholds a window is judged against.
type SLA struct {
	MinSuccessRate float64
	MaxAvgDuration time.Duration
}

type TypeMetrics struct {
	Total        int     `json:"total"`
	Completed    int     `json:"completed"`
	DeadLettered int     `json:"dead_lettered"`
	InProgress   int     `json:"in_progress"`
	SuccessRate  float64 `json:"success_rate"`
}

type BusinessMetrics struct {
	WindowHours       int                            `json:"window_hours"`
	TotalJobs         int                            `json:"total_jobs"`
	Completed         int                            `json:"completed"`
	DeadLettered      int                            `json:"dead_lettered"`
	SuccessRate       float64                        `json:"success_rate"`
	AvgDurationMs     float64                        `json:"avg_duration_ms"`
	ThroughputPerHour float64                        `json:"throughput_per_hour"`
	ByType            map[store.JobType]*TypeMetrics `json:"by_type"`
	SLA               SLAState                       `json:"sla"`
}

// CalculateBusinessMetrics summarizes the jobs created within window of now.
// The success rate counts terminal jobs only and is 100 when none finished.
func CalculateBusinessMetrics(jobs []store.Job, now time.Time, window time.Duration, sla SLA) BusinessMetrics {
	m := BusinessMetrics{
		WindowHours: int(window.Hours()),
		ByType:      make(map[store.JobType]*TypeMetrics),
	}
	since := now.Add(-window)

	var totalDuration time.Duration
	var timed int
	for _, job := range jobs {
		if job.CreatedAt.Before(since) {
			continue
		}
		m.TotalJobs++
		t, ok := m.ByType[job.JobType]
		if !ok {
			t = &TypeMetrics{}
			m.ByType[job.JobType] = t
		}
		t.Total++

		switch job.Status {
		case store.StatusDone:
			m.Completed++
			t.Completed++
			if job.FinishedAt != nil {
				totalDuration += job.FinishedAt.Sub(job.CreatedAt)
				timed++
			}
		case store.StatusDeadLetter:
			m.DeadLettered++
			t.DeadLettered++
		default:
			t.InProgress++
		}
	}

	m.SuccessRate = successRate(m.Completed, m.DeadLettered)
	for _, t := range m.ByType {
		t.SuccessRate = successRate(t.Completed, t.DeadLettered)
	}
	if timed > 0 {
		m.AvgDurationMs = round2(float64(totalDuration.Milliseconds()) / float64(timed))
	}
	if hours := window.Hours(); hours > 0 {
		m.ThroughputPerHour = round2(float64(m.Completed) / hours)
	}

	m.SLA = SLAAtRisk
	if m.SuccessRate >= sla.MinSuccessRate && m.AvgDurationMs < float64(sla.MaxAvgDuration.Milliseconds()) {
		m.SLA = SLAMeeting
	}
	return m
}

func successRate(completed, failed int) float64 {
	if completed+failed == 0 {
		return 100
	}
	return round2(float64(completed) * 100 / float64(completed+failed))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
