package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "jobqueue"

// Metrics holds the job queue instruments.
type Metrics struct {
	completed    metric.Int64Counter
	retried      metric.Int64Counter
	deadLettered metric.Int64Counter
	stageLatency metric.Float64Histogram
}

// NewMetrics registers the instruments on meter. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	completed, err := meter.Int64Counter("jobqueue.jobs.completed",
		metric.WithDescription("Jobs that finished every stage"))
	if err != nil {
		return nil, err
	}
	retried, err := meter.Int64Counter("jobqueue.jobs.retried",
		metric.WithDescription("Failed attempts scheduled for retry"))
	if err != nil {
		return nil, err
	}
	deadLettered, err := meter.Int64Counter("jobqueue.jobs.dead_lettered",
		metric.WithDescription("Jobs moved to the dead letter queue"))
	if err != nil {
		return nil, err
	}
	stageLatency, err := meter.Float64Histogram("jobqueue.stage.latency_ms",
		metric.WithDescription("Stage execution latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		completed:    completed,
		retried:      retried,
		deadLettered: deadLettered,
		stageLatency: stageLatency,
	}, nil
}

func (m *Metrics) JobCompleted(ctx context.Context, jobType string) {
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
}

func (m *Metrics) JobRetried(ctx context.Context, jobType string) {
	m.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
}

func (m *Metrics) JobDeadLettered(ctx context.Context, jobType string) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
}

func (m *Metrics) StageFinished(ctx context.Context, jobType, stage string, ok bool, latency time.Duration) {
	m.stageLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.String("stage", stage),
		attribute.Bool("success", ok),
	))
}
