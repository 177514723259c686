package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/queue"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/schema"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/stage"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/state"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/telemetry"
)

// JobResult is stored on a job that finished every stage.
type JobResult struct {
	CompletedStages []stage.Name                   `json:"completed_stages"`
	TotalDurationMs int64                          `json:"total_duration_ms"`
	Outputs         map[stage.Name]json.RawMessage `json:"outputs"`
}

// JobProcessor claims jobs and drives them through the stage pipeline.
type JobProcessor struct {
	queue   *queue.Client
	router  *stage.Router
	state   *state.Service
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	cfg     config.WorkerSettings
	log     *zap.Logger
}

// NewJobProcessor creates a new instance of JobProcessor.
func NewJobProcessor(q *queue.Client, router *stage.Router, st *state.Service, metrics *telemetry.Metrics, cfg config.WorkerSettings, log *zap.Logger) *JobProcessor {
	return &JobProcessor{
		queue:   q,
		router:  router,
		state:   st,
		metrics: metrics,
		tracer:  otel.Tracer("jobqueue"),
		cfg:     cfg,
		log:     log.Named("processor"),
	}
}

// ProcessNext claims at most one job and runs it. It is the entry point of
// an external worker trigger.
func (p *JobProcessor) ProcessNext(ctx context.Context) schema.WorkerResponse {
	ok, reason, err := p.state.CanProcess(ctx)
	if err != nil {
		p.log.Error("read worker state", zap.Error(err))
		return schema.WorkerResponse{Error: err.Error()}
	}
	if !ok {
		p.log.Debug("not claiming work", zap.String("reason", reason))
		return schema.WorkerResponse{Error: reason}
	}

	job, err := p.queue.GetNextJob(ctx)
	if err != nil {
		p.log.Error("claim job", zap.Error(err))
		return schema.WorkerResponse{Error: err.Error()}
	}
	if job == nil {
		return schema.WorkerResponse{}
	}

	resp := schema.WorkerResponse{Processed: true, JobID: job.ID}
	if err := p.ProcessJobStages(ctx, job); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// ProcessJobStages runs validate, prepare, execute and postprocess in order
// for a claimed job. The first failing stage fails the job and ends the
// attempt; the returned error describes that failure.
func (p *JobProcessor) ProcessJobStages(ctx context.Context, job *store.Job) error {
	ctx, span := p.tracer.Start(ctx, "ProcessJob", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.JobType)),
		attribute.Int("job.attempts", job.Attempts),
		attribute.Int("job.priority", job.Priority),
		attribute.String("job.workflow_version", job.WorkflowVersion),
	))
	defer span.End()

	log := p.log.With(zap.String("job_id", job.ID), zap.String("job_type", string(job.JobType)))
	start := time.Now()
	result := JobResult{Outputs: make(map[stage.Name]json.RawMessage, len(stage.Pipeline))}
	data := job.Payload

	for _, name := range stage.Pipeline {
		out, err := p.runStage(ctx, job, name, data)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn("stage failed", zap.String("stage", string(name)), zap.Error(err))
			return p.failJob(ctx, job, name, err)
		}
		result.CompletedStages = append(result.CompletedStages, name)
		result.Outputs[name] = out
		data = out
	}
	result.TotalDurationMs = time.Since(start).Milliseconds()

	if err := p.queue.CompleteJob(ctx, job.ID, result); err != nil {
		// The lock expires and the job is retried from the start.
		span.RecordError(err)
		log.Error("complete job", zap.Error(err))
		return err
	}
	p.metrics.JobCompleted(ctx, string(job.JobType))
	if err := p.state.RecordSuccess(ctx); err != nil {
		log.Warn("record circuit breaker success", zap.Error(err))
	}
	log.Info("job completed", zap.Int64("total_duration_ms", result.TotalDurationMs))
	return nil
}

func (p *JobProcessor) runStage(ctx context.Context, job *store.Job, name stage.Name, data json.RawMessage) (json.RawMessage, error) {
	ctx, span := p.tracer.Start(ctx, "Stage "+string(name), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("stage", string(name)),
	))
	defer span.End()

	attempt := job.Attempts + 1
	p.queue.LogStage(ctx, queue.StageLog{
		JobID:    job.ID,
		Stage:    string(name),
		Status:   store.AuditStarted,
		Metadata: map[string]any{"attempt": attempt, "workflow_version": job.WorkflowVersion},
	})

	start := time.Now()
	out, err := p.router.Run(ctx, stage.Input{
		JobID:           job.ID,
		JobType:         job.JobType,
		Stage:           name,
		Payload:         data,
		Attempts:        job.Attempts,
		WorkflowVersion: job.WorkflowVersion,
		IdempotencyKey:  job.IdempotencyKey,
	})
	latency := time.Since(start)
	latencyMs := latency.Milliseconds()
	p.metrics.StageFinished(ctx, string(job.JobType), string(name), err == nil, latency)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metadata := map[string]any{"attempt": attempt}
		var stageErr *stage.Error
		if errors.As(err, &stageErr) {
			if stageErr.Field != "" {
				metadata["field"] = stageErr.Field
			}
			if stageErr.Rule != "" {
				metadata["rule"] = stageErr.Rule
			}
		}
		p.queue.LogStage(ctx, queue.StageLog{
			JobID:        job.ID,
			Stage:        string(name),
			Status:       store.AuditError,
			Metadata:     metadata,
			LatencyMs:    &latencyMs,
			ErrorCode:    string(stage.CodeOf(err)),
			ErrorMessage: err.Error(),
		})
		return nil, err
	}

	p.queue.LogStage(ctx, queue.StageLog{
		JobID:     job.ID,
		Stage:     string(name),
		Status:    store.AuditSuccess,
		Metadata:  map[string]any{"attempt": attempt, "output_bytes": len(out)},
		LatencyMs: &latencyMs,
	})
	return out, nil
}

func (p *JobProcessor) failJob(ctx context.Context, job *store.Job, name stage.Name, stageErr error) error {
	message := fmt.Sprintf("%s: %v", name, stageErr)
	outcome, err := p.queue.FailJob(ctx, job.ID, message, nil)
	if err != nil {
		p.log.Error("fail job", zap.String("job_id", job.ID), zap.Error(err))
		return fmt.Errorf("%s (recording failure: %w)", message, err)
	}

	if outcome.DeadLetter != nil {
		p.metrics.JobDeadLettered(ctx, string(job.JobType))
	} else {
		p.metrics.JobRetried(ctx, string(job.JobType))
	}

	breaker, err := p.state.RecordFailure(ctx)
	if err != nil {
		p.log.Warn("record circuit breaker failure", zap.Error(err))
	} else if breaker.Status == state.BreakerOpen {
		p.log.Warn("circuit breaker open",
			zap.Int("failure_count", breaker.FailureCount),
			zap.Int("threshold", breaker.Threshold))
	}
	return errors.New(message)
}

// Run polls for work until ctx is cancelled and periodically returns
// expired locks to the queue.
func (p *JobProcessor) Run(ctx context.Context) error {
	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	unlock := time.NewTicker(p.cfg.UnlockInterval)
	defer unlock.Stop()

	p.log.Info("worker started",
		zap.String("worker_id", p.queue.WorkerID()),
		zap.Duration("poll_interval", p.cfg.PollInterval))
	p.sweep(ctx)
	for {
		p.drain(ctx)
		select {
		case <-ctx.Done():
			p.log.Info("worker stopped")
			return nil
		case <-poll.C:
		case <-unlock.C:
			p.sweep(ctx)
		}
	}
}

// drain processes jobs until none is claimable.
func (p *JobProcessor) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if resp := p.ProcessNext(ctx); !resp.Processed {
			return
		}
	}
}

func (p *JobProcessor) sweep(ctx context.Context) {
	if _, err := p.queue.UnlockExpiredJobs(ctx); err != nil {
		p.log.Error("unlock expired jobs", zap.Error(err))
	}
}
