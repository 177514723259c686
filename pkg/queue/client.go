package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrInvalidPayload = errors.New("invalid job payload")
	ErrInvalidOptions = errors.New("invalid enqueue options")
)

// Config tunes the queue client.
type Config struct {
	WorkerID               string
	DefaultMaxAttempts     int
	DefaultWorkflowVersion string
	LockTimeout            time.Duration
	MaxBackoff             time.Duration
	KeyLength              int
}

// Options are the optional enqueue parameters. Zero values select the defaults.
type Options struct {
	Priority        int
	MaxAttempts     int
	IdempotencyKey  string
	WorkflowVersion string
}

// EnqueueResult identifies the job an enqueue call resolved to.
type EnqueueResult struct {
	JobID          string `json:"job_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Created        bool   `json:"created"`
}

// StageLog is one audit row written through LogStage.
type StageLog struct {
	JobID        string
	Stage        string
	Status       store.AuditStatus
	Metadata     map[string]any
	LatencyMs    *int64
	ErrorCode    string
	ErrorMessage string
}

// Client wraps the job store with the queue's atomic operations.
type Client struct {
	jobs  store.JobRepository
	audit store.AuditLog
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

func NewClient(jobs store.JobRepository, audit store.AuditLog, cfg Config, log *zap.Logger) *Client {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.DefaultWorkflowVersion == "" {
		cfg.DefaultWorkflowVersion = "v1.0"
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = store.DefaultLockTimeout
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	if cfg.KeyLength <= 0 {
		cfg.KeyLength = 32
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		jobs:  jobs,
		audit: audit,
		cfg:   cfg,
		log:   log.Named("queue"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for every store timestamp.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

func (c *Client) WorkerID() string {
	return c.cfg.WorkerID
}

// Enqueue stores a new queued job unless one with the same idempotency key
// exists, in which case the existing job id is returned whatever its status.
func (c *Client) Enqueue(ctx context.Context, jobType store.JobType, payload json.RawMessage, opts Options) (*EnqueueResult, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	if opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max_attempts must be positive", ErrInvalidOptions)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPayload)
	}

	key := opts.IdempotencyKey
	if key == "" {
		var err error
		if key, err = IdempotencyKey(jobType, payload, c.cfg.KeyLength); err != nil {
			return nil, err
		}
	}

	job := c.newJob(jobType, payload, key, opts)
	id, created, err := c.jobs.Insert(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}

	if created {
		c.log.Info("job enqueued",
			zap.String("job_id", id),
			zap.String("job_type", string(jobType)),
			zap.Int("priority", job.Priority),
			zap.String("idempotency_key", key))
	} else {
		c.log.Debug("duplicate enqueue suppressed",
			zap.String("job_id", id),
			zap.String("job_type", string(jobType)),
			zap.String("idempotency_key", key))
	}
	return &EnqueueResult{JobID: id, IdempotencyKey: key, Created: created}, nil
}

func (c *Client) newJob(jobType store.JobType, payload json.RawMessage, key string, opts Options) *store.Job {
	now := c.now()
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = c.cfg.DefaultMaxAttempts
	}
	version := opts.WorkflowVersion
	if version == "" {
		version = c.cfg.DefaultWorkflowVersion
	}
	return &store.Job{
		ID:              uuid.NewString(),
		JobType:         jobType,
		Status:          store.StatusQueued,
		Priority:        opts.Priority,
		Payload:         payload,
		IdempotencyKey:  key,
		MaxAttempts:     maxAttempts,
		NextRun:         now,
		WorkflowVersion: version,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// GetNextJob claims the highest priority runnable job for this worker.
// It returns nil when the queue is empty.
func (c *Client) GetNextJob(ctx context.Context) (*store.Job, error) {
	job, err := c.jobs.ClaimNext(ctx, c.cfg.WorkerID, c.now())
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	if job != nil {
		c.log.Debug("job claimed",
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.JobType)),
			zap.Int("attempts", job.Attempts))
	}
	return job, nil
}

// CompleteJob marks a processing job done with result. Completing a job that
// is already done changes nothing.
func (c *Client) CompleteJob(ctx context.Context, jobID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := c.jobs.Complete(ctx, jobID, raw, c.now()); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

// FailJob records a failed attempt. A nil retryDelay uses exponential
// backoff of 2^attempts seconds capped at the configured maximum.
func (c *Client) FailJob(ctx context.Context, jobID, message string, retryDelay *time.Duration) (*store.FailOutcome, error) {
	delay := c.backoff
	if retryDelay != nil {
		fixed := *retryDelay
		if fixed < 0 {
			fixed = 0
		}
		delay = func(int) time.Duration { return fixed }
	}

	outcome, err := c.jobs.Fail(ctx, jobID, message, delay, c.now())
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", jobID, err)
	}

	job := outcome.Job
	if outcome.DeadLetter != nil {
		c.log.Warn("job dead-lettered",
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.JobType)),
			zap.Int("attempts", job.Attempts),
			zap.String("error", message))
	} else {
		c.log.Info("job retry scheduled",
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.JobType)),
			zap.Int("attempts", job.Attempts),
			zap.Time("next_run", job.NextRun),
			zap.String("error", message))
	}
	return outcome, nil
}

func (c *Client) backoff(attempts int) time.Duration {
	seconds := math.Pow(2, float64(attempts))
	if seconds >= c.cfg.MaxBackoff.Seconds() {
		return c.cfg.MaxBackoff
	}
	return time.Duration(seconds * float64(time.Second))
}

// LogStage appends an audit row. Write failures are logged and dropped.
func (c *Client) LogStage(ctx context.Context, entry StageLog) {
	row := store.AuditEntry{
		ID:           uuid.NewString(),
		JobID:        entry.JobID,
		Stage:        entry.Stage,
		Status:       entry.Status,
		LatencyMs:    entry.LatencyMs,
		ErrorCode:    entry.ErrorCode,
		ErrorMessage: entry.ErrorMessage,
		Metadata:     entry.Metadata,
		CreatedAt:    c.now(),
	}
	if err := c.audit.Append(ctx, row); err != nil {
		c.log.Warn("audit log write failed",
			zap.String("job_id", entry.JobID),
			zap.String("stage", entry.Stage),
			zap.String("status", string(entry.Status)),
			zap.Error(err))
	}
}

// UnlockExpiredJobs returns jobs whose processing lock outlived the lock
// timeout to the queue without counting an attempt.
func (c *Client) UnlockExpiredJobs(ctx context.Context) (int, error) {
	now := c.now()
	count, err := c.jobs.UnlockExpired(ctx, now.Add(-c.cfg.LockTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("unlock expired jobs: %w", err)
	}
	if count > 0 {
		c.log.Warn("expired job locks released", zap.Int("count", count))
	}
	return count, nil
}

// StuckJobs counts processing jobs whose lock outlived the lock timeout.
func (c *Client) StuckJobs(ctx context.Context) (int, error) {
	count, err := c.jobs.CountExpired(ctx, c.now().Add(-c.cfg.LockTimeout))
	if err != nil {
		return 0, fmt.Errorf("count stuck jobs: %w", err)
	}
	return count, nil
}

func (c *Client) GetQueueStats(ctx context.Context) ([]store.StatRow, error) {
	stats, err := c.jobs.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// RequeueDeadLetter enqueues a copy of a dead-lettered job under a fresh
// idempotency key and marks the entry as consumed.
func (c *Client) RequeueDeadLetter(ctx context.Context, entryID string) (*store.Job, error) {
	entry, err := c.jobs.GetDeadLetter(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("requeue dead letter %s: %w", entryID, err)
	}
	if !entry.CanRetry {
		return nil, fmt.Errorf("requeue dead letter %s: %w", entryID, store.ErrDeadLetterConsumed)
	}

	base, err := IdempotencyKey(entry.JobType, entry.Payload, c.cfg.KeyLength)
	if err != nil {
		return nil, err
	}
	key := base + "-requeue-" + uuid.NewString()[:8]
	job := c.newJob(entry.JobType, entry.Payload, key, Options{
		Priority:        entry.Priority,
		MaxAttempts:     entry.MaxAttempts,
		WorkflowVersion: entry.WorkflowVersion,
	})

	requeued, err := c.jobs.RequeueDeadLetter(ctx, entryID, job, c.now())
	if err != nil {
		return nil, fmt.Errorf("requeue dead letter %s: %w", entryID, err)
	}
	c.log.Info("dead letter requeued",
		zap.String("dead_letter_id", entryID),
		zap.String("original_job_id", entry.JobID),
		zap.String("job_id", requeued.ID))
	return requeued, nil
}

// ClearDeadLetters deletes dead letter entries older than age. A zero age
// clears every entry.
func (c *Client) ClearDeadLetters(ctx context.Context, age time.Duration) (int, error) {
	cutoff := c.now().Add(-age)
	if age <= 0 {
		cutoff = c.now().Add(time.Second)
	}
	count, err := c.jobs.ClearDeadLetters(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear dead letters: %w", err)
	}
	c.log.Info("dead letters cleared", zap.Int("count", count))
	return count, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	return c.jobs.Get(ctx, jobID)
}

// RecentJobs returns jobs created within window, newest first.
func (c *Client) RecentJobs(ctx context.Context, window time.Duration, limit int) ([]store.Job, error) {
	return c.jobs.ListSince(ctx, c.now().Add(-window), limit)
}

func (c *Client) ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetterEntry, error) {
	return c.jobs.ListDeadLetters(ctx, limit)
}

func (c *Client) AuditTrail(ctx context.Context, jobID string) ([]store.AuditEntry, error) {
	return c.audit.ListByJob(ctx, jobID)
}

func (c *Client) RecentActivity(ctx context.Context, limit int) ([]store.AuditEntry, error) {
	return c.audit.Recent(ctx, limit)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.jobs.Ping(ctx)
}

// Now returns the client clock.
func (c *Client) Now() time.Time {
	return c.now()
}
