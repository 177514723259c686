package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")
	ErrDeadLetterConsumed = errors.New("dead letter entry already requeued")
	ErrInvalidTransition  = errors.New("invalid job status transition")
)

// RetryDelayFunc returns how long a job waits before its next attempt,
// given the attempt count after the failure has been recorded.
type RetryDelayFunc func(attempts int) time.Duration

// FailOutcome reports what a failed attempt did to the job.
type FailOutcome struct {
	Job        *Job
	DeadLetter *DeadLetterEntry
}

// JobRepository defines the database operations for queued jobs. Every
// status, lock and attempts mutation goes through ClaimNext, Complete, Fail,
// UnlockExpired and RequeueDeadLetter.
type JobRepository interface {
	// Insert stores job unless a row with the same idempotency key exists.
	// It returns the id of the stored or existing row and whether a row was created.
	Insert(ctx context.Context, job *Job) (string, bool, error)
	// ClaimNext atomically locks the best runnable job for workerID.
	// It returns nil when nothing is runnable.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*Job, error)
	// Complete marks a processing job done. Completing a done job is a no-op.
	Complete(ctx context.Context, jobID string, result json.RawMessage, now time.Time) error
	// Fail records a failed attempt, scheduling a retry or dead-lettering the job.
	Fail(ctx context.Context, jobID, message string, delay RetryDelayFunc, now time.Time) (*FailOutcome, error)
	// UnlockExpired returns processing jobs locked before cutoff to the queue.
	UnlockExpired(ctx context.Context, cutoff, now time.Time) (int, error)
	// CountExpired counts processing jobs locked before cutoff.
	CountExpired(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context) ([]StatRow, error)
	Get(ctx context.Context, jobID string) (*Job, error)
	// ListSince returns jobs created at or after since, newest first.
	ListSince(ctx context.Context, since time.Time, limit int) ([]Job, error)
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	// RequeueDeadLetter inserts job as a replacement for the entry and marks
	// the entry as no longer retryable, in one transaction.
	RequeueDeadLetter(ctx context.Context, entryID string, job *Job, now time.Time) (*Job, error)
	GetDeadLetter(ctx context.Context, entryID string) (*DeadLetterEntry, error)
	// ClearDeadLetters deletes dead letter entries created before cutoff.
	// The dead-lettered jobs themselves are kept.
	ClearDeadLetters(ctx context.Context, cutoff time.Time) (int, error)
	Ping(ctx context.Context) error
}

// AuditLog is the append-only stage trace.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	ListByJob(ctx context.Context, jobID string) ([]AuditEntry, error)
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)
}

// StatusWatcher delivers status changes observed on the jobs table.
type StatusWatcher interface {
	Watch(ctx context.Context, fn func(StatusChange)) error
}
