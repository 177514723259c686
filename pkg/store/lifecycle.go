package store

import (
	"time"

	"github.com/google/uuid"
)

// applyFailure records one failed attempt on a locked job. The job is
// dead-lettered exactly when attempts reaches max attempts.
func applyFailure(job *Job, message string, delay RetryDelayFunc, now time.Time) {
	job.Attempts++
	job.LastError = message
	job.ErrorHistory = append(job.ErrorHistory, FailureRecord{Attempt: job.Attempts, Error: message, At: now})
	job.LockedBy = ""
	job.LockedAt = nil
	job.UpdatedAt = now

	if job.Attempts < job.MaxAttempts {
		job.Status = StatusRetryScheduled
		var wait time.Duration
		if delay != nil {
			wait = delay(job.Attempts)
		}
		job.NextRun = now.Add(wait)
		return
	}

	job.Status = StatusDeadLetter
	finished := now
	job.FinishedAt = &finished
}

func newDeadLetter(job *Job, now time.Time) *DeadLetterEntry {
	history := make([]FailureRecord, len(job.ErrorHistory))
	copy(history, job.ErrorHistory)
	return &DeadLetterEntry{
		ID:              uuid.NewString(),
		JobID:           job.ID,
		JobType:         job.JobType,
		Payload:         append([]byte(nil), job.Payload...),
		Priority:        job.Priority,
		MaxAttempts:     job.MaxAttempts,
		WorkflowVersion: job.WorkflowVersion,
		Attempts:        job.Attempts,
		LastError:       job.LastError,
		FailureHistory:  history,
		CanRetry:        true,
		CreatedAt:       now,
	}
}
