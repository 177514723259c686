package store

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusProcessing     Status = "processing"
	StatusDone           Status = "done"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusDeadLetter     Status = "dead_letter"
)

// Terminal reports whether no automatic transition leaves the status.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDeadLetter
}

// JobType identifies the stage handlers responsible for a job.
type JobType string

const (
	JobTypeBookingSync       JobType = "booking_sync"
	JobTypeStripeSetup       JobType = "stripe_setup"
	JobTypeEmailInvestor     JobType = "email_investor"
	JobTypeNotionUpdate      JobType = "notion_update"
	JobTypePaymentProcessing JobType = "payment_processing"
	JobTypeWebhookDelivery   JobType = "webhook_delivery"
	JobTypeDataValidation    JobType = "data_validation"
	JobTypeFileProcessing    JobType = "file_processing"
)

// JobTypes lists every supported job type.
var JobTypes = []JobType{
	JobTypeBookingSync,
	JobTypeStripeSetup,
	JobTypeEmailInvestor,
	JobTypeNotionUpdate,
	JobTypePaymentProcessing,
	JobTypeWebhookDelivery,
	JobTypeDataValidation,
	JobTypeFileProcessing,
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// FailureRecord is one failed attempt in a job's history.
type FailureRecord struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// Job represents a unit of deferred work stored in the jobs table.
type Job struct {
	ID              string          `json:"id"`
	JobType         JobType         `json:"job_type"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"`
	Payload         json.RawMessage `json:"payload"`
	Result          json.RawMessage `json:"result,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	NextRun         time.Time       `json:"next_run"`
	LockedBy        string          `json:"locked_by,omitempty"`
	LockedAt        *time.Time      `json:"locked_at,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	ErrorHistory    []FailureRecord `json:"error_history,omitempty"`
	WorkflowVersion string          `json:"workflow_version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// AuditStatus is the outcome recorded for one stage attempt.
type AuditStatus string

const (
	AuditStarted AuditStatus = "started"
	AuditSuccess AuditStatus = "success"
	AuditError   AuditStatus = "error"
)

// AuditEntry is an append-only record of one stage attempt for one job.
type AuditEntry struct {
	ID           string         `json:"id" bson:"_id"`
	JobID        string         `json:"job_id" bson:"job_id"`
	Stage        string         `json:"stage" bson:"stage"`
	Status       AuditStatus    `json:"status" bson:"status"`
	LatencyMs    *int64         `json:"latency_ms,omitempty" bson:"latency_ms,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty" bson:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty" bson:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at" bson:"created_at"`
}

// DeadLetterEntry is a snapshot of a job that exhausted its attempts.
type DeadLetterEntry struct {
	ID              string          `json:"id"`
	JobID           string          `json:"job_id"`
	JobType         JobType         `json:"job_type"`
	Payload         json.RawMessage `json:"payload"`
	Priority        int             `json:"priority"`
	MaxAttempts     int             `json:"max_attempts"`
	WorkflowVersion string          `json:"workflow_version"`
	Attempts        int             `json:"attempts"`
	LastError       string          `json:"last_error"`
	FailureHistory  []FailureRecord `json:"failure_history"`
	CanRetry        bool            `json:"can_retry"`
	CreatedAt       time.Time       `json:"created_at"`
	RequeuedAt      *time.Time      `json:"requeued_at,omitempty"`
	RequeuedJobID   string          `json:"requeued_job_id,omitempty"`
}

// StatRow is one (job_type, status) bucket of the queue statistics.
type StatRow struct {
	JobType JobType `json:"job_type"`
	Status  Status  `json:"status"`
	Count   int     `json:"count"`
}

// StatusChange describes a row-level status update observed on the jobs table.
type StatusChange struct {
	Operation string  `json:"operation"`
	JobID     string  `json:"job_id"`
	JobType   JobType `json:"job_type"`
	OldStatus Status  `json:"old_status"`
	NewStatus Status  `json:"new_status"`
}
