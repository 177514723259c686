package schema

import "encoding/json"

// EnqueueRequest is the body of POST /v1/jobs.
type EnqueueRequest struct {
	JobType         string          `json:"job_type" validate:"required"`
	Payload         json.RawMessage `json:"payload" validate:"required"`
	Priority        int             `json:"priority,omitempty"`
	MaxAttempts     int             `json:"max_attempts,omitempty" validate:"min=0,max=25"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty" validate:"max=128"`
	WorkflowVersion string          `json:"workflow_version,omitempty" validate:"max=32"`
}

type EnqueueResponse struct {
	JobID          string `json:"job_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Created        bool   `json:"created"`
}

// StageRequest invokes one stage for one job.
type StageRequest struct {
	JobID           string          `json:"job_id" validate:"required"`
	JobType         string          `json:"job_type" validate:"required"`
	Stage           string          `json:"stage"`
	Payload         json.RawMessage `json:"payload" validate:"required"`
	Attempts        int             `json:"attempts" validate:"min=0"`
	WorkflowVersion string          `json:"workflow_version"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

// StageResponse is what every stage answers. Code is set with Error.
type StageResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// WorkerResponse is the outcome of one worker trigger.
type WorkerResponse struct {
	Processed bool   `json:"processed"`
	JobID     string `json:"job_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ActionRequest is a control plane write.
type ActionRequest struct {
	Action string         `json:"action" validate:"required"`
	Params map[string]any `json:"params,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
