package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

// Name identifies one step of the processing pipeline.
type Name string

const (
	Validate     Name = "validate"
	Prepare      Name = "prepare"
	Execute      Name = "execute"
	Postprocess  Name = "postprocess"
	Notification Name = "notification"
)

// Pipeline is the fixed order in which the worker runs stages.
var Pipeline = []Name{Validate, Prepare, Execute, Postprocess}

func (n Name) Valid() bool {
	switch n {
	case Validate, Prepare, Execute, Postprocess:
		return true
	}
	return false
}

// Input is what a stage is invoked with. Payload is the job payload for
// validate and the previous stage's output afterwards.
type Input struct {
	JobID           string
	JobType         store.JobType
	Stage           Name
	Payload         json.RawMessage
	Attempts        int
	WorkflowVersion string
	IdempotencyKey  string
}

// Handler implements the four stages for one job type.
type Handler interface {
	Validate(ctx context.Context, in Input) (any, error)
	Prepare(ctx context.Context, in Input) (any, error)
	Execute(ctx context.Context, in Input) (any, error)
	Postprocess(ctx context.Context, in Input) (any, error)
}

// Router dispatches a stage invocation to the handler registered for the
// job type and bounds it with a timeout.
type Router struct {
	handlers map[store.JobType]Handler
	timeout  time.Duration
}

func NewRouter(timeout time.Duration) *Router {
	return &Router{handlers: make(map[store.JobType]Handler), timeout: timeout}
}

func (r *Router) Register(jobType store.JobType, h Handler) {
	r.handlers[jobType] = h
}

func (r *Router) Handles(jobType store.JobType) bool {
	_, ok := r.handlers[jobType]
	return ok
}

// Run executes one stage and returns its output encoded as JSON. Every
// failure, including a panic or an elapsed timeout, comes back as *Error.
func (r *Router) Run(ctx context.Context, in Input) (json.RawMessage, error) {
	h, ok := r.handlers[in.JobType]
	if !ok {
		return nil, &Error{Code: CodeUnknownJobType, Stage: in.Stage, Message: fmt.Sprintf("no handler for job type %q", in.JobType)}
	}

	var fn func(context.Context, Input) (any, error)
	switch in.Stage {
	case Validate:
		fn = h.Validate
	case Prepare:
		fn = h.Prepare
	case Execute:
		fn = h.Execute
	case Postprocess:
		fn = h.Postprocess
	default:
		return nil, &Error{Code: CodeInternal, Stage: in.Stage, Message: fmt.Sprintf("unknown stage %q", in.Stage)}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &Error{Code: CodeInternal, Message: fmt.Sprintf("panic: %v", p)}}
			}
		}()
		data, err := fn(ctx, in)
		done <- outcome{data: data, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		res = outcome{err: ctx.Err()}
	}

	if res.err != nil {
		return nil, r.classify(in.Stage, res.err)
	}
	out, err := json.Marshal(res.data)
	if err != nil {
		return nil, &Error{Code: CodeInternal, Stage: in.Stage, Message: "encode stage output: " + err.Error(), Err: err}
	}
	return out, nil
}

func (r *Router) classify(stage Name, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Stage: stage, Message: fmt.Sprintf("stage exceeded %s", r.timeout), Err: err}
	}
	var stageErr *Error
	if errors.As(err, &stageErr) {
		copied := *stageErr
		copied.Stage = stage
		return &copied
	}
	return &Error{Code: CodeInternal, Stage: stage, Message: err.Error(), Err: err}
}
