package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/schema"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/state"
)

const (
	ActionPauseWorker         = "pause_worker"
	ActionResumeWorker        = "resume_worker"
	ActionResetCircuitBreaker = "reset_circuit_breaker"
	ActionClearDeadLetter     = "clear_dead_letter"
	ActionForceUnlockJobs     = "force_unlock_jobs"
)

// ActionResult confirms a control action. Failures set Success to false.
type ActionResult struct {
	Action  string         `json:"action"`
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Execute performs one control action. Each action is a single write and
// repeating it is harmless.
func (m *Monitor) Execute(ctx context.Context, req schema.ActionRequest) ActionResult {
	res, err := m.execute(ctx, req)
	if err != nil {
		m.log.Error("control action failed", zap.String("action", req.Action), zap.Error(err))
		return ActionResult{Action: req.Action, Message: err.Error()}
	}
	res.Action = req.Action
	res.Success = true
	m.log.Info("control action", zap.String("action", req.Action), zap.String("result", res.Message))
	return res
}

func (m *Monitor) execute(ctx context.Context, req schema.ActionRequest) (ActionResult, error) {
	switch req.Action {
	case ActionPauseWorker:
		if err := m.state.SetWorkerStatus(ctx, state.WorkerPaused); err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Message: "worker paused", Data: map[string]any{"worker_status": state.WorkerPaused}}, nil

	case ActionResumeWorker:
		if err := m.state.SetWorkerStatus(ctx, state.WorkerActive); err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Message: "worker resumed", Data: map[string]any{"worker_status": state.WorkerActive}}, nil

	case ActionResetCircuitBreaker:
		breaker, err := m.state.ResetCircuitBreaker(ctx)
		if err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Message: "circuit breaker reset", Data: map[string]any{"circuit_breaker": breaker}}, nil

	case ActionClearDeadLetter:
		age, err := olderThan(req.Params)
		if err != nil {
			return ActionResult{}, err
		}
		removed, err := m.queue.ClearDeadLetters(ctx, age)
		if err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Message: fmt.Sprintf("cleared %d dead letter entries", removed), Data: map[string]any{"cleared": removed}}, nil

	case ActionForceUnlockJobs:
		unlocked, err := m.queue.UnlockExpiredJobs(ctx)
		if err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Message: fmt.Sprintf("unlocked %d jobs", unlocked), Data: map[string]any{"unlocked": unlocked}}, nil
	}
	return ActionResult{}, fmt.Errorf("unknown action %q", req.Action)
}

// olderThan reads the optional older_than_hours parameter. JSON numbers
// arrive as float64.
func olderThan(params map[string]any) (time.Duration, error) {
	raw, ok := params["older_than_hours"]
	if !ok {
		return 0, nil
	}
	hours, ok := raw.(float64)
	if !ok || hours < 0 {
		return 0, fmt.Errorf("older_than_hours must be a non-negative number")
	}
	return time.Duration(hours * float64(time.Hour)), nil
}
