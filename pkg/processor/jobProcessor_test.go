package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/queue"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/stage"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/state"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/telemetry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedHandler echoes its input and fails at one configured stage.
type scriptedHandler struct {
	mu     sync.Mutex
	failAt stage.Name
	err    error
	calls  []stage.Name
}

func (h *scriptedHandler) run(name stage.Name, in stage.Input) (any, error) {
	h.mu.Lock()
	h.calls = append(h.calls, name)
	h.mu.Unlock()
	if name == h.failAt {
		return nil, h.err
	}
	return map[string]any{"stage": string(name), "input_bytes": len(in.Payload)}, nil
}

func (h *scriptedHandler) Validate(ctx context.Context, in stage.Input) (any, error) {
	return h.run(stage.Validate, in)
}

func (h *scriptedHandler) Prepare(ctx context.Context, in stage.Input) (any, error) {
	return h.run(stage.Prepare, in)
}

func (h *scriptedHandler) Execute(ctx context.Context, in stage.Input) (any, error) {
	return h.run(stage.Execute, in)
}

func (h *scriptedHandler) Postprocess(ctx context.Context, in stage.Input) (any, error) {
	return h.run(stage.Postprocess, in)
}

func (h *scriptedHandler) Calls() []stage.Name {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]stage.Name(nil), h.calls...)
}

type fixture struct {
	processor *JobProcessor
	queue     *queue.Client
	repo      *store.MemoryRepository
	state     *state.Service
	clock     *clock
}

func newFixture(t *testing.T, router *stage.Router, threshold int) *fixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	c := &clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	q := queue.NewClient(repo, repo, queue.Config{WorkerID: "worker-test"}, nil).WithClock(c.Now)
	st := state.NewService(state.NewMemoryBackend(), threshold)
	metrics, err := telemetry.NewMetrics(nil)
	require.NoError(t, err)

	cfg := config.WorkerSettings{PollInterval: 10 * time.Millisecond, UnlockInterval: time.Second}
	return &fixture{
		processor: NewJobProcessor(q, router, st, metrics, cfg, zap.NewNop()),
		queue:     q,
		repo:      repo,
		state:     st,
		clock:     c,
	}
}

func scriptedRouter(jobType store.JobType, h stage.Handler) *stage.Router {
	r := stage.NewRouter(time.Second)
	r.Register(jobType, h)
	return r
}

func TestProcessNext_CompletesAllStagesInOrder(t *testing.T) {
	handler := &scriptedHandler{}
	f := newFixture(t, scriptedRouter(store.JobTypeNotionUpdate, handler), 5)
	ctx := context.Background()

	res, err := f.queue.Enqueue(ctx, store.JobTypeNotionUpdate, json.RawMessage(`{"page_id":"p1"}`), queue.Options{})
	require.NoError(t, err)

	resp := f.processor.ProcessNext(ctx)
	assert.True(t, resp.Processed)
	assert.Equal(t, res.JobID, resp.JobID)
	assert.Empty(t, resp.Error)
	assert.Equal(t, stage.Pipeline, handler.Calls())

	job, err := f.repo.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, job.Status)
	assert.Equal(t, 0, job.Attempts)

	var result JobResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, stage.Pipeline, result.CompletedStages)
	assert.Len(t, result.Outputs, 4)
	assert.Contains(t, string(result.Outputs[stage.Postprocess]), `"stage":"postprocess"`)

	audit, err := f.queue.AuditTrail(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, audit, 8)
	for i, name := range stage.Pipeline {
		assert.Equal(t, string(name), audit[2*i].Stage)
		assert.Equal(t, store.AuditStarted, audit[2*i].Status)
		assert.Equal(t, string(name), audit[2*i+1].Stage)
		assert.Equal(t, store.AuditSuccess, audit[2*i+1].Status)
		assert.NotNil(t, audit[2*i+1].LatencyMs)
	}
}

func TestProcessNext_StopsAtFailingStage(t *testing.T) {
	handler := &scriptedHandler{
		failAt: stage.Prepare,
		err:    &stage.Error{Code: stage.CodeValidation, Field: "package_id", Rule: "catalog", Message: "unknown package"},
	}
	f := newFixture(t, scriptedRouter(store.JobTypeBookingSync, handler), 5)
	ctx := context.Background()

	res, err := f.queue.Enqueue(ctx, store.JobTypeBookingSync, json.RawMessage(`{"package_id":"nope"}`), queue.Options{})
	require.NoError(t, err)

	resp := f.processor.ProcessNext(ctx)
	assert.True(t, resp.Processed)
	assert.Equal(t, "prepare: package_id: unknown package", resp.Error)
	assert.Equal(t, []stage.Name{stage.Validate, stage.Prepare}, handler.Calls())

	job, err := f.repo.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRetryScheduled, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "prepare: package_id: unknown package", job.LastError)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), job.NextRun)

	audit, err := f.queue.AuditTrail(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, audit, 4)
	assert.Equal(t, store.AuditSuccess, audit[1].Status)
	failed := audit[3]
	assert.Equal(t, "prepare", failed.Stage)
	assert.Equal(t, store.AuditError, failed.Status)
	assert.Equal(t, string(stage.CodeValidation), failed.ErrorCode)
	assert.Equal(t, "package_id", failed.Metadata["field"])
	assert.Equal(t, "catalog", failed.Metadata["rule"])
}

func TestProcessNext_DeadLettersAfterMaxAttempts(t *testing.T) {
	router := stage.NewDefaultRouter(config.StageSettings{
		WebhookAllowedHosts: []string{"hooks.example.com"},
		WebhookTimeout:      time.Second,
	}, time.Second, stage.Deps{})
	f := newFixture(t, router, 10)
	ctx := context.Background()

	res, err := f.queue.Enqueue(ctx, store.JobTypeWebhookDelivery,
		json.RawMessage(`{"webhook_url":"https://evil.example.org/hook","body":{"a":1}}`), queue.Options{})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		resp := f.processor.ProcessNext(ctx)
		require.True(t, resp.Processed, "attempt %d", attempt)
		assert.Contains(t, resp.Error, "not in the webhook allow-list")
		f.clock.Advance(time.Minute)
	}

	job, err := f.repo.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeadLetter, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Len(t, job.ErrorHistory, 3)

	entries, err := f.queue.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.JobID, entries[0].JobID)

	resp := f.processor.ProcessNext(ctx)
	assert.False(t, resp.Processed)
}

func TestProcessNext_PausedWorkerClaimsNothing(t *testing.T) {
	handler := &scriptedHandler{}
	f := newFixture(t, scriptedRouter(store.JobTypeNotionUpdate, handler), 5)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, store.JobTypeNotionUpdate, json.RawMessage(`{"page_id":"p1"}`), queue.Options{})
	require.NoError(t, err)
	require.NoError(t, f.state.SetWorkerStatus(ctx, state.WorkerPaused))

	resp := f.processor.ProcessNext(ctx)
	assert.False(t, resp.Processed)
	assert.Equal(t, "worker paused", resp.Error)
	assert.Empty(t, handler.Calls())

	require.NoError(t, f.state.SetWorkerStatus(ctx, state.WorkerActive))
	resp = f.processor.ProcessNext(ctx)
	assert.True(t, resp.Processed)
}

func TestProcessNext_OpensCircuitBreaker(t *testing.T) {
	handler := &scriptedHandler{failAt: stage.Execute, err: errors.New("upstream unavailable")}
	f := newFixture(t, scriptedRouter(store.JobTypeDataValidation, handler), 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.queue.Enqueue(ctx, store.JobTypeDataValidation, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), queue.Options{})
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		resp := f.processor.ProcessNext(ctx)
		require.True(t, resp.Processed)
		assert.Equal(t, "execute: upstream unavailable", resp.Error)
	}

	breaker, err := f.state.CircuitBreaker(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.BreakerOpen, breaker.Status)

	resp := f.processor.ProcessNext(ctx)
	assert.False(t, resp.Processed)
	assert.Equal(t, "circuit breaker open", resp.Error)

	_, err = f.state.ResetCircuitBreaker(ctx)
	require.NoError(t, err)
	handler.failAt = ""
	resp = f.processor.ProcessNext(ctx)
	assert.True(t, resp.Processed)
	assert.Empty(t, resp.Error)
}

func TestProcessNext_EmptyQueue(t *testing.T) {
	f := newFixture(t, stage.NewRouter(time.Second), 5)

	resp := f.processor.ProcessNext(context.Background())
	assert.False(t, resp.Processed)
	assert.Empty(t, resp.JobID)
	assert.Empty(t, resp.Error)
}

func TestRun_DrainsQueueUntilCancelled(t *testing.T) {
	handler := &scriptedHandler{}
	f := newFixture(t, scriptedRouter(store.JobTypeFileProcessing, handler), 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []string
	for _, name := range []string{"a.png", "b.png"} {
		res, err := f.queue.Enqueue(ctx, store.JobTypeFileProcessing, json.RawMessage(`{"file_name":"`+name+`"}`), queue.Options{})
		require.NoError(t, err)
		ids = append(ids, res.JobID)
	}

	done := make(chan error, 1)
	go func() { done <- f.processor.Run(ctx) }()

	assert.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := f.repo.Get(context.Background(), id)
			if err != nil || job.Status != store.StatusDone {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
