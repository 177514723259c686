package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/broker"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/queue"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

type recordingBroker struct {
	mu       sync.Mutex
	failures int
	panics   bool
	calls    int
	sent     []*broker.Message
}

func (b *recordingBroker) Publish(ctx context.Context, msg *broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.panics {
		panic("broker exploded")
	}
	if b.failures != 0 {
		if b.failures > 0 {
			b.failures--
		}
		return errors.New("broker unavailable")
	}
	b.sent = append(b.sent, msg)
	return nil
}

func (b *recordingBroker) Close() error { return nil }

func (b *recordingBroker) Sent() []*broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*broker.Message(nil), b.sent...)
}

func (b *recordingBroker) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

var testSettings = config.NotifierSettings{
	Enabled:      true,
	Topic:        "jobs",
	AdminTopic:   "jobs.admin",
	AdminRetries: 3,
}

func setup(t *testing.T, b broker.MessageBroker, cfg config.NotifierSettings) (*Notifier, *queue.Client) {
	t.Helper()
	original := newBackOff
	newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	t.Cleanup(func() { newBackOff = original })

	repo := store.NewMemoryRepository()
	q := queue.NewClient(repo, repo, queue.Config{WorkerID: "w1"}, nil)
	return New(q, b, cfg, zap.NewNop()), q
}

func finishJob(t *testing.T, q *queue.Client, jobType store.JobType, succeed bool) *store.Job {
	t.Helper()
	ctx := context.Background()
	_, err := q.Enqueue(ctx, jobType, json.RawMessage(`{"ref":"`+string(jobType)+`"}`), queue.Options{MaxAttempts: 1})
	require.NoError(t, err)
	job, err := q.GetNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	if succeed {
		require.NoError(t, q.CompleteJob(ctx, job.ID, map[string]any{"ok": true}))
	} else {
		_, err = q.FailJob(ctx, job.ID, "execute: upstream 503", nil)
		require.NoError(t, err)
	}
	job, err = q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return job
}

func notificationAudit(t *testing.T, q *queue.Client, jobID string) []store.AuditEntry {
	t.Helper()
	entries, err := q.AuditTrail(context.Background(), jobID)
	require.NoError(t, err)
	var out []store.AuditEntry
	for _, entry := range entries {
		if entry.Stage == "notification" {
			out = append(out, entry)
		}
	}
	return out
}

func TestRelevant(t *testing.T) {
	tests := []struct {
		name   string
		change store.StatusChange
		want   bool
	}{
		{"into done", store.StatusChange{Operation: "UPDATE", OldStatus: store.StatusProcessing, NewStatus: store.StatusDone}, true},
		{"into dead letter", store.StatusChange{Operation: "UPDATE", OldStatus: store.StatusProcessing, NewStatus: store.StatusDeadLetter}, true},
		{"insert", store.StatusChange{Operation: "INSERT", NewStatus: store.StatusQueued}, false},
		{"claim", store.StatusChange{Operation: "UPDATE", OldStatus: store.StatusQueued, NewStatus: store.StatusProcessing}, false},
		{"retry", store.StatusChange{Operation: "UPDATE", OldStatus: store.StatusProcessing, NewStatus: store.StatusRetryScheduled}, false},
		{"unchanged done", store.StatusChange{Operation: "UPDATE", OldStatus: store.StatusDone, NewStatus: store.StatusDone}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Relevant(tt.change))
		})
	}
}

func TestHandle_SuccessNotifications(t *testing.T) {
	b := &recordingBroker{}
	n, q := setup(t, b, testSettings)
	job := finishJob(t, q, store.JobTypeBookingSync, true)

	n.Handle(store.StatusChange{Operation: "UPDATE", JobID: job.ID, JobType: job.JobType, OldStatus: store.StatusProcessing, NewStatus: store.StatusDone})
	n.Wait()

	sent := b.Sent()
	require.Len(t, sent, 2)
	topics := []string{sent[0].Topic, sent[1].Topic}
	assert.ElementsMatch(t, []string{"jobs.status", "jobs.email"}, topics)
	for _, msg := range sent {
		assert.Equal(t, job.ID, msg.Headers["X-Job-Id"])
		assert.Equal(t, "normal", msg.Headers["X-Priority"])
		assert.Len(t, msg.Key, 32)
	}

	audit := notificationAudit(t, q, job.ID)
	require.Len(t, audit, 2)
	for _, entry := range audit {
		assert.Equal(t, store.AuditSuccess, entry.Status)
	}
}

func TestHandle_SuccessAlertWhenEnabled(t *testing.T) {
	b := &recordingBroker{}
	cfg := testSettings
	cfg.SuccessAlerts = true
	n, q := setup(t, b, cfg)
	job := finishJob(t, q, store.JobTypeNotionUpdate, true)

	n.Handle(store.StatusChange{Operation: "UPDATE", JobID: job.ID, OldStatus: store.StatusProcessing, NewStatus: store.StatusDone})
	n.Wait()

	sent := b.Sent()
	require.Len(t, sent, 2)
	var alert *broker.Message
	for _, msg := range sent {
		if msg.Topic == "jobs.admin" {
			alert = msg
		}
	}
	require.NotNil(t, alert)
	assert.Equal(t, "low", alert.Headers["X-Priority"])
}

func TestHandle_DeadLetterAlertIsRetried(t *testing.T) {
	b := &recordingBroker{failures: 2}
	n, q := setup(t, b, testSettings)
	job := finishJob(t, q, store.JobTypeWebhookDelivery, false)
	require.Equal(t, store.StatusDeadLetter, job.Status)

	n.Handle(store.StatusChange{Operation: "UPDATE", JobID: job.ID, OldStatus: store.StatusProcessing, NewStatus: store.StatusDeadLetter})
	n.Wait()

	assert.Equal(t, 3, b.Calls())
	sent := b.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "jobs.admin", sent[0].Topic)
	assert.Equal(t, "high", sent[0].Headers["X-Priority"])

	var body Notification
	require.NoError(t, json.Unmarshal(sent[0].Payload, &body))
	assert.Equal(t, "admin_alert", body.Kind)
	assert.Equal(t, job.ID, body.JobID)
	assert.Equal(t, store.JobTypeWebhookDelivery, body.JobType)
	assert.Equal(t, "execute: upstream 503", body.LastError)
	assert.Equal(t, 1, body.Attempts)
}

func TestHandle_DeliveryFailureIsContained(t *testing.T) {
	b := &recordingBroker{failures: -1}
	n, q := setup(t, b, testSettings)
	job := finishJob(t, q, store.JobTypeWebhookDelivery, false)

	n.Handle(store.StatusChange{Operation: "UPDATE", JobID: job.ID, OldStatus: store.StatusProcessing, NewStatus: store.StatusDeadLetter})
	n.Wait()

	assert.Equal(t, 4, b.Calls())
	audit := notificationAudit(t, q, job.ID)
	require.Len(t, audit, 1)
	assert.Equal(t, store.AuditError, audit[0].Status)
	assert.Equal(t, "EXTERNAL_ERROR", audit[0].ErrorCode)

	after, err := q.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeadLetter, after.Status)
}

func TestHandle_RecoversFromPanic(t *testing.T) {
	b := &recordingBroker{panics: true}
	n, q := setup(t, b, testSettings)
	job := finishJob(t, q, store.JobTypeNotionUpdate, true)

	assert.NotPanics(t, func() {
		n.Handle(store.StatusChange{Operation: "UPDATE", JobID: job.ID, OldStatus: store.StatusProcessing, NewStatus: store.StatusDone})
		n.Wait()
	})
	assert.Equal(t, 1, b.Calls())
}

func TestHandle_IgnoresIrrelevantChanges(t *testing.T) {
	b := &recordingBroker{}
	n, q := setup(t, b, testSettings)
	job := finishJob(t, q, store.JobTypeNotionUpdate, true)

	n.Handle(store.StatusChange{Operation: "INSERT", JobID: job.ID, NewStatus: store.StatusQueued})
	n.Handle(store.StatusChange{Operation: "UPDATE", JobID: job.ID, OldStatus: store.StatusQueued, NewStatus: store.StatusProcessing})
	n.Wait()

	assert.Zero(t, b.Calls())
}

func TestRun_StopsWithContext(t *testing.T) {
	n, _ := setup(t, &recordingBroker{}, testSettings)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, n.Run(ctx, store.NewMemoryRepository()))
}

func TestHandle_AfterRunReturnsIsDropped(t *testing.T) {
	b := &recordingBroker{}
	n, q := setup(t, b, testSettings)
	job := finishJob(t, q, store.JobTypeBookingSync, true)
	change := store.StatusChange{Operation: "UPDATE", JobID: job.ID, JobType: job.JobType, OldStatus: store.StatusProcessing, NewStatus: store.StatusDone}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.Run(ctx, store.NewMemoryRepository()))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Handle(change)
		}()
	}
	wg.Wait()
	n.Wait()

	assert.Zero(t, b.Calls())
	assert.Empty(t, notificationAudit(t, q, job.ID))
}
