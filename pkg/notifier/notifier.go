package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/broker"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/queue"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/stage"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

const notifyTimeout = 30 * time.Second

// Notification is the body published for every status notification.
type Notification struct {
	Kind      string        `json:"kind"`
	JobID     string        `json:"job_id"`
	JobType   store.JobType `json:"job_type"`
	Status    store.Status  `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
	Priority  string        `json:"priority"`
	At        time.Time     `json:"at"`
}

// Notifier reacts to jobs reaching a terminal status. Delivery happens on
// its own goroutine and never touches job state.
type Notifier struct {
	queue  *queue.Client
	broker broker.MessageBroker
	cfg    config.NotifierSettings
	log    *zap.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func New(q *queue.Client, b broker.MessageBroker, cfg config.NotifierSettings, log *zap.Logger) *Notifier {
	return &Notifier{queue: q, broker: b, cfg: cfg, log: log.Named("notifier")}
}

// Run subscribes to status changes until ctx is cancelled. Changes handed
// over after Run returns are dropped.
func (n *Notifier) Run(ctx context.Context, watcher store.StatusWatcher) error {
	n.log.Info("watching job status changes")
	err := watcher.Watch(ctx, n.Handle)

	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
	n.wg.Wait()
	return err
}

// Wait blocks until every dispatched notification has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Handle filters a status change and dispatches notifications for
// transitions into done or dead_letter. It returns immediately.
func (n *Notifier) Handle(change store.StatusChange) {
	if !Relevant(change) {
		return
	}
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		n.log.Warn("notifier stopped, dropping status change",
			zap.String("job_id", change.JobID), zap.String("status", string(change.NewStatus)))
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()
	go func() {
		defer n.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				n.log.Error("notification panicked", zap.String("job_id", change.JobID), zap.Any("panic", p))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		n.notify(ctx, change)
	}()
}

// Relevant reports whether a change is an UPDATE into a terminal status.
func Relevant(change store.StatusChange) bool {
	if change.Operation != "UPDATE" || change.OldStatus == change.NewStatus {
		return false
	}
	return change.NewStatus == store.StatusDone || change.NewStatus == store.StatusDeadLetter
}

func (n *Notifier) notify(ctx context.Context, change store.StatusChange) {
	job, err := n.queue.GetJob(ctx, change.JobID)
	if err != nil {
		n.log.Error("load job for notification", zap.String("job_id", change.JobID), zap.Error(err))
		return
	}

	switch change.NewStatus {
	case store.StatusDone:
		for _, msg := range n.successMessages(job) {
			n.deliver(ctx, job, msg, 0)
		}
	case store.StatusDeadLetter:
		n.deliver(ctx, job, n.message(job, "admin_alert", n.cfg.AdminTopic, "high"), n.cfg.AdminRetries)
	}
}

func (n *Notifier) successMessages(job *store.Job) []*broker.Message {
	msgs := []*broker.Message{n.message(job, "status", n.cfg.Topic+".status", "normal")}
	switch job.JobType {
	case store.JobTypeBookingSync, store.JobTypeStripeSetup, store.JobTypePaymentProcessing:
		msgs = append(msgs, n.message(job, "confirmation_email", n.cfg.Topic+".email", "normal"))
	}
	if n.cfg.SuccessAlerts {
		msgs = append(msgs, n.message(job, "success_alert", n.cfg.AdminTopic, "low"))
	}
	return msgs
}

func (n *Notifier) message(job *store.Job, kind, topic, priority string) *broker.Message {
	body, _ := json.Marshal(Notification{
		Kind:      kind,
		JobID:     job.ID,
		JobType:   job.JobType,
		Status:    job.Status,
		Attempts:  job.Attempts,
		LastError: job.LastError,
		Priority:  priority,
		At:        n.queue.Now(),
	})
	return &broker.Message{
		Topic:   topic,
		Key:     stage.Token(job.IdempotencyKey, "notify."+kind),
		Payload: body,
		Headers: map[string]string{
			"X-Job-Id":            job.ID,
			"X-Notification-Kind": kind,
			"X-Priority":          priority,
		},
	}
}

// deliver publishes msg with up to retries additional attempts and records
// the outcome on the job's audit trail.
func (n *Notifier) deliver(ctx context.Context, job *store.Job, msg *broker.Message, retries int) {
	kind := msg.Headers["X-Notification-Kind"]
	start := time.Now()

	var policy backoff.BackOff = backoff.WithMaxRetries(newBackOff(), uint64(max(retries, 0)))
	err := backoff.RetryNotify(func() error {
		return n.broker.Publish(ctx, msg)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		n.log.Warn("notification publish failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("kind", kind),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	latencyMs := time.Since(start).Milliseconds()

	metadata := map[string]any{"kind": kind, "topic": msg.Topic, "priority": msg.Headers["X-Priority"]}
	if err != nil {
		n.log.Error("notification dropped",
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.JobType)),
			zap.String("kind", kind),
			zap.String("last_error", job.LastError),
			zap.Int("attempts", job.Attempts),
			zap.Error(err))
		n.queue.LogStage(ctx, queue.StageLog{
			JobID:        job.ID,
			Stage:        string(stage.Notification),
			Status:       store.AuditError,
			Metadata:     metadata,
			LatencyMs:    &latencyMs,
			ErrorCode:    string(stage.CodeExternal),
			ErrorMessage: fmt.Sprintf("publish %s: %v", kind, err),
		})
		return
	}

	n.log.Debug("notification sent", zap.String("job_id", job.ID), zap.String("kind", kind))
	n.queue.LogStage(ctx, queue.StageLog{
		JobID:     job.ID,
		Stage:     string(stage.Notification),
		Status:    store.AuditSuccess,
		Metadata:  metadata,
		LatencyMs: &latencyMs,
	})
}

// newBackOff is replaced in tests.
var newBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

// newListenBackOff never gives up; the listener retries until shutdown.
var newListenBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}
