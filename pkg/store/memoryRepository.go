package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps jobs, audit rows and dead letters in process. It
// satisfies JobRepository, AuditLog and StatusWatcher and is used for local
// runs and tests. A single mutex makes every operation atomic.
type MemoryRepository struct {
	mu          sync.Mutex
	seq         int64
	jobs        map[string]*memoryJob
	byKey       map[string]string
	audit       []AuditEntry
	deadLetters map[string]*DeadLetterEntry
	watchers    map[int]func(StatusChange)
	nextWatcher int
}

type memoryJob struct {
	seq int64
	job Job
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:        make(map[string]*memoryJob),
		byKey:       make(map[string]string),
		deadLetters: make(map[string]*DeadLetterEntry),
		watchers:    make(map[int]func(StatusChange)),
	}
}

func (m *MemoryRepository) Insert(ctx context.Context, job *Job) (string, bool, error) {
	m.mu.Lock()
	if id, ok := m.byKey[job.IdempotencyKey]; ok {
		m.mu.Unlock()
		return id, false, nil
	}
	m.insertLocked(job)
	m.mu.Unlock()

	m.emit(StatusChange{Operation: "INSERT", JobID: job.ID, JobType: job.JobType, NewStatus: StatusQueued})
	return job.ID, true, nil
}

func (m *MemoryRepository) insertLocked(job *Job) {
	m.seq++
	stored := cloneJob(*job)
	stored.Status = StatusQueued
	stored.Attempts = 0
	stored.UpdatedAt = stored.CreatedAt
	m.jobs[stored.ID] = &memoryJob{seq: m.seq, job: stored}
	m.byKey[stored.IdempotencyKey] = stored.ID
}

func (m *MemoryRepository) ClaimNext(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	m.mu.Lock()
	var best *memoryJob
	for _, candidate := range m.jobs {
		j := candidate.job
		if j.Status != StatusQueued && j.Status != StatusRetryScheduled {
			continue
		}
		if j.NextRun.After(now) {
			continue
		}
		if best == nil || claimsBefore(candidate, best) {
			best = candidate
		}
	}
	if best == nil {
		m.mu.Unlock()
		return nil, nil
	}

	old := best.job.Status
	locked := now
	best.job.Status = StatusProcessing
	best.job.LockedBy = workerID
	best.job.LockedAt = &locked
	best.job.UpdatedAt = now
	claimed := cloneJob(best.job)
	m.mu.Unlock()

	m.emit(StatusChange{Operation: "UPDATE", JobID: claimed.ID, JobType: claimed.JobType, OldStatus: old, NewStatus: StatusProcessing})
	return &claimed, nil
}

func claimsBefore(a, b *memoryJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (m *MemoryRepository) Complete(ctx context.Context, jobID string, result json.RawMessage, now time.Time) error {
	m.mu.Lock()
	stored, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	switch stored.job.Status {
	case StatusDone:
		m.mu.Unlock()
		return nil
	case StatusProcessing:
	default:
		status := stored.job.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: complete job in status %s", ErrInvalidTransition, status)
	}

	finished := now
	stored.job.Status = StatusDone
	stored.job.Result = append(json.RawMessage(nil), result...)
	stored.job.FinishedAt = &finished
	stored.job.LockedBy = ""
	stored.job.LockedAt = nil
	stored.job.UpdatedAt = now
	jobType := stored.job.JobType
	m.mu.Unlock()

	m.emit(StatusChange{Operation: "UPDATE", JobID: jobID, JobType: jobType, OldStatus: StatusProcessing, NewStatus: StatusDone})
	return nil
}

func (m *MemoryRepository) Fail(ctx context.Context, jobID, message string, delay RetryDelayFunc, now time.Time) (*FailOutcome, error) {
	m.mu.Lock()
	stored, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrJobNotFound
	}
	if stored.job.Status != StatusProcessing {
		status := stored.job.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: fail job in status %s", ErrInvalidTransition, status)
	}

	applyFailure(&stored.job, message, delay, now)
	outcome := &FailOutcome{}
	job := cloneJob(stored.job)
	outcome.Job = &job
	if stored.job.Status == StatusDeadLetter {
		entry := newDeadLetter(&stored.job, now)
		m.deadLetters[entry.ID] = entry
		copied := *entry
		outcome.DeadLetter = &copied
	}
	m.mu.Unlock()

	m.emit(StatusChange{Operation: "UPDATE", JobID: jobID, JobType: job.JobType, OldStatus: StatusProcessing, NewStatus: job.Status})
	return outcome, nil
}

func (m *MemoryRepository) UnlockExpired(ctx context.Context, cutoff, now time.Time) (int, error) {
	m.mu.Lock()
	var changes []StatusChange
	for _, stored := range m.jobs {
		j := &stored.job
		if j.Status != StatusProcessing || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		j.Status = StatusQueued
		j.LockedBy = ""
		j.LockedAt = nil
		j.UpdatedAt = now
		changes = append(changes, StatusChange{Operation: "UPDATE", JobID: j.ID, JobType: j.JobType, OldStatus: StatusProcessing, NewStatus: StatusQueued})
	}
	m.mu.Unlock()

	for _, change := range changes {
		m.emit(change)
	}
	return len(changes), nil
}

func (m *MemoryRepository) CountExpired(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, stored := range m.jobs {
		j := stored.job
		if j.Status == StatusProcessing && j.LockedAt != nil && j.LockedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) Stats(ctx context.Context) ([]StatRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[StatRow]int)
	for _, stored := range m.jobs {
		counts[StatRow{JobType: stored.job.JobType, Status: stored.job.Status}]++
	}
	stats := make([]StatRow, 0, len(counts))
	for key, count := range counts {
		key.Count = count
		stats = append(stats, key)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].JobType != stats[j].JobType {
			return stats[i].JobType < stats[j].JobType
		}
		return stats[i].Status < stats[j].Status
	})
	return stats, nil
}

func (m *MemoryRepository) Get(ctx context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	job := cloneJob(stored.job)
	return &job, nil
}

func (m *MemoryRepository) ListSince(ctx context.Context, since time.Time, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*memoryJob
	for _, stored := range m.jobs {
		if !stored.job.CreatedAt.Before(since) {
			matched = append(matched, stored)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].job.CreatedAt.Equal(matched[j].job.CreatedAt) {
			return matched[i].job.CreatedAt.After(matched[j].job.CreatedAt)
		}
		return matched[i].seq > matched[j].seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	jobs := make([]Job, 0, len(matched))
	for _, stored := range matched {
		jobs = append(jobs, cloneJob(stored.job))
	}
	return jobs, nil
}

func (m *MemoryRepository) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]DeadLetterEntry, 0, len(m.deadLetters))
	for _, entry := range m.deadLetters {
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *MemoryRepository) GetDeadLetter(ctx context.Context, entryID string) (*DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.deadLetters[entryID]
	if !ok {
		return nil, ErrDeadLetterNotFound
	}
	copied := *entry
	return &copied, nil
}

func (m *MemoryRepository) RequeueDeadLetter(ctx context.Context, entryID string, job *Job, now time.Time) (*Job, error) {
	m.mu.Lock()
	entry, ok := m.deadLetters[entryID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrDeadLetterNotFound
	}
	if !entry.CanRetry {
		m.mu.Unlock()
		return nil, ErrDeadLetterConsumed
	}
	if _, exists := m.byKey[job.IdempotencyKey]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("requeue dead letter %s: idempotency key %s already used", entryID, job.IdempotencyKey)
	}

	m.insertLocked(job)
	requeuedAt := now
	entry.CanRetry = false
	entry.RequeuedAt = &requeuedAt
	entry.RequeuedJobID = job.ID
	requeued := cloneJob(m.jobs[job.ID].job)
	m.mu.Unlock()

	m.emit(StatusChange{Operation: "INSERT", JobID: requeued.ID, JobType: requeued.JobType, NewStatus: StatusQueued})
	return &requeued, nil
}

func (m *MemoryRepository) ClearDeadLetters(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := 0
	for id, entry := range m.deadLetters {
		if entry.CreatedAt.Before(cutoff) {
			delete(m.deadLetters, id)
			cleared++
		}
	}
	return cleared, nil
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryRepository) Append(ctx context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, entry)
	return nil
}

func (m *MemoryRepository) ListByJob(ctx context.Context, jobID string) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []AuditEntry
	for _, entry := range m.audit {
		if entry.JobID == jobID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (m *MemoryRepository) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []AuditEntry
	for i := len(m.audit) - 1; i >= 0 && (limit <= 0 || len(entries) < limit); i-- {
		entries = append(entries, m.audit[i])
	}
	return entries, nil
}

// Watch calls fn for every status change until ctx is cancelled.
func (m *MemoryRepository) Watch(ctx context.Context, fn func(StatusChange)) error {
	m.mu.Lock()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = fn
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.watchers, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) emit(change StatusChange) {
	m.mu.Lock()
	watchers := make([]func(StatusChange), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(change)
	}
}

func cloneJob(j Job) Job {
	j.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		j.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.ErrorHistory != nil {
		j.ErrorHistory = append([]FailureRecord(nil), j.ErrorHistory...)
	}
	if j.LockedAt != nil {
		t := *j.LockedAt
		j.LockedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		j.FinishedAt = &t
	}
	return j
}
