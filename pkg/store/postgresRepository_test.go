package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

var jobColumnNames = []string{
	"id", "job_type", "status", "priority", "payload", "result", "idempotency_key", "attempts", "max_attempts",
	"next_run", "locked_by", "locked_at", "last_error", "error_history", "workflow_version", "created_at",
	"updated_at", "finished_at",
}

func processingJobRow(id string, attempts, maxAttempts int, history string) []driver.Value {
	locked := testNow.Add(-time.Minute)
	return []driver.Value{
		id, "webhook_delivery", "processing", 0, []byte(`{"webhook_url":"https://hooks.example.com"}`), nil,
		"key-" + id, attempts, maxAttempts, testNow.Add(-time.Hour), "worker-1", locked, nil, []byte(history),
		"v1.0", testNow.Add(-time.Hour), locked, nil,
	}
}

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func TestInsert_Created(t *testing.T) {
	repo, mock := newMockRepo(t)

	job := &Job{
		ID:              "job-1",
		JobType:         JobTypeBookingSync,
		Priority:        2,
		Payload:         []byte(`{"customer_name":"Ana"}`),
		IdempotencyKey:  "abc",
		MaxAttempts:     3,
		NextRun:         testNow,
		WorkflowVersion: "v1.0",
		CreatedAt:       testNow,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO jobs (id, job_type, status, priority, payload, idempotency_key, attempts, max_attempts,`)).
		WithArgs("job-1", "booking_sync", "queued", 2, `{"customer_name":"Ana"}`, "abc", 3, testNow, "v1.0", testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
	mock.ExpectCommit()

	id, created, err := repo.Insert(context.Background(), job)
	assert.NoError(t, err)
	assert.Equal(t, "job-1", id)
	assert.True(t, created)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_DuplicateReturnsExistingID(t *testing.T) {
	repo, mock := newMockRepo(t)

	job := &Job{ID: "job-2", JobType: JobTypeBookingSync, Payload: []byte(`{}`), IdempotencyKey: "abc", MaxAttempts: 3, NextRun: testNow, WorkflowVersion: "v1.0", CreatedAt: testNow}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (idempotency_key) DO NOTHING RETURNING id`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM jobs WHERE idempotency_key = $1`)).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
	mock.ExpectCommit()

	id, created, err := repo.Insert(context.Background(), job)
	assert.NoError(t, err)
	assert.Equal(t, "job-1", id)
	assert.False(t, created)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNext(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE jobs SET status = 'processing', locked_by = $1, locked_at = $2, updated_at = $2 WHERE id = ( SELECT id FROM jobs WHERE status IN ('queued', 'retry_scheduled') AND next_run <= $2 ORDER BY priority DESC, created_at ASC FOR UPDATE SKIP LOCKED LIMIT 1) RETURNING id, job_type`)).
		WithArgs("worker-1", testNow).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(processingJobRow("job-1", 1, 3, `[{"attempt":1,"error":"boom","at":"2026-06-01T08:00:00Z"}]`)...))
	mock.ExpectCommit()

	job, err := repo.ClaimNext(context.Background(), "worker-1", testNow)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, JobTypeWebhookDelivery, job.JobType)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, "worker-1", job.LockedBy)
	require.NotNil(t, job.LockedAt)
	assert.Equal(t, 1, job.Attempts)
	require.Len(t, job.ErrorHistory, 1)
	assert.Equal(t, "boom", job.ErrorHistory[0].Error)
	assert.Nil(t, job.FinishedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNext_EmptyQueue(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE SKIP LOCKED`)).
		WithArgs("worker-1", testNow).
		WillReturnRows(sqlmock.NewRows(jobColumnNames))
	mock.ExpectCommit()

	job, err := repo.ClaimNext(context.Background(), "worker-1", testNow)
	assert.NoError(t, err)
	assert.Nil(t, job)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET status = 'done', result = $2, finished_at = $3, locked_by = NULL, locked_at = NULL, updated_at = $3 WHERE id = $1 AND status = 'processing'`)).
		WithArgs("job-1", `{"ok":true}`, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Complete(context.Background(), "job-1", []byte(`{"ok":true}`), testNow)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_AlreadyDoneIsNoop(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET status = 'done'`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM jobs WHERE id = $1`)).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("done"))
	mock.ExpectCommit()

	err := repo.Complete(context.Background(), "job-1", []byte(`{}`), testNow)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_InvalidTransition(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET status = 'done'`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM jobs WHERE id = $1`)).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("queued"))
	mock.ExpectRollback()

	err := repo.Complete(context.Background(), "job-1", []byte(`{}`), testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_SchedulesRetry(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM jobs WHERE id = $1 FOR UPDATE`)).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(processingJobRow("job-1", 0, 3, `[]`)...))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET status = 'retry_scheduled', attempts = $2, next_run = $3, last_error = $4, error_history = $5,`)).
		WithArgs("job-1", 1, testNow.Add(2*time.Second), "boom", sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	delay := func(attempts int) time.Duration { return time.Duration(1<<attempts) * time.Second }
	outcome, err := repo.Fail(context.Background(), "job-1", "boom", delay, testNow)
	require.NoError(t, err)
	assert.Equal(t, StatusRetryScheduled, outcome.Job.Status)
	assert.Equal(t, 1, outcome.Job.Attempts)
	assert.Nil(t, outcome.DeadLetter)
	assert.Empty(t, outcome.Job.LockedBy)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_DeadLettersOnLastAttempt(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM jobs WHERE id = $1 FOR UPDATE`)).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(processingJobRow("job-1", 2, 3, `[]`)...))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET status = 'dead_letter', attempts = $2, last_error = $3, error_history = $4,`)).
		WithArgs("job-1", 3, "boom", sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO dead_letters (id, job_id, job_type, payload, priority, max_attempts, workflow_version, attempts,`)).
		WithArgs(sqlmock.AnyArg(), "job-1", "webhook_delivery", sqlmock.AnyArg(), 0, 3, "v1.0", 3, "boom", sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := repo.Fail(context.Background(), "job-1", "boom", nil, testNow)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, outcome.Job.Status)
	assert.Equal(t, 3, outcome.Job.Attempts)
	require.NotNil(t, outcome.DeadLetter)
	assert.Equal(t, "job-1", outcome.DeadLetter.JobID)
	assert.True(t, outcome.DeadLetter.CanRetry)
	assert.Len(t, outcome.DeadLetter.FailureHistory, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_RollsBackOnError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM jobs WHERE id = $1 FOR UPDATE`)).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(processingJobRow("job-1", 2, 3, `[]`)...))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET status = 'dead_letter'`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO dead_letters`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.Fail(context.Background(), "job-1", "boom", nil, testNow)
	assert.EqualError(t, err, "disk full")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM jobs WHERE id = $1 FOR UPDATE`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobColumnNames))
	mock.ExpectRollback()

	_, err := repo.Fail(context.Background(), "missing", "boom", nil, testNow)
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnlockExpired(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := testNow.Add(-10 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET status = 'queued', locked_by = NULL, locked_at = NULL, updated_at = $2 WHERE status = 'processing' AND locked_at < $1`)).
		WithArgs(cutoff, testNow).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	count, err := repo.UnlockExpired(context.Background(), cutoff, testNow)
	assert.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountExpired(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := testNow.Add(-10 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM jobs WHERE status = 'processing' AND locked_at < $1`)).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectCommit()

	count, err := repo.CountExpired(context.Background(), cutoff)
	assert.NoError(t, err)
	assert.Equal(t, 3, count)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT job_type, status, COUNT(*) FROM jobs GROUP BY job_type, status`)).
		WillReturnRows(sqlmock.NewRows([]string{"job_type", "status", "count"}).
			AddRow("booking_sync", "done", 4).
			AddRow("booking_sync", "queued", 2))
	mock.ExpectCommit()

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []StatRow{
		{JobType: JobTypeBookingSync, Status: StatusDone, Count: 4},
		{JobType: JobTypeBookingSync, Status: StatusQueued, Count: 2},
	}, stats)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueDeadLetter(t *testing.T) {
	repo, mock := newMockRepo(t)

	job := &Job{ID: "job-9", JobType: JobTypeEmailInvestor, Payload: []byte(`{"to":"a@b.c"}`), IdempotencyKey: "k-requeue-1", MaxAttempts: 3, NextRun: testNow, WorkflowVersion: "v1.0", CreatedAt: testNow}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT can_retry FROM dead_letters WHERE id = $1 FOR UPDATE`)).
		WithArgs("dl-1").
		WillReturnRows(sqlmock.NewRows([]string{"can_retry"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO jobs`)).
		WithArgs("job-9", "email_investor", "queued", 0, `{"to":"a@b.c"}`, "k-requeue-1", 3, testNow, "v1.0", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE dead_letters SET can_retry = false, requeued_at = $2, requeued_job_id = $3 WHERE id = $1`)).
		WithArgs("dl-1", testNow, "job-9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	requeued, err := repo.RequeueDeadLetter(context.Background(), "dl-1", job, testNow)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, requeued.Status)
	assert.Equal(t, "job-9", requeued.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueDeadLetter_AlreadyConsumed(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT can_retry FROM dead_letters WHERE id = $1 FOR UPDATE`)).
		WithArgs("dl-1").
		WillReturnRows(sqlmock.NewRows([]string{"can_retry"}).AddRow(false))
	mock.ExpectRollback()

	_, err := repo.RequeueDeadLetter(context.Background(), "dl-1", &Job{ID: "job-9"}, testNow)
	assert.ErrorIs(t, err, ErrDeadLetterConsumed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAudit(t *testing.T) {
	repo, mock := newMockRepo(t)
	latency := int64(42)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_logs (id, job_id, stage, status, latency_ms, error_code, error_message, metadata, created_at)`)).
		WithArgs("a-1", "job-1", "validate", "error", int64(42), "VALIDATION_ERROR", "price: must be positive", `{"field":"price"}`, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Append(context.Background(), AuditEntry{
		ID:           "a-1",
		JobID:        "job-1",
		Stage:        "validate",
		Status:       AuditError,
		LatencyMs:    &latency,
		ErrorCode:    "VALIDATION_ERROR",
		ErrorMessage: "price: must be positive",
		Metadata:     map[string]any{"field": "price"},
		CreatedAt:    testNow,
	})
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditByJob(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM audit_logs WHERE job_id = $1 ORDER BY created_at ASC`)).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "stage", "status", "latency_ms", "error_code", "error_message", "metadata", "created_at"}).
			AddRow("a-1", "job-1", "validate", "started", nil, nil, nil, nil, testNow).
			AddRow("a-2", "job-1", "validate", "success", int64(5), nil, nil, []byte(`{"fields":3}`), testNow))
	mock.ExpectCommit()

	entries, err := repo.ListByJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditStarted, entries[0].Status)
	assert.Nil(t, entries[0].LatencyMs)
	require.NotNil(t, entries[1].LatencyMs)
	assert.Equal(t, int64(5), *entries[1].LatencyMs)
	assert.Equal(t, float64(3), entries[1].Metadata["fields"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_ReusesOuterTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM jobs WHERE id = $1`)).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("done"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET status = 'done'`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := withTransaction(context.Background(), repo.db, "outer", func(ctx context.Context, tx *sql.Tx) (string, int, error) {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, "job-1").Scan(&status); err != nil {
			return "", 0, err
		}
		// Nested call joins the outer transaction instead of beginning a new one.
		return status, 1, repo.Complete(ctx, "job-1", []byte(`{}`), testNow)
	})
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
