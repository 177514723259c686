package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, job_type, status, priority, payload, result, idempotency_key, attempts, max_attempts, next_run,
       locked_by, locked_at, last_error, error_history, workflow_version, created_at, updated_at, finished_at`

const deadLetterColumns = `id, job_id, job_type, payload, priority, max_attempts, workflow_version, attempts, last_error,
       failure_history, can_retry, created_at, requeued_at, requeued_job_id`

const auditColumns = `id, job_id, stage, status, latency_ms, error_code, error_message, metadata, created_at`

type PostgresRepository struct {
	db *sql.DB // using database/sql
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Insert(ctx context.Context, job *Job) (string, bool, error) {
	type inserted struct {
		id      string
		created bool
	}
	res, err := withTransaction(ctx, p.db, "InsertJob", func(ctx context.Context, tx *sql.Tx) (inserted, int, error) {
		var id string
		err := tx.QueryRowContext(ctx,
			`INSERT INTO jobs (id, job_type, status, priority, payload, idempotency_key, attempts, max_attempts,
                               next_run, error_history, workflow_version, created_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, '[]', $9, $10, $10)
             ON CONFLICT (idempotency_key) DO NOTHING
             RETURNING id`,
			job.ID, job.JobType, StatusQueued, job.Priority, jsonText(job.Payload), job.IdempotencyKey,
			job.MaxAttempts, job.NextRun, job.WorkflowVersion, job.CreatedAt).Scan(&id)
		if err == nil {
			return inserted{id: id, created: true}, 1, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return inserted{}, 0, err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE idempotency_key = $1`, job.IdempotencyKey).Scan(&id); err != nil {
			return inserted{}, 0, err
		}
		return inserted{id: id}, 0, nil
	})
	if err != nil {
		return "", false, err
	}
	return res.id, res.created, nil
}

func (p *PostgresRepository) ClaimNext(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	return withTransaction(ctx, p.db, "ClaimNext", func(ctx context.Context, tx *sql.Tx) (*Job, int, error) {
		row := tx.QueryRowContext(ctx,
			`UPDATE jobs SET status = 'processing', locked_by = $1, locked_at = $2, updated_at = $2
             WHERE id = (
                 SELECT id FROM jobs
                 WHERE status IN ('queued', 'retry_scheduled') AND next_run <= $2
                 ORDER BY priority DESC, created_at ASC
                 FOR UPDATE SKIP LOCKED
                 LIMIT 1)
             RETURNING `+jobColumns, workerID, now)
		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		if err != nil {
			return nil, 0, err
		}
		return job, 1, nil
	})
}

func (p *PostgresRepository) Complete(ctx context.Context, jobID string, result json.RawMessage, now time.Time) error {
	_, err := withTransaction(ctx, p.db, "CompleteJob", func(ctx context.Context, tx *sql.Tx) (struct{}, int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'done', result = $2, finished_at = $3, locked_by = NULL, locked_at = NULL, updated_at = $3
             WHERE id = $1 AND status = 'processing'`,
			jobID, jsonText(result), now)
		if err != nil {
			return struct{}{}, 0, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return struct{}{}, 0, err
		}
		if affected == 1 {
			return struct{}{}, 1, nil
		}

		var status Status
		err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return struct{}{}, 0, ErrJobNotFound
		}
		if err != nil {
			return struct{}{}, 0, err
		}
		if status == StatusDone {
			return struct{}{}, 0, nil
		}
		return struct{}{}, 0, fmt.Errorf("%w: complete job in status %s", ErrInvalidTransition, status)
	})
	return err
}

func (p *PostgresRepository) Fail(ctx context.Context, jobID, message string, delay RetryDelayFunc, now time.Time) (*FailOutcome, error) {
	return withTransaction(ctx, p.db, "FailJob", func(ctx context.Context, tx *sql.Tx) (*FailOutcome, int, error) {
		job, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrJobNotFound
		}
		if err != nil {
			return nil, 0, err
		}
		if job.Status != StatusProcessing {
			return nil, 0, fmt.Errorf("%w: fail job in status %s", ErrInvalidTransition, job.Status)
		}

		applyFailure(job, message, delay, now)
		history, err := json.Marshal(job.ErrorHistory)
		if err != nil {
			return nil, 0, err
		}

		if job.Status == StatusRetryScheduled {
			_, err = tx.ExecContext(ctx,
				`UPDATE jobs SET status = 'retry_scheduled', attempts = $2, next_run = $3, last_error = $4, error_history = $5,
                                 locked_by = NULL, locked_at = NULL, updated_at = $6
                 WHERE id = $1`,
				job.ID, job.Attempts, job.NextRun, job.LastError, string(history), now)
			if err != nil {
				return nil, 0, err
			}
			return &FailOutcome{Job: job}, 1, nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'dead_letter', attempts = $2, last_error = $3, error_history = $4,
                             locked_by = NULL, locked_at = NULL, finished_at = $5, updated_at = $5
             WHERE id = $1`,
			job.ID, job.Attempts, job.LastError, string(history), now)
		if err != nil {
			return nil, 0, err
		}

		entry := newDeadLetter(job, now)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO dead_letters (id, job_id, job_type, payload, priority, max_attempts, workflow_version, attempts,
                                       last_error, failure_history, can_retry, created_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true, $11)`,
			entry.ID, entry.JobID, entry.JobType, jsonText(entry.Payload), entry.Priority, entry.MaxAttempts,
			entry.WorkflowVersion, entry.Attempts, entry.LastError, string(history), now)
		if err != nil {
			return nil, 0, err
		}
		return &FailOutcome{Job: job, DeadLetter: entry}, 2, nil
	})
}

func (p *PostgresRepository) UnlockExpired(ctx context.Context, cutoff, now time.Time) (int, error) {
	return withTransaction(ctx, p.db, "UnlockExpired", func(ctx context.Context, tx *sql.Tx) (int, int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'queued', locked_by = NULL, locked_at = NULL, updated_at = $2
             WHERE status = 'processing' AND locked_at < $1`, cutoff, now)
		if err != nil {
			return 0, 0, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, 0, err
		}
		return int(affected), int(affected), nil
	})
}

func (p *PostgresRepository) CountExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return withTransaction(ctx, p.db, "CountExpired", func(ctx context.Context, tx *sql.Tx) (int, int, error) {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE status = 'processing' AND locked_at < $1`, cutoff).Scan(&count)
		if err != nil {
			return 0, 0, err
		}
		return count, count, nil
	})
}

func (p *PostgresRepository) Stats(ctx context.Context) ([]StatRow, error) {
	return withTransaction(ctx, p.db, "QueueStats", func(ctx context.Context, tx *sql.Tx) ([]StatRow, int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT job_type, status, COUNT(*) FROM jobs GROUP BY job_type, status ORDER BY job_type, status`)
		if err != nil {
			return nil, 0, err
		}
		defer rows.Close()

		var stats []StatRow
		for rows.Next() {
			var row StatRow
			if err := rows.Scan(&row.JobType, &row.Status, &row.Count); err != nil {
				return nil, 0, err
			}
			stats = append(stats, row)
		}
		if err := rows.Err(); err != nil {
			return nil, 0, err
		}
		return stats, len(stats), nil
	})
}

func (p *PostgresRepository) Get(ctx context.Context, jobID string) (*Job, error) {
	return withTransaction(ctx, p.db, "GetJob", func(ctx context.Context, tx *sql.Tx) (*Job, int, error) {
		job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrJobNotFound
		}
		if err != nil {
			return nil, 0, err
		}
		return job, 1, nil
	})
}

func (p *PostgresRepository) ListSince(ctx context.Context, since time.Time, limit int) ([]Job, error) {
	return withTransaction(ctx, p.db, "ListJobsSince", func(ctx context.Context, tx *sql.Tx) ([]Job, int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2`, since, limit)
		if err != nil {
			return nil, 0, err
		}
		defer rows.Close()

		var jobs []Job
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return nil, 0, err
			}
			jobs = append(jobs, *job)
		}
		if err := rows.Err(); err != nil {
			return nil, 0, err
		}
		return jobs, len(jobs), nil
	})
}

func (p *PostgresRepository) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	return withTransaction(ctx, p.db, "ListDeadLetters", func(ctx context.Context, tx *sql.Tx) ([]DeadLetterEntry, int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY created_at DESC LIMIT $1`, limit)
		if err != nil {
			return nil, 0, err
		}
		defer rows.Close()

		var entries []DeadLetterEntry
		for rows.Next() {
			entry, err := scanDeadLetter(rows)
			if err != nil {
				return nil, 0, err
			}
			entries = append(entries, *entry)
		}
		if err := rows.Err(); err != nil {
			return nil, 0, err
		}
		return entries, len(entries), nil
	})
}

func (p *PostgresRepository) GetDeadLetter(ctx context.Context, entryID string) (*DeadLetterEntry, error) {
	return withTransaction(ctx, p.db, "GetDeadLetter", func(ctx context.Context, tx *sql.Tx) (*DeadLetterEntry, int, error) {
		entry, err := scanDeadLetter(tx.QueryRowContext(ctx,
			`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, entryID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrDeadLetterNotFound
		}
		if err != nil {
			return nil, 0, err
		}
		return entry, 1, nil
	})
}

func (p *PostgresRepository) RequeueDeadLetter(ctx context.Context, entryID string, job *Job, now time.Time) (*Job, error) {
	return withTransaction(ctx, p.db, "RequeueDeadLetter", func(ctx context.Context, tx *sql.Tx) (*Job, int, error) {
		var canRetry bool
		err := tx.QueryRowContext(ctx,
			`SELECT can_retry FROM dead_letters WHERE id = $1 FOR UPDATE`, entryID).Scan(&canRetry)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrDeadLetterNotFound
		}
		if err != nil {
			return nil, 0, err
		}
		if !canRetry {
			return nil, 0, ErrDeadLetterConsumed
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, job_type, status, priority, payload, idempotency_key, attempts, max_attempts,
                               next_run, error_history, workflow_version, created_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, '[]', $9, $10, $10)`,
			job.ID, job.JobType, StatusQueued, job.Priority, jsonText(job.Payload), job.IdempotencyKey,
			job.MaxAttempts, job.NextRun, job.WorkflowVersion, job.CreatedAt); err != nil {
			return nil, 0, err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE dead_letters SET can_retry = false, requeued_at = $2, requeued_job_id = $3 WHERE id = $1`,
			entryID, now, job.ID); err != nil {
			return nil, 0, err
		}

		requeued := *job
		requeued.Status = StatusQueued
		requeued.UpdatedAt = job.CreatedAt
		return &requeued, 2, nil
	})
}

func (p *PostgresRepository) ClearDeadLetters(ctx context.Context, cutoff time.Time) (int, error) {
	return withTransaction(ctx, p.db, "ClearDeadLetters", func(ctx context.Context, tx *sql.Tx) (int, int, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE created_at < $1`, cutoff)
		if err != nil {
			return 0, 0, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, 0, err
		}
		return int(affected), int(affected), nil
	})
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresRepository) Append(ctx context.Context, entry AuditEntry) error {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(entry.Metadata); err != nil {
			return err
		}
	}
	var latency sql.NullInt64
	if entry.LatencyMs != nil {
		latency = sql.NullInt64{Int64: *entry.LatencyMs, Valid: true}
	}

	_, err := withTransaction(ctx, p.db, "AppendAudit", func(ctx context.Context, tx *sql.Tx) (struct{}, int, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO audit_logs (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			entry.ID, entry.JobID, entry.Stage, entry.Status, latency, nullString(entry.ErrorCode),
			nullString(entry.ErrorMessage), jsonText(metadata), entry.CreatedAt)
		return struct{}{}, 1, err
	})
	return err
}

func (p *PostgresRepository) ListByJob(ctx context.Context, jobID string) ([]AuditEntry, error) {
	return p.queryAudit(ctx, "ListAuditByJob",
		`SELECT `+auditColumns+` FROM audit_logs WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
}

func (p *PostgresRepository) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	return p.queryAudit(ctx, "RecentAudit",
		`SELECT `+auditColumns+` FROM audit_logs ORDER BY created_at DESC LIMIT $1`, limit)
}

func (p *PostgresRepository) queryAudit(ctx context.Context, spanName, query string, args ...any) ([]AuditEntry, error) {
	return withTransaction(ctx, p.db, spanName, func(ctx context.Context, tx *sql.Tx) ([]AuditEntry, int, error) {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, 0, err
		}
		defer rows.Close()

		var entries []AuditEntry
		for rows.Next() {
			var (
				entry         AuditEntry
				latency       sql.NullInt64
				code, message sql.NullString
				metadata      []byte
			)
			if err := rows.Scan(&entry.ID, &entry.JobID, &entry.Stage, &entry.Status, &latency, &code, &message,
				&metadata, &entry.CreatedAt); err != nil {
				return nil, 0, err
			}
			if latency.Valid {
				v := latency.Int64
				entry.LatencyMs = &v
			}
			entry.ErrorCode = code.String
			entry.ErrorMessage = message.String
			if len(metadata) > 0 {
				if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
					return nil, 0, fmt.Errorf("decode audit metadata: %w", err)
				}
			}
			entries = append(entries, entry)
		}
		if err := rows.Err(); err != nil {
			return nil, 0, err
		}
		return entries, len(entries), nil
	})
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                  Job
		payload, result      []byte
		history              []byte
		lockedBy, lastError  sql.NullString
		lockedAt, finishedAt sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.JobType, &job.Status, &job.Priority, &payload, &result, &job.IdempotencyKey,
		&job.Attempts, &job.MaxAttempts, &job.NextRun, &lockedBy, &lockedAt, &lastError, &history,
		&job.WorkflowVersion, &job.CreatedAt, &job.UpdatedAt, &finishedAt); err != nil {
		return nil, err
	}
	job.Payload = payload
	if len(result) > 0 {
		job.Result = result
	}
	job.LockedBy = lockedBy.String
	job.LockedAt = timePtr(lockedAt)
	job.LastError = lastError.String
	job.FinishedAt = timePtr(finishedAt)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &job.ErrorHistory); err != nil {
			return nil, fmt.Errorf("decode error history: %w", err)
		}
	}
	return &job, nil
}

func scanDeadLetter(row rowScanner) (*DeadLetterEntry, error) {
	var (
		entry         DeadLetterEntry
		payload       []byte
		history       []byte
		lastError     sql.NullString
		requeuedAt    sql.NullTime
		requeuedJobID sql.NullString
	)
	if err := row.Scan(&entry.ID, &entry.JobID, &entry.JobType, &payload, &entry.Priority, &entry.MaxAttempts,
		&entry.WorkflowVersion, &entry.Attempts, &lastError, &history, &entry.CanRetry, &entry.CreatedAt,
		&requeuedAt, &requeuedJobID); err != nil {
		return nil, err
	}
	entry.Payload = payload
	entry.LastError = lastError.String
	entry.RequeuedAt = timePtr(requeuedAt)
	entry.RequeuedJobID = requeuedJobID.String
	if len(history) > 0 {
		if err := json.Unmarshal(history, &entry.FailureHistory); err != nil {
			return nil, fmt.Errorf("decode failure history: %w", err)
		}
	}
	return &entry, nil
}
