package store

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "jobqueue"

// DefaultLockTimeout is how long a processing lock is honoured before the
// job may be reclaimed.
const DefaultLockTimeout = 10 * time.Minute

type txKey struct{}

func addDBStatsToSpan(span trace.Span, system, statement string, rows int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("db.rows", rows),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// withTransaction runs fn inside a span and a transaction. A transaction
// already carried by ctx is reused and left for its owner to finish.
func withTransaction[T any](ctx context.Context, db *sql.DB, spanName string, fn func(ctx context.Context, tx *sql.Tx) (T, int, error)) (result T, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		tx, err = db.BeginTx(ctx, nil)
		if err != nil {
			span.RecordError(err)
			return result, err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
				return
			}
			if err = tx.Commit(); err != nil {
				span.RecordError(err)
			}
		}()
		ctx = context.WithValue(ctx, txKey{}, tx)
	}

	result, rows, err := fn(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	addDBStatsToSpan(span, "postgresql", spanName, rows, time.Since(start))

	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// jsonText converts a raw JSON value into a query argument lib/pq sends as text.
func jsonText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
