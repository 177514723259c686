package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/store"
)

// StatusChannel is the channel the jobs trigger notifies on.
const StatusChannel = "job_status_changed"

// PgListener is a store.StatusWatcher fed by Postgres LISTEN/NOTIFY.
type PgListener struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewPgListener(ctx context.Context, dsn string, log *zap.Logger) (*PgListener, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create listener pool: %w", err)
	}
	return &PgListener{pool: pool, log: log.Named("pg-listener")}, nil
}

func (l *PgListener) Close() {
	l.pool.Close()
}

// Watch listens until ctx is cancelled, reconnecting with backoff when the
// connection drops. Notifications sent while disconnected are lost.
func (l *PgListener) Watch(ctx context.Context, fn func(store.StatusChange)) error {
	retry := newListenBackOff()
	for {
		err := l.listen(ctx, fn, retry.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("listen %s: %w", StatusChannel, err)
		}
		l.log.Warn("listener disconnected", zap.Duration("retry_in", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (l *PgListener) listen(ctx context.Context, fn func(store.StatusChange), connected func()) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+StatusChannel); err != nil {
		return err
	}
	connected()
	l.log.Info("listening", zap.String("channel", StatusChannel))

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		change, err := decodeChange(notification.Payload)
		if err != nil {
			l.log.Warn("ignoring malformed notification", zap.String("payload", notification.Payload), zap.Error(err))
			continue
		}
		fn(change)
	}
}

func decodeChange(payload string) (store.StatusChange, error) {
	var change store.StatusChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return store.StatusChange{}, err
	}
	if change.JobID == "" || change.Operation == "" {
		return store.StatusChange{}, errors.New("missing job_id or operation")
	}
	return change, nil
}
