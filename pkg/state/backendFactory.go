package state

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"github.com/redis/go-redis/v9"
)

var NewSpannerClient = func(ctx context.Context, database string) (*spanner.Client, error) {
	return spanner.NewClient(ctx, database)
}

// NewBackend builds the configured backend. db is used by the postgres
// backend and may be nil otherwise. The returned func releases clients.
func NewBackend(ctx context.Context, cfg config.StateSettings, db *sql.DB) (Backend, func(), error) {
	switch cfg.Type {
	case "postgres":
		if db == nil {
			return nil, nil, fmt.Errorf("postgres state backend requires a postgres job store")
		}
		return NewPostgresBackend(db), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return NewRedisBackend(client, cfg.KeyPrefix), func() { _ = client.Close() }, nil
	case "spanner":
		client, err := NewSpannerClient(ctx, cfg.SpannerDatabase)
		if err != nil {
			return nil, nil, err
		}
		return NewSpannerBackend(client), client.Close, nil
	case "memory":
		return NewMemoryBackend(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported state backend: %s", cfg.Type)
	}
}
