package state

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/spannertest"
	"cloud.google.com/go/spanner/spansql"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_GetSet(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	_, found, err := backend.Get(ctx, "worker_status")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, backend.Set(ctx, "worker_status", json.RawMessage(`"paused"`)))
	value, found, err := backend.Get(ctx, "worker_status")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `"paused"`, string(value))
}

func TestPostgresBackend_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	backend := NewPostgresBackend(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM system_config WHERE name = $1`)).
		WithArgs("worker_status").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`"paused"`)))

	value, found, err := backend.Get(context.Background(), "worker_status")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `"paused"`, string(value))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_GetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	backend := NewPostgresBackend(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM system_config WHERE name = $1`)).
		WithArgs("circuit_breaker").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, found, err := backend.Get(context.Background(), "circuit_breaker")
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_Set(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	backend := NewPostgresBackend(db)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO system_config (name, value, updated_at) VALUES ($1, $2, $3)`)).
		WithArgs("worker_status", `"active"`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = backend.Set(context.Background(), "worker_status", json.RawMessage(`"active"`))
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBackend_GetSet(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	backend := NewRedisBackend(client, "jobqueue:")

	_, found, err := backend.Get(ctx, "circuit_breaker")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, backend.Set(ctx, "circuit_breaker", json.RawMessage(`{"status":"open","failure_count":5}`)))

	stored, err := mr.Get("jobqueue:circuit_breaker")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"open","failure_count":5}`, stored)

	value, found, err := backend.Get(ctx, "circuit_breaker")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"status":"open","failure_count":5}`, string(value))
}

func TestSpannerBackend_GetSet(t *testing.T) {
	server, err := spannertest.NewServer("localhost:0")
	require.NoError(t, err)
	defer server.Close()

	ddl, err := spansql.ParseDDL("system_config.sql",
		`CREATE TABLE system_config (name STRING(MAX) NOT NULL, value STRING(MAX), updated_at TIMESTAMP) PRIMARY KEY (name)`)
	require.NoError(t, err)
	require.NoError(t, server.UpdateDDL(ddl))

	t.Setenv("SPANNER_EMULATOR_HOST", server.Addr)

	ctx := context.Background()
	client, err := spanner.NewClient(ctx, "projects/test-project/instances/test-instance/databases/test-database")
	require.NoError(t, err)
	defer client.Close()

	backend := NewSpannerBackend(client)

	_, found, err := backend.Get(ctx, "worker_status")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, backend.Set(ctx, "worker_status", json.RawMessage(`"paused"`)))

	value, found, err := backend.Get(ctx, "worker_status")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `"paused"`, string(value))
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	backend, closeFn, err := NewBackend(ctx, config.StateSettings{Type: "memory"}, nil)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &MemoryBackend{}, backend)

	mr := miniredis.RunT(t)
	backend, closeRedis, err := NewBackend(ctx, config.StateSettings{Type: "redis", RedisAddr: mr.Addr(), KeyPrefix: "jq:"}, nil)
	require.NoError(t, err)
	defer closeRedis()
	assert.IsType(t, &RedisBackend{}, backend)

	_, _, err = NewBackend(ctx, config.StateSettings{Type: "postgres"}, nil)
	assert.Error(t, err)

	_, _, err = NewBackend(ctx, config.StateSettings{Type: "etcd"}, nil)
	assert.EqualError(t, err, "unsupported state backend: etcd")
}
