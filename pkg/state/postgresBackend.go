package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresBackend stores state in the system_config table.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (p *PostgresBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM system_config WHERE name = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (p *PostgresBackend) Set(ctx context.Context, key string, value json.RawMessage) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO system_config (name, value, updated_at) VALUES ($1, $2, $3)
         ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, string(value), time.Now().UTC())
	return err
}
