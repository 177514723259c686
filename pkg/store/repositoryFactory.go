package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Hamza92sy/windventure-kitesurf-sub001/pkg/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var sqlOpen = sql.Open

var NewMongoClient = func(ctx context.Context, uri string) (*mongo.Client, error) {
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

// Stores bundles the repositories built from configuration.
type Stores struct {
	Jobs  JobRepository
	Audit AuditLog
	// DB is the shared Postgres handle, nil for the memory store.
	DB *sql.DB
	// Watcher is set when the job store can deliver status changes in process.
	Watcher StatusWatcher
	closers []func()
}

func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func NewRepository(ctx context.Context, dbCfg config.DbSettings, auditCfg config.AuditSettings) (*Stores, error) {
	stores := &Stores{}

	switch dbCfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", dbCfg.DSN)
		if err != nil {
			return nil, err
		}
		if dbCfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(dbCfg.MaxOpenConns)
		}
		stores.closers = append(stores.closers, func() { _ = db.Close() })
		if dbCfg.Migrate {
			if err := Migrate(ctx, db); err != nil {
				stores.Close()
				return nil, err
			}
		}
		repo := NewPostgresRepository(db)
		stores.Jobs = repo
		stores.Audit = repo
		stores.DB = db
	case "memory":
		repo := NewMemoryRepository()
		stores.Jobs = repo
		stores.Audit = repo
		stores.Watcher = repo
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", dbCfg.Type)
	}

	switch auditCfg.Type {
	case "":
	case "postgres":
		if stores.DB == nil {
			stores.Close()
			return nil, fmt.Errorf("postgres audit log requires a postgres job store")
		}
	case "memory":
		stores.Audit = NewMemoryRepository()
	case "mongo":
		client, err := NewMongoClient(ctx, auditCfg.URI)
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		stores.closers = append(stores.closers, func() { _ = client.Disconnect(context.Background()) })
		stores.Audit = NewMongoAuditLog(client, auditCfg.Database, auditCfg.Collection)
	default:
		stores.Close()
		return nil, fmt.Errorf("unsupported audit log type: %s", auditCfg.Type)
	}

	return stores, nil
}
