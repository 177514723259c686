package store

import (
	"io/fs"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	goose.SetBaseFS(migrations)
	t.Cleanup(func() { goose.SetBaseFS(nil) })

	collected, err := goose.CollectMigrations("migrations", 0, goose.MaxVersion)
	require.NoError(t, err)

	var versions []int64
	for _, m := range collected {
		versions = append(versions, m.Version)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, versions)

	trigger, err := fs.ReadFile(migrations, "migrations/00004_job_status_trigger.sql")
	require.NoError(t, err)
	assert.Contains(t, string(trigger), "pg_notify('job_status_changed'")
}
