package postgres

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	t.Run("Should embed every migration as a goose up and down pair", func(t *testing.T) {
		entries, err := fs.ReadDir(migrationsFS, "migrations")
		require.NoError(t, err)
		require.NotEmpty(t, entries)

		for _, entry := range entries {
			require.True(t, strings.HasSuffix(entry.Name(), ".sql"), "unexpected file %s", entry.Name())
			content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
			require.NoError(t, err)
			text := string(content)
			assert.Containsf(t, text, "-- +goose Up", "%s is missing the up marker", entry.Name())
			assert.Containsf(t, text, "-- +goose Down", "%s is missing the down marker", entry.Name())
		}
	})

	t.Run("Should create every table the repositories touch", func(t *testing.T) {
		tables := []string{
			"workflows",
			"workflow_checkpoints",
			"validation_results",
			"recommendations",
			"audit_logs",
			"cache_entries",
			"metric_rollups",
		}
		var all strings.Builder
		entries, err := fs.ReadDir(migrationsFS, "migrations")
		require.NoError(t, err)
		for _, entry := range entries {
			content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
			require.NoError(t, err)
			all.Write(content)
		}
		ddl := all.String()
		for _, table := range tables {
			assert.Containsf(t, ddl, "CREATE TABLE "+table+" (", "missing table %s", table)
			assert.Containsf(t, ddl, "DROP TABLE "+table, "missing drop for %s", table)
		}
	})

	t.Run("Should use native postgres column types", func(t *testing.T) {
		content, err := fs.ReadFile(migrationsFS, "migrations/00001_core.sql")
		require.NoError(t, err)
		ddl := string(content)
		assert.Contains(t, ddl, "JSONB")
		assert.Contains(t, ddl, "TIMESTAMPTZ")
		assert.NotContains(t, ddl, "AUTOINCREMENT")
	})
}
