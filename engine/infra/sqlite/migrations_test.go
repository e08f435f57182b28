package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations(t *testing.T) {
	t.Run("Should apply all migrations successfully", func(t *testing.T) {
		ctx := testCtx(t)
		dbPath := filepath.Join(t.TempDir(), "apply.db")
		require.NoError(t, ApplyMigrations(ctx, dbPath))

		s, err := NewStore(ctx, &Config{Path: dbPath})
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, s.Close())
		})
	})

	t.Run("Should create all required tables", func(t *testing.T) {
		ctx := testCtx(t)
		dbPath := filepath.Join(t.TempDir(), "tables.db")
		require.NoError(t, ApplyMigrations(ctx, dbPath))

		db := openTestSQLite(ctx, t, dbPath)

		expected := map[string]bool{
			"workflows":            true,
			"workflow_checkpoints": true,
			"validation_results":   true,
			"recommendations":      true,
			"audit_logs":           true,
			"cache_entries":        true,
			"metric_rollups":       true,
		}
		rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
		require.NoError(t, err)
		defer rows.Close()

		for rows.Next() {
			var name string
			require.NoError(t, rows.Scan(&name))
			delete(expected, name)
		}
		require.NoError(t, rows.Err())
		assert.Empty(t, expected)
	})

	t.Run("Should create all indexes", func(t *testing.T) {
		ctx := testCtx(t)
		dbPath := filepath.Join(t.TempDir(), "indexes.db")
		require.NoError(t, ApplyMigrations(ctx, dbPath))

		db := openTestSQLite(ctx, t, dbPath)

		indexes := make(map[string]bool)
		rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'index'")
		require.NoError(t, err)
		defer rows.Close()
		for rows.Next() {
			var name string
			require.NoError(t, rows.Scan(&name))
			indexes[name] = true
		}
		require.NoError(t, rows.Err())

		expectedIndexes := []string{
			"idx_workflows_status",
			"idx_workflows_type",
			"idx_workflows_run_id",
			"idx_workflows_created_at",
			"idx_workflow_checkpoints_workflow_id",
			"idx_validation_results_workflow_id",
			"idx_validation_results_file_path",
			"idx_validation_results_run_id",
			"idx_validation_results_status",
			"idx_recommendations_validation_id",
			"idx_recommendations_status",
			"idx_recommendations_created_at",
			"idx_audit_logs_recommendation_id",
			"idx_audit_logs_validation_id",
			"idx_audit_logs_timestamp",
			"idx_audit_logs_actor",
			"idx_cache_entries_expires_at",
			"idx_metric_rollups_day",
		}
		for _, idx := range expectedIndexes {
			assert.Truef(t, indexes[idx], "expected index %s to exist", idx)
		}
	})

	t.Run("Should enforce foreign keys", func(t *testing.T) {
		ctx := testCtx(t)
		dbPath := filepath.Join(t.TempDir(), "fk.db")
		require.NoError(t, ApplyMigrations(ctx, dbPath))

		db := openTestSQLite(ctx, t, dbPath)

		_, err := db.ExecContext(
			ctx,
			`INSERT INTO workflow_checkpoints (id, workflow_id, step, position, created_at)
			 VALUES ('cp-1', 'missing-workflow', 'validate', 1, CURRENT_TIMESTAMP)`,
		)
		require.Error(t, err)
	})

	t.Run("Should enforce check constraints", func(t *testing.T) {
		ctx := testCtx(t)
		dbPath := filepath.Join(t.TempDir(), "constraints.db")
		require.NoError(t, ApplyMigrations(ctx, dbPath))

		db := openTestSQLite(ctx, t, dbPath)

		_, err := db.ExecContext(
			ctx,
			`INSERT INTO workflows (id, run_id, type, status, created_at, updated_at)
			 VALUES ('wf-1', 'run-1', 'validate_file', 'sleeping', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		)
		require.Error(t, err)
	})

	t.Run("Should rollback migrations", func(t *testing.T) {
		ctx := testCtx(t)
		dbPath := filepath.Join(t.TempDir(), "rollback.db")
		require.NoError(t, ApplyMigrations(ctx, dbPath))

		db := openTestSQLite(ctx, t, dbPath)

		goose.SetBaseFS(migrationsFS)
		require.NoError(t, goose.SetDialect("sqlite3"))
		require.NoError(t, goose.DownToContext(ctx, db, "migrations", 0))

		var count int
		err := db.QueryRowContext(
			ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('workflows', 'validation_results', 'recommendations', 'audit_logs', 'cache_entries')",
		).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("Should be idempotent", func(t *testing.T) {
		ctx := testCtx(t)
		dbPath := filepath.Join(t.TempDir(), "idempotent.db")
		require.NoError(t, ApplyMigrations(ctx, dbPath))
		require.NoError(t, ApplyMigrations(ctx, dbPath))
	})
}

func openTestSQLite(ctx context.Context, t *testing.T, dbPath string) *sql.DB {
	t.Helper()
	dsn, _, err := buildDSN(&Config{Path: dbPath})
	require.NoError(t, err)
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}
