package postgres

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/validation"
)

var validationRowColumns = []string{
	"id", "workflow_id", "run_id", "file_path", "family", "content_hash",
	"truth_version", "rules_applied", "issues", "severity", "status",
	"enhanced_hash", "notes", "created_at", "updated_at",
}

func testRecord(t *testing.T) *validation.Record {
	t.Helper()
	issues := []validation.Issue{{
		Type:     "missing_front_matter",
		Severity: core.SeverityMedium,
		Message:  "document has no front matter block",
	}}
	return validation.NewRecord(core.MustNewID(), "run-1", "docs/a.md", "markdown", "sha256:abc", []string{"structure"}, issues)
}

func TestValidationRepo_Put(t *testing.T) {
	t.Run("Should upsert a record with encoded issue lists", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewValidationRepo(mockPool, testPolicy())

		rec := testRecord(t)
		rules, err := ToJSONB(rec.RulesApplied)
		require.NoError(t, err)
		issues, err := ToJSONB(rec.Issues)
		require.NoError(t, err)

		mockPool.ExpectExec("INSERT INTO validation_results").
			WithArgs(
				rec.ID,
				rec.WorkflowID,
				rec.RunID,
				rec.FilePath,
				rec.Family,
				rec.ContentHash,
				rec.TruthVersion,
				rules,
				issues,
				rec.Severity,
				rec.Status,
				rec.EnhancedHash,
				[]byte(nil),
				rec.CreatedAt,
				rec.UpdatedAt,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Put(testCtx(t), rec))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestValidationRepo_Get(t *testing.T) {
	t.Run("Should decode a stored record", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewValidationRepo(mockPool, testPolicy())

		id := core.MustNewID()
		created := time.Now().UTC()
		rows := mockPool.NewRows(validationRowColumns).AddRow(
			id, core.ID("wf-1"), "run-1", "docs/a.md", "markdown", "sha256:abc",
			"v3", []byte(`["structure","links"]`),
			[]byte(`[{"type":"broken_link","severity":"high","message":"target missing","location":{"line":12}}]`),
			core.SeverityHigh, validation.StatusFail,
			"", []byte(nil), created, created,
		)
		mockPool.ExpectQuery(`SELECT (.+) FROM validation_results WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(rows)

		rec, err := repo.Get(testCtx(t), id)
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)
		assert.Equal(t, "docs/a.md", rec.FilePath)
		assert.Equal(t, []string{"structure", "links"}, rec.RulesApplied)
		require.Len(t, rec.Issues, 1)
		assert.Equal(t, "broken_link", rec.Issues[0].Type)
		assert.Equal(t, core.SeverityHigh, rec.Issues[0].Severity)
		assert.Equal(t, 12, rec.Issues[0].Location.Line)
		assert.Equal(t, validation.StatusFail, rec.Status)
		assert.Empty(t, rec.Notes)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should return NOT_FOUND for a missing record", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewValidationRepo(mockPool, testPolicy())

		id := core.MustNewID()
		mockPool.ExpectQuery(`SELECT (.+) FROM validation_results WHERE id = \$1`).
			WithArgs(id).
			WillReturnError(pgx.ErrNoRows)

		_, err = repo.Get(testCtx(t), id)
		assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestValidationRepo_List(t *testing.T) {
	t.Run("Should filter by file path and status", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewValidationRepo(mockPool, testPolicy())

		created := time.Now().UTC()
		rows := mockPool.NewRows(validationRowColumns).AddRow(
			core.ID("vr-1"), core.ID("wf-1"), "run-1", "docs/a.md", "markdown", "sha256:abc",
			"", []byte(nil), []byte(`[]`), core.SeverityInfo, validation.StatusPass,
			"", []byte(nil), created, created,
		)
		mockPool.ExpectQuery(`SELECT (.+) FROM validation_results WHERE file_path = \$1 AND status = \$2 ORDER BY created_at DESC, id DESC LIMIT 10`).
			WithArgs("docs/a.md", validation.StatusPass).
			WillReturnRows(rows)

		out, err := repo.List(testCtx(t), &validation.Filter{
			FilePath: "docs/a.md",
			Status:   validation.StatusPass,
			Limit:    10,
		})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, core.ID("vr-1"), out[0].ID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestValidationRepo_UpdateStatus(t *testing.T) {
	t.Run("Should reject an unknown status without touching the database", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewValidationRepo(mockPool, testPolicy())

		err = repo.UpdateStatus(testCtx(t), core.MustNewID(), validation.Status("sideways"), "")
		assert.Equal(t, core.CodeInvalidArgument, core.CodeOf(err))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should append the note under a row lock", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewValidationRepo(mockPool, testPolicy())

		id := core.MustNewID()
		merged, err := ToJSONB([]string{"earlier note", "looks good"})
		require.NoError(t, err)

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`SELECT notes FROM validation_results WHERE id = \$1 FOR UPDATE`).
			WithArgs(id).
			WillReturnRows(mockPool.NewRows([]string{"notes"}).AddRow([]byte(`["earlier note"]`)))
		mockPool.ExpectExec(`UPDATE validation_results SET status = \$1, notes = \$2, updated_at = \$3 WHERE id = \$4`).
			WithArgs(validation.StatusApproved, merged, pgxmock.AnyArg(), id).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()

		require.NoError(t, repo.UpdateStatus(testCtx(t), id, validation.StatusApproved, "looks good"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should roll back and return NOT_FOUND for a missing record", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewValidationRepo(mockPool, testPolicy())

		id := core.MustNewID()
		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`SELECT notes FROM validation_results WHERE id = \$1 FOR UPDATE`).
			WithArgs(id).
			WillReturnError(pgx.ErrNoRows)
		mockPool.ExpectRollback()

		err = repo.UpdateStatus(testCtx(t), id, validation.StatusApproved, "")
		assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestValidationRepo_History(t *testing.T) {
	t.Run("Should return newest records for a path", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewValidationRepo(mockPool, testPolicy())

		now := time.Now().UTC()
		rows := mockPool.NewRows(validationRowColumns).
			AddRow(core.ID("vr-2"), core.ID("wf-2"), "run-2", "docs/a.md", "markdown", "sha256:def",
				"", []byte(nil), []byte(`[]`), core.SeverityInfo, validation.StatusPass,
				"", []byte(nil), now, now).
			AddRow(core.ID("vr-1"), core.ID("wf-1"), "run-1", "docs/a.md", "markdown", "sha256:abc",
				"", []byte(nil), []byte(`[]`), core.SeverityInfo, validation.StatusPass,
				"", []byte(nil), now.Add(-time.Hour), now.Add(-time.Hour))
		mockPool.ExpectQuery(`SELECT (.+) FROM validation_results WHERE file_path = \$1 ORDER BY created_at DESC, id DESC LIMIT 2`).
			WithArgs("docs/a.md").
			WillReturnRows(rows)

		out, err := repo.History(testCtx(t), "docs/a.md", 2)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, core.ID("vr-2"), out[0].ID)
		assert.Equal(t, core.ID("vr-1"), out[1].ID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestValidationRepo_Delete(t *testing.T) {
	t.Run("Should require confirm before delete", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewValidationRepo(mockPool, testPolicy())

		err = repo.Delete(testCtx(t), core.MustNewID(), false)
		assert.Equal(t, core.CodeInvalidArgument, core.CodeOf(err))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should cascade to recommendations in one transaction", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewValidationRepo(mockPool, testPolicy())

		id := core.MustNewID()
		mockPool.ExpectBegin()
		mockPool.ExpectExec(`DELETE FROM recommendations WHERE validation_id = \$1`).
			WithArgs(id).
			WillReturnResult(pgxmock.NewResult("DELETE", 3))
		mockPool.ExpectExec(`DELETE FROM validation_results WHERE id = \$1`).
			WithArgs(id).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mockPool.ExpectCommit()

		require.NoError(t, repo.Delete(testCtx(t), id, true))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should roll back and return NOT_FOUND for a missing record", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewValidationRepo(mockPool, testPolicy())

		id := core.MustNewID()
		mockPool.ExpectBegin()
		mockPool.ExpectExec(`DELETE FROM recommendations WHERE validation_id = \$1`).
			WithArgs(id).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectExec(`DELETE FROM validation_results WHERE id = \$1`).
			WithArgs(id).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectRollback()

		err = repo.Delete(testCtx(t), id, true)
		assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
