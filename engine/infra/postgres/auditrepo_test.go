package postgres

import (
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/audit"
	"github.com/tbcv/tbcv/engine/core"
)

var auditRowColumns = []string{
	"id", "recommendation_id", "validation_id", "actor", "action", "timestamp",
	"before_hash", "after_hash", "notes",
}

func TestAuditRepo_Append(t *testing.T) {
	t.Run("Should reject a nil entry", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewAuditRepo(mockPool, testPolicy())

		err = repo.Append(testCtx(t), nil)
		assert.Equal(t, core.CodeInvalidArgument, core.CodeOf(err))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should insert an entry with hashes", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewAuditRepo(mockPool, testPolicy())

		entry := audit.NewEntry("reviewer@example.com", audit.ActionApprove).
			ForRecommendation(core.MustNewID())
		entry.BeforeHash = "sha256:before"
		entry.AfterHash = "sha256:after"
		entry.Notes = "approved for auto apply"

		mockPool.ExpectExec("INSERT INTO audit_logs").
			WithArgs(
				entry.ID,
				entry.RecommendationID,
				entry.ValidationID,
				entry.Actor,
				entry.Action,
				entry.Timestamp,
				entry.BeforeHash,
				entry.AfterHash,
				entry.Notes,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Append(testCtx(t), entry))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestAuditRepo_List(t *testing.T) {
	t.Run("Should filter by actor, action and time window", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewAuditRepo(mockPool, testPolicy())

		now := time.Now().UTC()
		since := now.Add(-24 * time.Hour)
		until := now
		rows := mockPool.NewRows(auditRowColumns).
			AddRow(core.ID("al-2"), core.ID("rec-2"), core.ID(""), "reviewer@example.com",
				audit.ActionApprove, now.Add(-time.Hour), "", "", "").
			AddRow(core.ID("al-1"), core.ID("rec-1"), core.ID(""), "reviewer@example.com",
				audit.ActionApprove, now.Add(-2*time.Hour), "", "", "")
		mockPool.ExpectQuery(`SELECT (.+) FROM audit_logs WHERE actor = \$1 AND action = \$2 AND timestamp >= \$3 AND timestamp <= \$4 ORDER BY timestamp DESC, id DESC`).
			WithArgs("reviewer@example.com", audit.ActionApprove, since, until).
			WillReturnRows(rows)

		out, err := repo.List(testCtx(t), &audit.Filter{
			Actor:  "reviewer@example.com",
			Action: audit.ActionApprove,
			Since:  since,
			Until:  until,
		})
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, core.ID("al-2"), out[0].ID)
		assert.Equal(t, core.ID("al-1"), out[1].ID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should list everything without a filter", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewAuditRepo(mockPool, testPolicy())

		mockPool.ExpectQuery(`SELECT (.+) FROM audit_logs ORDER BY timestamp DESC, id DESC`).
			WillReturnRows(mockPool.NewRows(auditRowColumns))

		out, err := repo.List(testCtx(t), nil)
		require.NoError(t, err)
		assert.Empty(t, out)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestAuditRepo_Reset(t *testing.T) {
	t.Run("Should require confirm before reset", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewAuditRepo(mockPool, testPolicy())

		_, err = repo.Reset(testCtx(t), false)
		assert.Equal(t, core.CodeInvalidArgument, core.CodeOf(err))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should truncate the log and report the row count", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewAuditRepo(mockPool, testPolicy())

		mockPool.ExpectExec("DELETE FROM audit_logs").
			WillReturnResult(pgxmock.NewResult("DELETE", 5))

		removed, err := repo.Reset(testCtx(t), true)
		require.NoError(t, err)
		assert.Equal(t, int64(5), removed)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
