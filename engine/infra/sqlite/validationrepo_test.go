package sqlite

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
)

func sampleRecord(filePath string) *validation.Record {
	return validation.NewRecord(
		core.MustNewID(),
		core.NewRunID(),
		filePath,
		"markdown",
		"sha256:abc",
		[]string{"markdown", "links"},
		[]validation.Issue{{
			Type:      "broken_link",
			Severity:  core.SeverityHigh,
			Message:   "target does not resolve",
			Location:  validation.Location{Line: 3},
			Validator: "links",
		}},
	)
}

func TestValidationRepo(t *testing.T) {
	t.Run("Should round trip a record with issues and rules", func(t *testing.T) {
		repo := openTestStore(t).Validations()
		ctx := testCtx(t)

		rec := sampleRecord("docs/guide.md")
		require.NoError(t, repo.Put(ctx, rec))

		stored, err := repo.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.FilePath, stored.FilePath)
		assert.Equal(t, rec.ContentHash, stored.ContentHash)
		assert.Equal(t, []string{"markdown", "links"}, stored.RulesApplied)
		require.Len(t, stored.Issues, 1)
		assert.Equal(t, "broken_link", stored.Issues[0].Type)
		assert.Equal(t, 3, stored.Issues[0].Location.Line)
		assert.Equal(t, core.SeverityHigh, stored.Severity)
		assert.Equal(t, validation.StatusFail, stored.Status)
	})

	t.Run("Should return NOT_FOUND for a missing record", func(t *testing.T) {
		repo := openTestStore(t).Validations()
		_, err := repo.Get(testCtx(t), core.MustNewID())
		assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
	})

	t.Run("Should update status and append notes", func(t *testing.T) {
		repo := openTestStore(t).Validations()
		ctx := testCtx(t)

		rec := sampleRecord("docs/notes.md")
		require.NoError(t, repo.Put(ctx, rec))
		require.NoError(t, repo.UpdateStatus(ctx, rec.ID, validation.StatusApproved, "lgtm"))
		require.NoError(t, repo.UpdateStatus(ctx, rec.ID, validation.StatusEnhanced, "applied fixes"))

		stored, err := repo.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, validation.StatusEnhanced, stored.Status)
		assert.Equal(t, []string{"lgtm", "applied fixes"}, stored.Notes)

		err = repo.UpdateStatus(ctx, rec.ID, validation.Status("bogus"), "")
		assert.Equal(t, core.CodeInvalidArgument, core.CodeOf(err))

		err = repo.UpdateStatus(ctx, core.MustNewID(), validation.StatusApproved, "")
		assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
	})

	t.Run("Should list with filters ordered newest first", func(t *testing.T) {
		repo := openTestStore(t).Validations()
		ctx := testCtx(t)

		base := time.Now().UTC().Add(-time.Hour)
		workflowID := core.MustNewID()
		for i := 0; i < 3; i++ {
			rec := sampleRecord(fmt.Sprintf("docs/%d.md", i))
			rec.WorkflowID = workflowID
			rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			rec.UpdatedAt = rec.CreatedAt
			require.NoError(t, repo.Put(ctx, rec))
		}
		other := sampleRecord("docs/other.md")
		require.NoError(t, repo.Put(ctx, other))

		got, err := repo.List(ctx, &validation.Filter{WorkflowID: workflowID})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "docs/2.md", got[0].FilePath)
		assert.Equal(t, "docs/0.md", got[2].FilePath)

		failed, err := repo.List(ctx, &validation.Filter{WorkflowID: workflowID, Status: validation.StatusFail})
		require.NoError(t, err)
		assert.Len(t, failed, 3)

		none, err := repo.List(ctx, &validation.Filter{WorkflowID: workflowID, Severity: core.SeverityCritical})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Should list file history newest first with limit", func(t *testing.T) {
		repo := openTestStore(t).Validations()
		ctx := testCtx(t)

		base := time.Now().UTC().Add(-time.Hour)
		for i := 0; i < 4; i++ {
			rec := sampleRecord("docs/history.md")
			rec.ContentHash = fmt.Sprintf("sha256:%d", i)
			rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			rec.UpdatedAt = rec.CreatedAt
			require.NoError(t, repo.Put(ctx, rec))
		}

		got, err := repo.History(ctx, "docs/history.md", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "sha256:3", got[0].ContentHash)
		assert.Equal(t, "sha256:2", got[1].ContentHash)
	})

	t.Run("Should delete a record together with its recommendations", func(t *testing.T) {
		s := openTestStore(t)
		ctx := testCtx(t)

		rec := sampleRecord("docs/delete.md")
		require.NoError(t, s.Validations().Put(ctx, rec))
		prop := recommend.New(rec.ID, "fix_link", "update target", recommend.Replace(recommend.Span{Start: 10, End: 24}, "[ok](./ok.md)"), 0.9)
		require.NoError(t, s.Recommendations().Put(ctx, prop))

		err := s.Validations().Delete(ctx, rec.ID, false)
		assert.Equal(t, core.CodeInvalidArgument, core.CodeOf(err))

		require.NoError(t, s.Validations().Delete(ctx, rec.ID, true))
		_, err = s.Validations().Get(ctx, rec.ID)
		assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
		_, err = s.Recommendations().Get(ctx, prop.ID)
		assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
	})
}
