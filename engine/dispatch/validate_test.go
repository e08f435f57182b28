package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/monitoring"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
)

func TestValidateFile(t *testing.T) {
	t.Run("Should run a workflow and persist one record", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.writeFile(t, "content/docs/en/guide.md", sampleDoc)

		resp, err := env.d.ValidateFile(ctx, &ValidateFileRequest{Path: "content/docs/en/guide.md"})
		require.NoError(t, err)
		require.NotNil(t, resp.Workflow)
		assert.Equal(t, workflow.TypeValidateFile, resp.Workflow.Type)
		assert.Equal(t, core.StatusCompleted, resp.Workflow.Status)
		require.Len(t, resp.Records, 1)
		assert.Equal(t, "content/docs/en/guide.md", resp.Records[0].FilePath)
		assert.Equal(t, resp.Workflow.ID, resp.Records[0].WorkflowID)
	})
	t.Run("Should reject non-English paths", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.ValidateFile(context.Background(), &ValidateFileRequest{Path: "content/docs/fr/guide.md"})
		assert.True(t, core.HasCode(err, core.CodeLanguageRejected))
	})
	t.Run("Should require a path", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.ValidateFile(context.Background(), &ValidateFileRequest{Path: "  "})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
	t.Run("Should surface the failure for a missing file", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		_, err := env.d.ValidateFile(ctx, &ValidateFileRequest{Path: "content/docs/en/missing.md"})
		require.Error(t, err)
		history, herr := env.st.Validations().History(ctx, "content/docs/en/missing.md", 0)
		require.NoError(t, herr)
		assert.Empty(t, history)
	})
}

func TestValidateFolder(t *testing.T) {
	t.Run("Should validate matching files and skip other languages", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.writeFile(t, "docs/en/a.md", sampleDoc)
		env.writeFile(t, "docs/en/b.md", sampleDoc)
		env.writeFile(t, "docs/fr/c.md", sampleDoc)

		resp, err := env.d.ValidateFolder(ctx, &ValidateFolderRequest{Dir: "docs"})
		require.NoError(t, err)
		assert.Equal(t, workflow.TypeValidateDirectory, resp.Workflow.Type)
		assert.Equal(t, core.StatusCompleted, resp.Workflow.Status)
		require.Len(t, resp.Records, 3)
		skipped := 0
		for _, record := range resp.Records {
			if record.Status == validation.StatusSkipped {
				skipped++
				assert.Equal(t, "docs/fr/c.md", record.FilePath)
			}
		}
		assert.Equal(t, 1, skipped)
	})
	t.Run("Should require a dir", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.ValidateFolder(context.Background(), &ValidateFolderRequest{})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
}

func TestValidateContent(t *testing.T) {
	t.Run("Should persist a record for supplied content", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, err := env.d.ValidateContent(ctx, &ValidateContentRequest{
			FilePath: "content/docs/en/guide.md",
			Content:  sampleDoc,
		})
		require.NoError(t, err)
		assert.Empty(t, record.WorkflowID)
		assert.NotEmpty(t, record.RunID)
		assert.Equal(t, core.ContentHash(core.NormalizeContent(sampleDoc)), record.ContentHash)

		stored, err := env.st.Validations().Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, record.ContentHash, stored.ContentHash)
	})
	t.Run("Should reuse cached issues but mint a fresh record", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		req := &ValidateContentRequest{FilePath: "content/docs/en/guide.md", Content: sampleDoc}

		first, err := env.d.ValidateContent(ctx, req)
		require.NoError(t, err)
		second, err := env.d.ValidateContent(ctx, req)
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.NotEqual(t, first.RunID, second.RunID)
		assert.Equal(t, first.ContentHash, second.ContentHash)
		assert.Equal(t, first.Issues, second.Issues)
		assert.Equal(t, first.RulesApplied, second.RulesApplied)

		history, err := env.st.Validations().History(ctx, "content/docs/en/guide.md", 0)
		require.NoError(t, err)
		assert.Len(t, history, 2)

		rollups, err := env.st.Metrics().Rollup(ctx, 1)
		require.NoError(t, err)
		hits := int64(0)
		for _, r := range rollups {
			if r.Name == monitoring.SampleCacheHit {
				hits = r.Count
			}
		}
		assert.GreaterOrEqual(t, hits, int64(1))
	})
	t.Run("Should require file path and content", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.ValidateContent(context.Background(), &ValidateContentRequest{Content: sampleDoc})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
		_, err = env.d.ValidateContent(context.Background(), &ValidateContentRequest{FilePath: "content/docs/en/a.md"})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
	t.Run("Should reject non-English attributed paths", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.ValidateContent(context.Background(), &ValidateContentRequest{
			FilePath: "content/docs/fr/guide.md",
			Content:  sampleDoc,
		})
		assert.True(t, core.HasCode(err, core.CodeLanguageRejected))
	})
}

func TestListValidations(t *testing.T) {
	seed := func(t *testing.T, env *testEnv) (*validation.Record, *validation.Record) {
		t.Helper()
		ctx := context.Background()
		failing := validation.NewRecord(core.MustNewID(), core.NewRunID(), "content/docs/en/a.md", "alpha",
			core.ContentHash(sampleDoc), nil, []validation.Issue{{
				Type:      validation.IssueYAMLMissingRequired,
				Severity:  core.SeverityHigh,
				Message:   "front matter is missing description",
				Validator: "yaml",
			}})
		require.NoError(t, env.st.Validations().Put(ctx, failing))
		passing := validation.NewRecord(core.MustNewID(), core.NewRunID(), "content/docs/en/b.md", "beta",
			core.ContentHash(sampleDoc), nil, nil)
		require.NoError(t, env.st.Validations().Put(ctx, passing))
		return failing, passing
	}

	t.Run("Should filter by family, status and severity", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		failing, _ := seed(t, env)

		all, err := env.d.ListValidations(ctx, &ListValidationsRequest{})
		require.NoError(t, err)
		assert.Equal(t, 2, all.Count)

		byFamily, err := env.d.ListValidations(ctx, &ListValidationsRequest{Family: "Alpha"})
		require.NoError(t, err)
		require.Equal(t, 1, byFamily.Count)
		assert.Equal(t, failing.ID, byFamily.Records[0].ID)

		byStatus, err := env.d.ListValidations(ctx, &ListValidationsRequest{Status: "fail"})
		require.NoError(t, err)
		assert.Equal(t, 1, byStatus.Count)

		bySeverity, err := env.d.ListValidations(ctx, &ListValidationsRequest{Severity: "high"})
		require.NoError(t, err)
		assert.Equal(t, 1, bySeverity.Count)
	})
	t.Run("Should reject unknown status and severity values", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.ListValidations(context.Background(), &ListValidationsRequest{Status: "bogus"})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
		_, err = env.d.ListValidations(context.Background(), &ListValidationsRequest{Severity: "meh"})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
	t.Run("Should filter by creation window", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		seed(t, env)

		future, err := env.d.ListValidations(ctx, &ListValidationsRequest{CreatedAfter: "2030-01-01T00:00:00Z"})
		require.NoError(t, err)
		assert.Zero(t, future.Count)

		past, err := env.d.ListValidations(ctx, &ListValidationsRequest{CreatedBefore: "2000-01-01T00:00:00Z"})
		require.NoError(t, err)
		assert.Zero(t, past.Count)
	})
	t.Run("Should page results", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		seed(t, env)

		page, err := env.d.ListValidations(ctx, &ListValidationsRequest{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Count)
	})
}

func TestUpdateValidation(t *testing.T) {
	t.Run("Should set status and append notes", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record := seedRecord(t, env, "content/docs/en/a.md", nil)

		got, err := env.d.UpdateValidation(ctx, &UpdateValidationRequest{
			ID:     record.ID.String(),
			Status: "approved",
			Notes:  "looks good",
		})
		require.NoError(t, err)
		assert.Equal(t, validation.StatusApproved, got.Status)
		assert.Contains(t, got.Notes, "looks good")
	})
	t.Run("Should keep the current status when only notes change", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record := seedRecord(t, env, "content/docs/en/a.md", nil)

		got, err := env.d.UpdateValidation(ctx, &UpdateValidationRequest{
			ID:    record.ID.String(),
			Notes: "note only",
		})
		require.NoError(t, err)
		assert.Equal(t, record.Status, got.Status)
		assert.Contains(t, got.Notes, "note only")
	})
	t.Run("Should reject unknown statuses", func(t *testing.T) {
		env := newTestEnv(t)
		record := seedRecord(t, env, "content/docs/en/a.md", nil)
		_, err := env.d.UpdateValidation(context.Background(), &UpdateValidationRequest{
			ID:     record.ID.String(),
			Status: "finished",
		})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
	t.Run("Should require status or notes", func(t *testing.T) {
		env := newTestEnv(t)
		record := seedRecord(t, env, "content/docs/en/a.md", nil)
		_, err := env.d.UpdateValidation(context.Background(), &UpdateValidationRequest{ID: record.ID.String()})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
}

func TestDeleteValidation(t *testing.T) {
	t.Run("Should require confirmation", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record := seedRecord(t, env, "content/docs/en/a.md", nil)

		_, err := env.d.DeleteValidation(ctx, &DeleteValidationRequest{ID: record.ID.String()})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
		_, err = env.st.Validations().Get(ctx, record.ID)
		assert.NoError(t, err)
	})
	t.Run("Should delete the record and its recommendations", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, _ := enhanceFixture(t, env)

		resp, err := env.d.DeleteValidation(ctx, &DeleteValidationRequest{ID: record.ID.String(), Confirm: true})
		require.NoError(t, err)
		assert.Equal(t, int64(1), resp.Deleted)

		_, err = env.st.Validations().Get(ctx, record.ID)
		assert.True(t, core.HasCode(err, core.CodeNotFound))
		recs, err := env.st.Recommendations().List(ctx, &recommend.Filter{ValidationID: record.ID})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestRevalidate(t *testing.T) {
	t.Run("Should produce a fresh record for the same file", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.writeFile(t, "content/docs/en/guide.md", sampleDoc)

		first, err := env.d.ValidateFile(ctx, &ValidateFileRequest{Path: "content/docs/en/guide.md"})
		require.NoError(t, err)
		require.Len(t, first.Records, 1)

		resp, err := env.d.Revalidate(ctx, &RevalidateRequest{ID: first.Records[0].ID.String()})
		require.NoError(t, err)
		assert.Equal(t, workflow.TypeRevalidate, resp.Workflow.Type)
		require.Len(t, resp.Records, 1)
		assert.NotEqual(t, first.Records[0].ID, resp.Records[0].ID)

		history, err := env.st.Validations().History(ctx, "content/docs/en/guide.md", 0)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})
	t.Run("Should fail for unknown validation ids", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.Revalidate(context.Background(), &RevalidateRequest{ID: core.MustNewID().String()})
		assert.True(t, core.HasCode(err, core.CodeNotFound))
	})
}
