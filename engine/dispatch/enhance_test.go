package dispatch

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
)

func TestEnhance(t *testing.T) {
	t.Run("Should apply approved recommendations to the file", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, _ := enhanceFixture(t, env)

		resp, err := env.d.Enhance(ctx, &EnhanceRequest{ValidationID: record.ID.String(), Actor: "cli"})
		require.NoError(t, err)
		assert.True(t, resp.Applied)
		assert.Equal(t, 1, resp.Result.AppliedCount)

		content, err := afero.ReadFile(env.fs, "content/docs/en/guide.md")
		require.NoError(t, err)
		assert.Contains(t, string(content), "Added by enhancement.")

		got, err := env.st.Validations().Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, validation.StatusEnhanced, got.Status)
		assert.Equal(t, resp.Result.AfterHash, got.EnhancedHash)
	})
	t.Run("Should resolve the newest record by file path", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		enhanceFixture(t, env)

		resp, err := env.d.Enhance(ctx, &EnhanceRequest{FilePath: "content/docs/en/guide.md", Actor: "cli"})
		require.NoError(t, err)
		assert.True(t, resp.Applied)
		assert.Equal(t, 1, resp.Result.AppliedCount)
	})
	t.Run("Should preview over supplied content without writing", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, _ := enhanceFixture(t, env)

		resp, err := env.d.Enhance(ctx, &EnhanceRequest{
			ValidationID: record.ID.String(),
			Content:      sampleDoc,
			Actor:        "cli",
		})
		require.NoError(t, err)
		assert.False(t, resp.Applied)
		assert.Equal(t, 1, resp.Result.AppliedCount)
		assert.Contains(t, resp.Result.Enhanced, "Added by enhancement.")

		content, err := afero.ReadFile(env.fs, "content/docs/en/guide.md")
		require.NoError(t, err)
		assert.Equal(t, sampleDoc, string(content))
		got, err := env.st.Validations().Get(ctx, record.ID)
		require.NoError(t, err)
		assert.NotEqual(t, validation.StatusEnhanced, got.Status)
	})
	t.Run("Should settle to a no-op once the enhancement landed", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, _ := enhanceFixture(t, env)
		req := &EnhanceRequest{ValidationID: record.ID.String(), Actor: "cli"}

		first, err := env.d.Enhance(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Result.AppliedCount)

		second, err := env.d.Enhance(ctx, req)
		require.NoError(t, err)
		assert.Zero(t, second.Result.AppliedCount)
		require.NotEmpty(t, second.Result.Outcomes)
		assert.Contains(t, second.Result.Outcomes[0].Reason, "already applied")
	})
	t.Run("Should require an actor and a target", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.Enhance(context.Background(), &EnhanceRequest{ValidationID: "v1"})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
		_, err = env.d.Enhance(context.Background(), &EnhanceRequest{Actor: "cli"})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
	t.Run("Should not find records for unvalidated files", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.Enhance(context.Background(), &EnhanceRequest{
			FilePath: "content/docs/en/none.md",
			Actor:    "cli",
		})
		assert.True(t, core.HasCode(err, core.CodeNotFound))
	})
}

func TestEnhanceBatch(t *testing.T) {
	t.Run("Should stream progress until the workflow settles", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, _ := enhanceFixture(t, env)

		stream, err := env.d.EnhanceBatch(ctx, &EnhanceBatchRequest{
			ValidationIDs: []string{record.ID.String()},
			Actor:         "cli",
		})
		require.NoError(t, err)
		defer stream.Close()
		assert.Equal(t, workflow.TypeEnhanceBatch, stream.Workflow.Type)

		events := 0
		for range stream.Events {
			events++
		}
		assert.Greater(t, events, 0)

		settled, err := env.st.Workflows().Get(ctx, stream.Workflow.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, settled.Status)

		content, err := afero.ReadFile(env.fs, "content/docs/en/guide.md")
		require.NoError(t, err)
		assert.Contains(t, string(content), "Added by enhancement.")
	})
	t.Run("Should validate ids and actor", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.EnhanceBatch(context.Background(), &EnhanceBatchRequest{Actor: "cli"})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
		_, err = env.d.EnhanceBatch(context.Background(), &EnhanceBatchRequest{ValidationIDs: []string{"v1"}})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
}

func TestEnhancePreview(t *testing.T) {
	t.Run("Should compute the result without writing", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, _ := enhanceFixture(t, env)

		result, err := env.d.EnhancePreview(ctx, &EnhancePreviewRequest{ValidationID: record.ID.String()})
		require.NoError(t, err)
		assert.Equal(t, 1, result.AppliedCount)
		assert.Contains(t, result.Enhanced, "Added by enhancement.")
		assert.False(t, result.NoChange())

		content, err := afero.ReadFile(env.fs, "content/docs/en/guide.md")
		require.NoError(t, err)
		assert.Equal(t, sampleDoc, string(content))
	})
	t.Run("Should narrow to requested recommendations", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, first := enhanceFixture(t, env)
		second := recommend.New(record.ID, recommend.TypeManualReview, "second note",
			recommend.InsertAfter(7, "Second note."), 0.8)
		require.NoError(t, second.Review(recommend.StatusApproved, "reviewer", ""))
		require.NoError(t, env.st.Recommendations().Put(ctx, second))

		result, err := env.d.EnhancePreview(ctx, &EnhancePreviewRequest{
			ValidationID:      record.ID.String(),
			RecommendationIDs: []string{first.ID.String()},
		})
		require.NoError(t, err)
		require.Len(t, result.Outcomes, 1)
		assert.Equal(t, first.ID, result.Outcomes[0].RecommendationID)
	})
}

func TestEnhanceAutoApply(t *testing.T) {
	t.Run("Should approve and apply confident automated fixes", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.writeFile(t, "content/docs/en/guide.md", sampleDoc)
		record := seedRecord(t, env, "content/docs/en/guide.md", nil)
		confident := recommend.New(record.ID, recommend.TypeManualReview, "confident fix",
			recommend.InsertAfter(8, "Added by enhancement."), 0.9)
		hesitant := recommend.New(record.ID, recommend.TypeManualReview, "hesitant fix",
			recommend.InsertAfter(7, "Second note."), 0.6)
		manual := recommend.New(record.ID, recommend.TypeManualReview, "manual only", nil, 0.95)
		require.NoError(t, env.st.Recommendations().PutBatch(ctx, []*recommend.Recommendation{confident, hesitant, manual}))

		resp, err := env.d.EnhanceAutoApply(ctx, &AutoApplyRequest{
			ValidationID:        record.ID.String(),
			ConfidenceThreshold: 0.8,
			Actor:               "cli",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Approved)
		require.NotNil(t, resp.Result)
		assert.Equal(t, 1, resp.Result.AppliedCount)

		applied, err := env.st.Recommendations().Get(ctx, confident.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusApplied, applied.Status)
		untouched, err := env.st.Recommendations().Get(ctx, hesitant.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusProposed, untouched.Status)
		skipped, err := env.st.Recommendations().Get(ctx, manual.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusProposed, skipped.Status)
	})
	t.Run("Should cap the set by max recommendations, highest confidence first", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.writeFile(t, "content/docs/en/guide.md", sampleDoc)
		record := seedRecord(t, env, "content/docs/en/guide.md", nil)
		best := recommend.New(record.ID, recommend.TypeManualReview, "best fix",
			recommend.InsertAfter(8, "Added by enhancement."), 0.9)
		runnerUp := recommend.New(record.ID, recommend.TypeManualReview, "runner up",
			recommend.InsertAfter(7, "Second note."), 0.85)
		require.NoError(t, env.st.Recommendations().PutBatch(ctx, []*recommend.Recommendation{best, runnerUp}))

		resp, err := env.d.EnhanceAutoApply(ctx, &AutoApplyRequest{
			ValidationID:        record.ID.String(),
			ConfidenceThreshold: 0.5,
			MaxRecommendations:  1,
			Actor:               "cli",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Approved)

		got, err := env.st.Recommendations().Get(ctx, best.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusApplied, got.Status)
		other, err := env.st.Recommendations().Get(ctx, runnerUp.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusProposed, other.Status)
	})
	t.Run("Should return an empty response when nothing qualifies", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record := seedRecord(t, env, "content/docs/en/guide.md", nil)

		resp, err := env.d.EnhanceAutoApply(ctx, &AutoApplyRequest{
			ValidationID: record.ID.String(),
			Actor:        "cli",
		})
		require.NoError(t, err)
		assert.Zero(t, resp.Approved)
		assert.Nil(t, resp.Result)
	})
}

func TestGetEnhancementComparison(t *testing.T) {
	t.Run("Should rebuild the before and after view", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, _ := enhanceFixture(t, env)
		_, err := env.d.Enhance(ctx, &EnhanceRequest{ValidationID: record.ID.String(), Actor: "cli"})
		require.NoError(t, err)

		resp, err := env.d.GetEnhancementComparison(ctx, &ComparisonRequest{ValidationID: record.ID.String()})
		require.NoError(t, err)
		assert.Equal(t, record.ID, resp.ValidationID)
		assert.Equal(t, "content/docs/en/guide.md", resp.FilePath)
		assert.Equal(t, sampleDoc, resp.Original)
		assert.Contains(t, resp.Enhanced, "Added by enhancement.")
		assert.NotEmpty(t, resp.Diff)
		assert.Equal(t, record.ContentHash, resp.OriginalHash)
		assert.Equal(t, 1, resp.Recommendations[recommend.StatusApplied])
		assert.NotEmpty(t, resp.AuditTrail)
	})
	t.Run("Should conflict for records that were never enhanced", func(t *testing.T) {
		env := newTestEnv(t)
		record := seedRecord(t, env, "content/docs/en/a.md", nil)
		_, err := env.d.GetEnhancementComparison(context.Background(), &ComparisonRequest{ValidationID: record.ID.String()})
		assert.True(t, core.HasCode(err, core.CodeConflict))
	})
	t.Run("Should fail for unknown records", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.GetEnhancementComparison(context.Background(), &ComparisonRequest{
			ValidationID: core.MustNewID().String(),
		})
		assert.True(t, core.HasCode(err, core.CodeNotFound))
	})
}
