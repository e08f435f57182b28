package dispatch

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/audit"
	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
)

func proposedFixture(t *testing.T, env *testEnv) (*validation.Record, *recommend.Recommendation) {
	t.Helper()
	record := seedRecord(t, env, "content/docs/en/guide.md", nil)
	rec := recommend.New(record.ID, recommend.TypeManualReview, "append body note",
		recommend.InsertAfter(8, "Added by enhancement."), 0.9)
	require.NoError(t, env.st.Recommendations().Put(context.Background(), rec))
	return record, rec
}

func TestApprove(t *testing.T) {
	t.Run("Should approve records and cascade to proposed recommendations", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, rec := proposedFixture(t, env)

		resp, err := env.d.Approve(ctx, &ApprovalRequest{
			IDs:   []string{record.ID.String()},
			Actor: "reviewer",
			Notes: "ship it",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Reviewed)

		got, err := env.st.Validations().Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, validation.StatusApproved, got.Status)
		assert.Contains(t, got.Notes, "ship it")

		reviewed, err := env.st.Recommendations().Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusApproved, reviewed.Status)
		assert.Equal(t, "reviewer", reviewed.Reviewer)

		entries, err := env.st.Audit().List(ctx, &audit.Filter{ValidationID: record.ID, Action: audit.ActionApprove})
		require.NoError(t, err)
		assert.NotEmpty(t, entries)
	})
	t.Run("Should leave already-reviewed recommendations alone", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, rec := proposedFixture(t, env)
		_, err := env.d.ReviewRecommendation(ctx, &ReviewRecommendationRequest{
			ID:       rec.ID.String(),
			Status:   "rejected",
			Reviewer: "lee",
		})
		require.NoError(t, err)

		_, err = env.d.Approve(ctx, &ApprovalRequest{IDs: []string{record.ID.String()}, Actor: "reviewer"})
		require.NoError(t, err)

		got, err := env.st.Recommendations().Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusRejected, got.Status)
	})
	t.Run("Should abort the strict batch on the first failure", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record := seedRecord(t, env, "content/docs/en/a.md", nil)

		_, err := env.d.Approve(ctx, &ApprovalRequest{
			IDs:   []string{core.MustNewID().String(), record.ID.String()},
			Actor: "reviewer",
		})
		assert.True(t, core.HasCode(err, core.CodeNotFound))

		got, err := env.st.Validations().Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, record.Status, got.Status)
	})
	t.Run("Should require ids and an actor", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.Approve(context.Background(), &ApprovalRequest{Actor: "reviewer"})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
		_, err = env.d.Approve(context.Background(), &ApprovalRequest{IDs: []string{"x"}})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
}

func TestBulkApproveReject(t *testing.T) {
	t.Run("Should continue past per-id failures", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record := seedRecord(t, env, "content/docs/en/a.md", nil)

		resp, err := env.d.BulkApprove(ctx, &ApprovalRequest{
			IDs:   []string{core.MustNewID().String(), record.ID.String()},
			Actor: "reviewer",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Reviewed)
		require.Len(t, resp.Outcomes, 2)
		assert.False(t, resp.Outcomes[0].OK)
		assert.NotEmpty(t, resp.Outcomes[0].Error)
		assert.True(t, resp.Outcomes[1].OK)

		got, err := env.st.Validations().Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, validation.StatusApproved, got.Status)
	})
	t.Run("Should reject records and their proposed recommendations", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, rec := proposedFixture(t, env)

		resp, err := env.d.BulkReject(ctx, &ApprovalRequest{
			IDs:   []string{record.ID.String()},
			Actor: "reviewer",
			Notes: "stale content",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Reviewed)

		got, err := env.st.Validations().Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, validation.StatusRejected, got.Status)
		rejected, err := env.st.Recommendations().Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusRejected, rejected.Status)
	})
}

func TestGenerateRecommendations(t *testing.T) {
	issueRecord := func(t *testing.T, env *testEnv) *validation.Record {
		t.Helper()
		return seedRecord(t, env, "content/docs/en/a.md", []validation.Issue{
			{
				Type:      validation.IssueSEOTitleLength,
				Severity:  core.SeverityMedium,
				Message:   "title is too short for search result display",
				Validator: "seo",
			},
			{
				Type:      validation.IssueValidatorError,
				Severity:  core.SeverityInfo,
				Message:   "truth validator skipped",
				Validator: "truth",
			},
		})
	}

	t.Run("Should map issues to proposed recommendations", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record := issueRecord(t, env)

		resp, err := env.d.GenerateRecommendations(ctx, &GenerateRecommendationsRequest{
			ValidationID: record.ID.String(),
		})
		require.NoError(t, err)
		require.Equal(t, 1, resp.Count)
		rec := resp.Recommendations[0]
		assert.Equal(t, record.ID, rec.ValidationID)
		assert.Equal(t, recommend.StatusProposed, rec.Status)
		assert.Greater(t, rec.Confidence, 0.0)

		entries, err := env.st.Audit().List(ctx, &audit.Filter{ValidationID: record.ID, Action: audit.ActionPropose})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Contains(t, entries[0].Notes, "proposed 1 recommendations")
	})
	t.Run("Should return existing recommendations unless regenerate is set", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record := issueRecord(t, env)

		first, err := env.d.GenerateRecommendations(ctx, &GenerateRecommendationsRequest{ValidationID: record.ID.String()})
		require.NoError(t, err)
		require.Equal(t, 1, first.Count)

		again, err := env.d.GenerateRecommendations(ctx, &GenerateRecommendationsRequest{ValidationID: record.ID.String()})
		require.NoError(t, err)
		require.Equal(t, 1, again.Count)
		assert.Equal(t, first.Recommendations[0].ID, again.Recommendations[0].ID)

		rebuilt, err := env.d.RebuildRecommendations(ctx, &RebuildRecommendationsRequest{ValidationID: record.ID.String()})
		require.NoError(t, err)
		require.Equal(t, 1, rebuilt.Count)
		assert.NotEqual(t, first.Recommendations[0].ID, rebuilt.Recommendations[0].ID)

		all, err := env.st.Recommendations().List(ctx, &recommend.Filter{ValidationID: record.ID})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
	t.Run("Should fail for unknown records", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.GenerateRecommendations(context.Background(), &GenerateRecommendationsRequest{
			ValidationID: core.MustNewID().String(),
		})
		assert.True(t, core.HasCode(err, core.CodeNotFound))
		_, err = env.d.GenerateRecommendations(context.Background(), &GenerateRecommendationsRequest{})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
}

func TestReviewRecommendation(t *testing.T) {
	t.Run("Should approve one recommendation", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		_, rec := proposedFixture(t, env)

		got, err := env.d.ReviewRecommendation(ctx, &ReviewRecommendationRequest{
			ID:       rec.ID.String(),
			Status:   "approved",
			Reviewer: "lee",
			Notes:    "fix is safe",
		})
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusApproved, got.Status)
		assert.Equal(t, "lee", got.Reviewer)
		require.NotNil(t, got.ReviewedAt)

		stored, err := env.st.Recommendations().Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusApproved, stored.Status)
	})
	t.Run("Should conflict on a second review", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		_, rec := proposedFixture(t, env)
		req := &ReviewRecommendationRequest{ID: rec.ID.String(), Status: "approved", Reviewer: "lee"}

		_, err := env.d.ReviewRecommendation(ctx, req)
		require.NoError(t, err)
		_, err = env.d.ReviewRecommendation(ctx, req)
		assert.True(t, core.HasCode(err, core.CodeConflict))
	})
	t.Run("Should reject invalid target statuses", func(t *testing.T) {
		env := newTestEnv(t)
		_, rec := proposedFixture(t, env)
		_, err := env.d.ReviewRecommendation(context.Background(), &ReviewRecommendationRequest{
			ID:       rec.ID.String(),
			Status:   "applied",
			Reviewer: "lee",
		})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
	t.Run("Should require a reviewer", func(t *testing.T) {
		env := newTestEnv(t)
		_, rec := proposedFixture(t, env)
		_, err := env.d.ReviewRecommendation(context.Background(), &ReviewRecommendationRequest{
			ID:     rec.ID.String(),
			Status: "approved",
		})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
}

func TestBulkReviewRecommendations(t *testing.T) {
	t.Run("Should apply one action across ids tolerating failures", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, first := proposedFixture(t, env)
		second := recommend.New(record.ID, recommend.TypeManualReview, "second note",
			recommend.InsertAfter(7, "Second note."), 0.8)
		require.NoError(t, env.st.Recommendations().Put(ctx, second))

		resp, err := env.d.BulkReviewRecommendations(ctx, &BulkReviewRequest{
			IDs:      []string{first.ID.String(), second.ID.String(), core.MustNewID().String()},
			Action:   "reject",
			Reviewer: "lee",
		})
		require.NoError(t, err)
		assert.Equal(t, 2, resp.Reviewed)
		require.Len(t, resp.Outcomes, 3)
		assert.NotEmpty(t, resp.Outcomes[2].Error)

		got, err := env.st.Recommendations().Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusRejected, got.Status)
	})
	t.Run("Should reject unknown actions", func(t *testing.T) {
		env := newTestEnv(t)
		_, rec := proposedFixture(t, env)
		_, err := env.d.BulkReviewRecommendations(context.Background(), &BulkReviewRequest{
			IDs:      []string{rec.ID.String()},
			Action:   "defer",
			Reviewer: "lee",
		})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
}

func TestApplyRecommendations(t *testing.T) {
	t.Run("Should enhance the record through approved recommendations", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, rec := enhanceFixture(t, env)

		result, err := env.d.ApplyRecommendations(ctx, &ApplyRecommendationsRequest{
			ValidationID: record.ID.String(),
			Actor:        "cli",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.AppliedCount)

		content, err := afero.ReadFile(env.fs, "content/docs/en/guide.md")
		require.NoError(t, err)
		assert.Contains(t, string(content), "Added by enhancement.")

		got, err := env.st.Validations().Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, validation.StatusEnhanced, got.Status)
		applied, err := env.st.Recommendations().Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusApplied, applied.Status)
	})
	t.Run("Should narrow to explicit recommendation ids", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, first := enhanceFixture(t, env)
		second := recommend.New(record.ID, recommend.TypeManualReview, "second note",
			recommend.InsertAfter(7, "Second note."), 0.8)
		require.NoError(t, second.Review(recommend.StatusApproved, "reviewer", ""))
		require.NoError(t, env.st.Recommendations().Put(ctx, second))

		result, err := env.d.ApplyRecommendations(ctx, &ApplyRecommendationsRequest{
			ValidationID:      record.ID.String(),
			RecommendationIDs: []string{first.ID.String()},
			Actor:             "cli",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.AppliedCount)

		untouched, err := env.st.Recommendations().Get(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusApproved, untouched.Status)
	})
	t.Run("Should require a validation id and an actor", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.ApplyRecommendations(context.Background(), &ApplyRecommendationsRequest{Actor: "cli"})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
		_, err = env.d.ApplyRecommendations(context.Background(), &ApplyRecommendationsRequest{ValidationID: "v1"})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
}

func TestMarkRecommendationsApplied(t *testing.T) {
	t.Run("Should flip approved recommendations without touching files", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		_, rec := enhanceFixture(t, env)

		resp, err := env.d.MarkRecommendationsApplied(ctx, &MarkAppliedRequest{
			IDs:   []string{rec.ID.String()},
			Actor: "ops",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.Reviewed)

		got, err := env.st.Recommendations().Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusApplied, got.Status)

		content, err := afero.ReadFile(env.fs, "content/docs/en/guide.md")
		require.NoError(t, err)
		assert.Equal(t, sampleDoc, string(content))
	})
	t.Run("Should report per-id failures for unapproved recommendations", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		_, rec := proposedFixture(t, env)

		resp, err := env.d.MarkRecommendationsApplied(ctx, &MarkAppliedRequest{
			IDs:   []string{rec.ID.String()},
			Actor: "ops",
		})
		require.NoError(t, err)
		assert.Zero(t, resp.Reviewed)
		require.Len(t, resp.Outcomes, 1)
		assert.NotEmpty(t, resp.Outcomes[0].Error)
	})
}

func TestDeleteRecommendation(t *testing.T) {
	t.Run("Should require confirmation", func(t *testing.T) {
		env := newTestEnv(t)
		_, rec := proposedFixture(t, env)
		_, err := env.d.DeleteRecommendation(context.Background(), &DeleteRecommendationRequest{ID: rec.ID.String()})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
	t.Run("Should delete one recommendation", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		_, rec := proposedFixture(t, env)

		resp, err := env.d.DeleteRecommendation(ctx, &DeleteRecommendationRequest{ID: rec.ID.String(), Confirm: true})
		require.NoError(t, err)
		assert.Equal(t, int64(1), resp.Deleted)
		_, err = env.st.Recommendations().Get(ctx, rec.ID)
		assert.True(t, core.HasCode(err, core.CodeNotFound))
	})
}

func TestGetRecommendations(t *testing.T) {
	t.Run("Should filter by validation, status and confidence", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, first := proposedFixture(t, env)
		second := recommend.New(record.ID, recommend.TypeManualReview, "high confidence note",
			recommend.InsertAfter(7, "Second note."), 0.97)
		require.NoError(t, env.st.Recommendations().Put(ctx, second))
		_, err := env.d.ReviewRecommendation(ctx, &ReviewRecommendationRequest{
			ID:       first.ID.String(),
			Status:   "approved",
			Reviewer: "lee",
		})
		require.NoError(t, err)

		all, err := env.d.GetRecommendations(ctx, &ListRecommendationsRequest{ValidationID: record.ID.String()})
		require.NoError(t, err)
		assert.Equal(t, 2, all.Count)

		proposed, err := env.d.GetRecommendations(ctx, &ListRecommendationsRequest{Status: "proposed"})
		require.NoError(t, err)
		require.Equal(t, 1, proposed.Count)
		assert.Equal(t, second.ID, proposed.Recommendations[0].ID)

		confident, err := env.d.GetRecommendations(ctx, &ListRecommendationsRequest{MinConfidence: 0.95})
		require.NoError(t, err)
		require.Equal(t, 1, confident.Count)
		assert.Equal(t, second.ID, confident.Recommendations[0].ID)
	})
	t.Run("Should reject unknown statuses", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.GetRecommendations(context.Background(), &ListRecommendationsRequest{Status: "maybe"})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
}
