package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/audit"
	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
)

func TestWorkflowRepo(t *testing.T) {
	t.Run("Should round trip a workflow without sharing memory", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		wf := workflow.New(workflow.TypeValidateFile, map[string]any{"path": "docs/en/a.md"})
		require.NoError(t, s.Workflows().Put(ctx, wf))
		wf.Params["path"] = "mutated"
		got, err := s.Workflows().Get(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, "docs/en/a.md", got.Params["path"])
		got.Params["path"] = "mutated again"
		again, err := s.Workflows().Get(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, "docs/en/a.md", again.Params["path"])
	})
	t.Run("Should return NOT_FOUND for a missing workflow", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		_, err := s.Workflows().Get(ctx, core.MustNewID())
		assert.True(t, core.HasCode(err, core.CodeNotFound))
	})
	t.Run("Should update state without touching params", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		wf := workflow.New(workflow.TypeValidateFile, map[string]any{"path": "docs/en/a.md"})
		require.NoError(t, s.Workflows().Put(ctx, wf))
		require.NoError(t, s.Workflows().UpdateState(ctx, wf.ID, core.StatusRunning, 2, 4))
		got, err := s.Workflows().Get(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusRunning, got.Status)
		assert.Equal(t, 2, got.CurrentStep)
		assert.Equal(t, 4, got.TotalSteps)
		assert.Equal(t, "docs/en/a.md", got.Params["path"])
	})
	t.Run("Should list newest first with filter and pagination", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		base := time.Now().UTC()
		var ids []core.ID
		for i := 0; i < 3; i++ {
			wf := workflow.New(workflow.TypeValidateFile, nil)
			wf.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.Workflows().Put(ctx, wf))
			ids = append(ids, wf.ID)
		}
		other := workflow.New(workflow.TypeEnhance, nil)
		require.NoError(t, s.Workflows().Put(ctx, other))

		got, err := s.Workflows().List(ctx, &workflow.Filter{Type: workflow.TypeValidateFile})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, ids[2], got[0].ID)
		assert.Equal(t, ids[0], got[2].ID)

		page, err := s.Workflows().List(ctx, &workflow.Filter{Type: workflow.TypeValidateFile, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[1], page[0].ID)
	})
	t.Run("Should refuse delete without confirm", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		wf := workflow.New(workflow.TypeValidateFile, nil)
		require.NoError(t, s.Workflows().Put(ctx, wf))
		err := s.Workflows().Delete(ctx, wf.ID, false)
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
		require.NoError(t, s.Workflows().Delete(ctx, wf.ID, true))
		_, err = s.Workflows().Get(ctx, wf.ID)
		assert.True(t, core.HasCode(err, core.CodeNotFound))
	})
	t.Run("Should bulk delete matches and their checkpoints", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		wf := workflow.New(workflow.TypeValidateFile, nil)
		require.NoError(t, s.Workflows().Put(ctx, wf))
		require.NoError(t, s.Workflows().AppendCheckpoint(ctx, workflow.NewCheckpoint(wf.ID, "ingest", 1, nil)))
		keep := workflow.New(workflow.TypeEnhance, nil)
		require.NoError(t, s.Workflows().Put(ctx, keep))

		n, err := s.Workflows().BulkDelete(ctx, &workflow.Filter{Type: workflow.TypeValidateFile}, true)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		_, err = s.Workflows().LatestCheckpoint(ctx, wf.ID)
		assert.True(t, core.HasCode(err, core.CodeNotFound))
		_, err = s.Workflows().Get(ctx, keep.ID)
		require.NoError(t, err)
	})
	t.Run("Should return the latest checkpoint", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		wf := workflow.New(workflow.TypeValidateDirectory, nil)
		require.NoError(t, s.Workflows().Put(ctx, wf))
		_, err := s.Workflows().LatestCheckpoint(ctx, wf.ID)
		assert.True(t, core.HasCode(err, core.CodeNotFound))
		require.NoError(t, s.Workflows().AppendCheckpoint(ctx, workflow.NewCheckpoint(wf.ID, "walk", 1, nil)))
		require.NoError(t, s.Workflows().AppendCheckpoint(ctx, workflow.NewCheckpoint(wf.ID, "file", 2, map[string]any{"done": []string{"a.md"}})))
		cp, err := s.Workflows().LatestCheckpoint(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, "file", cp.Step)
		assert.Equal(t, 2, cp.Position)
	})
}

func TestValidationRepo(t *testing.T) {
	newRecord := func(path string) *validation.Record {
		return validation.NewRecord(core.MustNewID(), core.NewRunID(), path, "plugins", "hash", []string{"markdown"}, nil)
	}
	t.Run("Should update status and append notes", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		rec := newRecord("docs/en/a.md")
		require.NoError(t, s.Validations().Put(ctx, rec))
		require.NoError(t, s.Validations().UpdateStatus(ctx, rec.ID, validation.StatusApproved, "looks good"))
		got, err := s.Validations().Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, validation.StatusApproved, got.Status)
		assert.Contains(t, got.Notes, "looks good")
	})
	t.Run("Should reject an unknown status", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		rec := newRecord("docs/en/a.md")
		require.NoError(t, s.Validations().Put(ctx, rec))
		err := s.Validations().UpdateStatus(ctx, rec.ID, validation.Status("bogus"), "")
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
	t.Run("Should list history newest first with a limit", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		base := time.Now().UTC()
		var ids []core.ID
		for i := 0; i < 3; i++ {
			rec := newRecord("docs/en/a.md")
			rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.Validations().Put(ctx, rec))
			ids = append(ids, rec.ID)
		}
		require.NoError(t, s.Validations().Put(ctx, newRecord("docs/en/b.md")))

		got, err := s.Validations().History(ctx, "docs/en/a.md", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ids[2], got[0].ID)
		assert.Equal(t, ids[1], got[1].ID)
	})
	t.Run("Should filter list by workflow and status", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		rec := newRecord("docs/en/a.md")
		require.NoError(t, s.Validations().Put(ctx, rec))
		skipped := validation.NewSkippedRecord(rec.WorkflowID, rec.RunID, "docs/fr/a.md", "language gate")
		require.NoError(t, s.Validations().Put(ctx, skipped))

		got, err := s.Validations().List(ctx, &validation.Filter{WorkflowID: rec.WorkflowID, Status: validation.StatusSkipped})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, skipped.ID, got[0].ID)
	})
}

func TestRecommendationRepo(t *testing.T) {
	t.Run("Should batch write and list in generation order", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		validationID := core.MustNewID()
		base := time.Now().UTC()
		var recs []*recommend.Recommendation
		for i := 0; i < 3; i++ {
			rec := recommend.New(validationID, recommend.TypeManualReview, "check section", nil, 0.5)
			rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
			recs = append(recs, rec)
		}
		require.NoError(t, s.Recommendations().PutBatch(ctx, recs))

		got, err := s.Recommendations().List(ctx, &recommend.Filter{ValidationID: validationID})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, recs[0].ID, got[0].ID)
		assert.Equal(t, recs[2].ID, got[2].ID)
	})
	t.Run("Should filter by minimum confidence", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		validationID := core.MustNewID()
		low := recommend.New(validationID, recommend.TypeManualReview, "low", nil, 0.3)
		high := recommend.New(validationID, recommend.TypeFixURLScheme, "high", nil, 0.95)
		require.NoError(t, s.Recommendations().PutBatch(ctx, []*recommend.Recommendation{low, high}))

		got, err := s.Recommendations().List(ctx, &recommend.Filter{ValidationID: validationID, MinConfidence: 0.8})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, high.ID, got[0].ID)
	})
	t.Run("Should set status with reviewer and stamp reviewed_at", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		rec := recommend.New(core.MustNewID(), recommend.TypeFixHeadingLevel, "demote", nil, 0.9)
		require.NoError(t, s.Recommendations().Put(ctx, rec))
		require.NoError(t, s.Recommendations().SetStatus(ctx, rec.ID, recommend.StatusApproved, "reviewer", "ship it"))
		got, err := s.Recommendations().Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, recommend.StatusApproved, got.Status)
		assert.Equal(t, "reviewer", got.Reviewer)
		assert.Equal(t, "ship it", got.Notes)
		require.NotNil(t, got.ReviewedAt)
	})
	t.Run("Should delete by validation and report the count", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		validationID := core.MustNewID()
		a := recommend.New(validationID, recommend.TypeManualReview, "a", nil, 0.5)
		b := recommend.New(validationID, recommend.TypeManualReview, "b", nil, 0.5)
		other := recommend.New(core.MustNewID(), recommend.TypeManualReview, "other", nil, 0.5)
		require.NoError(t, s.Recommendations().PutBatch(ctx, []*recommend.Recommendation{a, b, other}))

		n, err := s.Recommendations().DeleteByValidation(ctx, validationID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		_, err = s.Recommendations().Get(ctx, other.ID)
		require.NoError(t, err)
	})
	t.Run("Should skip missing ids in ListByIDs", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		rec := recommend.New(core.MustNewID(), recommend.TypeManualReview, "a", nil, 0.5)
		require.NoError(t, s.Recommendations().Put(ctx, rec))
		got, err := s.Recommendations().ListByIDs(ctx, []core.ID{rec.ID, core.MustNewID()})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, rec.ID, got[0].ID)
	})
}

func TestAuditRepo(t *testing.T) {
	t.Run("Should list entries newest first with filters", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		recID := core.MustNewID()
		older := audit.NewEntry("alice", audit.ActionApprove).ForRecommendation(recID)
		older.Timestamp = time.Now().UTC().Add(-time.Hour)
		newer := audit.NewEntry("alice", audit.ActionApply).ForRecommendation(recID)
		require.NoError(t, s.Audit().Append(ctx, older))
		require.NoError(t, s.Audit().Append(ctx, newer))
		require.NoError(t, s.Audit().Append(ctx, audit.NewEntry("bob", audit.ActionReject)))

		got, err := s.Audit().List(ctx, &audit.Filter{Actor: "alice"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, audit.ActionApply, got[0].Action)

		since, err := s.Audit().List(ctx, &audit.Filter{Actor: "alice", Since: time.Now().UTC().Add(-time.Minute)})
		require.NoError(t, err)
		require.Len(t, since, 1)
	})
	t.Run("Should require confirm to reset", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		require.NoError(t, s.Audit().Append(ctx, audit.NewEntry("alice", audit.ActionPropose)))
		_, err := s.Audit().Reset(ctx, false)
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
		n, err := s.Audit().Reset(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		got, err := s.Audit().List(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestCacheRepo(t *testing.T) {
	t.Run("Should treat a missing key as NOT_FOUND", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		_, err := s.CacheEntries().Get(ctx, "validation:none")
		assert.True(t, core.HasCode(err, core.CodeNotFound))
	})
	t.Run("Should delete by prefix", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		now := time.Now().UTC()
		for _, key := range []string{"validation:a", "validation:b", "truth:plugins"} {
			require.NoError(t, s.CacheEntries().Put(ctx, &store.CacheEntry{
				Key: key, Value: []byte("v"), ExpiresAt: now.Add(time.Hour), CreatedAt: now,
			}))
		}
		n, err := s.CacheEntries().DeletePrefix(ctx, "validation:")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		entries, bytes, err := s.CacheEntries().Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), entries)
		assert.Equal(t, int64(1), bytes)
	})
	t.Run("Should remove only expired entries", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		now := time.Now().UTC()
		require.NoError(t, s.CacheEntries().Put(ctx, &store.CacheEntry{
			Key: "stale", Value: []byte("v"), ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour),
		}))
		require.NoError(t, s.CacheEntries().Put(ctx, &store.CacheEntry{
			Key: "fresh", Value: []byte("v"), ExpiresAt: now.Add(time.Hour), CreatedAt: now,
		}))
		n, err := s.CacheEntries().DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		_, err = s.CacheEntries().Get(ctx, "fresh")
		require.NoError(t, err)
	})
}

func TestMetricsRepo(t *testing.T) {
	t.Run("Should fold samples into daily rollups", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		day := store.Day(time.Now())
		require.NoError(t, s.Metrics().Record(ctx, &store.MetricSample{Day: day, Name: "validate_content", Count: 1, Sum: 120}))
		require.NoError(t, s.Metrics().Record(ctx, &store.MetricSample{Day: day, Name: "validate_content", Count: 1, Sum: 80}))
		require.NoError(t, s.Metrics().Record(ctx, &store.MetricSample{Day: "2000-01-01", Name: "validate_content", Count: 1, Sum: 5}))

		got, err := s.Metrics().Rollup(ctx, 7)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(2), got[0].Count)
		assert.InDelta(t, 100.0, got[0].Mean(), 0.001)
	})
}

func TestStoreClosed(t *testing.T) {
	t.Run("Should fail with STORAGE_UNAVAILABLE after Close", func(t *testing.T) {
		ctx := context.Background()
		s := New()
		require.NoError(t, s.Ping(ctx))
		require.NoError(t, s.Close())
		assert.True(t, core.HasCode(s.Ping(ctx), core.CodeStorageUnavailable))
		_, err := s.Workflows().Get(ctx, core.MustNewID())
		assert.True(t, core.HasCode(err, core.CodeStorageUnavailable))
	})
}
