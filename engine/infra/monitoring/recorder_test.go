package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/infra/memstore"
	"github.com/tbcv/tbcv/engine/infra/store"
)

func findRollup(t *testing.T, rollups []*store.MetricRollup, name string) *store.MetricRollup {
	t.Helper()
	for _, rollup := range rollups {
		if rollup.Name == name {
			return rollup
		}
	}
	t.Fatalf("rollup %q not found", name)
	return nil
}

func TestRecorder_Rollups(t *testing.T) {
	t.Run("Should fold samples into daily rollups", func(t *testing.T) {
		ctx := testCtx(t)
		service, err := NewService(ctx, nil)
		require.NoError(t, err)
		repo := memstore.New().Metrics()
		recorder := NewRecorder(service, repo)

		recorder.MethodCall(ctx, "validate_file", "ok", 250*time.Millisecond)
		recorder.MethodCall(ctx, "validate_file", "ok", 250*time.Millisecond)
		recorder.Validation(ctx, "docs", "fail", map[string]int{"high": 2, "medium": 1})
		recorder.CacheLookup(ctx, "l1")
		recorder.CacheLookup(ctx, "l2")
		recorder.CacheLookup(ctx, "miss")
		recorder.Enhancement(ctx, "applied")
		recorder.Workflow(ctx, "validate_directory", "completed", 2*time.Second)
		recorder.RecommendationReview(ctx, "approve")

		rollups, err := repo.Rollup(ctx, 1)
		require.NoError(t, err)

		method := findRollup(t, rollups, "method:validate_file")
		assert.Equal(t, int64(2), method.Count)
		assert.InDelta(t, 0.5, method.Sum, 0.001)
		assert.InDelta(t, 0.25, method.Mean(), 0.001)

		validation := findRollup(t, rollups, "validations:docs")
		assert.Equal(t, int64(1), validation.Count)
		assert.InDelta(t, 3.0, validation.Sum, 0.001)

		assert.Equal(t, int64(2), findRollup(t, rollups, "issues:high").Count)
		assert.Equal(t, int64(1), findRollup(t, rollups, "issues:medium").Count)
		assert.Equal(t, int64(2), findRollup(t, rollups, SampleCacheHit).Count)
		assert.Equal(t, int64(1), findRollup(t, rollups, SampleCacheMiss).Count)
		assert.Equal(t, int64(1), findRollup(t, rollups, "enhancements:applied").Count)

		workflow := findRollup(t, rollups, "workflow:validate_directory")
		assert.Equal(t, int64(1), workflow.Count)
		assert.InDelta(t, 2.0, workflow.Sum, 0.001)

		assert.Equal(t, int64(1), findRollup(t, rollups, "reviews:approve").Count)
	})

	t.Run("Should skip zero-count issue severities", func(t *testing.T) {
		ctx := testCtx(t)
		service, err := NewService(ctx, nil)
		require.NoError(t, err)
		repo := memstore.New().Metrics()
		recorder := NewRecorder(service, repo)

		recorder.Validation(ctx, "docs", "pass", map[string]int{"high": 0})

		rollups, err := repo.Rollup(ctx, 1)
		require.NoError(t, err)
		require.Len(t, rollups, 1)
		assert.Equal(t, "validations:docs", rollups[0].Name)
		assert.InDelta(t, 0.0, rollups[0].Sum, 0.001)
	})

	t.Run("Should record instruments only without a repo", func(t *testing.T) {
		ctx := testCtx(t)
		service, err := NewService(ctx, nil)
		require.NoError(t, err)
		recorder := NewRecorder(service, nil)
		recorder.MethodCall(ctx, "validate_file", "ok", time.Millisecond)
		recorder.CacheLookup(ctx, "miss")
	})

	t.Run("Should tolerate a nil recorder", func(t *testing.T) {
		ctx := testCtx(t)
		var recorder *Recorder
		recorder.MethodCall(ctx, "validate_file", "ok", time.Millisecond)
		recorder.Validation(ctx, "docs", "pass", nil)
		recorder.CacheLookup(ctx, "l1")
		recorder.Enhancement(ctx, "applied")
		recorder.Workflow(ctx, "validate_file", "completed", time.Second)
		recorder.RecommendationReview(ctx, "approve")
	})
}
