package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/core"
)

func TestNewError(t *testing.T) {
	t.Run("Should carry code, message and details", func(t *testing.T) {
		err := core.NewError(nil, core.CodeNotFound, map[string]any{"reason": "validation not found", "id": "abc"})
		assert.Equal(t, core.CodeNotFound, err.Code)
		assert.Equal(t, "validation not found", err.Message)
		assert.Equal(t, "abc", err.Details["id"])
	})

	t.Run("Should wrap the cause for errors.Is", func(t *testing.T) {
		cause := errors.New("disk full")
		err := core.NewError(cause, core.CodeStorageUnavailable, nil)
		assert.True(t, errors.Is(err, cause))
		assert.Contains(t, err.Error(), "STORAGE_UNAVAILABLE")
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("Should fall back to the code as message", func(t *testing.T) {
		err := core.NewError(nil, core.CodeTimeout, nil)
		assert.Equal(t, core.CodeTimeout, err.Message)
	})
}

func TestCodeOf(t *testing.T) {
	t.Run("Should find the code through wrap chains", func(t *testing.T) {
		inner := core.NewError(nil, core.CodeConflict, nil)
		wrapped := fmt.Errorf("transition rejected: %w", inner)
		assert.Equal(t, core.CodeConflict, core.CodeOf(wrapped))
		assert.True(t, core.HasCode(wrapped, core.CodeConflict))
	})

	t.Run("Should map plain errors to INTERNAL", func(t *testing.T) {
		assert.Equal(t, core.CodeInternal, core.CodeOf(errors.New("boom")))
	})

	t.Run("Should map nil to empty", func(t *testing.T) {
		assert.Empty(t, core.CodeOf(nil))
	})
}

func TestSeverity(t *testing.T) {
	t.Run("Should rank severities in order", func(t *testing.T) {
		require.Greater(t, core.SeverityCritical.Rank(), core.SeverityHigh.Rank())
		require.Greater(t, core.SeverityHigh.Rank(), core.SeverityMedium.Rank())
		require.Greater(t, core.SeverityMedium.Rank(), core.SeverityLow.Rank())
		require.Greater(t, core.SeverityLow.Rank(), core.SeverityInfo.Rank())
	})

	t.Run("Should pick the max severity", func(t *testing.T) {
		assert.Equal(t, core.SeverityCritical, core.MaxSeverity(core.SeverityLow, core.SeverityCritical))
		assert.Equal(t, core.SeverityHigh, core.MaxSeverity(core.SeverityHigh, core.SeverityInfo))
	})

	t.Run("Should default unknown severities to info", func(t *testing.T) {
		assert.Equal(t, core.SeverityInfo, core.ParseSeverity("catastrophic"))
	})
}
