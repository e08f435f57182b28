package validators

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/config"
)

func TestMarkdownValidator(t *testing.T) {
	v := NewMarkdown()

	t.Run("Should pass a well formed document", func(t *testing.T) {
		content := strings.Join([]string{
			"# Title",
			"",
			"Intro text with **bold** emphasis.",
			"",
			"## Install",
			"",
			"- step one",
			"- step two",
			"",
			"### Details",
			"",
		}, "\n")
		issues, err := v.Validate(context.Background(), content, defaultVCtx())
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("Should flag a heading level skip", func(t *testing.T) {
		content := "# Title\n\n### Deep Dive\n"
		issues, err := v.Validate(context.Background(), content, defaultVCtx())
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, validation.IssueMDHeadingSkip, issues[0].Type)
		assert.Equal(t, core.SeverityMedium, issues[0].Severity)
		assert.Equal(t, 3, issues[0].Location.Line)
	})

	t.Run("Should offset heading lines below front matter", func(t *testing.T) {
		content := "---\ntitle: T\ndescription: D\n---\n# Title\n\n### Deep\n"
		issues, err := v.Validate(context.Background(), content, defaultVCtx())
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, 7, issues[0].Location.Line)
	})

	t.Run("Should flag headings beyond the configured depth", func(t *testing.T) {
		content := "# A\n## B\n### C\n#### D\n##### E\n"
		issues, err := v.Validate(context.Background(), content, defaultVCtx())
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, validation.IssueMDHeadingTooDeep, issues[0].Type)
		assert.Equal(t, 5, issues[0].Location.Line)
	})

	t.Run("Should flag repeated heading text", func(t *testing.T) {
		content := "# Setup\n\n## Usage\n\n## usage\n"
		issues, err := v.Validate(context.Background(), content, defaultVCtx())
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, validation.IssueMDDuplicateHeading, issues[0].Type)
		assert.Equal(t, 5, issues[0].Location.Line)
	})

	t.Run("Should flag mixed list markers within one list", func(t *testing.T) {
		content := "# T\n\n- one\n- two\n* three\n"
		issues, err := v.Validate(context.Background(), content, defaultVCtx())
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, validation.IssueMDListMarkerMix, issues[0].Type)
		assert.Equal(t, 5, issues[0].Location.Line)
		assert.Equal(t, "- three", issues[0].Suggestion)
	})

	t.Run("Should reset list style across separate lists", func(t *testing.T) {
		content := "# T\n\n- one\n- two\n\nparagraph\n\n* alpha\n* beta\n"
		issues, err := v.Validate(context.Background(), content, defaultVCtx())
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("Should flag an odd number of bold markers", func(t *testing.T) {
		content := "# T\n\nThis is **broken bold.\n"
		issues, err := v.Validate(context.Background(), content, defaultVCtx())
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, validation.IssueMDUnbalancedEmphasis, issues[0].Type)
	})

	t.Run("Should ignore emphasis markers inside inline code", func(t *testing.T) {
		content := "# T\n\nUse `**argv` to splat.\n"
		issues, err := v.Validate(context.Background(), content, defaultVCtx())
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("Should ignore headings and lists inside code fences", func(t *testing.T) {
		content := "# T\n\n```text\n#### not a heading\n- not a list\n* still not\n```\n"
		issues, err := v.Validate(context.Background(), content, defaultVCtx())
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("Should allow skipped levels when configured", func(t *testing.T) {
		cfg := config.Default()
		cfg.Validators.Markdown.AllowSkippedLevels = true
		content := "# Title\n\n### Deep Dive\n"
		issues, err := v.Validate(context.Background(), content, &validation.Context{Config: cfg})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})
}
