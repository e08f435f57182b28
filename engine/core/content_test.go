package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFrontMatter(t *testing.T) {
	t.Run("Should split a closed front matter block", func(t *testing.T) {
		fm, body, ok := SplitFrontMatter("---\ntitle: X\nauthor: Y\n---\n# Heading\n")
		require.True(t, ok)
		require.True(t, fm.Closed)
		assert.Equal(t, "title: X\nauthor: Y\n", fm.Raw)
		assert.Equal(t, 1, fm.StartLine)
		assert.Equal(t, 4, fm.EndLine)
		assert.Equal(t, "# Heading\n", body)
		assert.Equal(t, 5, fm.BodyStartLine())
	})
	t.Run("Should report content without front matter", func(t *testing.T) {
		fm, body, ok := SplitFrontMatter("# Heading\n")
		assert.False(t, ok)
		assert.Nil(t, fm)
		assert.Equal(t, "# Heading\n", body)
	})
	t.Run("Should flag an unclosed block", func(t *testing.T) {
		fm, body, ok := SplitFrontMatter("---\ntitle: X\n# Heading\n")
		require.True(t, ok)
		assert.False(t, fm.Closed)
		assert.Empty(t, body)
	})
	t.Run("Should keep byte offsets usable for slicing", func(t *testing.T) {
		content := "---\ntitle: X\n---\nbody"
		fm, body, ok := SplitFrontMatter(content)
		require.True(t, ok)
		assert.Equal(t, "body", body)
		assert.Equal(t, "---\ntitle: X\n---\n", content[fm.StartByte:fm.EndByte])
	})
	t.Run("Should not treat a ruler mid-document as front matter", func(t *testing.T) {
		_, _, ok := SplitFrontMatter("intro\n---\ntitle: X\n---\n")
		assert.False(t, ok)
	})
}
