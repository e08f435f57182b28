package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tbcv/tbcv/engine/core"
)

func TestFingerprintAny(t *testing.T) {
	t.Run("Should be independent of map key order", func(t *testing.T) {
		a := map[string]any{"x": 1.0, "y": []any{"a", "b"}, "z": map[string]any{"k": true}}
		b := map[string]any{"z": map[string]any{"k": true}, "y": []any{"a", "b"}, "x": 1.0}
		assert.Equal(t, core.FingerprintAny(a), core.FingerprintAny(b))
	})

	t.Run("Should preserve array order", func(t *testing.T) {
		a := map[string]any{"s": []any{"a", "b"}}
		b := map[string]any{"s": []any{"b", "a"}}
		assert.NotEqual(t, core.FingerprintAny(a), core.FingerprintAny(b))
	})

	t.Run("Should handle typed maps through reflection", func(t *testing.T) {
		a := map[string]string{"one": "1", "two": "2"}
		b := map[string]string{"two": "2", "one": "1"}
		assert.Equal(t, core.FingerprintAny(a), core.FingerprintAny(b))
	})
}

func TestContentHash(t *testing.T) {
	t.Run("Should normalize CRLF before hashing", func(t *testing.T) {
		assert.Equal(t, core.ContentHash("a\nb\n"), core.ContentHash("a\r\nb\r\n"))
	})

	t.Run("Should be stable for identical content", func(t *testing.T) {
		assert.Equal(t, core.ContentHash("# Title\n"), core.ContentHash("# Title\n"))
	})

	t.Run("Should differ for different content", func(t *testing.T) {
		assert.NotEqual(t, core.ContentHash("a"), core.ContentHash("b"))
	})
}

func TestNormalizeContent(t *testing.T) {
	t.Run("Should leave LF-only content untouched", func(t *testing.T) {
		s := "line1\nline2\n"
		assert.Equal(t, s, core.NormalizeContent(s))
	})

	t.Run("Should convert bare CR to LF", func(t *testing.T) {
		assert.Equal(t, "a\nb", core.NormalizeContent("a\rb"))
	})
}
