package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyFor(t *testing.T) {
	t.Run("Should be deterministic for equal inputs", func(t *testing.T) {
		input := map[string]any{"file_path": "docs/guide.md", "profile": "default"}
		first := KeyFor("validator", "validate_file", input)
		second := KeyFor("validator", "validate_file", map[string]any{
			"profile":   "default",
			"file_path": "docs/guide.md",
		})
		assert.Equal(t, first, second)
	})

	t.Run("Should collapse whitespace runs in string values", func(t *testing.T) {
		a := KeyFor("validator", "validate_content", map[string]any{"path": "docs/  guide.md "})
		b := KeyFor("validator", "validate_content", map[string]any{"path": "docs/ guide.md"})
		assert.Equal(t, a, b)
	})

	t.Run("Should ignore nil-valued fields", func(t *testing.T) {
		a := KeyFor("validator", "validate_file", map[string]any{"file_path": "a.md", "profile": nil})
		b := KeyFor("validator", "validate_file", map[string]any{"file_path": "a.md"})
		assert.Equal(t, a, b)
	})

	t.Run("Should ignore nil-valued fields in nested maps", func(t *testing.T) {
		a := KeyFor("validator", "validate_file", map[string]any{
			"file_path": "a.md",
			"options":   map[string]any{"strict": true, "extra": nil},
		})
		b := KeyFor("validator", "validate_file", map[string]any{
			"file_path": "a.md",
			"options":   map[string]any{"strict": true},
		})
		assert.Equal(t, a, b)
	})

	t.Run("Should distinguish different inputs", func(t *testing.T) {
		a := KeyFor("validator", "validate_file", map[string]any{"file_path": "a.md"})
		b := KeyFor("validator", "validate_file", map[string]any{"file_path": "b.md"})
		assert.NotEqual(t, a, b)
	})

	t.Run("Should preserve slice element order", func(t *testing.T) {
		a := KeyFor("validator", "validate_file", map[string]any{"validators": []any{"links", "structure"}})
		b := KeyFor("validator", "validate_file", map[string]any{"validators": []any{"structure", "links"}})
		assert.NotEqual(t, a, b)
	})

	t.Run("Should distinguish agents and operations", func(t *testing.T) {
		input := map[string]any{"file_path": "a.md"}
		byAgent := KeyFor("validator", "validate_file", input)
		byOp := KeyFor("validator", "revalidate", input)
		otherAgent := KeyFor("enhancer", "validate_file", input)
		assert.NotEqual(t, byAgent, byOp)
		assert.NotEqual(t, byAgent, otherAgent)
	})

	t.Run("Should start with the invalidation prefix", func(t *testing.T) {
		key := KeyFor("validator", "validate_file", map[string]any{"file_path": "a.md"})
		assert.True(t, strings.HasPrefix(key, Prefix("validator", "validate_file")))
	})
}

func TestPrefix(t *testing.T) {
	t.Run("Should scope an agent and operation pair", func(t *testing.T) {
		assert.Equal(t, "validator:validate_file:", Prefix("validator", "validate_file"))
	})

	t.Run("Should cover the whole cache when both parts are empty", func(t *testing.T) {
		assert.Equal(t, "", Prefix("", ""))
	})
}
