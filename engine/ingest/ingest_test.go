package ingest

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbcv/tbcv/engine/core"
)

func TestCheckLanguage(t *testing.T) {
	ctx := context.Background()

	t.Run("Should admit paths with an en segment", func(t *testing.T) {
		assert.NoError(t, CheckLanguage(ctx, "docs/en/convert.md"))
		assert.NoError(t, CheckLanguage(ctx, "/content/docs/en/deep/nested/page.md"))
		assert.NoError(t, CheckLanguage(ctx, "blog/en/post/article.md"))
	})

	t.Run("Should reject other language trees", func(t *testing.T) {
		err := CheckLanguage(ctx, "docs/fr/convert.md")
		require.Error(t, err)
		assert.Equal(t, core.CodeLanguageRejected, core.CodeOf(err))
	})

	t.Run("Should admit blog collection indexes", func(t *testing.T) {
		assert.NoError(t, CheckLanguage(ctx, "blog/post/index.md"))
	})

	t.Run("Should reject localized blog indexes", func(t *testing.T) {
		err := CheckLanguage(ctx, "blog/post/index.fr.md")
		require.Error(t, err)
		assert.Equal(t, core.CodeLanguageRejected, core.CodeOf(err))
	})

	t.Run("Should not treat en substrings as segments", func(t *testing.T) {
		err := CheckLanguage(ctx, "docs/enterprise/convert.md")
		require.Error(t, err)
		assert.Equal(t, core.CodeLanguageRejected, core.CodeOf(err))
	})
}

func TestLoader(t *testing.T) {
	ctx := context.Background()

	newFS := func(t *testing.T) afero.Fs {
		t.Helper()
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "content/docs/en/a.md", []byte("# A\r\nbody\r\n"), 0o644))
		require.NoError(t, afero.WriteFile(fs, "content/docs/en/b.md", []byte("# B\n"), 0o644))
		require.NoError(t, afero.WriteFile(fs, "content/docs/en/sub/c.md", []byte("# C\n"), 0o644))
		require.NoError(t, afero.WriteFile(fs, "content/docs/en/image.png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}, 0o644))
		require.NoError(t, afero.WriteFile(fs, "content/docs/en/notes.txt", []byte("plain\n"), 0o644))
		return fs
	}

	t.Run("Should load and normalize content", func(t *testing.T) {
		loader := NewLoader(newFS(t), "content")
		doc, err := loader.Load(ctx, "docs/en/a.md")
		require.NoError(t, err)
		assert.Equal(t, "# A\nbody\n", doc.Content)
		assert.Equal(t, core.ContentHash("# A\nbody\n"), doc.Hash)
		assert.Equal(t, int64(len("# A\r\nbody\r\n")), doc.Size)
	})

	t.Run("Should fail with NOT_FOUND for missing files", func(t *testing.T) {
		loader := NewLoader(newFS(t), "content")
		_, err := loader.Load(ctx, "docs/en/missing.md")
		require.Error(t, err)
		assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
	})

	t.Run("Should reject binary content", func(t *testing.T) {
		loader := NewLoader(newFS(t), "content")
		_, err := loader.Load(ctx, "docs/en/image.png")
		require.Error(t, err)
		assert.Equal(t, core.CodeInvalidArgument, core.CodeOf(err))
	})

	t.Run("Should walk only top level when not recursive", func(t *testing.T) {
		loader := NewLoader(newFS(t), "content")
		files, err := loader.Walk(ctx, "docs/en", "", false)
		require.NoError(t, err)
		assert.Equal(t, []string{"docs/en/a.md", "docs/en/b.md"}, files)
	})

	t.Run("Should walk recursively with the default pattern", func(t *testing.T) {
		loader := NewLoader(newFS(t), "content")
		files, err := loader.Walk(ctx, "docs/en", "", true)
		require.NoError(t, err)
		assert.Equal(t, []string{"docs/en/a.md", "docs/en/b.md", "docs/en/sub/c.md"}, files)
	})

	t.Run("Should fail with NOT_FOUND for missing directories", func(t *testing.T) {
		loader := NewLoader(newFS(t), "content")
		_, err := loader.Walk(ctx, "docs/de", "", true)
		require.Error(t, err)
		assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
	})

	t.Run("Should skip non markdown matches", func(t *testing.T) {
		loader := NewLoader(newFS(t), "content")
		files, err := loader.Walk(ctx, "docs/en", "*", false)
		require.NoError(t, err)
		assert.Equal(t, []string{"docs/en/a.md", "docs/en/b.md"}, files)
	})
}
