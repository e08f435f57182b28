package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/pkg/logger"
)

// Document is one loaded content snapshot. Content is normalized (CRLF folded
// to LF) and Hash identifies exactly that normalized form.
type Document struct {
	Path    string
	Content string
	Hash    string
	Size    int64
}

// Loader reads content files below a root directory. All IO goes through the
// supplied filesystem so tests can run against an in-memory tree.
type Loader struct {
	fs   afero.Fs
	root string
}

// NewLoader creates a loader rooted at the given directory. An empty root
// means paths are used as given.
func NewLoader(fs afero.Fs, root string) *Loader {
	return &Loader{fs: fs, root: root}
}

// Resolve joins a relative path onto the content root.
func (l *Loader) Resolve(p string) string {
	if l.root == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.root, p)
}

// Load reads one file, rejects binary content and returns the normalized
// document. Missing files map to NOT_FOUND.
func (l *Loader) Load(ctx context.Context, p string) (*Document, error) {
	full := l.Resolve(p)
	raw, err := afero.ReadFile(l.fs, full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewError(err, core.CodeNotFound, map[string]any{"path": p})
		}
		return nil, core.NewError(err, core.CodeStorageUnavailable, map[string]any{"path": p})
	}
	if isBinary(raw) {
		return nil, core.NewError(fmt.Errorf("binary content in %s", p), core.CodeInvalidArgument, map[string]any{
			"path":   p,
			"reason": "binary content is not validatable",
		})
	}
	content := core.NormalizeContent(string(raw))
	return &Document{
		Path:    p,
		Content: content,
		Hash:    core.ContentHash(content),
		Size:    int64(len(raw)),
	}, nil
}

// Walk lists markdown files under dir matching pattern, sorted for a
// deterministic processing order. An empty pattern defaults to *.md, or
// **/*.md when recursive. Binary files and non-markdown matches are skipped.
func (l *Loader) Walk(ctx context.Context, dir, pattern string, recursive bool) ([]string, error) {
	full := l.Resolve(dir)
	if ok, err := afero.DirExists(l.fs, full); err != nil || !ok {
		return nil, core.NewError(fmt.Errorf("directory %s not found", dir), core.CodeNotFound, map[string]any{"dir": dir})
	}
	if pattern == "" {
		pattern = "*.md"
		if recursive {
			pattern = "**/*.md"
		}
	}
	sub := afero.NewBasePathFs(l.fs, full)
	matches, err := doublestar.Glob(afero.NewIOFS(sub), pattern)
	if err != nil {
		return nil, core.NewError(fmt.Errorf("glob %q: %w", pattern, err), core.CodeInvalidArgument, map[string]any{
			"pattern": pattern,
		})
	}
	log := logger.FromContext(ctx)
	var files []string
	for _, rel := range matches {
		if !strings.EqualFold(filepath.Ext(rel), ".md") {
			continue
		}
		joined := filepath.Join(dir, filepath.FromSlash(rel))
		if fi, err := l.fs.Stat(l.Resolve(joined)); err != nil || fi.IsDir() {
			continue
		}
		files = append(files, joined)
	}
	sort.Strings(files)
	log.Debug("directory walk complete", "dir", dir, "pattern", pattern, "files", len(files))
	return files, nil
}

// isBinary reports whether the detected MIME type falls outside the text
// tree.
func isBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for mt := mimetype.Detect(data); mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return false
		}
	}
	return true
}
