package ingest

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/pkg/logger"
)

// CheckLanguage admits a path only when it belongs to the English content
// tree: either the path carries an /en/ segment, or it is the index.md of a
// blog collection (blog indexes are language-neutral). Everything else fails
// with LANGUAGE_REJECTED.
func CheckLanguage(ctx context.Context, filePath string) error {
	slashed := filepath.ToSlash(filePath)
	if hasSegment(slashed, "en") {
		return nil
	}
	if hasSegment(slashed, "blog") && path.Base(slashed) == "index.md" {
		return nil
	}
	reason := "path has no /en/ segment and is not a blog collection index"
	logger.FromContext(ctx).Info("language gate rejected path", "path", filePath, "reason", reason)
	return core.NewError(fmt.Errorf("unsupported language for %s", filePath), core.CodeLanguageRejected, map[string]any{
		"path":   filePath,
		"reason": reason,
	})
}

func hasSegment(slashed, segment string) bool {
	for _, part := range strings.Split(slashed, "/") {
		if part == segment {
			return true
		}
	}
	return false
}
