package truth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/pkg/logger"
)

// DefaultCacheTTL is how long a compiled index stays cached before the
// manifest file is re-read.
const DefaultCacheTTL = 7 * 24 * time.Hour

// Loader reads family manifests from a directory, compiles them into
// indexes, and caches the result keyed by family with a version tag. The
// index for a family is rebuilt only when the manifest bytes change.
type Loader struct {
	dir      string
	ttl      time.Duration
	cache    *ristretto.Cache[string, *Index]
	reloadMu sync.Mutex
}

// NewLoader creates a loader over the given manifest directory.
func NewLoader(dir string, ttl time.Duration) (*Loader, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Index]{
		NumCounters: 1024,
		MaxCost:     128,
		BufferItems: 64,
	})
	if err != nil {
		return nil, core.NewError(err, core.CodeInternal, map[string]any{
			"reason": "failed to create truth index cache",
		})
	}
	return &Loader{dir: dir, ttl: ttl, cache: cache}, nil
}

// ManifestPath returns where the manifest for a family lives.
func (l *Loader) ManifestPath(family string) string {
	return filepath.Join(l.dir, family+".json")
}

// Load returns the compiled index for a family, reusing the cached index
// when the on-disk manifest still has the same content hash. A malformed
// manifest fails with TRUTH_DATA_INVALID and the family stays unavailable
// until the file is fixed.
func (l *Loader) Load(ctx context.Context, family string) (*Index, error) {
	family = strings.ToLower(strings.TrimSpace(family))
	if family == "" {
		return nil, core.NewError(nil, core.CodeInvalidArgument, map[string]any{
			"reason": "family must not be empty",
		})
	}
	path := l.ManifestPath(family)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewError(err, core.CodeNotFound, map[string]any{
				"reason": "no manifest for family",
				"family": family,
				"path":   path,
			})
		}
		return nil, core.NewError(err, core.CodeTruthDataInvalid, map[string]any{
			"reason": "manifest unreadable",
			"family": family,
			"path":   path,
		})
	}
	sum := sha256.Sum256(raw)
	version := hex.EncodeToString(sum[:])
	if cached, ok := l.cache.Get(family); ok && cached.Version() == version {
		return cached, nil
	}

	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()
	// Another goroutine may have finished the same reload while we waited.
	if cached, ok := l.cache.Get(family); ok && cached.Version() == version {
		return cached, nil
	}

	manifest, err := ParseManifest(raw)
	if err != nil {
		l.cache.Del(family)
		return nil, core.NewError(err, core.CodeTruthDataInvalid, map[string]any{
			"family": family,
			"path":   path,
		})
	}
	if manifest.Family != family {
		l.cache.Del(family)
		return nil, core.NewError(nil, core.CodeTruthDataInvalid, map[string]any{
			"reason":   "manifest family does not match file name",
			"family":   family,
			"manifest": manifest.Family,
		})
	}
	idx, err := CompileIndex(manifest, version)
	if err != nil {
		l.cache.Del(family)
		return nil, core.NewError(err, core.CodeTruthDataInvalid, map[string]any{
			"family": family,
		})
	}
	l.cache.SetWithTTL(family, idx, 1, l.ttl)
	l.cache.Wait()
	logger.FromContext(ctx).Debug("compiled truth index",
		"family", family, "version", version[:12], "entities", len(idx.Entities()))
	return idx, nil
}

// Invalidate drops the cached index for a family so the next Load re-reads
// the manifest. In-flight validations keep the index they already hold.
func (l *Loader) Invalidate(family string) {
	l.cache.Del(strings.ToLower(strings.TrimSpace(family)))
}

// InvalidateAll drops every cached index.
func (l *Loader) InvalidateAll() {
	l.cache.Clear()
}

// Families lists the families that have a manifest on disk.
func (l *Loader) Families() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.NewError(err, core.CodeTruthDataInvalid, map[string]any{
			"reason": "manifest directory unreadable",
			"dir":    l.dir,
		})
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(out)
	return out, nil
}

// Close releases the cache.
func (l *Loader) Close() {
	l.cache.Close()
}
