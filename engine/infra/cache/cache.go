package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/pkg/logger"
)

// HitLevel identifies which tier served a read.
type HitLevel string

const (
	HitNone HitLevel = "miss"
	HitL1   HitLevel = "l1"
	HitL2   HitLevel = "l2"
)

// Tier names accepted by Clear.
const (
	LevelL1  = "l1"
	LevelL2  = "l2"
	LevelAll = "all"
)

// Cache is the two-level response cache. All methods are safe for concurrent
// use.
type Cache struct {
	config *Config
	l2     store.CacheRepo
	stats  counters
	now    func() time.Time

	mu      sync.Mutex
	lru     *lru.Cache[string, *l1Entry]
	l1Bytes int64
	cron    *cron.Cron
}

type l1Entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *l1Entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// New builds a cache over the optional durable repo. A nil repo runs the
// cache L1-only regardless of configuration.
func New(cfg *Config, l2 store.CacheRepo) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.normalized()
	c := &Cache{
		config: cfg,
		l2:     l2,
		now:    time.Now,
	}
	inner, err := lru.NewWithEvict(cfg.L1MaxEntries, c.onEvict)
	if err != nil {
		return nil, core.NewError(
			fmt.Errorf("cache: build lru: %w", err),
			core.CodeInvalidArgument,
			map[string]any{"l1_max_entries": cfg.L1MaxEntries},
		)
	}
	c.lru = inner
	return c, nil
}

// Get returns the cached value for key and the tier that served it. A miss
// reports HitNone with a nil error; durable-tier failures degrade to misses
// so a flaky store never breaks reads.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, HitLevel, error) {
	if key == "" {
		return nil, HitNone, core.NewError(fmt.Errorf("cache key is required"), core.CodeInvalidArgument, nil)
	}
	if value, ok := c.l1Get(key); ok {
		c.stats.recordHit(HitL1)
		return value, HitL1, nil
	}
	if !c.l2Active() {
		c.stats.recordMiss()
		return nil, HitNone, nil
	}
	entry, err := c.l2.Get(ctx, key)
	if err != nil {
		if !core.HasCode(err, core.CodeNotFound) {
			logger.FromContext(ctx).Warn("durable cache read failed, treating as miss", "key", key, "error", err)
		}
		c.stats.recordMiss()
		return nil, HitNone, nil
	}
	if entry.Expired(c.now().UTC()) {
		c.dropL2(ctx, key)
		c.stats.recordExpired(1)
		c.stats.recordMiss()
		return nil, HitNone, nil
	}
	value := entry.Value
	if entry.Compressed {
		value, err = decompressValue(entry.Value)
		if err != nil {
			logger.FromContext(ctx).Warn("durable cache entry is unreadable, dropping it", "key", key, "error", err)
			c.dropL2(ctx, key)
			c.stats.recordMiss()
			return nil, HitNone, nil
		}
	}
	c.l1Set(key, value, entry.ExpiresAt)
	c.stats.recordHit(HitL2)
	return bytes.Clone(value), HitL2, nil
}

// Put stores value under key in both tiers. A non-positive TTL falls back to
// the configured default; a zero default keeps the entry until invalidated.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return core.NewError(fmt.Errorf("cache key is required"), core.CodeInvalidArgument, nil)
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	now := c.now().UTC()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	c.l1Set(key, value, expiresAt)
	compressed := false
	if c.l2Active() {
		stored := value
		if c.config.CompressionThreshold > 0 && len(value) > c.config.CompressionThreshold {
			var err error
			stored, err = compressValue(value)
			if err != nil {
				return err
			}
			compressed = true
		}
		entry := &store.CacheEntry{
			Key:        key,
			Value:      stored,
			Compressed: compressed,
			ExpiresAt:  expiresAt,
			CreatedAt:  now,
		}
		if err := c.l2.Put(ctx, entry); err != nil {
			return fmt.Errorf("cache: write durable entry: %w", err)
		}
	}
	c.stats.recordPut(compressed)
	return nil
}

// Invalidate removes every entry whose key starts with prefix from both
// tiers and reports how many tier entries were dropped.
func (c *Cache) Invalidate(ctx context.Context, prefix string) (int64, error) {
	removed := c.l1RemovePrefix(prefix)
	if c.l2Active() {
		n, err := c.l2.DeletePrefix(ctx, prefix)
		if err != nil {
			return removed, fmt.Errorf("cache: invalidate prefix %q: %w", prefix, err)
		}
		removed += n
	}
	c.stats.recordInvalidation(removed)
	return removed, nil
}

// Clear empties the named tier (LevelL1, LevelL2 or LevelAll) and reports how
// many entries were dropped.
func (c *Cache) Clear(ctx context.Context, level string) (int64, error) {
	switch level {
	case LevelL1:
		return c.l1Purge(), nil
	case LevelL2:
		if !c.l2Active() {
			return 0, nil
		}
		n, err := c.l2.Clear(ctx)
		if err != nil {
			return 0, fmt.Errorf("cache: clear durable tier: %w", err)
		}
		return n, nil
	case LevelAll:
		removed := c.l1Purge()
		if c.l2Active() {
			n, err := c.l2.Clear(ctx)
			if err != nil {
				return removed, fmt.Errorf("cache: clear durable tier: %w", err)
			}
			removed += n
		}
		return removed, nil
	default:
		return 0, core.NewError(
			fmt.Errorf("unknown cache level %q", level),
			core.CodeInvalidArgument,
			map[string]any{"level": level, "valid": []string{LevelL1, LevelL2, LevelAll}},
		)
	}
}

// CleanupNow sweeps expired entries from both tiers and reports how many
// were removed. The cron scheduler calls this on the configured interval.
func (c *Cache) CleanupNow(ctx context.Context) (int64, error) {
	removed := c.l1SweepExpired()
	if c.l2Active() {
		n, err := c.l2.DeleteExpired(ctx)
		if err != nil {
			return removed, fmt.Errorf("cache: sweep expired entries: %w", err)
		}
		removed += n
	}
	c.stats.recordCleanup(removed, c.now())
	logger.FromContext(ctx).Debug("cache cleanup complete", "removed", removed)
	return removed, nil
}

// Stats snapshots the counters and fills in live occupancy for both tiers.
func (c *Cache) Stats(ctx context.Context) (*StatsView, error) {
	view := c.stats.snapshot()
	c.mu.Lock()
	view.L1Entries = c.lru.Len()
	view.L1Bytes = c.l1Bytes
	c.mu.Unlock()
	if c.l2Active() {
		entries, size, err := c.l2.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("cache: count durable entries: %w", err)
		}
		view.L2Entries = entries
		view.L2Bytes = size
	}
	return &view, nil
}

// PutJSON marshals v and stores it under key.
func (c *Cache) PutJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return core.NewError(
			fmt.Errorf("cache: encode value: %w", err),
			core.CodeInvalidArgument,
			map[string]any{"key": key},
		)
	}
	return c.Put(ctx, key, raw, ttl)
}

// GetJSON reads key and decodes the hit into dst. On a miss dst is left
// untouched and the level is HitNone. Entries that no longer decode are
// dropped and reported as misses.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (HitLevel, error) {
	raw, level, err := c.Get(ctx, key)
	if err != nil || level == HitNone {
		return HitNone, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		logger.FromContext(ctx).Warn("cached value does not decode, dropping it", "key", key, "error", err)
		c.drop(ctx, key)
		return HitNone, nil
	}
	return level, nil
}

func (c *Cache) l2Active() bool {
	return c.l2 != nil && c.config.L2Enabled
}

// onEvict runs under mu at every LRU mutation site and keeps the byte gauge
// accurate. Capacity evictions are counted where they happen.
func (c *Cache) onEvict(_ string, entry *l1Entry) {
	c.l1Bytes -= int64(len(entry.value))
}

func (c *Cache) l1Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if entry.expired(c.now().UTC()) {
		c.lru.Remove(key)
		c.stats.recordExpired(1)
		return nil, false
	}
	return bytes.Clone(entry.value), true
}

func (c *Cache) l1Set(key string, value []byte, expiresAt time.Time) {
	size := int64(len(value))
	if size > c.config.L1MaxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.lru.Peek(key); ok {
		// Overwrites do not fire the eviction callback, so the old size is
		// released here.
		c.l1Bytes -= int64(len(old.value))
	}
	var evicted int64
	if c.lru.Add(key, &l1Entry{value: bytes.Clone(value), expiresAt: expiresAt}) {
		evicted++
	}
	c.l1Bytes += size
	for c.l1Bytes > c.config.L1MaxBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
		evicted++
	}
	c.stats.recordEvictions(evicted)
}

func (c *Cache) l1RemovePrefix(prefix string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int64
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) && c.lru.Remove(key) {
			removed++
		}
	}
	return removed
}

func (c *Cache) l1SweepExpired() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	var removed int64
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if !ok || !entry.expired(now) {
			continue
		}
		if c.lru.Remove(key) {
			removed++
		}
	}
	return removed
}

func (c *Cache) l1Purge() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := int64(c.lru.Len())
	c.lru.Purge()
	return removed
}

func (c *Cache) drop(ctx context.Context, key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
	if c.l2Active() {
		c.dropL2(ctx, key)
	}
}

func (c *Cache) dropL2(ctx context.Context, key string) {
	if err := c.l2.Delete(ctx, key); err != nil {
		logger.FromContext(ctx).Debug("failed to drop stale cache entry", "key", key, "error", err)
	}
}
