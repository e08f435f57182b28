package cache

import (
	"time"

	"github.com/tbcv/tbcv/pkg/config"
)

// Config tunes both cache tiers. Zero values fall back to the defaults below,
// so a partially populated config is always safe to use.
type Config struct {
	// L1MaxEntries bounds the in-process LRU by entry count.
	L1MaxEntries int
	// L1MaxBytes bounds the in-process LRU by the summed size of its values.
	L1MaxBytes int64
	// L2Enabled toggles the durable tier. When false the cache runs L1-only
	// and nothing is written to the store.
	L2Enabled bool
	// CompressionThreshold is the value size in bytes above which L2 writes
	// are gzip-compressed. Zero compresses nothing.
	CompressionThreshold int
	// DefaultTTL applies to puts that do not carry an explicit TTL. Zero
	// means such entries never expire.
	DefaultTTL time.Duration
	// CleanupInterval schedules the periodic expired-entry sweep. Zero
	// disables the scheduler; CleanupNow still works on demand.
	CleanupInterval time.Duration
}

// DefaultConfig returns the cache defaults used when no application config is
// available.
func DefaultConfig() *Config {
	return &Config{
		L1MaxEntries:         2048,
		L1MaxBytes:           64 << 20,
		L2Enabled:            true,
		CompressionThreshold: 4096,
		DefaultTTL:           24 * time.Hour,
		CleanupInterval:      time.Hour,
	}
}

// FromAppConfig maps the application cache section onto a cache Config.
func FromAppConfig(cfg *config.Config) *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	return &Config{
		L1MaxEntries:         cfg.Cache.L1MaxEntries,
		L1MaxBytes:           cfg.Cache.L1MaxBytes,
		L2Enabled:            cfg.Cache.L2Enabled,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		DefaultTTL:           cfg.Cache.DefaultTTL,
		CleanupInterval:      cfg.Cache.CleanupInterval,
	}
}

func (c *Config) normalized() *Config {
	out := *c
	defaults := DefaultConfig()
	if out.L1MaxEntries <= 0 {
		out.L1MaxEntries = defaults.L1MaxEntries
	}
	if out.L1MaxBytes <= 0 {
		out.L1MaxBytes = defaults.L1MaxBytes
	}
	if out.CompressionThreshold < 0 {
		out.CompressionThreshold = defaults.CompressionThreshold
	}
	if out.DefaultTTL < 0 {
		out.DefaultTTL = 0
	}
	if out.CleanupInterval < 0 {
		out.CleanupInterval = 0
	}
	return &out
}
