package store

import "time"

// CacheEntry is one durable L2 cache row. Value holds the serialized result,
// gzip-compressed when Compressed is set.
type CacheEntry struct {
	Key        string    `json:"key"        db:"key"`
	Value      []byte    `json:"value"      db:"value"`
	Compressed bool      `json:"compressed" db:"compressed"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Expired reports whether the entry's TTL has elapsed.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// MetricSample is one observation folded into a daily rollup: Count increments
// the operation counter and Sum accumulates its measured value, duration
// samples in seconds.
type MetricSample struct {
	Day   string  `json:"day"   db:"day"`
	Name  string  `json:"name"  db:"name"`
	Count int64   `json:"count" db:"count"`
	Sum   float64 `json:"sum"   db:"sum"`
}

// Day formats a timestamp as a rollup day key.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MetricRollup is the aggregated (day, name) row served by get_stats.
type MetricRollup struct {
	Day   string  `json:"day"   db:"day"`
	Name  string  `json:"name"  db:"name"`
	Count int64   `json:"count" db:"count"`
	Sum   float64 `json:"sum"   db:"sum"`
}

// Mean returns the average sample value, zero when the rollup is empty.
func (r *MetricRollup) Mean() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.Sum / float64(r.Count)
}
