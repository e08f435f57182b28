package sqlite

import "time"

// Config captures SQLite store configuration derived from application settings.
type Config struct {
	// Path is the database location or ":memory:" for in-memory deployments.
	Path string

	// MaxOpenConns controls the pool size exposed by database/sql.
	MaxOpenConns int

	// MaxIdleConns limits idle connections retained in the pool.
	MaxIdleConns int

	// ConnMaxLifetime bounds connection reuse duration.
	ConnMaxLifetime time.Duration

	// BusyTimeout configures how long a connection waits on a locked database
	// before reporting SQLITE_BUSY.
	BusyTimeout time.Duration

	// RetryAttempts bounds how often a repository retries lock contention
	// before surfacing STORAGE_UNAVAILABLE.
	RetryAttempts int

	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay time.Duration
}
