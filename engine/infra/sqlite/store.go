package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	sqlitedriver "modernc.org/sqlite"

	"github.com/tbcv/tbcv/engine/infra/store"
)

const defaultBusyTimeout = 5 * time.Second

// SQLite primary result codes for lock contention. Extended codes carry the
// primary code in the low byte.
const (
	codeBusy   = 5
	codeLocked = 6
)

// Store owns the database/sql pool and hands out repositories bound to it.
type Store struct {
	db     *sql.DB
	policy store.RetryPolicy
}

// NewStore opens the database, applies the connection pragmas, and verifies
// connectivity. Migrations are applied separately via ApplyMigrations.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	dsn, inMemory, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	if inMemory {
		// A shared-cache memory database vanishes when its last connection
		// closes. A single pooled connection keeps it alive for the store's
		// lifetime.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}
	if err := applyBusyTimeout(ctx, db, cfg); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}
	return &Store{
		db: db,
		policy: store.RetryPolicy{
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay,
		},
	}, nil
}

// DB exposes the underlying pool for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Workflows() store.WorkflowRepo { return NewWorkflowRepo(s.db, s.policy) }

func (s *Store) Validations() store.ValidationRepo { return NewValidationRepo(s.db, s.policy) }

func (s *Store) Recommendations() store.RecommendationRepo {
	return NewRecommendationRepo(s.db, s.policy)
}

func (s *Store) Audit() store.AuditRepo { return NewAuditRepo(s.db, s.policy) }

func (s *Store) CacheEntries() store.CacheRepo { return NewCacheRepo(s.db, s.policy) }

func (s *Store) Metrics() store.MetricsRepo { return NewMetricsRepo(s.db, s.policy) }

// Ping verifies backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping database: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close database: %w", err)
	}
	return nil
}

// buildDSN constructs the modernc DSN with per-connection pragmas. Pragmas
// ride on the DSN because ExecContext would reach only one pooled connection.
func buildDSN(cfg *Config) (dsn string, inMemory bool, err error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", false, fmt.Errorf("sqlite: database path is empty")
	}
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = defaultBusyTimeout
	}
	pragmas := fmt.Sprintf(
		"_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)",
		timeout.Milliseconds(),
	)
	if path == ":memory:" {
		// Shared cache keeps every pooled connection on the same in-memory
		// database instead of opening private copies.
		return "file::memory:?cache=shared&" + pragmas, true, nil
	}
	return "file:" + path + "?" + pragmas, false, nil
}

// applyBusyTimeout re-applies the busy timeout pragma on an open handle.
func applyBusyTimeout(ctx context.Context, db *sql.DB, cfg *Config) error {
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = defaultBusyTimeout
	}
	q := fmt.Sprintf("PRAGMA busy_timeout = %d", timeout.Milliseconds())
	if _, err := db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("sqlite: apply busy timeout: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Shared repository plumbing
// ---------------------------------------------------------------------------

// conn carries the handle and retry policy shared by every repository.
type conn struct {
	db     *sql.DB
	policy store.RetryPolicy
}

// retry runs fn under the store backoff policy, marking lock contention as
// retryable.
func (c conn) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return store.WithRetry(ctx, c.policy, op, func(ctx context.Context) error {
		return asRetryable(fn(ctx))
	})
}

// withResult is the value-returning variant of conn.retry.
func withResult[T any](ctx context.Context, c conn, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := store.WithRetry(ctx, c.policy, op, func(ctx context.Context) error {
		got, err := fn(ctx)
		if err != nil {
			return asRetryable(err)
		}
		out = got
		return nil
	})
	return out, err
}

func asRetryable(err error) error {
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return retry.RetryableError(err)
	}
	return err
}

// isBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, the two result
// codes worth retrying.
func isBusy(err error) bool {
	var serr *sqlitedriver.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case codeBusy, codeLocked:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// ---------------------------------------------------------------------------
// Column helpers
// ---------------------------------------------------------------------------

// ToJSONText marshals v for storage in a JSON TEXT column.
func ToJSONText(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal json text: %w", err)
	}
	return b, nil
}

// FromJSONText unmarshals a JSON TEXT column into out. NULL columns leave out
// untouched.
func FromJSONText(b []byte, out any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("sqlite: unmarshal json text: %w", err)
	}
	return nil
}

// questionList renders n comma-separated placeholders for IN clauses.
func questionList(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// timePtr converts a nullable column into the domain's *time.Time shape.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
