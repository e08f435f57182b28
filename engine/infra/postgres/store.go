package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/pkg/logger"
)

const (
	defaultMaxConns       = 20
	defaultMinConns       = 2
	defaultConnectTimeout = 5 * time.Second
	healthCheckPeriod     = 30 * time.Second
	pingTimeout           = 3 * time.Second
)

// Store owns the connection pool and hands out repositories bound to it.
type Store struct {
	pool   *pgxpool.Pool
	policy store.RetryPolicy
}

// NewStore builds the pool, verifies connectivity and returns the assembled
// store. Migrations are applied separately via ApplyMigrations.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres: config is nil")
	}
	poolCfg, err := buildPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := verifyPoolConnection(ctx, pool); err != nil {
		return nil, err
	}
	logStoreInitialization(ctx, poolCfg)
	return &Store{
		pool: pool,
		policy: store.RetryPolicy{
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay,
		},
	}, nil
}

// Pool exposes the underlying pgx pool for migrations and tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Workflows() store.WorkflowRepo { return NewWorkflowRepo(s.pool, s.policy) }

func (s *Store) Validations() store.ValidationRepo { return NewValidationRepo(s.pool, s.policy) }

func (s *Store) Recommendations() store.RecommendationRepo {
	return NewRecommendationRepo(s.pool, s.policy)
}

func (s *Store) Audit() store.AuditRepo { return NewAuditRepo(s.pool, s.policy) }

func (s *Store) CacheEntries() store.CacheRepo { return NewCacheRepo(s.pool, s.policy) }

func (s *Store) Metrics() store.MetricsRepo { return NewMetricsRepo(s.pool, s.policy) }

// Ping verifies backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping database: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// buildPoolConfig parses the DSN and applies pool bounds and timeouts.
func buildPoolConfig(cfg *Config) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: parse connection config: %w", err)
	}
	poolCfg.MaxConns = clampConns(cfg.MaxConns, defaultMaxConns)
	poolCfg.MinConns = clampConns(cfg.MinConns, defaultMinConns)
	if poolCfg.MinConns > poolCfg.MaxConns {
		poolCfg.MinConns = poolCfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.HealthCheckPeriod = healthCheckPeriod
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	poolCfg.ConnConfig.ConnectTimeout = timeout
	return poolCfg, nil
}

// clampConns keeps pool bounds inside the int32 range pgxpool expects.
func clampConns(n, def int) int32 {
	if n <= 0 {
		n = def
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}

// verifyPoolConnection pings with a bounded timeout and tears the pool down
// on failure so callers never hold a dead pool.
func verifyPoolConnection(ctx context.Context, pool *pgxpool.Pool) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres: ping database: %w", err)
	}
	return nil
}

func logStoreInitialization(ctx context.Context, poolCfg *pgxpool.Config) {
	logger.FromContext(ctx).Info("Database connection established",
		"store_driver", "postgres",
		"max_conns", poolCfg.MaxConns,
		"min_conns", poolCfg.MinConns,
	)
}

// ---------------------------------------------------------------------------
// Shared repository plumbing
// ---------------------------------------------------------------------------

// DB is the pool subset the repositories depend on. Both pgxpool.Pool and
// pgxmock satisfy it, which keeps the repositories testable without a server.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// conn carries the handle and retry policy shared by every repository.
type conn struct {
	db     DB
	policy store.RetryPolicy
}

// retry runs fn under the store backoff policy, marking transient server
// failures as retryable.
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

// withTransaction wraps fn in a transaction with commit on success and a
// logged rollback on failure.
func (c conn) withTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rb := tx.Rollback(ctx); rb != nil && !errors.Is(rb, pgx.ErrTxClosed) {
			logger.FromContext(ctx).Warn("postgres: rollback failed", "error", rb)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	committed = true
	return nil
}

func asRetryable(err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return retry.RetryableError(err)
	}
	return err
}

// isTransient reports whether err is a server condition worth retrying:
// serialization aborts, deadlocks, admission pressure or a dropped
// connection.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "53300", "57P03":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return pgconn.SafeToRetry(err)
}

// ---------------------------------------------------------------------------
// Column helpers
// ---------------------------------------------------------------------------

// ToJSONB marshals v for a jsonb parameter. Nil values, including typed nil
// pointers, become NULL.
func ToJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal jsonb: %w", err)
	}
	return b, nil
}

// FromJSONB unmarshals a jsonb column into out. NULL columns leave out
// untouched.
func FromJSONB(b []byte, out any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("postgres: unmarshal jsonb: %w", err)
	}
	return nil
}

// nullableTime maps the zero time to NULL so never-expiring entries stay out
// of time comparisons.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
