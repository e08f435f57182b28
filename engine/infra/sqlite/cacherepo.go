package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
)

// CacheRepo implements store.CacheRepo on top of a SQLite *sql.DB.
type CacheRepo struct{ conn }

// NewCacheRepo creates a new SQLite-backed cache repository.
func NewCacheRepo(db *sql.DB, policy store.RetryPolicy) store.CacheRepo {
	return &CacheRepo{conn{db: db, policy: policy}}
}

func (r *CacheRepo) Get(ctx context.Context, key string) (*store.CacheEntry, error) {
	return withResult(ctx, r.conn, "get_cache_entry", func(ctx context.Context) (*store.CacheEntry, error) {
		const q = `SELECT key, value, compressed, expires_at, created_at FROM cache_entries WHERE key = ?`
		var (
			entry     store.CacheEntry
			expiresAt sql.NullTime
		)
		err := r.db.QueryRowContext(ctx, q, key).
			Scan(&entry.Key, &entry.Value, &entry.Compressed, &expiresAt, &entry.CreatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.NotFound("cache entry", key)
			}
			return nil, fmt.Errorf("sqlite: get cache entry: %w", err)
		}
		if expiresAt.Valid {
			entry.ExpiresAt = expiresAt.Time
		}
		return &entry, nil
	})
}

func (r *CacheRepo) Put(ctx context.Context, entry *store.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return core.NewError(fmt.Errorf("cache entry requires a key"), core.CodeInvalidArgument, nil)
	}
	return r.retry(ctx, "put_cache_entry", func(ctx context.Context) error {
		const q = `
        INSERT INTO cache_entries (key, value, compressed, expires_at, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (key) DO UPDATE SET
            value = excluded.value,
            compressed = excluded.compressed,
            expires_at = excluded.expires_at,
            created_at = excluded.created_at`
		if _, err := r.db.ExecContext(ctx, q,
			entry.Key,
			entry.Value,
			entry.Compressed,
			nullableTime(entry.ExpiresAt),
			entry.CreatedAt,
		); err != nil {
			return fmt.Errorf("sqlite: put cache entry: %w", err)
		}
		return nil
	})
}

func (r *CacheRepo) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, "delete_cache_entry", func(ctx context.Context) error {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return fmt.Errorf("sqlite: delete cache entry: %w", err)
		}
		return nil
	})
}

func (r *CacheRepo) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	return withResult(ctx, r.conn, "delete_cache_prefix", func(ctx context.Context) (int64, error) {
		// substr avoids LIKE wildcard escaping for exact byte prefixes.
		const q = `DELETE FROM cache_entries WHERE substr(key, 1, length(?)) = ?`
		res, err := r.db.ExecContext(ctx, q, prefix, prefix)
		if err != nil {
			return 0, fmt.Errorf("sqlite: delete cache prefix: %w", err)
		}
		removed, raErr := res.RowsAffected()
		if raErr != nil {
			return 0, fmt.Errorf("sqlite: rows affected (delete cache prefix): %w", raErr)
		}
		return removed, nil
	})
}

func (r *CacheRepo) DeleteExpired(ctx context.Context) (int64, error) {
	return withResult(ctx, r.conn, "delete_expired_cache", func(ctx context.Context) (int64, error) {
		const q = `DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at < ?`
		res, err := r.db.ExecContext(ctx, q, time.Now().UTC())
		if err != nil {
			return 0, fmt.Errorf("sqlite: delete expired cache entries: %w", err)
		}
		removed, raErr := res.RowsAffected()
		if raErr != nil {
			return 0, fmt.Errorf("sqlite: rows affected (delete expired cache): %w", raErr)
		}
		return removed, nil
	})
}

func (r *CacheRepo) Clear(ctx context.Context) (int64, error) {
	return withResult(ctx, r.conn, "clear_cache", func(ctx context.Context) (int64, error) {
		res, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries`)
		if err != nil {
			return 0, fmt.Errorf("sqlite: clear cache: %w", err)
		}
		removed, raErr := res.RowsAffected()
		if raErr != nil {
			return 0, fmt.Errorf("sqlite: rows affected (clear cache): %w", raErr)
		}
		return removed, nil
	})
}

func (r *CacheRepo) Count(ctx context.Context) (int64, int64, error) {
	type counts struct{ entries, bytes int64 }
	got, err := withResult(ctx, r.conn, "count_cache", func(ctx context.Context) (counts, error) {
		const q = `SELECT COUNT(*), COALESCE(SUM(length(value)), 0) FROM cache_entries`
		var c counts
		if err := r.db.QueryRowContext(ctx, q).Scan(&c.entries, &c.bytes); err != nil {
			return counts{}, fmt.Errorf("sqlite: count cache entries: %w", err)
		}
		return c, nil
	})
	if err != nil {
		return 0, 0, err
	}
	return got.entries, got.bytes, nil
}

// nullableTime maps the zero time to NULL so never-expiring entries stay out
// of time comparisons.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
