package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
)

// CacheRepo implements store.CacheRepo on top of a pgx pool.
type CacheRepo struct{ conn }

// NewCacheRepo creates a new PostgreSQL-backed cache repository.
func NewCacheRepo(db DB, policy store.RetryPolicy) store.CacheRepo {
	return &CacheRepo{conn{db: db, policy: policy}}
}

func (r *CacheRepo) Get(ctx context.Context, key string) (*store.CacheEntry, error) {
	return withResult(ctx, r.conn, "get_cache_entry", func(ctx context.Context) (*store.CacheEntry, error) {
		const q = `SELECT key, value, compressed, expires_at, created_at FROM cache_entries WHERE key = $1`
		var (
			entry     store.CacheEntry
			expiresAt *time.Time
		)
		err := r.db.QueryRow(ctx, q, key).
			Scan(&entry.Key, &entry.Value, &entry.Compressed, &expiresAt, &entry.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, store.NotFound("cache entry", key)
			}
			return nil, fmt.Errorf("postgres: get cache entry: %w", err)
		}
		if expiresAt != nil {
			entry.ExpiresAt = *expiresAt
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
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (key) DO UPDATE SET
            value = EXCLUDED.value,
            compressed = EXCLUDED.compressed,
            expires_at = EXCLUDED.expires_at,
            created_at = EXCLUDED.created_at`
		if _, err := r.db.Exec(ctx, q,
			entry.Key,
			entry.Value,
			entry.Compressed,
			nullableTime(entry.ExpiresAt),
			entry.CreatedAt,
		); err != nil {
			return fmt.Errorf("postgres: put cache entry: %w", err)
		}
		return nil
	})
}

func (r *CacheRepo) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, "delete_cache_entry", func(ctx context.Context) error {
		if _, err := r.db.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
			return fmt.Errorf("postgres: delete cache entry: %w", err)
		}
		return nil
	})
}

func (r *CacheRepo) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	return withResult(ctx, r.conn, "delete_cache_prefix", func(ctx context.Context) (int64, error) {
		// starts_with avoids LIKE wildcard escaping for exact byte prefixes.
		const q = `DELETE FROM cache_entries WHERE starts_with(key, $1)`
		tag, err := r.db.Exec(ctx, q, prefix)
		if err != nil {
			return 0, fmt.Errorf("postgres: delete cache prefix: %w", err)
		}
		return tag.RowsAffected(), nil
	})
}

func (r *CacheRepo) DeleteExpired(ctx context.Context) (int64, error) {
	return withResult(ctx, r.conn, "delete_expired_cache", func(ctx context.Context) (int64, error) {
		const q = `DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at < $1`
		tag, err := r.db.Exec(ctx, q, time.Now().UTC())
		if err != nil {
			return 0, fmt.Errorf("postgres: delete expired cache entries: %w", err)
		}
		return tag.RowsAffected(), nil
	})
}

func (r *CacheRepo) Clear(ctx context.Context) (int64, error) {
	return withResult(ctx, r.conn, "clear_cache", func(ctx context.Context) (int64, error) {
		tag, err := r.db.Exec(ctx, `DELETE FROM cache_entries`)
		if err != nil {
			return 0, fmt.Errorf("postgres: clear cache: %w", err)
		}
		return tag.RowsAffected(), nil
	})
}

func (r *CacheRepo) Count(ctx context.Context) (int64, int64, error) {
	type counts struct{ entries, bytes int64 }
	got, err := withResult(ctx, r.conn, "count_cache", func(ctx context.Context) (counts, error) {
		const q = `SELECT COUNT(*), COALESCE(SUM(octet_length(value)), 0) FROM cache_entries`
		var c counts
		if err := r.db.QueryRow(ctx, q).Scan(&c.entries, &c.bytes); err != nil {
			return counts{}, fmt.Errorf("postgres: count cache entries: %w", err)
		}
		return c, nil
	})
	if err != nil {
		return 0, 0, err
	}
	return got.entries, got.bytes, nil
}
