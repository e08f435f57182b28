package postgres

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
)

var cacheRowColumns = []string{"key", "value", "compressed", "expires_at", "created_at"}

func TestCacheRepo_Get(t *testing.T) {
	t.Run("Should return a stored entry", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewCacheRepo(mockPool, testPolicy())

		created := time.Now().UTC()
		expires := created.Add(time.Hour)
		rows := mockPool.NewRows(cacheRowColumns).
			AddRow("validation:sha256:abc", []byte("payload"), true, &expires, created)
		mockPool.ExpectQuery(`SELECT key, value, compressed, expires_at, created_at FROM cache_entries WHERE key = \$1`).
			WithArgs("validation:sha256:abc").
			WillReturnRows(rows)

		entry, err := repo.Get(testCtx(t), "validation:sha256:abc")
		require.NoError(t, err)
		assert.Equal(t, "validation:sha256:abc", entry.Key)
		assert.Equal(t, []byte("payload"), entry.Value)
		assert.True(t, entry.Compressed)
		assert.True(t, entry.ExpiresAt.Equal(expires))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should leave ExpiresAt zero for persistent entries", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewCacheRepo(mockPool, testPolicy())

		var nilTime *time.Time
		rows := mockPool.NewRows(cacheRowColumns).
			AddRow("truth:v3", []byte("{}"), false, nilTime, time.Now().UTC())
		mockPool.ExpectQuery(`SELECT (.+) FROM cache_entries WHERE key = \$1`).
			WithArgs("truth:v3").
			WillReturnRows(rows)

		entry, err := repo.Get(testCtx(t), "truth:v3")
		require.NoError(t, err)
		assert.True(t, entry.ExpiresAt.IsZero())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should return NOT_FOUND on a miss", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewCacheRepo(mockPool, testPolicy())

		mockPool.ExpectQuery(`SELECT (.+) FROM cache_entries WHERE key = \$1`).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err = repo.Get(testCtx(t), "missing")
		assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestCacheRepo_Put(t *testing.T) {
	t.Run("Should reject entries without a key", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewCacheRepo(mockPool, testPolicy())

		assert.Equal(t, core.CodeInvalidArgument, core.CodeOf(repo.Put(testCtx(t), nil)))
		assert.Equal(t, core.CodeInvalidArgument, core.CodeOf(repo.Put(testCtx(t), &store.CacheEntry{})))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should upsert an entry with NULL expiry for persistent keys", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewCacheRepo(mockPool, testPolicy())

		entry := &store.CacheEntry{
			Key:       "truth:v3",
			Value:     []byte("{}"),
			CreatedAt: time.Now().UTC(),
		}
		mockPool.ExpectExec("INSERT INTO cache_entries").
			WithArgs(entry.Key, entry.Value, entry.Compressed, nil, entry.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Put(testCtx(t), entry))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should store the expiry in UTC", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewCacheRepo(mockPool, testPolicy())

		loc := time.FixedZone("UTC+2", 2*60*60)
		entry := &store.CacheEntry{
			Key:        "validation:sha256:abc",
			Value:      []byte("payload"),
			Compressed: true,
			ExpiresAt:  time.Date(2026, 2, 10, 12, 0, 0, 0, loc),
			CreatedAt:  time.Now().UTC(),
		}
		mockPool.ExpectExec("INSERT INTO cache_entries").
			WithArgs(entry.Key, entry.Value, true, entry.ExpiresAt.UTC(), entry.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Put(testCtx(t), entry))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestCacheRepo_Deletes(t *testing.T) {
	t.Run("Should delete one key without caring whether it existed", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewCacheRepo(mockPool, testPolicy())

		mockPool.ExpectExec(`DELETE FROM cache_entries WHERE key = \$1`).
			WithArgs("missing").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		require.NoError(t, repo.Delete(testCtx(t), "missing"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should delete by prefix", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewCacheRepo(mockPool, testPolicy())

		mockPool.ExpectExec(`DELETE FROM cache_entries WHERE starts_with\(key, \$1\)`).
			WithArgs("truth:").
			WillReturnResult(pgxmock.NewResult("DELETE", 2))

		removed, err := repo.DeletePrefix(testCtx(t), "truth:")
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should delete only expired entries", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewCacheRepo(mockPool, testPolicy())

		mockPool.ExpectExec(`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at < \$1`).
			WithArgs(pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		removed, err := repo.DeleteExpired(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should clear the whole cache", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewCacheRepo(mockPool, testPolicy())

		mockPool.ExpectExec("DELETE FROM cache_entries").
			WillReturnResult(pgxmock.NewResult("DELETE", 7))

		removed, err := repo.Clear(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, int64(7), removed)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestCacheRepo_Count(t *testing.T) {
	t.Run("Should report entry and byte totals", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewCacheRepo(mockPool, testPolicy())

		rows := mockPool.NewRows([]string{"count", "coalesce"}).AddRow(int64(3), int64(96))
		mockPool.ExpectQuery(`SELECT COUNT\(\*\), COALESCE\(SUM\(octet_length\(value\)\), 0\) FROM cache_entries`).
			WillReturnRows(rows)

		entries, bytes, err := repo.Count(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, int64(3), entries)
		assert.Equal(t, int64(96), bytes)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
