package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
)

// MetricsRepo implements store.MetricsRepo on top of a SQLite *sql.DB.
type MetricsRepo struct{ conn }

// NewMetricsRepo creates a new SQLite-backed metrics repository.
func NewMetricsRepo(db *sql.DB, policy store.RetryPolicy) store.MetricsRepo {
	return &MetricsRepo{conn{db: db, policy: policy}}
}

func (r *MetricsRepo) Record(ctx context.Context, sample *store.MetricSample) error {
	if sample == nil || sample.Name == "" {
		return core.NewError(fmt.Errorf("metric sample requires a name"), core.CodeInvalidArgument, nil)
	}
	return r.retry(ctx, "record_metric", func(ctx context.Context) error {
		day := sample.Day
		if day == "" {
			day = store.Day(time.Now())
		}
		const q = `
        INSERT INTO metric_rollups (day, name, count, sum)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (day, name) DO UPDATE SET
            count = metric_rollups.count + excluded.count,
            sum = metric_rollups.sum + excluded.sum`
		if _, err := r.db.ExecContext(ctx, q, day, sample.Name, sample.Count, sample.Sum); err != nil {
			return fmt.Errorf("sqlite: record metric: %w", err)
		}
		return nil
	})
}

func (r *MetricsRepo) Rollup(ctx context.Context, days int) ([]*store.MetricRollup, error) {
	if days <= 0 {
		days = 1
	}
	return withResult(ctx, r.conn, "metric_rollup", func(ctx context.Context) ([]*store.MetricRollup, error) {
		cutoff := store.Day(time.Now().AddDate(0, 0, -(days - 1)))
		const q = `SELECT day, name, count, sum FROM metric_rollups WHERE day >= ? ORDER BY day DESC, name ASC`
		rows, err := r.db.QueryContext(ctx, q, cutoff)
		if err != nil {
			return nil, fmt.Errorf("sqlite: metric rollup: %w", err)
		}
		defer rows.Close()
		var out []*store.MetricRollup
		for rows.Next() {
			var rollup store.MetricRollup
			if err := rows.Scan(&rollup.Day, &rollup.Name, &rollup.Count, &rollup.Sum); err != nil {
				return nil, fmt.Errorf("sqlite: scan metric rollup: %w", err)
			}
			out = append(out, &rollup)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlite: iter metric rollups: %w", err)
		}
		return out, nil
	})
}
