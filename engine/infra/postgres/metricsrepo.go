package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
)

// MetricsRepo implements store.MetricsRepo on top of a pgx pool.
type MetricsRepo struct{ conn }

// NewMetricsRepo creates a new PostgreSQL-backed metrics repository.
func NewMetricsRepo(db DB, policy store.RetryPolicy) store.MetricsRepo {
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
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (day, name) DO UPDATE SET
            count = metric_rollups.count + EXCLUDED.count,
            sum = metric_rollups.sum + EXCLUDED.sum`
		if _, err := r.db.Exec(ctx, q, day, sample.Name, sample.Count, sample.Sum); err != nil {
			return fmt.Errorf("postgres: record metric: %w", err)
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
		const q = `SELECT day, name, count, sum FROM metric_rollups WHERE day >= $1 ORDER BY day DESC, name ASC`
		var out []*store.MetricRollup
		if err := pgxscan.Select(ctx, r.db, &out, q, cutoff); err != nil {
			return nil, fmt.Errorf("postgres: metric rollup: %w", err)
		}
		return out, nil
	})
}
