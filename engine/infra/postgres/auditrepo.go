package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/tbcv/tbcv/engine/audit"
	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
)

// AuditRepo implements store.AuditRepo on top of a pgx pool.
type AuditRepo struct{ conn }

// NewAuditRepo creates a new PostgreSQL-backed audit repository.
func NewAuditRepo(db DB, policy store.RetryPolicy) store.AuditRepo {
	return &AuditRepo{conn{db: db, policy: policy}}
}

const auditColumns = `id, recommendation_id, validation_id, actor, action, timestamp, before_hash, after_hash, notes`

func (r *AuditRepo) Append(ctx context.Context, entry *audit.Entry) error {
	if entry == nil {
		return core.NewError(fmt.Errorf("audit entry is nil"), core.CodeInvalidArgument, nil)
	}
	return r.retry(ctx, "append_audit", func(ctx context.Context) error {
		const q = `INSERT INTO audit_logs (` + auditColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		if _, err := r.db.Exec(ctx, q,
			entry.ID,
			entry.RecommendationID,
			entry.ValidationID,
			entry.Actor,
			entry.Action,
			entry.Timestamp,
			entry.BeforeHash,
			entry.AfterHash,
			entry.Notes,
		); err != nil {
			return fmt.Errorf("postgres: append audit entry: %w", err)
		}
		return nil
	})
}

func (r *AuditRepo) List(ctx context.Context, filter *audit.Filter) ([]*audit.Entry, error) {
	return withResult(ctx, r.conn, "list_audit", func(ctx context.Context) ([]*audit.Entry, error) {
		sb := squirrel.Select(auditColumns).
			From("audit_logs").
			PlaceholderFormat(squirrel.Dollar).
			OrderBy("timestamp DESC", "id DESC")
		for _, cond := range auditConds(filter) {
			sb = sb.Where(cond)
		}
		if filter != nil {
			sb = paginate(sb, filter.Limit, filter.Offset)
		}
		q, args, err := sb.ToSql()
		if err != nil {
			return nil, fmt.Errorf("postgres: build list audit query: %w", err)
		}
		var out []*audit.Entry
		if err := pgxscan.Select(ctx, r.db, &out, q, args...); err != nil {
			return nil, fmt.Errorf("postgres: list audit entries: %w", err)
		}
		return out, nil
	})
}

func (r *AuditRepo) Reset(ctx context.Context, confirm bool) (int64, error) {
	if err := store.RequireConfirm(confirm, "reset audit log"); err != nil {
		return 0, err
	}
	return withResult(ctx, r.conn, "reset_audit", func(ctx context.Context) (int64, error) {
		tag, err := r.db.Exec(ctx, `DELETE FROM audit_logs`)
		if err != nil {
			return 0, fmt.Errorf("postgres: reset audit log: %w", err)
		}
		return tag.RowsAffected(), nil
	})
}

func auditConds(f *audit.Filter) []squirrel.Sqlizer {
	if f == nil {
		return nil
	}
	var conds []squirrel.Sqlizer
	if f.RecommendationID != "" {
		conds = append(conds, squirrel.Eq{"recommendation_id": f.RecommendationID})
	}
	if f.ValidationID != "" {
		conds = append(conds, squirrel.Eq{"validation_id": f.ValidationID})
	}
	if f.Actor != "" {
		conds = append(conds, squirrel.Eq{"actor": f.Actor})
	}
	if f.Action != "" {
		conds = append(conds, squirrel.Eq{"action": f.Action})
	}
	if !f.Since.IsZero() {
		conds = append(conds, squirrel.GtOrEq{"timestamp": f.Since.UTC()})
	}
	if !f.Until.IsZero() {
		conds = append(conds, squirrel.LtOrEq{"timestamp": f.Until.UTC()})
	}
	return conds
}
