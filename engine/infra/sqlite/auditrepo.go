package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tbcv/tbcv/engine/audit"
	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
)

// AuditRepo implements store.AuditRepo on top of a SQLite *sql.DB.
type AuditRepo struct{ conn }

// NewAuditRepo creates a new SQLite-backed audit repository.
func NewAuditRepo(db *sql.DB, policy store.RetryPolicy) store.AuditRepo {
	return &AuditRepo{conn{db: db, policy: policy}}
}

const auditColumns = `id, recommendation_id, validation_id, actor, action, timestamp, before_hash, after_hash, notes`

func (r *AuditRepo) Append(ctx context.Context, entry *audit.Entry) error {
	if entry == nil {
		return core.NewError(fmt.Errorf("audit entry is nil"), core.CodeInvalidArgument, nil)
	}
	return r.retry(ctx, "append_audit", func(ctx context.Context) error {
		const q = `INSERT INTO audit_logs (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := r.db.ExecContext(ctx, q,
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
			return fmt.Errorf("sqlite: append audit entry: %w", err)
		}
		return nil
	})
}

func (r *AuditRepo) List(ctx context.Context, filter *audit.Filter) ([]*audit.Entry, error) {
	return withResult(ctx, r.conn, "list_audit", func(ctx context.Context) ([]*audit.Entry, error) {
		where, args := auditWhere(filter)
		q := `SELECT ` + auditColumns + ` FROM audit_logs` + where + ` ORDER BY timestamp DESC, id DESC`
		if filter != nil {
			q += limitOffset(filter.Limit, filter.Offset)
		}
		rows, err := r.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
		}
		defer rows.Close()
		var out []*audit.Entry
		for rows.Next() {
			var entry audit.Entry
			if err := rows.Scan(
				&entry.ID,
				&entry.RecommendationID,
				&entry.ValidationID,
				&entry.Actor,
				&entry.Action,
				&entry.Timestamp,
				&entry.BeforeHash,
				&entry.AfterHash,
				&entry.Notes,
			); err != nil {
				return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
			}
			out = append(out, &entry)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlite: iter audit entries: %w", err)
		}
		return out, nil
	})
}

func (r *AuditRepo) Reset(ctx context.Context, confirm bool) (int64, error) {
	if err := store.RequireConfirm(confirm, "reset audit log"); err != nil {
		return 0, err
	}
	return withResult(ctx, r.conn, "reset_audit", func(ctx context.Context) (int64, error) {
		res, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs`)
		if err != nil {
			return 0, fmt.Errorf("sqlite: reset audit log: %w", err)
		}
		removed, raErr := res.RowsAffected()
		if raErr != nil {
			return 0, fmt.Errorf("sqlite: rows affected (reset audit log): %w", raErr)
		}
		return removed, nil
	})
}

func auditWhere(f *audit.Filter) (string, []any) {
	if f == nil {
		return "", nil
	}
	var conds []string
	var args []any
	if f.RecommendationID != "" {
		conds = append(conds, "recommendation_id = ?")
		args = append(args, f.RecommendationID)
	}
	if f.ValidationID != "" {
		conds = append(conds, "validation_id = ?")
		args = append(args, f.ValidationID)
	}
	if f.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.Until.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
