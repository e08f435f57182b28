package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/engine/validation"
)

// ValidationRepo implements store.ValidationRepo on top of a pgx pool.
type ValidationRepo struct{ conn }

// NewValidationRepo creates a new PostgreSQL-backed validation repository.
func NewValidationRepo(db DB, policy store.RetryPolicy) store.ValidationRepo {
	return &ValidationRepo{conn{db: db, policy: policy}}
}

const validationColumns = `id, workflow_id, run_id, file_path, family, content_hash, truth_version, rules_applied, issues, severity, status, enhanced_hash, notes, created_at, updated_at`

// validationRow mirrors the validation_results table.
type validationRow struct {
	ID           core.ID           `db:"id"`
	WorkflowID   core.ID           `db:"workflow_id"`
	RunID        string            `db:"run_id"`
	FilePath     string            `db:"file_path"`
	Family       string            `db:"family"`
	ContentHash  string            `db:"content_hash"`
	TruthVersion string            `db:"truth_version"`
	RulesApplied []byte            `db:"rules_applied"`
	Issues       []byte            `db:"issues"`
	Severity     core.Severity     `db:"severity"`
	Status       validation.Status `db:"status"`
	EnhancedHash string            `db:"enhanced_hash"`
	Notes        []byte            `db:"notes"`
	CreatedAt    time.Time         `db:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at"`
}

func (r *validationRow) toDomain() (*validation.Record, error) {
	rec := &validation.Record{
		ID:           r.ID,
		WorkflowID:   r.WorkflowID,
		RunID:        r.RunID,
		FilePath:     r.FilePath,
		Family:       r.Family,
		ContentHash:  r.ContentHash,
		TruthVersion: r.TruthVersion,
		Severity:     r.Severity,
		Status:       r.Status,
		EnhancedHash: r.EnhancedHash,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := FromJSONB(r.RulesApplied, &rec.RulesApplied); err != nil {
		return nil, err
	}
	if err := FromJSONB(r.Issues, &rec.Issues); err != nil {
		return nil, err
	}
	if err := FromJSONB(r.Notes, &rec.Notes); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *ValidationRepo) Put(ctx context.Context, rec *validation.Record) error {
	return r.retry(ctx, "put_validation", func(ctx context.Context) error {
		rules, err := ToJSONB(rec.RulesApplied)
		if err != nil {
			return err
		}
		issues, err := ToJSONB(rec.Issues)
		if err != nil {
			return err
		}
		notes, err := ToJSONB(rec.Notes)
		if err != nil {
			return err
		}
		const q = `
        INSERT INTO validation_results (` + validationColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
        ON CONFLICT (id) DO UPDATE SET
            workflow_id = EXCLUDED.workflow_id,
            run_id = EXCLUDED.run_id,
            file_path = EXCLUDED.file_path,
            family = EXCLUDED.family,
            content_hash = EXCLUDED.content_hash,
            truth_version = EXCLUDED.truth_version,
            rules_applied = EXCLUDED.rules_applied,
            issues = EXCLUDED.issues,
            severity = EXCLUDED.severity,
            status = EXCLUDED.status,
            enhanced_hash = EXCLUDED.enhanced_hash,
            notes = EXCLUDED.notes,
            updated_at = EXCLUDED.updated_at`
		if _, err := r.db.Exec(ctx, q,
			rec.ID,
			rec.WorkflowID,
			rec.RunID,
			rec.FilePath,
			rec.Family,
			rec.ContentHash,
			rec.TruthVersion,
			rules,
			issues,
			rec.Severity,
			rec.Status,
			rec.EnhancedHash,
			notes,
			rec.CreatedAt,
			rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("postgres: put validation: %w", err)
		}
		return nil
	})
}

func (r *ValidationRepo) Get(ctx context.Context, id core.ID) (*validation.Record, error) {
	return withResult(ctx, r.conn, "get_validation", func(ctx context.Context) (*validation.Record, error) {
		const q = `SELECT ` + validationColumns + ` FROM validation_results WHERE id = $1`
		var row validationRow
		if err := pgxscan.Get(ctx, r.db, &row, q, id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, store.NotFound("validation record", id.String())
			}
			return nil, fmt.Errorf("postgres: get validation: %w", err)
		}
		return row.toDomain()
	})
}

func (r *ValidationRepo) List(ctx context.Context, filter *validation.Filter) ([]*validation.Record, error) {
	return withResult(ctx, r.conn, "list_validations", func(ctx context.Context) ([]*validation.Record, error) {
		sb := squirrel.Select(validationColumns).
			From("validation_results").
			PlaceholderFormat(squirrel.Dollar).
			OrderBy("created_at DESC", "id DESC")
		for _, cond := range validationConds(filter) {
			sb = sb.Where(cond)
		}
		if filter != nil {
			sb = paginate(sb, filter.Limit, filter.Offset)
		}
		q, args, err := sb.ToSql()
		if err != nil {
			return nil, fmt.Errorf("postgres: build list validations query: %w", err)
		}
		return r.selectRecords(ctx, q, args...)
	})
}

func (r *ValidationRepo) UpdateStatus(ctx context.Context, id core.ID, status validation.Status, notes string) error {
	if !status.IsValid() {
		return core.NewError(fmt.Errorf("unknown record status %q", status), core.CodeInvalidArgument, map[string]any{
			"status": string(status),
		})
	}
	return r.retry(ctx, "update_validation_status", func(ctx context.Context) error {
		return r.withTransaction(ctx, func(tx pgx.Tx) error {
			var rawNotes []byte
			err := tx.QueryRow(ctx, `SELECT notes FROM validation_results WHERE id = $1 FOR UPDATE`, id).Scan(&rawNotes)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return store.NotFound("validation record", id.String())
				}
				return fmt.Errorf("postgres: read validation notes: %w", err)
			}
			var existing []string
			if err := FromJSONB(rawNotes, &existing); err != nil {
				return err
			}
			if notes != "" {
				existing = append(existing, notes)
			}
			merged, err := ToJSONB(existing)
			if err != nil {
				return err
			}
			const q = `UPDATE validation_results SET status = $1, notes = $2, updated_at = $3 WHERE id = $4`
			if _, err := tx.Exec(ctx, q, status, merged, time.Now().UTC(), id); err != nil {
				return fmt.Errorf("postgres: update validation status: %w", err)
			}
			return nil
		})
	})
}

func (r *ValidationRepo) History(ctx context.Context, filePath string, limit int) ([]*validation.Record, error) {
	return withResult(ctx, r.conn, "validation_history", func(ctx context.Context) ([]*validation.Record, error) {
		sb := squirrel.Select(validationColumns).
			From("validation_results").
			PlaceholderFormat(squirrel.Dollar).
			Where(squirrel.Eq{"file_path": filePath}).
			OrderBy("created_at DESC", "id DESC")
		sb = paginate(sb, limit, 0)
		q, args, err := sb.ToSql()
		if err != nil {
			return nil, fmt.Errorf("postgres: build validation history query: %w", err)
		}
		return r.selectRecords(ctx, q, args...)
	})
}

func (r *ValidationRepo) Delete(ctx context.Context, id core.ID, confirm bool) error {
	if err := store.RequireConfirm(confirm, "delete validation record"); err != nil {
		return err
	}
	return r.retry(ctx, "delete_validation", func(ctx context.Context) error {
		return r.withTransaction(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `DELETE FROM recommendations WHERE validation_id = $1`, id); err != nil {
				return fmt.Errorf("postgres: delete validation recommendations: %w", err)
			}
			tag, err := tx.Exec(ctx, `DELETE FROM validation_results WHERE id = $1`, id)
			if err != nil {
				return fmt.Errorf("postgres: delete validation: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return store.NotFound("validation record", id.String())
			}
			return nil
		})
	})
}

func (r *ValidationRepo) selectRecords(ctx context.Context, q string, args ...any) ([]*validation.Record, error) {
	var rows []*validationRow
	if err := pgxscan.Select(ctx, r.db, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("postgres: query validations: %w", err)
	}
	var out []*validation.Record
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func validationConds(f *validation.Filter) []squirrel.Sqlizer {
	if f == nil {
		return nil
	}
	var conds []squirrel.Sqlizer
	if f.WorkflowID != "" {
		conds = append(conds, squirrel.Eq{"workflow_id": f.WorkflowID})
	}
	if f.RunID != "" {
		conds = append(conds, squirrel.Eq{"run_id": f.RunID})
	}
	if f.FilePath != "" {
		conds = append(conds, squirrel.Eq{"file_path": f.FilePath})
	}
	if f.Family != "" {
		conds = append(conds, squirrel.Eq{"family": f.Family})
	}
	if f.Status != "" {
		conds = append(conds, squirrel.Eq{"status": f.Status})
	}
	if f.Severity != "" {
		conds = append(conds, squirrel.Eq{"severity": f.Severity})
	}
	if f.CreatedAfter != nil {
		conds = append(conds, squirrel.Gt{"created_at": f.CreatedAfter.UTC()})
	}
	if f.CreatedBefore != nil {
		conds = append(conds, squirrel.Lt{"created_at": f.CreatedBefore.UTC()})
	}
	return conds
}
