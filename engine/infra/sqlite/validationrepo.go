package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/logger"
)

// ValidationRepo implements store.ValidationRepo on top of a SQLite *sql.DB.
type ValidationRepo struct{ conn }

// NewValidationRepo creates a new SQLite-backed validation repository.
func NewValidationRepo(db *sql.DB, policy store.RetryPolicy) store.ValidationRepo {
	return &ValidationRepo{conn{db: db, policy: policy}}
}

const validationColumns = `id, workflow_id, run_id, file_path, family, content_hash, truth_version, rules_applied, issues, severity, status, enhanced_hash, notes, created_at, updated_at`

func (r *ValidationRepo) Put(ctx context.Context, rec *validation.Record) error {
	return r.retry(ctx, "put_validation", func(ctx context.Context) error {
		rules, err := ToJSONText(rec.RulesApplied)
		if err != nil {
			return err
		}
		issues, err := ToJSONText(rec.Issues)
		if err != nil {
			return err
		}
		notes, err := ToJSONText(rec.Notes)
		if err != nil {
			return err
		}
		const q = `
        INSERT INTO validation_results (` + validationColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            workflow_id = excluded.workflow_id,
            run_id = excluded.run_id,
            file_path = excluded.file_path,
            family = excluded.family,
            content_hash = excluded.content_hash,
            truth_version = excluded.truth_version,
            rules_applied = excluded.rules_applied,
            issues = excluded.issues,
            severity = excluded.severity,
            status = excluded.status,
            enhanced_hash = excluded.enhanced_hash,
            notes = excluded.notes,
            updated_at = excluded.updated_at`
		if _, err := r.db.ExecContext(ctx, q,
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
			return fmt.Errorf("sqlite: put validation: %w", err)
		}
		return nil
	})
}

func (r *ValidationRepo) Get(ctx context.Context, id core.ID) (*validation.Record, error) {
	return withResult(ctx, r.conn, "get_validation", func(ctx context.Context) (*validation.Record, error) {
		const q = `SELECT ` + validationColumns + ` FROM validation_results WHERE id = ?`
		rec, err := scanValidation(r.db.QueryRowContext(ctx, q, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.NotFound("validation record", id.String())
			}
			return nil, fmt.Errorf("sqlite: get validation: %w", err)
		}
		return rec, nil
	})
}

func (r *ValidationRepo) List(ctx context.Context, filter *validation.Filter) ([]*validation.Record, error) {
	return withResult(ctx, r.conn, "list_validations", func(ctx context.Context) ([]*validation.Record, error) {
		where, args := validationWhere(filter)
		q := `SELECT ` + validationColumns + ` FROM validation_results` + where + ` ORDER BY created_at DESC, id DESC`
		if filter != nil {
			q += limitOffset(filter.Limit, filter.Offset)
		}
		return r.queryRecords(ctx, q, args...)
	})
}

func (r *ValidationRepo) UpdateStatus(ctx context.Context, id core.ID, status validation.Status, notes string) error {
	if !status.IsValid() {
		return core.NewError(fmt.Errorf("unknown record status %q", status), core.CodeInvalidArgument, map[string]any{
			"status": string(status),
		})
	}
	return r.retry(ctx, "update_validation_status", func(ctx context.Context) (err error) {
		tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("sqlite: begin tx: %w", err)
		}
		defer func() {
			if err != nil {
				if rb := tx.Rollback(); rb != nil {
					logger.FromContext(ctx).Warn("sqlite: rollback failed", "error", rb)
				}
			}
		}()
		var rawNotes []byte
		err = tx.QueryRowContext(ctx, `SELECT notes FROM validation_results WHERE id = ?`, id).Scan(&rawNotes)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				err = store.NotFound("validation record", id.String())
				return err
			}
			return fmt.Errorf("sqlite: read validation notes: %w", err)
		}
		var existing []string
		if err = FromJSONText(rawNotes, &existing); err != nil {
			return err
		}
		if notes != "" {
			existing = append(existing, notes)
		}
		merged, err := ToJSONText(existing)
		if err != nil {
			return err
		}
		const q = `UPDATE validation_results SET status = ?, notes = ?, updated_at = ? WHERE id = ?`
		if _, err = tx.ExecContext(ctx, q, status, merged, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("sqlite: update validation status: %w", err)
		}
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit tx: %w", err)
		}
		return nil
	})
}

func (r *ValidationRepo) History(ctx context.Context, filePath string, limit int) ([]*validation.Record, error) {
	return withResult(ctx, r.conn, "validation_history", func(ctx context.Context) ([]*validation.Record, error) {
		q := `SELECT ` + validationColumns + ` FROM validation_results WHERE file_path = ? ORDER BY created_at DESC, id DESC`
		q += limitOffset(limit, 0)
		return r.queryRecords(ctx, q, filePath)
	})
}

func (r *ValidationRepo) Delete(ctx context.Context, id core.ID, confirm bool) error {
	if err := store.RequireConfirm(confirm, "delete validation record"); err != nil {
		return err
	}
	return r.retry(ctx, "delete_validation", func(ctx context.Context) (err error) {
		tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("sqlite: begin tx: %w", err)
		}
		defer func() {
			if err != nil {
				if rb := tx.Rollback(); rb != nil {
					logger.FromContext(ctx).Warn("sqlite: rollback failed", "error", rb)
				}
			}
		}()
		if _, err = tx.ExecContext(ctx, `DELETE FROM recommendations WHERE validation_id = ?`, id); err != nil {
			return fmt.Errorf("sqlite: delete validation recommendations: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM validation_results WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("sqlite: delete validation: %w", err)
		}
		if n, raErr := res.RowsAffected(); raErr == nil {
			if n == 0 {
				err = store.NotFound("validation record", id.String())
				return err
			}
		} else {
			return fmt.Errorf("sqlite: rows affected (delete validation): %w", raErr)
		}
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit tx: %w", err)
		}
		return nil
	})
}

func (r *ValidationRepo) queryRecords(ctx context.Context, q string, args ...any) ([]*validation.Record, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query validations: %w", err)
	}
	defer rows.Close()
	var out []*validation.Record
	for rows.Next() {
		rec, err := scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan validation: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter validations: %w", err)
	}
	return out, nil
}

func scanValidation(sc rowScanner) (*validation.Record, error) {
	var (
		rec    validation.Record
		rules  []byte
		issues []byte
		notes  []byte
	)
	if err := sc.Scan(
		&rec.ID,
		&rec.WorkflowID,
		&rec.RunID,
		&rec.FilePath,
		&rec.Family,
		&rec.ContentHash,
		&rec.TruthVersion,
		&rules,
		&issues,
		&rec.Severity,
		&rec.Status,
		&rec.EnhancedHash,
		&notes,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := FromJSONText(rules, &rec.RulesApplied); err != nil {
		return nil, err
	}
	if err := FromJSONText(issues, &rec.Issues); err != nil {
		return nil, err
	}
	if err := FromJSONText(notes, &rec.Notes); err != nil {
		return nil, err
	}
	return &rec, nil
}

func validationWhere(f *validation.Filter) (string, []any) {
	if f == nil {
		return "", nil
	}
	var conds []string
	var args []any
	if f.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.FilePath != "" {
		conds = append(conds, "file_path = ?")
		args = append(args, f.FilePath)
	}
	if f.Family != "" {
		conds = append(conds, "family = ?")
		args = append(args, f.Family)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.CreatedAfter != nil {
		conds = append(conds, "created_at > ?")
		args = append(args, f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, f.CreatedBefore.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
