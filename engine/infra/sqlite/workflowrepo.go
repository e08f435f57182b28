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
	"github.com/tbcv/tbcv/engine/workflow"
	"github.com/tbcv/tbcv/pkg/logger"
)

// WorkflowRepo implements store.WorkflowRepo on top of a SQLite *sql.DB.
type WorkflowRepo struct{ conn }

// NewWorkflowRepo creates a new SQLite-backed workflow repository.
func NewWorkflowRepo(db *sql.DB, policy store.RetryPolicy) store.WorkflowRepo {
	return &WorkflowRepo{conn{db: db, policy: policy}}
}

const workflowColumns = `id, run_id, type, status, params, total_steps, current_step, error, started_at, completed_at, created_at, updated_at`

func (r *WorkflowRepo) Put(ctx context.Context, wf *workflow.Workflow) error {
	return r.retry(ctx, "put_workflow", func(ctx context.Context) error {
		params, err := ToJSONText(wf.Params)
		if err != nil {
			return err
		}
		errJSON, err := ToJSONText(wf.Error)
		if err != nil {
			return err
		}
		const q = `
        INSERT INTO workflows (` + workflowColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            run_id = excluded.run_id,
            type = excluded.type,
            status = excluded.status,
            params = excluded.params,
            total_steps = excluded.total_steps,
            current_step = excluded.current_step,
            error = excluded.error,
            started_at = excluded.started_at,
            completed_at = excluded.completed_at,
            updated_at = excluded.updated_at`
		if _, err := r.db.ExecContext(ctx, q,
			wf.ID,
			wf.RunID,
			wf.Type,
			wf.Status,
			params,
			wf.TotalSteps,
			wf.CurrentStep,
			errJSON,
			wf.StartedAt,
			wf.CompletedAt,
			wf.CreatedAt,
			wf.UpdatedAt,
		); err != nil {
			return fmt.Errorf("sqlite: put workflow: %w", err)
		}
		return nil
	})
}

func (r *WorkflowRepo) UpdateState(ctx context.Context, id core.ID, status core.StatusType, currentStep, totalSteps int) error {
	return r.retry(ctx, "update_workflow_state", func(ctx context.Context) error {
		const q = `UPDATE workflows SET status = ?, current_step = ?, total_steps = ?, updated_at = ? WHERE id = ?`
		res, err := r.db.ExecContext(ctx, q, status, currentStep, totalSteps, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("sqlite: update workflow state: %w", err)
		}
		if n, raErr := res.RowsAffected(); raErr == nil {
			if n == 0 {
				return store.NotFound("workflow", id.String())
			}
		} else {
			return fmt.Errorf("sqlite: rows affected (update workflow state): %w", raErr)
		}
		return nil
	})
}

func (r *WorkflowRepo) Get(ctx context.Context, id core.ID) (*workflow.Workflow, error) {
	return withResult(ctx, r.conn, "get_workflow", func(ctx context.Context) (*workflow.Workflow, error) {
		const q = `SELECT ` + workflowColumns + ` FROM workflows WHERE id = ?`
		wf, err := scanWorkflow(r.db.QueryRowContext(ctx, q, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.NotFound("workflow", id.String())
			}
			return nil, fmt.Errorf("sqlite: get workflow: %w", err)
		}
		return wf, nil
	})
}

func (r *WorkflowRepo) List(ctx context.Context, filter *workflow.Filter) ([]*workflow.Workflow, error) {
	return withResult(ctx, r.conn, "list_workflows", func(ctx context.Context) ([]*workflow.Workflow, error) {
		where, args := workflowWhere(filter)
		q := `SELECT ` + workflowColumns + ` FROM workflows` + where + ` ORDER BY created_at DESC, id DESC`
		if filter != nil {
			q += limitOffset(filter.Limit, filter.Offset)
		}
		rows, err := r.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list workflows: %w", err)
		}
		defer rows.Close()
		var out []*workflow.Workflow
		for rows.Next() {
			wf, err := scanWorkflow(rows)
			if err != nil {
				return nil, fmt.Errorf("sqlite: scan workflow: %w", err)
			}
			out = append(out, wf)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlite: iter workflows: %w", err)
		}
		return out, nil
	})
}

func (r *WorkflowRepo) Delete(ctx context.Context, id core.ID, confirm bool) error {
	if err := store.RequireConfirm(confirm, "delete workflow"); err != nil {
		return err
	}
	return r.retry(ctx, "delete_workflow", func(ctx context.Context) (err error) {
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM workflow_checkpoints WHERE workflow_id = ?`, id); err != nil {
			return fmt.Errorf("sqlite: delete workflow checkpoints: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("sqlite: delete workflow: %w", err)
		}
		if n, raErr := res.RowsAffected(); raErr == nil {
			if n == 0 {
				err = store.NotFound("workflow", id.String())
				return err
			}
		} else {
			return fmt.Errorf("sqlite: rows affected (delete workflow): %w", raErr)
		}
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit tx: %w", err)
		}
		return nil
	})
}

func (r *WorkflowRepo) BulkDelete(ctx context.Context, filter *workflow.Filter, confirm bool) (int64, error) {
	if err := store.RequireConfirm(confirm, "bulk delete workflows"); err != nil {
		return 0, err
	}
	return withResult(ctx, r.conn, "bulk_delete_workflows", func(ctx context.Context) (removed int64, err error) {
		where, args := workflowWhere(filter)
		tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return 0, fmt.Errorf("sqlite: begin tx: %w", err)
		}
		defer func() {
			if err != nil {
				if rb := tx.Rollback(); rb != nil {
					logger.FromContext(ctx).Warn("sqlite: rollback failed", "error", rb)
				}
			}
		}()
		cpq := `DELETE FROM workflow_checkpoints WHERE workflow_id IN (SELECT id FROM workflows` + where + `)`
		if _, err = tx.ExecContext(ctx, cpq, args...); err != nil {
			return 0, fmt.Errorf("sqlite: bulk delete checkpoints: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM workflows`+where, args...)
		if err != nil {
			return 0, fmt.Errorf("sqlite: bulk delete workflows: %w", err)
		}
		removed, raErr := res.RowsAffected()
		if raErr != nil {
			return 0, fmt.Errorf("sqlite: rows affected (bulk delete workflows): %w", raErr)
		}
		if err = tx.Commit(); err != nil {
			return 0, fmt.Errorf("sqlite: commit tx: %w", err)
		}
		return removed, nil
	})
}

func (r *WorkflowRepo) AppendCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error {
	if cp == nil {
		return core.NewError(fmt.Errorf("checkpoint is nil"), core.CodeInvalidArgument, nil)
	}
	return r.retry(ctx, "append_checkpoint", func(ctx context.Context) error {
		state, err := ToJSONText(cp.State)
		if err != nil {
			return err
		}
		const q = `INSERT INTO workflow_checkpoints (id, workflow_id, step, position, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`
		if _, err := r.db.ExecContext(ctx, q, cp.ID, cp.WorkflowID, cp.Step, cp.Position, state, cp.CreatedAt); err != nil {
			return fmt.Errorf("sqlite: append checkpoint: %w", err)
		}
		return nil
	})
}

func (r *WorkflowRepo) LatestCheckpoint(ctx context.Context, workflowID core.ID) (*workflow.Checkpoint, error) {
	return withResult(ctx, r.conn, "latest_checkpoint", func(ctx context.Context) (*workflow.Checkpoint, error) {
		const q = `
        SELECT id, workflow_id, step, position, state, created_at
        FROM workflow_checkpoints
        WHERE workflow_id = ?
        ORDER BY created_at DESC, rowid DESC
        LIMIT 1`
		var (
			cp    workflow.Checkpoint
			state []byte
		)
		err := r.db.QueryRowContext(ctx, q, workflowID).
			Scan(&cp.ID, &cp.WorkflowID, &cp.Step, &cp.Position, &state, &cp.CreatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.NotFound("checkpoint", workflowID.String())
			}
			return nil, fmt.Errorf("sqlite: latest checkpoint: %w", err)
		}
		if err := FromJSONText(state, &cp.State); err != nil {
			return nil, err
		}
		return &cp, nil
	})
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface{ Scan(dest ...any) error }

func scanWorkflow(sc rowScanner) (*workflow.Workflow, error) {
	var (
		wf          workflow.Workflow
		params      []byte
		errJSON     []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	if err := sc.Scan(
		&wf.ID,
		&wf.RunID,
		&wf.Type,
		&wf.Status,
		&params,
		&wf.TotalSteps,
		&wf.CurrentStep,
		&errJSON,
		&startedAt,
		&completedAt,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := FromJSONText(params, &wf.Params); err != nil {
		return nil, err
	}
	if err := FromJSONText(errJSON, &wf.Error); err != nil {
		return nil, err
	}
	wf.StartedAt = timePtr(startedAt)
	wf.CompletedAt = timePtr(completedAt)
	return &wf, nil
}

func workflowWhere(f *workflow.Filter) (string, []any) {
	if f == nil {
		return "", nil
	}
	var conds []string
	var args []any
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
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

// limitOffset renders pagination. SQLite needs an explicit no-limit marker
// when only an offset is requested.
func limitOffset(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	return ""
}
