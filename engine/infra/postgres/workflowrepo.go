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
	"github.com/tbcv/tbcv/engine/workflow"
)

// WorkflowRepo implements store.WorkflowRepo on top of a pgx pool.
type WorkflowRepo struct{ conn }

// NewWorkflowRepo creates a new PostgreSQL-backed workflow repository.
func NewWorkflowRepo(db DB, policy store.RetryPolicy) store.WorkflowRepo {
	return &WorkflowRepo{conn{db: db, policy: policy}}
}

const workflowColumns = `id, run_id, type, status, params, total_steps, current_step, error, started_at, completed_at, created_at, updated_at`

// workflowRow mirrors the workflows table. JSONB columns stay raw until
// toDomain decodes them.
type workflowRow struct {
	ID          core.ID         `db:"id"`
	RunID       string          `db:"run_id"`
	Type        workflow.Type   `db:"type"`
	Status      core.StatusType `db:"status"`
	Params      []byte          `db:"params"`
	TotalSteps  int             `db:"total_steps"`
	CurrentStep int             `db:"current_step"`
	Error       []byte          `db:"error"`
	StartedAt   *time.Time      `db:"started_at"`
	CompletedAt *time.Time      `db:"completed_at"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func (r *workflowRow) toDomain() (*workflow.Workflow, error) {
	wf := &workflow.Workflow{
		ID:          r.ID,
		RunID:       r.RunID,
		Type:        r.Type,
		Status:      r.Status,
		TotalSteps:  r.TotalSteps,
		CurrentStep: r.CurrentStep,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := FromJSONB(r.Params, &wf.Params); err != nil {
		return nil, err
	}
	if err := FromJSONB(r.Error, &wf.Error); err != nil {
		return nil, err
	}
	return wf, nil
}

func (r *WorkflowRepo) Put(ctx context.Context, wf *workflow.Workflow) error {
	return r.retry(ctx, "put_workflow", func(ctx context.Context) error {
		params, err := ToJSONB(wf.Params)
		if err != nil {
			return err
		}
		errJSON, err := ToJSONB(wf.Error)
		if err != nil {
			return err
		}
		const q = `
        INSERT INTO workflows (` + workflowColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            run_id = EXCLUDED.run_id,
            type = EXCLUDED.type,
            status = EXCLUDED.status,
            params = EXCLUDED.params,
            total_steps = EXCLUDED.total_steps,
            current_step = EXCLUDED.current_step,
            error = EXCLUDED.error,
            started_at = EXCLUDED.started_at,
            completed_at = EXCLUDED.completed_at,
            updated_at = EXCLUDED.updated_at`
		if _, err := r.db.Exec(ctx, q,
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
			return fmt.Errorf("postgres: put workflow: %w", err)
		}
		return nil
	})
}

func (r *WorkflowRepo) UpdateState(ctx context.Context, id core.ID, status core.StatusType, currentStep, totalSteps int) error {
	return r.retry(ctx, "update_workflow_state", func(ctx context.Context) error {
		const q = `UPDATE workflows SET status = $1, current_step = $2, total_steps = $3, updated_at = $4 WHERE id = $5`
		tag, err := r.db.Exec(ctx, q, status, currentStep, totalSteps, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("postgres: update workflow state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.NotFound("workflow", id.String())
		}
		return nil
	})
}

func (r *WorkflowRepo) Get(ctx context.Context, id core.ID) (*workflow.Workflow, error) {
	return withResult(ctx, r.conn, "get_workflow", func(ctx context.Context) (*workflow.Workflow, error) {
		const q = `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`
		var row workflowRow
		if err := pgxscan.Get(ctx, r.db, &row, q, id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, store.NotFound("workflow", id.String())
			}
			return nil, fmt.Errorf("postgres: get workflow: %w", err)
		}
		return row.toDomain()
	})
}

func (r *WorkflowRepo) List(ctx context.Context, filter *workflow.Filter) ([]*workflow.Workflow, error) {
	return withResult(ctx, r.conn, "list_workflows", func(ctx context.Context) ([]*workflow.Workflow, error) {
		sb := squirrel.Select(workflowColumns).
			From("workflows").
			PlaceholderFormat(squirrel.Dollar).
			OrderBy("created_at DESC", "id DESC")
		for _, cond := range workflowConds(filter) {
			sb = sb.Where(cond)
		}
		if filter != nil {
			sb = paginate(sb, filter.Limit, filter.Offset)
		}
		q, args, err := sb.ToSql()
		if err != nil {
			return nil, fmt.Errorf("postgres: build list workflows query: %w", err)
		}
		var rows []*workflowRow
		if err := pgxscan.Select(ctx, r.db, &rows, q, args...); err != nil {
			return nil, fmt.Errorf("postgres: list workflows: %w", err)
		}
		var out []*workflow.Workflow
		for _, row := range rows {
			wf, err := row.toDomain()
			if err != nil {
				return nil, err
			}
			out = append(out, wf)
		}
		return out, nil
	})
}

func (r *WorkflowRepo) Delete(ctx context.Context, id core.ID, confirm bool) error {
	if err := store.RequireConfirm(confirm, "delete workflow"); err != nil {
		return err
	}
	return r.retry(ctx, "delete_workflow", func(ctx context.Context) error {
		return r.withTransaction(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `DELETE FROM workflow_checkpoints WHERE workflow_id = $1`, id); err != nil {
				return fmt.Errorf("postgres: delete workflow checkpoints: %w", err)
			}
			tag, err := tx.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
			if err != nil {
				return fmt.Errorf("postgres: delete workflow: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return store.NotFound("workflow", id.String())
			}
			return nil
		})
	})
}

func (r *WorkflowRepo) BulkDelete(ctx context.Context, filter *workflow.Filter, confirm bool) (int64, error) {
	if err := store.RequireConfirm(confirm, "bulk delete workflows"); err != nil {
		return 0, err
	}
	return withResult(ctx, r.conn, "bulk_delete_workflows", func(ctx context.Context) (int64, error) {
		conds := workflowConds(filter)
		sub := squirrel.Select("id").From("workflows").PlaceholderFormat(squirrel.Dollar)
		del := squirrel.Delete("workflows").PlaceholderFormat(squirrel.Dollar)
		for _, cond := range conds {
			sub = sub.Where(cond)
			del = del.Where(cond)
		}
		subSQL, subArgs, err := sub.ToSql()
		if err != nil {
			return 0, fmt.Errorf("postgres: build bulk delete query: %w", err)
		}
		delSQL, delArgs, err := del.ToSql()
		if err != nil {
			return 0, fmt.Errorf("postgres: build bulk delete query: %w", err)
		}
		var removed int64
		err = r.withTransaction(ctx, func(tx pgx.Tx) error {
			cpq := `DELETE FROM workflow_checkpoints WHERE workflow_id IN (` + subSQL + `)`
			if _, err := tx.Exec(ctx, cpq, subArgs...); err != nil {
				return fmt.Errorf("postgres: bulk delete checkpoints: %w", err)
			}
			tag, err := tx.Exec(ctx, delSQL, delArgs...)
			if err != nil {
				return fmt.Errorf("postgres: bulk delete workflows: %w", err)
			}
			removed = tag.RowsAffected()
			return nil
		})
		return removed, err
	})
}

func (r *WorkflowRepo) AppendCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error {
	if cp == nil {
		return core.NewError(fmt.Errorf("checkpoint is nil"), core.CodeInvalidArgument, nil)
	}
	return r.retry(ctx, "append_checkpoint", func(ctx context.Context) error {
		state, err := ToJSONB(cp.State)
		if err != nil {
			return err
		}
		const q = `INSERT INTO workflow_checkpoints (id, workflow_id, step, position, state, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
		if _, err := r.db.Exec(ctx, q, cp.ID, cp.WorkflowID, cp.Step, cp.Position, state, cp.CreatedAt); err != nil {
			return fmt.Errorf("postgres: append checkpoint: %w", err)
		}
		return nil
	})
}

// checkpointRow mirrors the workflow_checkpoints table.
type checkpointRow struct {
	ID         core.ID   `db:"id"`
	WorkflowID core.ID   `db:"workflow_id"`
	Step       string    `db:"step"`
	Position   int       `db:"position"`
	State      []byte    `db:"state"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *WorkflowRepo) LatestCheckpoint(ctx context.Context, workflowID core.ID) (*workflow.Checkpoint, error) {
	return withResult(ctx, r.conn, "latest_checkpoint", func(ctx context.Context) (*workflow.Checkpoint, error) {
		const q = `
        SELECT id, workflow_id, step, position, state, created_at
        FROM workflow_checkpoints
        WHERE workflow_id = $1
        ORDER BY created_at DESC, position DESC
        LIMIT 1`
		var row checkpointRow
		if err := pgxscan.Get(ctx, r.db, &row, q, workflowID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, store.NotFound("checkpoint", workflowID.String())
			}
			return nil, fmt.Errorf("postgres: latest checkpoint: %w", err)
		}
		cp := &workflow.Checkpoint{
			ID:         row.ID,
			WorkflowID: row.WorkflowID,
			Step:       row.Step,
			Position:   row.Position,
			CreatedAt:  row.CreatedAt,
		}
		if err := FromJSONB(row.State, &cp.State); err != nil {
			return nil, err
		}
		return cp, nil
	})
}

func workflowConds(f *workflow.Filter) []squirrel.Sqlizer {
	if f == nil {
		return nil
	}
	var conds []squirrel.Sqlizer
	if f.Type != "" {
		conds = append(conds, squirrel.Eq{"type": f.Type})
	}
	if f.Status != "" {
		conds = append(conds, squirrel.Eq{"status": f.Status})
	}
	if f.RunID != "" {
		conds = append(conds, squirrel.Eq{"run_id": f.RunID})
	}
	if f.CreatedAfter != nil {
		conds = append(conds, squirrel.Gt{"created_at": f.CreatedAfter.UTC()})
	}
	if f.CreatedBefore != nil {
		conds = append(conds, squirrel.Lt{"created_at": f.CreatedBefore.UTC()})
	}
	return conds
}

// paginate applies limit and offset when set. Postgres accepts an offset
// without a limit, so no no-limit marker is needed.
func paginate(sb squirrel.SelectBuilder, limit, offset int) squirrel.SelectBuilder {
	if limit > 0 {
		sb = sb.Limit(uint64(limit))
	}
	if offset > 0 {
		sb = sb.Offset(uint64(offset))
	}
	return sb
}
