package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/engine/workflow"
)

type workflowRepo struct {
	s *Store
}

func (r *workflowRepo) Put(ctx context.Context, wf *workflow.Workflow) error {
	if wf == nil {
		return core.NewError(fmt.Errorf("workflow is nil"), core.CodeInvalidArgument, nil)
	}
	copied, err := snapshot(wf)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	r.s.workflows[wf.ID] = copied
	return nil
}

func (r *workflowRepo) UpdateState(ctx context.Context, id core.ID, status core.StatusType, currentStep, totalSteps int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	wf, ok := r.s.workflows[id]
	if !ok {
		return store.NotFound("workflow", id.String())
	}
	wf.Status = status
	wf.CurrentStep = currentStep
	wf.TotalSteps = totalSteps
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *workflowRepo) Get(ctx context.Context, id core.ID) (*workflow.Workflow, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return nil, err
	}
	wf, ok := r.s.workflows[id]
	if !ok {
		return nil, store.NotFound("workflow", id.String())
	}
	return snapshot(wf)
}

func (r *workflowRepo) List(ctx context.Context, filter *workflow.Filter) ([]*workflow.Workflow, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return nil, err
	}
	var matched []*workflow.Workflow
	for _, wf := range r.s.workflows {
		if matchWorkflow(wf, filter) {
			matched = append(matched, wf)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	limit, offset := 0, 0
	if filter != nil {
		limit, offset = filter.Limit, filter.Offset
	}
	out := make([]*workflow.Workflow, 0, len(matched))
	for _, wf := range paginate(matched, limit, offset) {
		copied, err := snapshot(wf)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

func (r *workflowRepo) Delete(ctx context.Context, id core.ID, confirm bool) error {
	if err := store.RequireConfirm(confirm, "delete workflow"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	if _, ok := r.s.workflows[id]; !ok {
		return store.NotFound("workflow", id.String())
	}
	delete(r.s.workflows, id)
	delete(r.s.checkpoints, id)
	return nil
}

func (r *workflowRepo) BulkDelete(ctx context.Context, filter *workflow.Filter, confirm bool) (int64, error) {
	if err := store.RequireConfirm(confirm, "bulk delete workflows"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return 0, err
	}
	var removed int64
	for id, wf := range r.s.workflows {
		if matchWorkflow(wf, filter) {
			delete(r.s.workflows, id)
			delete(r.s.checkpoints, id)
			removed++
		}
	}
	return removed, nil
}

func (r *workflowRepo) AppendCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error {
	if cp == nil {
		return core.NewError(fmt.Errorf("checkpoint is nil"), core.CodeInvalidArgument, nil)
	}
	copied, err := snapshot(cp)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	r.s.checkpoints[cp.WorkflowID] = append(r.s.checkpoints[cp.WorkflowID], copied)
	return nil
}

func (r *workflowRepo) LatestCheckpoint(ctx context.Context, workflowID core.ID) (*workflow.Checkpoint, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return nil, err
	}
	cps := r.s.checkpoints[workflowID]
	if len(cps) == 0 {
		return nil, store.NotFound("checkpoint", workflowID.String())
	}
	return snapshot(cps[len(cps)-1])
}

func matchWorkflow(wf *workflow.Workflow, f *workflow.Filter) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && wf.Type != f.Type {
		return false
	}
	if f.Status != "" && wf.Status != f.Status {
		return false
	}
	if f.RunID != "" && wf.RunID != f.RunID {
		return false
	}
	if f.CreatedAfter != nil && !wf.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !wf.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
