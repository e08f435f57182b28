package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
)

// ---- Validations ----

type validationRepo struct {
	s *Store
}

func (r *validationRepo) Put(ctx context.Context, rec *validation.Record) error {
	if rec == nil {
		return core.NewError(fmt.Errorf("record is nil"), core.CodeInvalidArgument, nil)
	}
	copied, err := snapshot(rec)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	r.s.validations[rec.ID] = copied
	return nil
}

func (r *validationRepo) Get(ctx context.Context, id core.ID) (*validation.Record, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return nil, err
	}
	rec, ok := r.s.validations[id]
	if !ok {
		return nil, store.NotFound("validation record", id.String())
	}
	return snapshot(rec)
}

func (r *validationRepo) List(ctx context.Context, filter *validation.Filter) ([]*validation.Record, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return nil, err
	}
	var matched []*validation.Record
	for _, rec := range r.s.validations {
		if matchValidation(rec, filter) {
			matched = append(matched, rec)
		}
	}
	sortRecordsNewestFirst(matched)
	limit, offset := 0, 0
	if filter != nil {
		limit, offset = filter.Limit, filter.Offset
	}
	return snapshotRecords(paginate(matched, limit, offset))
}

func (r *validationRepo) UpdateStatus(ctx context.Context, id core.ID, status validation.Status, notes string) error {
	if !status.IsValid() {
		return core.NewError(fmt.Errorf("unknown record status %q", status), core.CodeInvalidArgument, map[string]any{
			"status": string(status),
		})
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	rec, ok := r.s.validations[id]
	if !ok {
		return store.NotFound("validation record", id.String())
	}
	rec.Status = status
	if notes != "" {
		rec.Notes = append(rec.Notes, notes)
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *validationRepo) History(ctx context.Context, filePath string, limit int) ([]*validation.Record, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return nil, err
	}
	var matched []*validation.Record
	for _, rec := range r.s.validations {
		if rec.FilePath == filePath {
			matched = append(matched, rec)
		}
	}
	sortRecordsNewestFirst(matched)
	return snapshotRecords(paginate(matched, limit, 0))
}

func (r *validationRepo) Delete(ctx context.Context, id core.ID, confirm bool) error {
	if err := store.RequireConfirm(confirm, "delete validation record"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	if _, ok := r.s.validations[id]; !ok {
		return store.NotFound("validation record", id.String())
	}
	delete(r.s.validations, id)
	for recID, rec := range r.s.recs {
		if rec.ValidationID == id {
			delete(r.s.recs, recID)
		}
	}
	return nil
}

func matchValidation(rec *validation.Record, f *validation.Filter) bool {
	if f == nil {
		return true
	}
	if f.WorkflowID != "" && rec.WorkflowID != f.WorkflowID {
		return false
	}
	if f.RunID != "" && rec.RunID != f.RunID {
		return false
	}
	if f.FilePath != "" && rec.FilePath != f.FilePath {
		return false
	}
	if f.Family != "" && rec.Family != f.Family {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Severity != "" && rec.Severity != f.Severity {
		return false
	}
	if f.CreatedAfter != nil && !rec.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !rec.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func sortRecordsNewestFirst(recs []*validation.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID > recs[j].ID
	})
}

func snapshotRecords(recs []*validation.Record) ([]*validation.Record, error) {
	out := make([]*validation.Record, 0, len(recs))
	for _, rec := range recs {
		copied, err := snapshot(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

// ---- Recommendations ----

type recommendationRepo struct {
	s *Store
}

func (r *recommendationRepo) Put(ctx context.Context, rec *recommend.Recommendation) error {
	if rec == nil {
		return core.NewError(fmt.Errorf("recommendation is nil"), core.CodeInvalidArgument, nil)
	}
	copied, err := snapshot(rec)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	r.s.recs[rec.ID] = copied
	return nil
}

func (r *recommendationRepo) PutBatch(ctx context.Context, recs []*recommend.Recommendation) error {
	copies := make([]*recommend.Recommendation, 0, len(recs))
	for _, rec := range recs {
		if rec == nil {
			return core.NewError(fmt.Errorf("recommendation is nil"), core.CodeInvalidArgument, nil)
		}
		copied, err := snapshot(rec)
		if err != nil {
			return err
		}
		copies = append(copies, copied)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	for _, copied := range copies {
		r.s.recs[copied.ID] = copied
	}
	return nil
}

func (r *recommendationRepo) Get(ctx context.Context, id core.ID) (*recommend.Recommendation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return nil, err
	}
	rec, ok := r.s.recs[id]
	if !ok {
		return nil, store.NotFound("recommendation", id.String())
	}
	return snapshot(rec)
}

func (r *recommendationRepo) ListByIDs(ctx context.Context, ids []core.ID) ([]*recommend.Recommendation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return nil, err
	}
	out := make([]*recommend.Recommendation, 0, len(ids))
	for _, id := range ids {
		rec, ok := r.s.recs[id]
		if !ok {
			continue
		}
		copied, err := snapshot(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

func (r *recommendationRepo) List(ctx context.Context, filter *recommend.Filter) ([]*recommend.Recommendation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return nil, err
	}
	var matched []*recommend.Recommendation
	for _, rec := range r.s.recs {
		if matchRecommendation(rec, filter) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	limit, offset := 0, 0
	if filter != nil {
		limit, offset = filter.Limit, filter.Offset
	}
	out := make([]*recommend.Recommendation, 0, len(matched))
	for _, rec := range paginate(matched, limit, offset) {
		copied, err := snapshot(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

func (r *recommendationRepo) SetStatus(ctx context.Context, id core.ID, status recommend.Status, reviewer, notes string) error {
	if !status.IsValid() {
		return core.NewError(fmt.Errorf("unknown recommendation status %q", status), core.CodeInvalidArgument, map[string]any{
			"status": string(status),
		})
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	rec, ok := r.s.recs[id]
	if !ok {
		return store.NotFound("recommendation", id.String())
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.Reviewer = reviewer
	rec.Notes = notes
	rec.ReviewedAt = &now
	return nil
}

func (r *recommendationRepo) DeleteByValidation(ctx context.Context, validationID core.ID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return 0, err
	}
	var removed int64
	for id, rec := range r.s.recs {
		if rec.ValidationID == validationID {
			delete(r.s.recs, id)
			removed++
		}
	}
	return removed, nil
}

func (r *recommendationRepo) Delete(ctx context.Context, id core.ID, confirm bool) error {
	if err := store.RequireConfirm(confirm, "delete recommendation"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	if _, ok := r.s.recs[id]; !ok {
		return store.NotFound("recommendation", id.String())
	}
	delete(r.s.recs, id)
	return nil
}

func matchRecommendation(rec *recommend.Recommendation, f *recommend.Filter) bool {
	if f == nil {
		return true
	}
	if f.ValidationID != "" && rec.ValidationID != f.ValidationID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.MinConfidence > 0 && rec.Confidence < f.MinConfidence {
		return false
	}
	return true
}
