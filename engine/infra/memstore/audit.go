package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/tbcv/tbcv/engine/audit"
	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
)

type auditRepo struct {
	s *Store
}

func (r *auditRepo) Append(ctx context.Context, entry *audit.Entry) error {
	if entry == nil {
		return core.NewError(fmt.Errorf("audit entry is nil"), core.CodeInvalidArgument, nil)
	}
	copied, err := snapshot(entry)
	if err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return err
	}
	r.s.entries = append(r.s.entries, copied)
	return nil
}

func (r *auditRepo) List(ctx context.Context, filter *audit.Filter) ([]*audit.Entry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if err := r.s.guard(ctx); err != nil {
		return nil, err
	}
	var matched []*audit.Entry
	for _, entry := range r.s.entries {
		if matchAudit(entry, filter) {
			matched = append(matched, entry)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})
	limit, offset := 0, 0
	if filter != nil {
		limit, offset = filter.Limit, filter.Offset
	}
	out := make([]*audit.Entry, 0, len(matched))
	for _, entry := range paginate(matched, limit, offset) {
		copied, err := snapshot(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

func (r *auditRepo) Reset(ctx context.Context, confirm bool) (int64, error) {
	if err := store.RequireConfirm(confirm, "reset audit log"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.guard(ctx); err != nil {
		return 0, err
	}
	removed := int64(len(r.s.entries))
	r.s.entries = nil
	return removed, nil
}

func matchAudit(entry *audit.Entry, f *audit.Filter) bool {
	if f == nil {
		return true
	}
	if f.RecommendationID != "" && entry.RecommendationID != f.RecommendationID {
		return false
	}
	if f.ValidationID != "" && entry.ValidationID != f.ValidationID {
		return false
	}
	if f.Actor != "" && entry.Actor != f.Actor {
		return false
	}
	if f.Action != "" && entry.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	return true
}
