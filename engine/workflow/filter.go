package workflow

import (
	"time"

	"github.com/tbcv/tbcv/engine/core"
)

// Filter narrows workflow listings. Zero-valued fields are ignored.
type Filter struct {
	Status        core.StatusType
	Type          Type
	RunID         string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Matches reports whether the workflow satisfies every set field. Pagination
// fields are handled by the store, not here.
func (f *Filter) Matches(w *Workflow) bool {
	if f == nil {
		return true
	}
	if f.Status != "" && w.Status != f.Status {
		return false
	}
	if f.Type != "" && w.Type != f.Type {
		return false
	}
	if f.RunID != "" && w.RunID != f.RunID {
		return false
	}
	if f.CreatedAfter != nil && !w.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !w.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}
