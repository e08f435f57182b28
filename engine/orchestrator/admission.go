package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/config"
)

// Admission gates validator work by agent class through weighted semaphores.
// Acquisition is FIFO per class; waiters abort with CANCELLED when their
// context ends before a slot frees up.
type Admission struct {
	gates map[string]*classGate
}

type classGate struct {
	sem   *semaphore.Weighted
	limit int64
	inUse atomic.Int64
}

// Occupancy is a point-in-time view of one class gate.
type Occupancy struct {
	InUse int64 `json:"in_use"`
	Limit int64 `json:"limit"`
}

// NewAdmission sizes one gate per agent class from configuration.
func NewAdmission(cfg config.ConcurrencyConfig) *Admission {
	gates := make(map[string]*classGate, 4)
	for class, limit := range map[string]int{
		validation.ClassContentValidator: cfg.ContentValidator,
		validation.ClassFuzzy:            cfg.Fuzzy,
		validation.ClassTruthIndex:       cfg.TruthIndex,
		validation.ClassSemanticLLM:      cfg.SemanticLLM,
	} {
		if limit < 1 {
			limit = 1
		}
		gates[class] = &classGate{sem: semaphore.NewWeighted(int64(limit)), limit: int64(limit)}
	}
	return &Admission{gates: gates}
}

// Acquire blocks until the class has a free slot. Unknown classes are not
// limited. The returned func releases the slot and is safe to call twice.
func (a *Admission) Acquire(ctx context.Context, class string) (func(), error) {
	gate, ok := a.gates[class]
	if !ok {
		return func() {}, nil
	}
	if err := gate.sem.Acquire(ctx, 1); err != nil {
		return nil, core.NewError(err, core.CodeCancelled, map[string]any{
			"class":  class,
			"reason": "cancelled while waiting for admission",
		})
	}
	gate.inUse.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			gate.inUse.Add(-1)
			gate.sem.Release(1)
		})
	}, nil
}

// Occupancy reports in-use versus limit for every class gate.
func (a *Admission) Occupancy() map[string]Occupancy {
	out := make(map[string]Occupancy, len(a.gates))
	for class, gate := range a.gates {
		out[class] = Occupancy{InUse: gate.inUse.Load(), Limit: gate.limit}
	}
	return out
}
