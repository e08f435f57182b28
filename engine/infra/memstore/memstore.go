// Package memstore provides an in-memory implementation of the store
// contract. It backs tests and ephemeral one-shot runs where persisting to
// disk is unwanted; values are deep-copied on both reads and writes so callers
// never share memory with the store.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/tbcv/tbcv/engine/audit"
	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
)

// Store keeps every table in process memory. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	closed      bool
	workflows   map[core.ID]*workflow.Workflow
	checkpoints map[core.ID][]*workflow.Checkpoint
	validations map[core.ID]*validation.Record
	recs        map[core.ID]*recommend.Recommendation
	entries     []*audit.Entry
	cache       map[string]*store.CacheEntry
	metrics     map[string]*store.MetricRollup
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		workflows:   make(map[core.ID]*workflow.Workflow),
		checkpoints: make(map[core.ID][]*workflow.Checkpoint),
		validations: make(map[core.ID]*validation.Record),
		recs:        make(map[core.ID]*recommend.Recommendation),
		cache:       make(map[string]*store.CacheEntry),
		metrics:     make(map[string]*store.MetricRollup),
	}
}

func (s *Store) Workflows() store.WorkflowRepo             { return &workflowRepo{s: s} }
func (s *Store) Validations() store.ValidationRepo         { return &validationRepo{s: s} }
func (s *Store) Recommendations() store.RecommendationRepo { return &recommendationRepo{s: s} }
func (s *Store) Audit() store.AuditRepo                    { return &auditRepo{s: s} }
func (s *Store) CacheEntries() store.CacheRepo             { return &cacheRepo{s: s} }
func (s *Store) Metrics() store.MetricsRepo                { return &metricsRepo{s: s} }

// Ping reports whether the store is still open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return closedErr()
	}
	return nil
}

// Close marks the store closed. Later calls fail with STORAGE_UNAVAILABLE.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return core.NewError(err, core.CodeCancelled, nil)
	}
	if s.closed {
		return closedErr()
	}
	return nil
}

func closedErr() error {
	return core.NewError(fmt.Errorf("store is closed"), core.CodeStorageUnavailable, nil)
}

// snapshot deep-copies an entity crossing the store boundary.
func snapshot[T any](v T) (T, error) {
	copied, err := core.DeepCopy(v)
	if err != nil {
		var zero T
		return zero, core.NewError(err, core.CodeInternal, nil)
	}
	return copied, nil
}
