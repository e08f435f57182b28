package store

import (
	"context"
	"fmt"

	"github.com/tbcv/tbcv/engine/audit"
	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
)

// Store is the driver-neutral persistence contract. Each repository method is
// executed inside a single transaction owned by the driver; callers never see
// partially applied writes. Implementations return *core.Error values:
// NOT_FOUND for missing rows, INVALID_ARGUMENT for refused requests and
// STORAGE_UNAVAILABLE once transient backend failures are exhausted.
type Store interface {
	Workflows() WorkflowRepo
	Validations() ValidationRepo
	Recommendations() RecommendationRepo
	Audit() AuditRepo
	CacheEntries() CacheRepo
	Metrics() MetricsRepo

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying pool or file handle.
	Close() error
}

// WorkflowRepo persists workflow aggregates and their checkpoints. The
// orchestrator is the only writer for workflow rows.
type WorkflowRepo interface {
	// Put inserts or fully replaces a workflow row.
	Put(ctx context.Context, wf *workflow.Workflow) error

	// UpdateState adjusts status and step counters without rewriting params.
	UpdateState(ctx context.Context, id core.ID, status core.StatusType, currentStep, totalSteps int) error

	Get(ctx context.Context, id core.ID) (*workflow.Workflow, error)

	// List returns matches ordered newest first.
	List(ctx context.Context, filter *workflow.Filter) ([]*workflow.Workflow, error)

	// Delete removes a workflow together with its checkpoints. Requires
	// confirm=true, otherwise fails with INVALID_ARGUMENT.
	Delete(ctx context.Context, id core.ID, confirm bool) error

	// BulkDelete removes every workflow matched by the filter and returns the
	// number of rows removed. Requires confirm=true.
	BulkDelete(ctx context.Context, filter *workflow.Filter, confirm bool) (int64, error)

	AppendCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error
	LatestCheckpoint(ctx context.Context, workflowID core.ID) (*workflow.Checkpoint, error)
}

// ValidationRepo persists validation records. Records are immutable once
// written except for status, appended notes and the enhanced-content hash.
type ValidationRepo interface {
	Put(ctx context.Context, rec *validation.Record) error
	Get(ctx context.Context, id core.ID) (*validation.Record, error)

	// List returns matches ordered newest first.
	List(ctx context.Context, filter *validation.Filter) ([]*validation.Record, error)

	// UpdateStatus sets the record status and appends notes when non-empty.
	UpdateStatus(ctx context.Context, id core.ID, status validation.Status, notes string) error

	// History lists records for one file path ordered by created_at descending.
	History(ctx context.Context, filePath string, limit int) ([]*validation.Record, error)

	// Delete removes the record together with its recommendations. Requires
	// confirm=true, otherwise fails with INVALID_ARGUMENT.
	Delete(ctx context.Context, id core.ID, confirm bool) error
}

// RecommendationRepo persists recommendations joined to validation records.
type RecommendationRepo interface {
	Put(ctx context.Context, rec *recommend.Recommendation) error

	// PutBatch writes all recommendations in one transaction.
	PutBatch(ctx context.Context, recs []*recommend.Recommendation) error

	Get(ctx context.Context, id core.ID) (*recommend.Recommendation, error)
	ListByIDs(ctx context.Context, ids []core.ID) ([]*recommend.Recommendation, error)

	// List returns matches in generation order, oldest first.
	List(ctx context.Context, filter *recommend.Filter) ([]*recommend.Recommendation, error)

	// SetStatus updates status, reviewer and notes and stamps reviewed_at.
	SetStatus(ctx context.Context, id core.ID, status recommend.Status, reviewer, notes string) error

	// DeleteByValidation clears all recommendations for a validation record so
	// they can be rebuilt from scratch.
	DeleteByValidation(ctx context.Context, validationID core.ID) (int64, error)

	// Delete requires confirm=true, otherwise fails with INVALID_ARGUMENT.
	Delete(ctx context.Context, id core.ID, confirm bool) error
}

// AuditRepo is append-only. Entries are never mutated; deletion exists only as
// an explicit full reset.
type AuditRepo interface {
	Append(ctx context.Context, entry *audit.Entry) error

	// List returns matches ordered newest first.
	List(ctx context.Context, filter *audit.Filter) ([]*audit.Entry, error)

	// Reset truncates the audit log. Requires confirm=true.
	Reset(ctx context.Context, confirm bool) (int64, error)
}

// CacheRepo backs the durable L2 cache tier.
type CacheRepo interface {
	// Get returns NOT_FOUND on a miss; callers treat that code as a miss, not
	// a failure.
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Put(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	DeleteExpired(ctx context.Context) (int64, error)
	Clear(ctx context.Context) (int64, error)
	Count(ctx context.Context) (entries int64, bytes int64, err error)
}

// MetricsRepo stores daily operation rollups for the stats surface.
type MetricsRepo interface {
	// Record folds a sample into the (day, name) rollup row.
	Record(ctx context.Context, sample *MetricSample) error

	// Rollup returns rollups for the trailing number of days, newest first.
	Rollup(ctx context.Context, days int) ([]*MetricRollup, error)
}

// RequireConfirm guards destructive operations behind an explicit confirm=true.
func RequireConfirm(confirm bool, op string) error {
	if confirm {
		return nil
	}
	return core.NewError(fmt.Errorf("%s requires confirm=true", op), core.CodeInvalidArgument, map[string]any{
		"operation": op,
	})
}

// NotFound builds the canonical missing-row error shared by all drivers.
func NotFound(kind string, id string) error {
	return core.NewError(fmt.Errorf("%s %s not found", kind, id), core.CodeNotFound, map[string]any{
		"kind": kind,
		"id":   id,
	})
}
