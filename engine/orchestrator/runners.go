package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/enhance"
	"github.com/tbcv/tbcv/engine/ingest"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/truth"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
	"github.com/tbcv/tbcv/pkg/logger"
)

// Step names recorded on checkpoints.
const (
	stepIngest    = "ingest"
	stepWalk      = "walk"
	stepFile      = "file"
	stepValidate  = "validate"
	stepPersist   = "persist"
	stepRecommend = "recommend"
	stepLoad      = "load"
	stepApply     = "apply"
	stepItem      = "item"
)

// dispatchRun hands the workflow to its type runner under the batch budget
// where one applies.
func (o *Orchestrator) dispatchRun(ctx context.Context, r *run) error {
	switch r.wf.Type {
	case workflow.TypeValidateFile:
		return o.runValidateFile(ctx, r)
	case workflow.TypeValidateDirectory:
		return o.withBudget(ctx, o.cfg.Timeouts.Batch, func(ctx context.Context) error {
			return o.runValidateDirectory(ctx, r)
		})
	case workflow.TypeRevalidate:
		return o.runRevalidate(ctx, r)
	case workflow.TypeEnhance:
		return o.runEnhance(ctx, r)
	case workflow.TypeEnhanceBatch:
		return o.withBudget(ctx, o.cfg.Timeouts.Batch, func(ctx context.Context) error {
			return o.runEnhanceBatch(ctx, r)
		})
	default:
		return core.NewError(fmt.Errorf("unknown workflow type %q", r.wf.Type), core.CodeInvalidArgument, nil)
	}
}

func (o *Orchestrator) withBudget(ctx context.Context, budget time.Duration, fn func(context.Context) error) error {
	if budget <= 0 {
		return fn(ctx)
	}
	bctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return fn(bctx)
}

// ---- validate_file ----

func (o *Orchestrator) runValidateFile(ctx context.Context, r *run) error {
	p, err := fileParamsFrom(r.wf.Params)
	if err != nil {
		return err
	}
	if err := o.setTotal(ctx, r, 4); err != nil {
		return err
	}

	var doc *ingest.Document
	if err := o.runStep(ctx, r, stepIngest, o.cfg.Timeouts.Step, func(ctx context.Context) error {
		if err := ingest.CheckLanguage(ctx, p.Path); err != nil {
			return err
		}
		var lerr error
		doc, lerr = o.loader.Load(ctx, p.Path)
		return lerr
	}); err != nil {
		return err
	}
	if err := o.stepDone(ctx, r, stepIngest, 1, map[string]any{"path": p.Path}); err != nil {
		return err
	}

	var record *validation.Record
	if err := o.runStep(ctx, r, stepValidate, o.cfg.Timeouts.File, func(ctx context.Context) error {
		var verr error
		record, verr = o.router.Run(ctx, &validation.Input{
			WorkflowID: r.wf.ID,
			RunID:      r.wf.RunID,
			Content:    doc.Content,
			FilePath:   p.Path,
			Family:     p.Family,
			Profile:    p.Profile,
			Types:      p.Types,
		})
		return verr
	}); err != nil {
		return err
	}
	if err := o.stepDone(ctx, r, stepValidate, 2, nil); err != nil {
		return err
	}

	if err := o.runStep(ctx, r, stepPersist, o.cfg.Timeouts.Step, func(ctx context.Context) error {
		return o.store.Validations().Put(ctx, record)
	}); err != nil {
		return err
	}
	if err := o.stepDone(ctx, r, stepPersist, 3, map[string]any{"validation_id": record.ID.String()}); err != nil {
		return err
	}

	if err := o.runStep(ctx, r, stepRecommend, o.cfg.Timeouts.Step, func(ctx context.Context) error {
		return o.generateRecommendations(ctx, record, doc.Content)
	}); err != nil {
		return err
	}
	return o.stepDone(ctx, r, stepRecommend, 4, map[string]any{"validation_id": record.ID.String()})
}

// ---- validate_directory ----

func (o *Orchestrator) runValidateDirectory(ctx context.Context, r *run) error {
	p, err := dirParamsFrom(r.wf.Params, o.cfg.Workflow.DefaultWorkers)
	if err != nil {
		return err
	}

	var files []string
	if err := o.runStep(ctx, r, stepWalk, o.cfg.Timeouts.Step, func(ctx context.Context) error {
		var werr error
		files, werr = o.loader.Walk(ctx, p.Dir, p.Pattern, p.Recursive)
		return werr
	}); err != nil {
		return err
	}
	if err := o.setTotal(ctx, r, 1+len(files)); err != nil {
		return err
	}
	if err := o.stepDone(ctx, r, stepWalk, 1, map[string]any{"dir": p.Dir, "files": len(files)}); err != nil {
		return err
	}

	// On resume, files already checkpointed as done are not reprocessed.
	done := make(map[string]bool)
	if r.resume != nil && r.resume.Step == stepFile {
		for _, path := range stateStrings(r.resume.State, "done") {
			done[path] = true
		}
	}
	donePaths := make([]string, 0, len(done))
	for path := range done {
		donePaths = append(donePaths, path)
	}
	sort.Strings(donePaths)

	var mu sync.Mutex
	completed := len(donePaths)
	r.mu.Lock()
	r.wf.AdvanceStep(1 + completed)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Workers)
	for _, file := range files {
		if done[file] {
			continue
		}
		g.Go(func() error {
			if err := r.gate.wait(gctx); err != nil {
				return o.cancelled(r, err)
			}
			if err := gctx.Err(); err != nil {
				return o.cancelled(r, err)
			}
			if err := o.runStep(gctx, r, stepFile, o.cfg.Timeouts.File, func(ctx context.Context) error {
				_, verr := o.validateOne(ctx, r.wf, file, p.fileParams)
				return verr
			}); err != nil {
				return err
			}
			// The completion is recorded under the lock so checkpoints land
			// in position order even when workers finish close together.
			mu.Lock()
			defer mu.Unlock()
			completed++
			donePaths = append(donePaths, file)
			state := map[string]any{"done": append([]string(nil), donePaths...)}
			return o.stepDone(gctx, r, stepFile, 1+completed, state)
		})
	}
	return g.Wait()
}

// validateOne runs the full per-file pipeline. Files the gate or the loader
// refuse are persisted as skipped records instead of failing the batch.
func (o *Orchestrator) validateOne(ctx context.Context, wf *workflow.Workflow, filePath string, p fileParams) (*validation.Record, error) {
	skip := func(reason string) (*validation.Record, error) {
		rec := validation.NewSkippedRecord(wf.ID, wf.RunID, filePath, reason)
		if err := o.store.Validations().Put(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}
	if err := ingest.CheckLanguage(ctx, filePath); err != nil {
		return skip(fmt.Sprintf("language gate: %s", err.Error()))
	}
	doc, err := o.loader.Load(ctx, filePath)
	if err != nil {
		switch core.CodeOf(err) {
		case core.CodeNotFound, core.CodeInvalidArgument:
			return skip(fmt.Sprintf("not validatable: %s", err.Error()))
		}
		return nil, err
	}
	record, err := o.router.Run(ctx, &validation.Input{
		WorkflowID: wf.ID,
		RunID:      wf.RunID,
		Content:    doc.Content,
		FilePath:   filePath,
		Family:     p.Family,
		Profile:    p.Profile,
		Types:      p.Types,
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.Validations().Put(ctx, record); err != nil {
		return nil, err
	}
	if err := o.generateRecommendations(ctx, record, doc.Content); err != nil {
		return nil, err
	}
	return record, nil
}

// ---- revalidate ----

func (o *Orchestrator) runRevalidate(ctx context.Context, r *run) error {
	validationID, err := idParam(r.wf.Params, "validation_id")
	if err != nil {
		return err
	}
	if err := o.setTotal(ctx, r, 4); err != nil {
		return err
	}

	var prior *validation.Record
	if err := o.runStep(ctx, r, stepLoad, o.cfg.Timeouts.Step, func(ctx context.Context) error {
		var gerr error
		prior, gerr = o.store.Validations().Get(ctx, validationID)
		return gerr
	}); err != nil {
		return err
	}
	if err := o.stepDone(ctx, r, stepLoad, 1, map[string]any{"validation_id": validationID.String()}); err != nil {
		return err
	}

	var doc *ingest.Document
	if err := o.runStep(ctx, r, stepIngest, o.cfg.Timeouts.Step, func(ctx context.Context) error {
		if err := ingest.CheckLanguage(ctx, prior.FilePath); err != nil {
			return err
		}
		var lerr error
		doc, lerr = o.loader.Load(ctx, prior.FilePath)
		return lerr
	}); err != nil {
		return err
	}
	if err := o.stepDone(ctx, r, stepIngest, 2, nil); err != nil {
		return err
	}

	// Revalidation always writes a fresh record; the prior one is untouched.
	var record *validation.Record
	if err := o.runStep(ctx, r, stepValidate, o.cfg.Timeouts.File, func(ctx context.Context) error {
		var verr error
		record, verr = o.router.Run(ctx, &validation.Input{
			WorkflowID: r.wf.ID,
			RunID:      r.wf.RunID,
			Content:    doc.Content,
			FilePath:   prior.FilePath,
			Family:     prior.Family,
		})
		if verr != nil {
			return verr
		}
		return o.store.Validations().Put(ctx, record)
	}); err != nil {
		return err
	}
	if err := o.stepDone(ctx, r, stepValidate, 3, map[string]any{"validation_id": record.ID.String()}); err != nil {
		return err
	}

	if err := o.runStep(ctx, r, stepRecommend, o.cfg.Timeouts.Step, func(ctx context.Context) error {
		return o.generateRecommendations(ctx, record, doc.Content)
	}); err != nil {
		return err
	}
	return o.stepDone(ctx, r, stepRecommend, 4, map[string]any{"validation_id": record.ID.String()})
}

// ---- enhance ----

func (o *Orchestrator) runEnhance(ctx context.Context, r *run) error {
	validationID, err := idParam(r.wf.Params, "validation_id")
	if err != nil {
		return err
	}
	only := idsParam(r.wf.Params, "recommendation_ids")
	actor := stringParam(r.wf.Params, "actor")
	if err := o.setTotal(ctx, r, 1); err != nil {
		return err
	}
	if err := o.runStep(ctx, r, stepApply, o.cfg.Timeouts.File, func(ctx context.Context) error {
		_, aerr := o.EnhanceOne(ctx, validationID, only, actor)
		return aerr
	}); err != nil {
		return err
	}
	return o.stepDone(ctx, r, stepApply, 1, map[string]any{"validation_id": validationID.String()})
}

// ---- enhance_batch ----

func (o *Orchestrator) runEnhanceBatch(ctx context.Context, r *run) error {
	ids := idsParam(r.wf.Params, "validation_ids")
	if len(ids) == 0 {
		return core.NewError(fmt.Errorf("validation_ids is required"), core.CodeInvalidArgument, nil)
	}
	actor := stringParam(r.wf.Params, "actor")
	if err := o.setTotal(ctx, r, len(ids)); err != nil {
		return err
	}

	start := 0
	if r.resume != nil && r.resume.Step == stepItem {
		start = r.resume.Position
	}
	log := logger.FromContext(ctx)
	for i := start; i < len(ids); i++ {
		note := fmt.Sprintf("%s %s", stepItem, ids[i])
		err := o.runStep(ctx, r, note, o.cfg.Timeouts.File, func(ctx context.Context) error {
			_, aerr := o.EnhanceOne(ctx, ids[i], nil, actor)
			return aerr
		})
		if err != nil {
			// Per-item domain failures are reported and skipped so one stale
			// record cannot sink the whole batch.
			switch core.CodeOf(err) {
			case core.CodeNotFound, core.CodeConflict, core.CodeStaleRecord, core.CodeSafetyRejected:
				log.Warn("enhancement item skipped", "workflow_id", r.wf.ID, "validation_id", ids[i], "error", err)
			default:
				return err
			}
		}
		if err := o.stepDone(ctx, r, stepItem, i+1, map[string]any{"validation_id": ids[i].String()}); err != nil {
			return err
		}
	}
	return nil
}

// EnhanceOne loads a record with its recommendations, applies the approved
// ones through the safety gates and persists every side effect of the
// application in order: record, recommendation statuses, audit entry.
func (o *Orchestrator) EnhanceOne(ctx context.Context, validationID core.ID, only []core.ID, actor string) (*enhance.Result, error) {
	record, err := o.store.Validations().Get(ctx, validationID)
	if err != nil {
		return nil, err
	}
	recs, err := o.store.Recommendations().List(ctx, &recommend.Filter{ValidationID: validationID})
	if err != nil {
		return nil, err
	}
	if len(only) > 0 {
		recs = filterByID(recs, only)
	}
	result, entry, err := o.enhancer.Apply(ctx, record, recs, actor)
	if err != nil {
		return nil, err
	}
	if err := o.store.Validations().Put(ctx, record); err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		if err := o.store.Recommendations().PutBatch(ctx, recs); err != nil {
			return nil, err
		}
	}
	if err := o.store.Audit().Append(ctx, entry); err != nil {
		return nil, err
	}
	return result, nil
}

// ---- recommendations ----

// generateRecommendations derives and persists recommendations for a fresh
// record. A missing or broken truth family downgrades to rule-only output
// instead of failing the step.
func (o *Orchestrator) generateRecommendations(ctx context.Context, record *validation.Record, content string) error {
	var idx *truth.Index
	if record.Family != "" && o.truth != nil {
		loaded, err := o.truth.Load(ctx, record.Family)
		if err != nil {
			logger.FromContext(ctx).Warn("truth index unavailable for recommendations",
				"family", record.Family, "error", err)
		} else {
			idx = loaded
		}
	}
	recs := o.recommender.Generate(record, idx)
	if idx != nil && content != "" {
		recs = append(recs, o.recommender.LinkRecommendations(record, idx, content)...)
	}
	if len(recs) == 0 {
		return nil
	}
	return o.store.Recommendations().PutBatch(ctx, recs)
}

func filterByID(recs []*recommend.Recommendation, ids []core.ID) []*recommend.Recommendation {
	keep := make(map[core.ID]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	var out []*recommend.Recommendation
	for _, rec := range recs {
		if keep[rec.ID] {
			out = append(out, rec)
		}
	}
	return out
}
