package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tbcv/tbcv/engine/audit"
	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/enhance"
	"github.com/tbcv/tbcv/engine/orchestrator"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
)

// EnhanceRequest targets a record by id, or by file path when the caller
// only knows the file. Content switches to a no-write preview over the
// supplied text.
type EnhanceRequest struct {
	ValidationID      string   `json:"validation_id,omitempty"`
	FilePath          string   `json:"file_path,omitempty"`
	Content           string   `json:"content,omitempty"`
	RecommendationIDs []string `json:"recommendation_ids,omitempty"`
	Actor             string   `json:"actor"`
}

// EnhanceResponse reports one enhancement pass. Applied is false for the
// content path, which never writes.
type EnhanceResponse struct {
	Result  *enhance.Result `json:"result"`
	Applied bool            `json:"applied"`
}

type EnhanceBatchRequest struct {
	ValidationIDs []string `json:"validation_ids"`
	Actor         string   `json:"actor"`
}

// EnhanceBatchStream hands the caller the created workflow plus a live
// progress feed. Close releases the subscription; the workflow keeps
// running either way.
type EnhanceBatchStream struct {
	Workflow *workflow.Workflow
	Events   <-chan orchestrator.Progress
	Close    func()
}

type EnhancePreviewRequest struct {
	ValidationID      string   `json:"validation_id"`
	Content           string   `json:"content,omitempty"`
	RecommendationIDs []string `json:"recommendation_ids,omitempty"`
}

type AutoApplyRequest struct {
	ValidationID        string  `json:"validation_id"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	MaxRecommendations  int     `json:"max_recommendations,omitempty"`
	Actor               string  `json:"actor"`
}

type AutoApplyResponse struct {
	Approved int             `json:"approved"`
	Result   *enhance.Result `json:"result,omitempty"`
}

type ComparisonRequest struct {
	ValidationID string `json:"validation_id"`
}

// ComparisonResponse reconstructs the before/after view of an enhanced
// file. Original comes from the newest backup whose hash matches the
// validated snapshot; without one, only the enhanced side is filled.
type ComparisonResponse struct {
	ValidationID    core.ID                  `json:"validation_id"`
	FilePath        string                   `json:"file_path"`
	Original        string                   `json:"original,omitempty"`
	Enhanced        string                   `json:"enhanced,omitempty"`
	Diff            string                   `json:"diff,omitempty"`
	OriginalHash    string                   `json:"original_hash"`
	EnhancedHash    string                   `json:"enhanced_hash"`
	Recommendations map[recommend.Status]int `json:"recommendations"`
	AuditTrail      []*audit.Entry           `json:"audit_trail"`
}

// Enhance applies approved recommendations to one record's file. With
// content set, it previews over the supplied text instead and leaves the
// file alone.
func (d *Dispatcher) Enhance(ctx context.Context, req *EnhanceRequest) (*EnhanceResponse, error) {
	return run(d, ctx, MethodEnhance, true, func(ctx context.Context) (*EnhanceResponse, error) {
		actor, err := requireActor(req.Actor)
		if err != nil {
			return nil, err
		}
		record, err := d.resolveRecord(ctx, req.ValidationID, req.FilePath)
		if err != nil {
			return nil, err
		}
		only := optionalIDs(req.RecommendationIDs)
		if req.Content != "" {
			result, err := d.previewRecord(ctx, record, only, req.Content)
			if err != nil {
				return nil, err
			}
			return &EnhanceResponse{Result: result}, nil
		}
		result, err := d.orch.EnhanceOne(ctx, record.ID, only, actor)
		if err != nil {
			d.recorder.Enhancement(ctx, "failed")
			return nil, err
		}
		d.observeOutcomes(ctx, result)
		d.invalidateReports(ctx)
		return &EnhanceResponse{Result: result, Applied: true}, nil
	})
}

// EnhanceBatch creates an enhance_batch workflow, starts it detached, and
// returns a progress stream so transports can relay per-item events.
func (d *Dispatcher) EnhanceBatch(ctx context.Context, req *EnhanceBatchRequest) (*EnhanceBatchStream, error) {
	return run(d, ctx, MethodEnhanceBatch, true, func(ctx context.Context) (*EnhanceBatchStream, error) {
		ids, err := parseIDs(req.ValidationIDs, "validation_ids")
		if err != nil {
			return nil, err
		}
		actor, err := requireActor(req.Actor)
		if err != nil {
			return nil, err
		}
		raw := make([]string, len(ids))
		for i, id := range ids {
			raw[i] = id.String()
		}
		wf, err := d.orch.Create(ctx, workflow.TypeEnhanceBatch, map[string]any{
			"validation_ids": raw,
			"actor":          actor,
		})
		if err != nil {
			return nil, err
		}
		events, release := d.orch.Subscribe(wf.ID)
		if err := d.orch.Start(ctx, wf.ID); err != nil {
			release()
			return nil, err
		}
		d.invalidateReports(ctx)
		return &EnhanceBatchStream{Workflow: wf, Events: events, Close: release}, nil
	})
}

// EnhancePreview computes the enhancement result without writing anything.
func (d *Dispatcher) EnhancePreview(ctx context.Context, req *EnhancePreviewRequest) (*enhance.Result, error) {
	return run(d, ctx, MethodEnhancePreview, false, func(ctx context.Context) (*enhance.Result, error) {
		id, err := parseID(req.ValidationID, "validation_id")
		if err != nil {
			return nil, err
		}
		record, err := d.store.Validations().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return d.previewRecord(ctx, record, optionalIDs(req.RecommendationIDs), req.Content)
	})
}

// EnhanceAutoApply approves every proposed recommendation that carries an
// automated fix at or above the confidence threshold, then applies them in
// one pass. Highest confidence wins when max_recommendations caps the set.
func (d *Dispatcher) EnhanceAutoApply(ctx context.Context, req *AutoApplyRequest) (*AutoApplyResponse, error) {
	return run(d, ctx, MethodEnhanceAutoApply, true, func(ctx context.Context) (*AutoApplyResponse, error) {
		id, err := parseID(req.ValidationID, "validation_id")
		if err != nil {
			return nil, err
		}
		actor, err := requireActor(req.Actor)
		if err != nil {
			return nil, err
		}
		threshold := req.ConfidenceThreshold
		if threshold <= 0 {
			threshold = d.cfg.Recommend.MinConfidence
		}
		recs, err := d.store.Recommendations().List(ctx, &recommend.Filter{
			ValidationID: id,
			Status:       recommend.StatusProposed,
		})
		if err != nil {
			return nil, err
		}
		var selected []*recommend.Recommendation
		for _, rec := range recs {
			if rec.AutomatedFix != nil && rec.Confidence >= threshold {
				selected = append(selected, rec)
			}
		}
		sort.Slice(selected, func(i, j int) bool {
			if selected[i].Confidence != selected[j].Confidence {
				return selected[i].Confidence > selected[j].Confidence
			}
			return selected[i].ID < selected[j].ID
		})
		if req.MaxRecommendations > 0 && len(selected) > req.MaxRecommendations {
			selected = selected[:req.MaxRecommendations]
		}
		if len(selected) == 0 {
			return &AutoApplyResponse{}, nil
		}
		notes := fmt.Sprintf("auto-approved at confidence >= %.2f", threshold)
		only := make([]core.ID, len(selected))
		for i, rec := range selected {
			if err := rec.Review(recommend.StatusApproved, actor, notes); err != nil {
				return nil, err
			}
			only[i] = rec.ID
		}
		if err := d.store.Recommendations().PutBatch(ctx, selected); err != nil {
			return nil, err
		}
		entry := audit.NewEntry(actor, audit.ActionApprove).
			ForValidation(id).
			WithNotes(fmt.Sprintf("auto-approved %d recommendations", len(selected)))
		if err := d.store.Audit().Append(ctx, entry); err != nil {
			return nil, err
		}
		d.recorder.RecommendationReview(ctx, string(audit.ActionApprove))
		result, err := d.orch.EnhanceOne(ctx, id, only, actor)
		if err != nil {
			d.recorder.Enhancement(ctx, "failed")
			return nil, err
		}
		d.observeOutcomes(ctx, result)
		d.invalidateReports(ctx)
		return &AutoApplyResponse{Approved: len(selected), Result: result}, nil
	})
}

// GetEnhancementComparison rebuilds the original-versus-enhanced view for a
// record the enhancer already processed.
func (d *Dispatcher) GetEnhancementComparison(ctx context.Context, req *ComparisonRequest) (*ComparisonResponse, error) {
	return run(d, ctx, MethodGetEnhancementComparison, false, func(ctx context.Context) (*ComparisonResponse, error) {
		id, err := parseID(req.ValidationID, "validation_id")
		if err != nil {
			return nil, err
		}
		record, err := d.store.Validations().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if record.Status != validation.StatusEnhanced {
			return nil, core.NewError(fmt.Errorf("validation %s is %s", id, record.Status), core.CodeConflict, map[string]any{
				"reason": "comparison requires an enhanced record",
				"status": string(record.Status),
			})
		}
		resp := &ComparisonResponse{
			ValidationID: id,
			FilePath:     record.FilePath,
			OriginalHash: record.ContentHash,
			EnhancedHash: record.EnhancedHash,
		}
		if doc, err := d.loader.Load(ctx, record.FilePath); err == nil {
			resp.Enhanced = doc.Content
		}
		if original, ok := d.enhancer.FindBackup(record.FilePath, record.ContentHash); ok {
			resp.Original = original
			if resp.Enhanced != "" {
				resp.Diff = enhance.Diff(record.FilePath, original, resp.Enhanced)
			}
		}
		recs, err := d.store.Recommendations().List(ctx, &recommend.Filter{ValidationID: id})
		if err != nil {
			return nil, err
		}
		resp.Recommendations = recommend.Summarize(recs)
		trail, err := d.store.Audit().List(ctx, &audit.Filter{ValidationID: id, Action: audit.ActionApply})
		if err != nil {
			return nil, err
		}
		resp.AuditTrail = trail
		return resp, nil
	})
}

// previewRecord runs the dry path over the file or, when content is given,
// over the supplied text.
func (d *Dispatcher) previewRecord(ctx context.Context, record *validation.Record, only []core.ID, content string) (*enhance.Result, error) {
	recs, err := d.store.Recommendations().List(ctx, &recommend.Filter{ValidationID: record.ID})
	if err != nil {
		return nil, err
	}
	if len(only) > 0 {
		recs = keepByID(recs, only)
	}
	var result *enhance.Result
	if content != "" {
		result, err = d.enhancer.PreviewContent(ctx, record, recs, content)
	} else {
		result, err = d.enhancer.Preview(ctx, record, recs)
	}
	if err != nil {
		return nil, err
	}
	d.recorder.Enhancement(ctx, "dry_run")
	return result, nil
}

// resolveRecord finds the target record by id or, failing that, the newest
// record for the file path.
func (d *Dispatcher) resolveRecord(ctx context.Context, rawID, filePath string) (*validation.Record, error) {
	if id := strings.TrimSpace(rawID); id != "" {
		return d.store.Validations().Get(ctx, core.ID(id))
	}
	path := strings.TrimSpace(filePath)
	if path == "" {
		return nil, core.NewError(fmt.Errorf("validation_id or file_path is required"), core.CodeInvalidArgument, map[string]any{
			"param": "validation_id",
		})
	}
	history, err := d.store.Validations().History(ctx, path, 1)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, core.NewError(fmt.Errorf("no validation on record for %s", path), core.CodeNotFound, map[string]any{
			"file_path": path,
		})
	}
	return history[0], nil
}

func keepByID(recs []*recommend.Recommendation, ids []core.ID) []*recommend.Recommendation {
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
