package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/tbcv/tbcv/engine/audit"
	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/enhance"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/truth"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/logger"
)

// ApprovalRequest reviews whole validation records: the record status
// changes and every still-proposed recommendation under it follows.
type ApprovalRequest struct {
	IDs   []string `json:"ids"`
	Actor string   `json:"actor"`
	Notes string   `json:"notes,omitempty"`
}

// ReviewOutcome reports one reviewed entity in a batch.
type ReviewOutcome struct {
	ID    core.ID `json:"id"`
	OK    bool    `json:"ok"`
	Error string  `json:"error,omitempty"`
}

type ReviewResponse struct {
	Outcomes []ReviewOutcome `json:"outcomes"`
	Reviewed int             `json:"reviewed"`
}

type GenerateRecommendationsRequest struct {
	ValidationID string `json:"validation_id"`
	Regenerate   bool   `json:"regenerate,omitempty"`
	Actor        string `json:"actor,omitempty"`
}

type RebuildRecommendationsRequest struct {
	ValidationID string `json:"validation_id"`
	Actor        string `json:"actor,omitempty"`
}

type RecommendationsResponse struct {
	Recommendations []*recommend.Recommendation `json:"recommendations"`
	Count           int                         `json:"count"`
}

type ListRecommendationsRequest struct {
	ValidationID  string  `json:"validation_id,omitempty"`
	Status        string  `json:"status,omitempty"`
	Type          string  `json:"type,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
	Limit         int     `json:"limit,omitempty"`
	Offset        int     `json:"offset,omitempty"`
}

type ReviewRecommendationRequest struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes,omitempty"`
}

type BulkReviewRequest struct {
	IDs      []string `json:"ids"`
	Action   string   `json:"action"`
	Reviewer string   `json:"reviewer"`
	Notes    string   `json:"notes,omitempty"`
}

type ApplyRecommendationsRequest struct {
	ValidationID      string   `json:"validation_id"`
	RecommendationIDs []string `json:"recommendation_ids,omitempty"`
	Actor             string   `json:"actor"`
}

type DeleteRecommendationRequest struct {
	ID      string `json:"id"`
	Confirm bool   `json:"confirm,omitempty"`
}

// MarkAppliedRequest flips approved recommendations to applied without
// touching file contents.
type MarkAppliedRequest struct {
	IDs   []string `json:"ids"`
	Actor string   `json:"actor"`
}

// Approve approves validation records and their proposed recommendations.
// The first failure aborts the batch.
func (d *Dispatcher) Approve(ctx context.Context, req *ApprovalRequest) (*ReviewResponse, error) {
	return run(d, ctx, MethodApprove, true, func(ctx context.Context) (*ReviewResponse, error) {
		return d.approveValidations(ctx, req, true, validation.StatusApproved, recommend.StatusApproved, audit.ActionApprove)
	})
}

// Reject rejects validation records and their proposed recommendations. The
// first failure aborts the batch.
func (d *Dispatcher) Reject(ctx context.Context, req *ApprovalRequest) (*ReviewResponse, error) {
	return run(d, ctx, MethodReject, true, func(ctx context.Context) (*ReviewResponse, error) {
		return d.approveValidations(ctx, req, true, validation.StatusRejected, recommend.StatusRejected, audit.ActionReject)
	})
}

// BulkApprove is the tolerant approval path: every id is attempted and
// per-id failures land in the outcome list.
func (d *Dispatcher) BulkApprove(ctx context.Context, req *ApprovalRequest) (*ReviewResponse, error) {
	return run(d, ctx, MethodBulkApprove, true, func(ctx context.Context) (*ReviewResponse, error) {
		return d.approveValidations(ctx, req, false, validation.StatusApproved, recommend.StatusApproved, audit.ActionApprove)
	})
}

// BulkReject is the tolerant rejection path.
func (d *Dispatcher) BulkReject(ctx context.Context, req *ApprovalRequest) (*ReviewResponse, error) {
	return run(d, ctx, MethodBulkReject, true, func(ctx context.Context) (*ReviewResponse, error) {
		return d.approveValidations(ctx, req, false, validation.StatusRejected, recommend.StatusRejected, audit.ActionReject)
	})
}

// GenerateRecommendations derives recommendations for a record. Existing
// ones are returned as-is unless regenerate is set, which rebuilds from
// scratch.
func (d *Dispatcher) GenerateRecommendations(ctx context.Context, req *GenerateRecommendationsRequest) (*RecommendationsResponse, error) {
	return run(d, ctx, MethodGenerateRecommendations, true, func(ctx context.Context) (*RecommendationsResponse, error) {
		return d.generateRecommendations(ctx, req.ValidationID, req.Actor, req.Regenerate)
	})
}

// RebuildRecommendations discards and regenerates a record's
// recommendations.
func (d *Dispatcher) RebuildRecommendations(ctx context.Context, req *RebuildRecommendationsRequest) (*RecommendationsResponse, error) {
	return run(d, ctx, MethodRebuildRecommendations, true, func(ctx context.Context) (*RecommendationsResponse, error) {
		return d.generateRecommendations(ctx, req.ValidationID, req.Actor, true)
	})
}

// GetRecommendations lists recommendations by filter.
func (d *Dispatcher) GetRecommendations(ctx context.Context, req *ListRecommendationsRequest) (*RecommendationsResponse, error) {
	return run(d, ctx, MethodGetRecommendations, false, func(ctx context.Context) (*RecommendationsResponse, error) {
		filter, err := recommendationFilterFrom(req)
		if err != nil {
			return nil, err
		}
		recs, err := d.store.Recommendations().List(ctx, filter)
		if err != nil {
			return nil, err
		}
		return &RecommendationsResponse{Recommendations: recs, Count: len(recs)}, nil
	})
}

// ReviewRecommendation moves one recommendation through its review
// transition and appends the matching audit entry.
func (d *Dispatcher) ReviewRecommendation(ctx context.Context, req *ReviewRecommendationRequest) (*recommend.Recommendation, error) {
	return run(d, ctx, MethodReviewRecommendation, true, func(ctx context.Context) (*recommend.Recommendation, error) {
		id, err := parseID(req.ID, "id")
		if err != nil {
			return nil, err
		}
		reviewer := strings.TrimSpace(req.Reviewer)
		if reviewer == "" {
			return nil, core.NewError(fmt.Errorf("reviewer is required"), core.CodeInvalidArgument, map[string]any{
				"param": "reviewer",
			})
		}
		to := recommend.Status(strings.ToLower(strings.TrimSpace(req.Status)))
		rec, err := d.reviewOne(ctx, id, to, reviewer, strings.TrimSpace(req.Notes))
		if err != nil {
			return nil, err
		}
		d.invalidateReports(ctx)
		return rec, nil
	})
}

// BulkReviewRecommendations applies one review action across many
// recommendations, tolerating per-id failures.
func (d *Dispatcher) BulkReviewRecommendations(ctx context.Context, req *BulkReviewRequest) (*ReviewResponse, error) {
	return run(d, ctx, MethodBulkReviewRecommendations, true, func(ctx context.Context) (*ReviewResponse, error) {
		ids, err := parseIDs(req.IDs, "ids")
		if err != nil {
			return nil, err
		}
		reviewer := strings.TrimSpace(req.Reviewer)
		if reviewer == "" {
			return nil, core.NewError(fmt.Errorf("reviewer is required"), core.CodeInvalidArgument, map[string]any{
				"param": "reviewer",
			})
		}
		var to recommend.Status
		switch strings.ToLower(strings.TrimSpace(req.Action)) {
		case "approve":
			to = recommend.StatusApproved
		case "reject":
			to = recommend.StatusRejected
		default:
			return nil, core.NewError(fmt.Errorf("action must be approve or reject"), core.CodeInvalidArgument, map[string]any{
				"param": "action",
			})
		}
		notes := strings.TrimSpace(req.Notes)
		resp := &ReviewResponse{Outcomes: make([]ReviewOutcome, 0, len(ids))}
		for _, id := range ids {
			if _, err := d.reviewOne(ctx, id, to, reviewer, notes); err != nil {
				resp.Outcomes = append(resp.Outcomes, ReviewOutcome{ID: id, Error: err.Error()})
				continue
			}
			resp.Outcomes = append(resp.Outcomes, ReviewOutcome{ID: id, OK: true})
			resp.Reviewed++
		}
		d.invalidateReports(ctx)
		return resp, nil
	})
}

// ApplyRecommendations runs the enhancer for one record's approved
// recommendations, optionally narrowed to an explicit id set.
func (d *Dispatcher) ApplyRecommendations(ctx context.Context, req *ApplyRecommendationsRequest) (*enhance.Result, error) {
	return run(d, ctx, MethodApplyRecommendations, true, func(ctx context.Context) (*enhance.Result, error) {
		id, err := parseID(req.ValidationID, "validation_id")
		if err != nil {
			return nil, err
		}
		actor, err := requireActor(req.Actor)
		if err != nil {
			return nil, err
		}
		only := optionalIDs(req.RecommendationIDs)
		result, err := d.orch.EnhanceOne(ctx, id, only, actor)
		if err != nil {
			return nil, err
		}
		d.observeOutcomes(ctx, result)
		d.invalidateReports(ctx)
		return result, nil
	})
}

// DeleteRecommendation removes one recommendation. Requires confirm=true.
func (d *Dispatcher) DeleteRecommendation(ctx context.Context, req *DeleteRecommendationRequest) (*DeleteResponse, error) {
	return run(d, ctx, MethodDeleteRecommendation, true, func(ctx context.Context) (*DeleteResponse, error) {
		id, err := parseID(req.ID, "id")
		if err != nil {
			return nil, err
		}
		if err := d.store.Recommendations().Delete(ctx, id, req.Confirm); err != nil {
			return nil, err
		}
		d.invalidateReports(ctx)
		return &DeleteResponse{Deleted: 1}, nil
	})
}

// MarkRecommendationsApplied transitions approved recommendations to
// applied without mutating any file.
func (d *Dispatcher) MarkRecommendationsApplied(ctx context.Context, req *MarkAppliedRequest) (*ReviewResponse, error) {
	return run(d, ctx, MethodMarkRecommendationsApplied, true, func(ctx context.Context) (*ReviewResponse, error) {
		ids, err := parseIDs(req.IDs, "ids")
		if err != nil {
			return nil, err
		}
		actor, err := requireActor(req.Actor)
		if err != nil {
			return nil, err
		}
		resp := &ReviewResponse{Outcomes: make([]ReviewOutcome, 0, len(ids))}
		for _, id := range ids {
			if err := d.markApplied(ctx, id, actor); err != nil {
				resp.Outcomes = append(resp.Outcomes, ReviewOutcome{ID: id, Error: err.Error()})
				continue
			}
			resp.Outcomes = append(resp.Outcomes, ReviewOutcome{ID: id, OK: true})
			resp.Reviewed++
		}
		d.invalidateReports(ctx)
		return resp, nil
	})
}

func (d *Dispatcher) approveValidations(ctx context.Context, req *ApprovalRequest, strict bool, to validation.Status, recTo recommend.Status, action audit.Action) (*ReviewResponse, error) {
	ids, err := parseIDs(req.IDs, "ids")
	if err != nil {
		return nil, err
	}
	actor, err := requireActor(req.Actor)
	if err != nil {
		return nil, err
	}
	notes := strings.TrimSpace(req.Notes)
	resp := &ReviewResponse{Outcomes: make([]ReviewOutcome, 0, len(ids))}
	for _, id := range ids {
		if err := d.reviewValidation(ctx, id, actor, notes, to, recTo, action); err != nil {
			if strict {
				return nil, err
			}
			resp.Outcomes = append(resp.Outcomes, ReviewOutcome{ID: id, Error: err.Error()})
			continue
		}
		resp.Outcomes = append(resp.Outcomes, ReviewOutcome{ID: id, OK: true})
		resp.Reviewed++
	}
	d.invalidateReports(ctx)
	return resp, nil
}

// reviewValidation moves one record and its proposed recommendations
// through a review decision. Already-reviewed recommendations are left
// alone, so a retried approval converges instead of conflicting.
func (d *Dispatcher) reviewValidation(ctx context.Context, id core.ID, actor, notes string, to validation.Status, recTo recommend.Status, action audit.Action) error {
	record, err := d.store.Validations().Get(ctx, id)
	if err != nil {
		return err
	}
	if err := record.SetStatus(to); err != nil {
		return err
	}
	if notes != "" {
		record.AppendNote(notes)
	}
	if err := d.store.Validations().Put(ctx, record); err != nil {
		return err
	}
	recs, err := d.store.Recommendations().List(ctx, &recommend.Filter{ValidationID: id, Status: recommend.StatusProposed})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := rec.Review(recTo, actor, notes); err != nil {
			return err
		}
	}
	if len(recs) > 0 {
		if err := d.store.Recommendations().PutBatch(ctx, recs); err != nil {
			return err
		}
	}
	entry := audit.NewEntry(actor, action).ForValidation(id).WithNotes(notes)
	if err := d.store.Audit().Append(ctx, entry); err != nil {
		return err
	}
	d.recorder.RecommendationReview(ctx, string(action))
	return nil
}

func (d *Dispatcher) reviewOne(ctx context.Context, id core.ID, to recommend.Status, reviewer, notes string) (*recommend.Recommendation, error) {
	rec, err := d.store.Recommendations().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rec.Review(to, reviewer, notes); err != nil {
		return nil, err
	}
	if err := d.store.Recommendations().Put(ctx, rec); err != nil {
		return nil, err
	}
	action := audit.ActionApprove
	if to == recommend.StatusRejected {
		action = audit.ActionReject
	}
	entry := audit.NewEntry(reviewer, action).
		ForValidation(rec.ValidationID).
		ForRecommendation(id).
		WithNotes(notes)
	if err := d.store.Audit().Append(ctx, entry); err != nil {
		return nil, err
	}
	d.recorder.RecommendationReview(ctx, string(action))
	return rec, nil
}

func (d *Dispatcher) markApplied(ctx context.Context, id core.ID, actor string) error {
	rec, err := d.store.Recommendations().Get(ctx, id)
	if err != nil {
		return err
	}
	if err := rec.MarkApplied(); err != nil {
		return err
	}
	if err := d.store.Recommendations().Put(ctx, rec); err != nil {
		return err
	}
	entry := audit.NewEntry(actor, audit.ActionApply).
		ForValidation(rec.ValidationID).
		ForRecommendation(id).
		WithNotes("marked applied without a content change")
	if err := d.store.Audit().Append(ctx, entry); err != nil {
		return err
	}
	d.recorder.RecommendationReview(ctx, string(audit.ActionApply))
	return nil
}

func (d *Dispatcher) generateRecommendations(ctx context.Context, validationID, reqActor string, regenerate bool) (*RecommendationsResponse, error) {
	id, err := parseID(validationID, "validation_id")
	if err != nil {
		return nil, err
	}
	record, err := d.store.Validations().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	existing, err := d.store.Recommendations().List(ctx, &recommend.Filter{ValidationID: id})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 && !regenerate {
		return &RecommendationsResponse{Recommendations: existing, Count: len(existing)}, nil
	}
	if len(existing) > 0 {
		if _, err := d.store.Recommendations().DeleteByValidation(ctx, id); err != nil {
			return nil, err
		}
	}
	idx := d.truthIndex(ctx, record.Family)
	recs := d.recommender.Generate(record, idx)
	if idx != nil {
		if content, ok := d.currentContent(ctx, record); ok {
			recs = append(recs, d.recommender.LinkRecommendations(record, idx, content)...)
		}
	}
	if len(recs) > 0 {
		if err := d.store.Recommendations().PutBatch(ctx, recs); err != nil {
			return nil, err
		}
	}
	actor := strings.TrimSpace(reqActor)
	if actor == "" {
		actor = "recommender"
	}
	entry := audit.NewEntry(actor, audit.ActionPropose).
		ForValidation(id).
		WithNotes(fmt.Sprintf("proposed %d recommendations", len(recs)))
	if err := d.store.Audit().Append(ctx, entry); err != nil {
		return nil, err
	}
	d.invalidateReports(ctx)
	return &RecommendationsResponse{Recommendations: recs, Count: len(recs)}, nil
}

// truthIndex loads the family index, tolerating missing or broken manifests
// so rule-only recommendations still generate.
func (d *Dispatcher) truthIndex(ctx context.Context, family string) *truth.Index {
	if family == "" || d.truth == nil {
		return nil
	}
	idx, err := d.truth.Load(ctx, family)
	if err != nil {
		logger.FromContext(ctx).Warn("truth index unavailable for recommendations",
			"family", family, "error", err)
		return nil
	}
	return idx
}

// currentContent re-reads the validated file and reports whether it still
// matches the record's snapshot. Link recommendations carry byte spans, so
// a changed file makes them unsafe.
func (d *Dispatcher) currentContent(ctx context.Context, record *validation.Record) (string, bool) {
	if d.loader == nil || record.FilePath == "" {
		return "", false
	}
	doc, err := d.loader.Load(ctx, record.FilePath)
	if err != nil || doc.Hash != record.ContentHash {
		return "", false
	}
	return doc.Content, true
}

func (d *Dispatcher) observeOutcomes(ctx context.Context, result *enhance.Result) {
	if result == nil {
		return
	}
	for _, outcome := range result.Outcomes {
		status := "rejected"
		if outcome.Applied {
			status = "applied"
		}
		d.recorder.Enhancement(ctx, status)
	}
}

func recommendationFilterFrom(req *ListRecommendationsRequest) (*recommend.Filter, error) {
	filter := &recommend.Filter{
		ValidationID:  core.ID(strings.TrimSpace(req.ValidationID)),
		Type:          strings.TrimSpace(req.Type),
		MinConfidence: req.MinConfidence,
		Limit:         req.Limit,
		Offset:        req.Offset,
	}
	if s := strings.ToLower(strings.TrimSpace(req.Status)); s != "" {
		status := recommend.Status(s)
		if !status.IsValid() {
			return nil, core.NewError(fmt.Errorf("unknown recommendation status %q", req.Status), core.CodeInvalidArgument, map[string]any{
				"param": "status",
			})
		}
		filter.Status = status
	}
	return filter, nil
}

func optionalIDs(raw []string) []core.ID {
	var out []core.ID
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, core.ID(s))
		}
	}
	return out
}
