package recommend

import (
	"time"

	"github.com/tbcv/tbcv/engine/core"
)

// -----------------------------------------------------------------------------
// Recommendation
// -----------------------------------------------------------------------------

// Status is the review state of a recommendation.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusApplied  Status = "applied"
)

// IsValid reports whether s is a known recommendation status.
func (s Status) IsValid() bool {
	switch s {
	case StatusProposed, StatusApproved, StatusRejected, StatusApplied:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusApplied
}

// Well-known recommendation types. The set is open; reviewers filter on it.
const (
	TypeAddFrontMatterField   = "add_front_matter_field"
	TypeAddFrontMatter        = "add_front_matter"
	TypeRemoveDuplicateField  = "remove_duplicate_field"
	TypeFixHeadingLevel       = "fix_heading_level"
	TypeFixListMarker         = "fix_list_marker"
	TypeAddLanguageID         = "add_language_id"
	TypeFixURLScheme          = "fix_url_scheme"
	TypePluginNameFix         = "plugin_name_fix"
	TypePluginLink            = "plugin_link"
	TypeAddMissingPlugins     = "add_missing_plugins"
	TypeRemoveForbiddenPlugin = "remove_forbidden_plugin"
	TypeManualReview          = "manual_review"
)

// Recommendation is one reviewable, optionally auto-applicable improvement
// derived from a validation issue. AutomatedFix is nil for human-only items.
type Recommendation struct {
	ID            core.ID    `json:"id"              db:"id"`
	ValidationID  core.ID    `json:"validation_id"   db:"validation_id"`
	Type          string     `json:"type"            db:"type"`
	Description   string     `json:"description"     db:"description"`
	AutomatedFix  *EditOp    `json:"automated_fix,omitempty" db:"automated_fix"`
	Confidence    float64    `json:"confidence"      db:"confidence"`
	LowConfidence bool       `json:"low_confidence,omitempty" db:"low_confidence"`
	IssueType     string     `json:"issue_type,omitempty"     db:"issue_type"`
	Status        Status     `json:"status"          db:"status"`
	Reviewer      string     `json:"reviewer,omitempty"  db:"reviewer"`
	Notes         string     `json:"notes,omitempty"     db:"notes"`
	CreatedAt     time.Time  `json:"created_at"      db:"created_at"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`
}

// New builds a proposed recommendation bound to one validation record.
func New(validationID core.ID, recType, description string, fix *EditOp, confidence float64) *Recommendation {
	return &Recommendation{
		ID:           core.MustNewID(),
		ValidationID: validationID,
		Type:         recType,
		Description:  description,
		AutomatedFix: fix,
		Confidence:   confidence,
		Status:       StatusProposed,
		CreatedAt:    time.Now().UTC(),
	}
}

// Review moves a proposed recommendation to approved or rejected, recording
// who decided and when. Any other transition is a conflict.
func (r *Recommendation) Review(to Status, reviewer, notes string) error {
	if to != StatusApproved && to != StatusRejected {
		return core.NewError(nil, core.CodeInvalidArgument, map[string]any{
			"reason": "review must approve or reject",
			"status": string(to),
		})
	}
	if r.Status != StatusProposed {
		return r.transitionConflict(to)
	}
	now := time.Now().UTC()
	r.Status = to
	r.Reviewer = reviewer
	if notes != "" {
		r.Notes = notes
	}
	r.ReviewedAt = &now
	return nil
}

// MarkApplied records that the enhancer wrote this fix. Only approved
// recommendations can be applied.
func (r *Recommendation) MarkApplied() error {
	if r.Status != StatusApproved {
		return r.transitionConflict(StatusApplied)
	}
	r.Status = StatusApplied
	return nil
}

func (r *Recommendation) transitionConflict(to Status) error {
	return core.NewError(nil, core.CodeConflict, map[string]any{
		"reason":            "illegal recommendation status transition",
		"recommendation_id": r.ID.String(),
		"from":              string(r.Status),
		"to":                string(to),
	})
}

// -----------------------------------------------------------------------------
// Filters
// -----------------------------------------------------------------------------

// Filter narrows recommendation listings. Zero-valued fields are ignored.
type Filter struct {
	ValidationID  core.ID
	Status        Status
	Type          string
	MinConfidence float64
	Limit         int
	Offset        int
}
