package validation

import (
	"time"

	"github.com/tbcv/tbcv/engine/core"
)

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// Status is the lifecycle state of a validation record. The first four come
// from the pipeline itself; approved, rejected and enhanced are set by the
// review and enhancement surfaces.
type Status string

const (
	StatusPass     Status = "pass"
	StatusFail     Status = "fail"
	StatusWarning  Status = "warning"
	StatusSkipped  Status = "skipped"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusEnhanced Status = "enhanced"
)

// IsValid reports whether s is a known record status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPass, StatusFail, StatusWarning, StatusSkipped,
		StatusApproved, StatusRejected, StatusEnhanced:
		return true
	}
	return false
}

// StatusFromIssues derives the pipeline status from the issue list: fail when
// anything reaches high, warning for medium or low findings, pass otherwise.
func StatusFromIssues(issues []Issue) Status {
	max := MaxSeverity(issues)
	switch {
	case max.Rank() >= core.SeverityHigh.Rank():
		return StatusFail
	case max.Rank() >= core.SeverityLow.Rank():
		return StatusWarning
	default:
		return StatusPass
	}
}

// -----------------------------------------------------------------------------
// Record
// -----------------------------------------------------------------------------

// Record is the persisted result of one validation pass over one content
// snapshot. Only Status and Notes may change after creation; revalidation
// creates a new record instead of mutating this one.
type Record struct {
	ID           core.ID       `json:"id"            db:"id"`
	WorkflowID   core.ID       `json:"workflow_id"   db:"workflow_id"`
	RunID        string        `json:"run_id"        db:"run_id"`
	FilePath     string        `json:"file_path"     db:"file_path"`
	Family       string        `json:"family"        db:"family"`
	ContentHash  string        `json:"content_hash"  db:"content_hash"`
	TruthVersion string        `json:"truth_version,omitempty" db:"truth_version"`
	RulesApplied []string      `json:"rules_applied" db:"rules_applied"`
	Issues       []Issue       `json:"issues"        db:"issues"`
	Severity     core.Severity `json:"severity"      db:"severity"`
	Status       Status        `json:"status"        db:"status"`
	// EnhancedHash is the content hash after enhancement. Set together with
	// StatusEnhanced; re-running the same enhancement against content at this
	// hash is a no-op rather than a stale-record failure.
	EnhancedHash string    `json:"enhanced_hash,omitempty" db:"enhanced_hash"`
	Notes        []string  `json:"notes,omitempty" db:"notes"`
	CreatedAt    time.Time `json:"created_at"    db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"    db:"updated_at"`
}

// NewRecord builds a record from router output. Issues are sorted and the
// aggregate severity and status are derived here so every producer agrees.
func NewRecord(workflowID core.ID, runID, filePath, family, contentHash string, rules []string, issues []Issue) *Record {
	SortIssues(issues)
	now := time.Now().UTC()
	return &Record{
		ID:           core.MustNewID(),
		WorkflowID:   workflowID,
		RunID:        runID,
		FilePath:     filePath,
		Family:       family,
		ContentHash:  contentHash,
		RulesApplied: rules,
		Issues:       issues,
		Severity:     MaxSeverity(issues),
		Status:       StatusFromIssues(issues),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewSkippedRecord marks content that never entered the pipeline, such as a
// file rejected by the language gate.
func NewSkippedRecord(workflowID core.ID, runID, filePath, reason string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:         core.MustNewID(),
		WorkflowID: workflowID,
		RunID:      runID,
		FilePath:   filePath,
		Severity:   core.SeverityInfo,
		Status:     StatusSkipped,
		Notes:      []string{reason},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// SetStatus moves the record to a review or enhancement status. Pipeline
// statuses cannot be re-entered once left.
func (r *Record) SetStatus(status Status) error {
	if !status.IsValid() {
		return core.NewError(nil, core.CodeInvalidArgument, map[string]any{
			"reason": "unknown validation status",
			"status": string(status),
		})
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendNote attaches a note without touching any other field.
func (r *Record) AppendNote(note string) {
	if note == "" {
		return
	}
	r.Notes = append(r.Notes, note)
	r.UpdatedAt = time.Now().UTC()
}

// IssuesByType returns the subset of issues with the given type, preserving
// record order.
func (r *Record) IssuesByType(issueType string) []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Type == issueType {
			out = append(out, issue)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Filters
// -----------------------------------------------------------------------------

// Filter narrows validation listings. Zero-valued fields are ignored.
type Filter struct {
	WorkflowID    core.ID
	RunID         string
	FilePath      string
	Family        string
	Status        Status
	Severity      core.Severity
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}
