package audit

import (
	"time"

	"github.com/tbcv/tbcv/engine/core"
)

// Action names the review and enhancement events the audit trail records.
type Action string

const (
	ActionPropose Action = "propose"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionApply   Action = "apply"
	ActionRevert  Action = "revert"
)

// IsValid reports whether a is a known audit action.
func (a Action) IsValid() bool {
	switch a {
	case ActionPropose, ActionApprove, ActionReject, ActionApply, ActionRevert:
		return true
	}
	return false
}

// Entry is one append-only audit record. Entries reference either a
// recommendation or a validation record; the core never mutates or deletes
// them once written.
type Entry struct {
	ID               core.ID   `json:"id"                          db:"id"`
	RecommendationID core.ID   `json:"recommendation_id,omitempty" db:"recommendation_id"`
	ValidationID     core.ID   `json:"validation_id,omitempty"     db:"validation_id"`
	Actor            string    `json:"actor"                       db:"actor"`
	Action           Action    `json:"action"                      db:"action"`
	Timestamp        time.Time `json:"timestamp"                   db:"timestamp"`
	BeforeHash       string    `json:"before_hash,omitempty"       db:"before_hash"`
	AfterHash        string    `json:"after_hash,omitempty"        db:"after_hash"`
	Notes            string    `json:"notes,omitempty"             db:"notes"`
}

// NewEntry builds an audit entry stamped with the current time.
func NewEntry(actor string, action Action) *Entry {
	return &Entry{
		ID:        core.MustNewID(),
		Actor:     actor,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
}

// ForRecommendation binds the entry to a recommendation and returns it.
func (e *Entry) ForRecommendation(id core.ID) *Entry {
	e.RecommendationID = id
	return e
}

// ForValidation binds the entry to a validation record and returns it.
func (e *Entry) ForValidation(id core.ID) *Entry {
	e.ValidationID = id
	return e
}

// WithHashes records the content hashes around a mutation and returns the
// entry. Equal hashes mark a no-op application.
func (e *Entry) WithHashes(before, after string) *Entry {
	e.BeforeHash = before
	e.AfterHash = after
	return e
}

// WithNotes attaches free-form reviewer or system notes and returns the entry.
func (e *Entry) WithNotes(notes string) *Entry {
	e.Notes = notes
	return e
}

// Filter narrows audit log listings. Zero-valued fields are ignored.
type Filter struct {
	RecommendationID core.ID
	ValidationID     core.ID
	Actor            string
	Action           Action
	Since            time.Time
	Until            time.Time
	Limit            int
	Offset           int
}
