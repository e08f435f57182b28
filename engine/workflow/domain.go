package workflow

import (
	"encoding/json"
	"time"

	"github.com/tbcv/tbcv/engine/core"
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Type identifies the kind of work a workflow performs.
type Type string

const (
	TypeValidateFile      Type = "validate_file"
	TypeValidateDirectory Type = "validate_directory"
	TypeRevalidate        Type = "revalidate"
	TypeEnhance           Type = "enhance"
	TypeEnhanceBatch      Type = "enhance_batch"
)

// IsValid reports whether t is a known workflow type.
func (t Type) IsValid() bool {
	switch t {
	case TypeValidateFile, TypeValidateDirectory, TypeRevalidate,
		TypeEnhance, TypeEnhanceBatch:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// State
// -----------------------------------------------------------------------------

// Workflow is a durable run of the engine over one file or a batch. It is
// created pending and mutated only by the orchestrator.
type Workflow struct {
	ID          core.ID         `json:"id"           db:"id"`
	RunID       string          `json:"run_id"       db:"run_id"`
	Type        Type            `json:"type"         db:"type"`
	Status      core.StatusType `json:"status"       db:"status"`
	Params      map[string]any  `json:"params"       db:"params"`
	TotalSteps  int             `json:"total_steps"  db:"total_steps"`
	CurrentStep int             `json:"current_step" db:"current_step"`
	Error       *core.Error     `json:"error,omitempty"        db:"error"`
	StartedAt   *time.Time      `json:"started_at,omitempty"   db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time       `json:"created_at"   db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"   db:"updated_at"`
}

// New creates a pending workflow with a fresh ID and run ID.
func New(typ Type, params map[string]any) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:        core.MustNewID(),
		RunID:     core.NewRunID(),
		Type:      typ,
		Status:    core.StatusPending,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// transitions is the full set of legal status moves. Terminal states have no
// outgoing edges.
var transitions = map[core.StatusType][]core.StatusType{
	core.StatusPending: {core.StatusRunning, core.StatusCancelled},
	core.StatusRunning: {core.StatusPaused, core.StatusCompleted, core.StatusFailed, core.StatusCancelled},
	core.StatusPaused:  {core.StatusRunning, core.StatusCancelled},
}

// CanTransition reports whether a move from one status to another is legal.
func CanTransition(from, to core.StatusType) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo advances the workflow status, returning a CONFLICT error when
// the move is not legal from the current state.
func (w *Workflow) TransitionTo(status core.StatusType) error {
	if !status.IsValid() {
		return core.NewError(nil, core.CodeInvalidArgument, map[string]any{
			"reason": "unknown workflow status",
			"status": string(status),
		})
	}
	if !CanTransition(w.Status, status) {
		return core.NewError(nil, core.CodeConflict, map[string]any{
			"reason":      "illegal workflow transition",
			"workflow_id": w.ID.String(),
			"from":        string(w.Status),
			"to":          string(status),
		})
	}
	now := time.Now().UTC()
	switch status {
	case core.StatusRunning:
		if w.StartedAt == nil {
			w.StartedAt = &now
		}
	case core.StatusCompleted, core.StatusFailed, core.StatusCancelled:
		w.CompletedAt = &now
	}
	w.Status = status
	w.UpdatedAt = now
	return nil
}

// AdvanceStep bumps the current step counter. The counter never decreases.
func (w *Workflow) AdvanceStep(step int) {
	if step > w.CurrentStep {
		w.CurrentStep = step
		w.UpdatedAt = time.Now().UTC()
	}
}

// SetTotalSteps revises the total step count. Totals never shrink below the
// current step, so progress stays monotonic when a directory walk discovers
// more files mid-run.
func (w *Workflow) SetTotalSteps(total int) {
	if total < w.CurrentStep {
		total = w.CurrentStep
	}
	w.TotalSteps = total
}

// ProgressPercent derives integer progress without mid-step interpolation.
func (w *Workflow) ProgressPercent() int {
	if w.TotalSteps <= 0 {
		return 0
	}
	return 100 * w.CurrentStep / w.TotalSteps
}

// Fail marks the workflow failed and records the cause.
func (w *Workflow) Fail(err error) error {
	if terr := w.TransitionTo(core.StatusFailed); terr != nil {
		return terr
	}
	var cerr *core.Error
	if err != nil {
		if ce, ok := err.(*core.Error); ok {
			cerr = ce
		} else {
			cerr = core.NewError(err, core.CodeInternal, nil)
		}
	}
	w.Error = cerr
	return nil
}

// AsMap renders the workflow as a generic map for export surfaces.
func (w *Workflow) AsMap() (map[string]any, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	result["progress_percent"] = w.ProgressPercent()
	return result, nil
}

// -----------------------------------------------------------------------------
// Checkpoints
// -----------------------------------------------------------------------------

// Checkpoint is a durable resume point appended after each completed step.
type Checkpoint struct {
	ID         core.ID        `json:"id"          db:"id"`
	WorkflowID core.ID        `json:"workflow_id" db:"workflow_id"`
	Step       string         `json:"step"        db:"step"`
	Position   int            `json:"position"    db:"position"`
	State      map[string]any `json:"state"       db:"state"`
	CreatedAt  time.Time      `json:"created_at"  db:"created_at"`
}

// NewCheckpoint captures a resume point for the given workflow step.
func NewCheckpoint(workflowID core.ID, step string, position int, state map[string]any) *Checkpoint {
	return &Checkpoint{
		ID:         core.MustNewID(),
		WorkflowID: workflowID,
		Step:       step,
		Position:   position,
		State:      state,
		CreatedAt:  time.Now().UTC(),
	}
}
