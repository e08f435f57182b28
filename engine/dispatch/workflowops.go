package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/cache"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
)

type CreateWorkflowRequest struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
	Start  bool           `json:"start,omitempty"`
}

type GetWorkflowRequest struct {
	ID string `json:"id"`
}

type ListWorkflowsRequest struct {
	Type          string `json:"type,omitempty"`
	Status        string `json:"status,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	CreatedAfter  string `json:"created_after,omitempty"`
	CreatedBefore string `json:"created_before,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}

type ListWorkflowsResponse struct {
	Workflows []*workflow.Workflow `json:"workflows"`
	Count     int                  `json:"count"`
}

type ControlWorkflowRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

type WorkflowReportRequest struct {
	ID string `json:"id"`
}

// WorkflowReport aggregates everything one workflow produced: the run
// itself, its records grouped by status and severity, and the
// recommendation tallies per file.
type WorkflowReport struct {
	Workflow         *workflow.Workflow        `json:"workflow"`
	DurationSeconds  float64                   `json:"duration_seconds"`
	Records          int                       `json:"records"`
	RecordsByStatus  map[validation.Status]int `json:"records_by_status"`
	IssuesBySeverity map[core.Severity]int     `json:"issues_by_severity"`
	TotalIssues      int                       `json:"total_issues"`
	Recommendations  map[recommend.Status]int  `json:"recommendations"`
	Files            []*FileReport             `json:"files"`
}

// FileReport is the per-record slice of a workflow report.
type FileReport struct {
	ValidationID core.ID           `json:"validation_id"`
	FilePath     string            `json:"file_path"`
	Family       string            `json:"family,omitempty"`
	Status       validation.Status `json:"status"`
	Issues       int               `json:"issues"`
	MaxSeverity  core.Severity     `json:"max_severity,omitempty"`
}

type DeleteWorkflowRequest struct {
	ID      string `json:"id"`
	Confirm bool   `json:"confirm,omitempty"`
}

type BulkDeleteWorkflowsRequest struct {
	Type          string `json:"type,omitempty"`
	Status        string `json:"status,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	CreatedBefore string `json:"created_before,omitempty"`
	Confirm       bool   `json:"confirm,omitempty"`
}

// CreateWorkflow registers a workflow without executing it, unless start is
// set, in which case execution begins detached and the pending row is
// returned immediately.
func (d *Dispatcher) CreateWorkflow(ctx context.Context, req *CreateWorkflowRequest) (*workflow.Workflow, error) {
	return run(d, ctx, MethodCreateWorkflow, true, func(ctx context.Context) (*workflow.Workflow, error) {
		typ := workflow.Type(strings.ToLower(strings.TrimSpace(req.Type)))
		wf, err := d.orch.Create(ctx, typ, req.Params)
		if err != nil {
			return nil, err
		}
		if req.Start {
			if err := d.orch.Start(ctx, wf.ID); err != nil {
				return nil, err
			}
		}
		return wf, nil
	})
}

// GetWorkflow fetches one workflow by id.
func (d *Dispatcher) GetWorkflow(ctx context.Context, req *GetWorkflowRequest) (*workflow.Workflow, error) {
	return run(d, ctx, MethodGetWorkflow, false, func(ctx context.Context) (*workflow.Workflow, error) {
		id, err := parseID(req.ID, "id")
		if err != nil {
			return nil, err
		}
		return d.store.Workflows().Get(ctx, id)
	})
}

// ListWorkflows lists workflows by filter, newest first.
func (d *Dispatcher) ListWorkflows(ctx context.Context, req *ListWorkflowsRequest) (*ListWorkflowsResponse, error) {
	return run(d, ctx, MethodListWorkflows, false, func(ctx context.Context) (*ListWorkflowsResponse, error) {
		filter, err := workflowFilterFrom(req.Type, req.Status, req.RunID, req.CreatedAfter, req.CreatedBefore)
		if err != nil {
			return nil, err
		}
		filter.Limit = req.Limit
		filter.Offset = req.Offset
		wfs, err := d.store.Workflows().List(ctx, filter)
		if err != nil {
			return nil, err
		}
		return &ListWorkflowsResponse{Workflows: wfs, Count: len(wfs)}, nil
	})
}

// ControlWorkflow pauses, resumes or cancels a workflow.
func (d *Dispatcher) ControlWorkflow(ctx context.Context, req *ControlWorkflowRequest) (*workflow.Workflow, error) {
	return run(d, ctx, MethodControlWorkflow, true, func(ctx context.Context) (*workflow.Workflow, error) {
		id, err := parseID(req.ID, "id")
		if err != nil {
			return nil, err
		}
		action := strings.ToLower(strings.TrimSpace(req.Action))
		wf, err := d.orch.Control(ctx, id, action)
		if err != nil {
			return nil, err
		}
		d.invalidateReports(ctx)
		return wf, nil
	})
}

// GetWorkflowReport builds the aggregate report for one workflow. Reports
// are cached under a key derived from the workflow row, so a progressed
// run naturally misses and recomputes.
func (d *Dispatcher) GetWorkflowReport(ctx context.Context, req *WorkflowReportRequest) (*WorkflowReport, error) {
	return run(d, ctx, MethodGetWorkflowReport, false, func(ctx context.Context) (*WorkflowReport, error) {
		id, err := parseID(req.ID, "id")
		if err != nil {
			return nil, err
		}
		wf, err := d.store.Workflows().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		key := cache.KeyFor(agentID, opWorkflowReport, map[string]any{
			"workflow_id": id.String(),
			"updated_at":  wf.UpdatedAt.Format(time.RFC3339Nano),
			"step":        wf.CurrentStep,
		})
		var cached WorkflowReport
		if d.cacheGetJSON(ctx, key, &cached) {
			return &cached, nil
		}
		report, err := d.buildReport(ctx, wf)
		if err != nil {
			return nil, err
		}
		d.cachePutJSON(ctx, key, report, d.cfg.Cache.DefaultTTL)
		return report, nil
	})
}

// DeleteWorkflow removes one workflow and its checkpoints. Requires
// confirm=true.
func (d *Dispatcher) DeleteWorkflow(ctx context.Context, req *DeleteWorkflowRequest) (*DeleteResponse, error) {
	return run(d, ctx, MethodDeleteWorkflow, true, func(ctx context.Context) (*DeleteResponse, error) {
		id, err := parseID(req.ID, "id")
		if err != nil {
			return nil, err
		}
		if err := d.store.Workflows().Delete(ctx, id, req.Confirm); err != nil {
			return nil, err
		}
		d.invalidateReports(ctx)
		return &DeleteResponse{Deleted: 1}, nil
	})
}

// BulkDeleteWorkflows removes every workflow matched by the filter.
// Requires confirm=true.
func (d *Dispatcher) BulkDeleteWorkflows(ctx context.Context, req *BulkDeleteWorkflowsRequest) (*DeleteResponse, error) {
	return run(d, ctx, MethodBulkDeleteWorkflows, true, func(ctx context.Context) (*DeleteResponse, error) {
		filter, err := workflowFilterFrom(req.Type, req.Status, req.RunID, "", req.CreatedBefore)
		if err != nil {
			return nil, err
		}
		deleted, err := d.store.Workflows().BulkDelete(ctx, filter, req.Confirm)
		if err != nil {
			return nil, err
		}
		d.invalidateReports(ctx)
		return &DeleteResponse{Deleted: deleted}, nil
	})
}

func (d *Dispatcher) buildReport(ctx context.Context, wf *workflow.Workflow) (*WorkflowReport, error) {
	records, err := d.store.Validations().List(ctx, &validation.Filter{WorkflowID: wf.ID})
	if err != nil {
		return nil, err
	}
	report := &WorkflowReport{
		Workflow:         wf,
		DurationSeconds:  workflowDuration(wf).Seconds(),
		Records:          len(records),
		RecordsByStatus:  make(map[validation.Status]int, 4),
		IssuesBySeverity: make(map[core.Severity]int, 5),
		Recommendations:  make(map[recommend.Status]int, 4),
		Files:            make([]*FileReport, 0, len(records)),
	}
	for _, record := range records {
		report.RecordsByStatus[record.Status]++
		file := &FileReport{
			ValidationID: record.ID,
			FilePath:     record.FilePath,
			Family:       record.Family,
			Status:       record.Status,
			Issues:       len(record.Issues),
		}
		for i := range record.Issues {
			sev := record.Issues[i].Severity
			report.IssuesBySeverity[sev]++
			report.TotalIssues++
			file.MaxSeverity = core.MaxSeverity(file.MaxSeverity, sev)
		}
		recs, err := d.store.Recommendations().List(ctx, &recommend.Filter{ValidationID: record.ID})
		if err != nil {
			return nil, err
		}
		for status, n := range recommend.Summarize(recs) {
			report.Recommendations[status] += n
		}
		report.Files = append(report.Files, file)
	}
	return report, nil
}

func workflowFilterFrom(typ, status, runID, createdAfter, createdBefore string) (*workflow.Filter, error) {
	filter := &workflow.Filter{RunID: strings.TrimSpace(runID)}
	if t := workflow.Type(strings.ToLower(strings.TrimSpace(typ))); t != "" {
		if !t.IsValid() {
			return nil, core.NewError(nil, core.CodeInvalidArgument, map[string]any{
				"reason": "unknown workflow type",
				"type":   string(t),
			})
		}
		filter.Type = t
	}
	if s := core.StatusType(strings.ToLower(strings.TrimSpace(status))); s != "" {
		if !s.IsValid() {
			return nil, core.NewError(nil, core.CodeInvalidArgument, map[string]any{
				"reason": "unknown workflow status",
				"status": string(s),
			})
		}
		filter.Status = s
	}
	after, err := parseTime(createdAfter, "created_after")
	if err != nil {
		return nil, err
	}
	before, err := parseTime(createdBefore, "created_before")
	if err != nil {
		return nil, err
	}
	filter.CreatedAfter = after
	filter.CreatedBefore = before
	return filter, nil
}
