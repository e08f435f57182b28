package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/cache"
	"github.com/tbcv/tbcv/engine/ingest"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
)

// ValidateFileRequest validates one file on disk.
type ValidateFileRequest struct {
	Path            string   `json:"path"`
	Family          string   `json:"family,omitempty"`
	Profile         string   `json:"profile,omitempty"`
	ValidationTypes []string `json:"validation_types,omitempty"`
}

// ValidateFolderRequest validates every matching file under a directory.
// Recursive defaults to on when unset.
type ValidateFolderRequest struct {
	Dir             string   `json:"dir"`
	Pattern         string   `json:"pattern,omitempty"`
	Workers         int      `json:"workers,omitempty"`
	Family          string   `json:"family,omitempty"`
	Profile         string   `json:"profile,omitempty"`
	ValidationTypes []string `json:"validation_types,omitempty"`
	Recursive       *bool    `json:"recursive,omitempty"`
}

// ValidateContentRequest validates in-memory content attributed to a path.
type ValidateContentRequest struct {
	Content         string   `json:"content"`
	FilePath        string   `json:"file_path"`
	Family          string   `json:"family,omitempty"`
	Profile         string   `json:"profile,omitempty"`
	ValidationTypes []string `json:"validation_types,omitempty"`
}

// ValidationRunResponse is the outcome of a synchronous validation run: the
// settled workflow and every record it produced.
type ValidationRunResponse struct {
	Workflow *workflow.Workflow   `json:"workflow"`
	Records  []*validation.Record `json:"records"`
}

type GetValidationRequest struct {
	ID string `json:"id"`
}

type ListValidationsRequest struct {
	WorkflowID    string `json:"workflow_id,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
	Family        string `json:"family,omitempty"`
	Status        string `json:"status,omitempty"`
	Severity      string `json:"severity,omitempty"`
	CreatedAfter  string `json:"created_after,omitempty"`
	CreatedBefore string `json:"created_before,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}

type ListValidationsResponse struct {
	Records []*validation.Record `json:"records"`
	Count   int                  `json:"count"`
}

// UpdateValidationRequest mutates the only writable record fields: status
// and appended notes.
type UpdateValidationRequest struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

type DeleteValidationRequest struct {
	ID      string `json:"id"`
	Confirm bool   `json:"confirm,omitempty"`
}

// DeleteResponse reports how many rows a delete removed.
type DeleteResponse struct {
	Deleted int64 `json:"deleted"`
}

type RevalidateRequest struct {
	ID string `json:"id"`
}

// ValidateFile runs a synchronous validate_file workflow for one path.
func (d *Dispatcher) ValidateFile(ctx context.Context, req *ValidateFileRequest) (*ValidationRunResponse, error) {
	return run(d, ctx, MethodValidateFile, true, func(ctx context.Context) (*ValidationRunResponse, error) {
		return d.validateFile(ctx, req)
	})
}

// ValidateFolder runs a synchronous validate_directory workflow over a tree.
func (d *Dispatcher) ValidateFolder(ctx context.Context, req *ValidateFolderRequest) (*ValidationRunResponse, error) {
	return run(d, ctx, MethodValidateFolder, true, func(ctx context.Context) (*ValidationRunResponse, error) {
		return d.validateFolder(ctx, req)
	})
}

// ValidateContent validates supplied content without touching the
// filesystem. Repeated calls with semantically equal input reuse the cached
// issue set but always persist a fresh record.
func (d *Dispatcher) ValidateContent(ctx context.Context, req *ValidateContentRequest) (*validation.Record, error) {
	return run(d, ctx, MethodValidateContent, true, func(ctx context.Context) (*validation.Record, error) {
		return d.validateContent(ctx, req)
	})
}

// GetValidation fetches one validation record by id.
func (d *Dispatcher) GetValidation(ctx context.Context, req *GetValidationRequest) (*validation.Record, error) {
	return run(d, ctx, MethodGetValidation, false, func(ctx context.Context) (*validation.Record, error) {
		id, err := parseID(req.ID, "id")
		if err != nil {
			return nil, err
		}
		return d.store.Validations().Get(ctx, id)
	})
}

// ListValidations pages through validation records by filter.
func (d *Dispatcher) ListValidations(ctx context.Context, req *ListValidationsRequest) (*ListValidationsResponse, error) {
	return run(d, ctx, MethodListValidations, false, func(ctx context.Context) (*ListValidationsResponse, error) {
		filter, err := validationFilterFrom(req)
		if err != nil {
			return nil, err
		}
		records, err := d.store.Validations().List(ctx, filter)
		if err != nil {
			return nil, err
		}
		return &ListValidationsResponse{Records: records, Count: len(records)}, nil
	})
}

// UpdateValidation sets the record status and appends notes.
func (d *Dispatcher) UpdateValidation(ctx context.Context, req *UpdateValidationRequest) (*validation.Record, error) {
	return run(d, ctx, MethodUpdateValidation, true, func(ctx context.Context) (*validation.Record, error) {
		return d.updateValidation(ctx, req)
	})
}

// DeleteValidation removes a record and its recommendations. Requires
// confirm=true.
func (d *Dispatcher) DeleteValidation(ctx context.Context, req *DeleteValidationRequest) (*DeleteResponse, error) {
	return run(d, ctx, MethodDeleteValidation, true, func(ctx context.Context) (*DeleteResponse, error) {
		id, err := parseID(req.ID, "id")
		if err != nil {
			return nil, err
		}
		if err := d.store.Validations().Delete(ctx, id, req.Confirm); err != nil {
			return nil, err
		}
		d.invalidateReports(ctx)
		return &DeleteResponse{Deleted: 1}, nil
	})
}

// Revalidate runs a fresh validation of the file behind an existing record.
// The original record stays untouched; a new one is produced under a new
// workflow.
func (d *Dispatcher) Revalidate(ctx context.Context, req *RevalidateRequest) (*ValidationRunResponse, error) {
	return run(d, ctx, MethodRevalidate, true, func(ctx context.Context) (*ValidationRunResponse, error) {
		id, err := parseID(req.ID, "id")
		if err != nil {
			return nil, err
		}
		return d.runValidationWorkflow(ctx, workflow.TypeRevalidate, map[string]any{
			"validation_id": id.String(),
		})
	})
}

func (d *Dispatcher) validateFile(ctx context.Context, req *ValidateFileRequest) (*ValidationRunResponse, error) {
	path := strings.TrimSpace(req.Path)
	if path == "" {
		return nil, core.NewError(fmt.Errorf("path is required"), core.CodeInvalidArgument, map[string]any{
			"param": "path",
		})
	}
	if err := ingest.CheckLanguage(ctx, path); err != nil {
		return nil, err
	}
	params := map[string]any{"path": path}
	putIfSet(params, "family", req.Family)
	putIfSet(params, "profile", req.Profile)
	if len(req.ValidationTypes) > 0 {
		params["types"] = req.ValidationTypes
	}
	return d.runValidationWorkflow(ctx, workflow.TypeValidateFile, params)
}

func (d *Dispatcher) validateFolder(ctx context.Context, req *ValidateFolderRequest) (*ValidationRunResponse, error) {
	dir := strings.TrimSpace(req.Dir)
	if dir == "" {
		return nil, core.NewError(fmt.Errorf("dir is required"), core.CodeInvalidArgument, map[string]any{
			"param": "dir",
		})
	}
	params := map[string]any{"dir": dir}
	putIfSet(params, "pattern", req.Pattern)
	putIfSet(params, "family", req.Family)
	putIfSet(params, "profile", req.Profile)
	if len(req.ValidationTypes) > 0 {
		params["types"] = req.ValidationTypes
	}
	if req.Workers > 0 {
		params["workers"] = req.Workers
	}
	if req.Recursive != nil {
		params["recursive"] = *req.Recursive
	}
	return d.runValidationWorkflow(ctx, workflow.TypeValidateDirectory, params)
}

func (d *Dispatcher) validateContent(ctx context.Context, req *ValidateContentRequest) (*validation.Record, error) {
	filePath := strings.TrimSpace(req.FilePath)
	if filePath == "" {
		return nil, core.NewError(fmt.Errorf("file_path is required"), core.CodeInvalidArgument, map[string]any{
			"param": "file_path",
		})
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, core.NewError(fmt.Errorf("content is required"), core.CodeInvalidArgument, map[string]any{
			"param": "content",
		})
	}
	if err := ingest.CheckLanguage(ctx, filePath); err != nil {
		return nil, err
	}
	family := strings.ToLower(strings.TrimSpace(req.Family))
	content := core.NormalizeContent(req.Content)
	hash := core.ContentHash(content)
	runID := core.NewRunID()

	key := d.contentKey(ctx, hash, family, req.Profile, req.ValidationTypes)
	var cached contentResult
	if d.cacheGetJSON(ctx, key, &cached) {
		record := validation.NewRecord("", runID, filePath, family, hash, cached.Rules, cached.Issues)
		record.TruthVersion = cached.TruthVersion
		if err := d.store.Validations().Put(ctx, record); err != nil {
			return nil, err
		}
		d.observeRecords(ctx, []*validation.Record{record})
		return record, nil
	}

	record, err := d.router.Run(ctx, &validation.Input{
		RunID:    runID,
		Content:  req.Content,
		FilePath: filePath,
		Family:   family,
		Profile:  req.Profile,
		Types:    req.ValidationTypes,
	})
	if err != nil {
		return nil, err
	}
	if err := d.store.Validations().Put(ctx, record); err != nil {
		return nil, err
	}
	d.observeRecords(ctx, []*validation.Record{record})
	d.cachePutJSON(ctx, key, contentResult{
		Issues:       record.Issues,
		Rules:        record.RulesApplied,
		TruthVersion: record.TruthVersion,
	}, d.cfg.Cache.DefaultTTL)
	return record, nil
}

func (d *Dispatcher) updateValidation(ctx context.Context, req *UpdateValidationRequest) (*validation.Record, error) {
	id, err := parseID(req.ID, "id")
	if err != nil {
		return nil, err
	}
	if req.Status == "" && strings.TrimSpace(req.Notes) == "" {
		return nil, core.NewError(fmt.Errorf("status or notes is required"), core.CodeInvalidArgument, nil)
	}
	status := validation.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if req.Status == "" {
		current, err := d.store.Validations().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		status = current.Status
	} else if !status.IsValid() {
		return nil, core.NewError(fmt.Errorf("unknown validation status %q", req.Status), core.CodeInvalidArgument, map[string]any{
			"param": "status",
		})
	}
	if err := d.store.Validations().UpdateStatus(ctx, id, status, strings.TrimSpace(req.Notes)); err != nil {
		return nil, err
	}
	d.invalidateReports(ctx)
	return d.store.Validations().Get(ctx, id)
}

// runValidationWorkflow creates, executes and reports one synchronous
// validation workflow. Records are listed even when the run failed so the
// caller observes partial progress through follow-up queries.
func (d *Dispatcher) runValidationWorkflow(ctx context.Context, typ workflow.Type, params map[string]any) (*ValidationRunResponse, error) {
	wf, err := d.orch.Create(ctx, typ, params)
	if err != nil {
		return nil, err
	}
	done, execErr := d.orch.Execute(ctx, wf.ID)
	if done == nil {
		return nil, execErr
	}
	d.recorder.Workflow(ctx, string(done.Type), string(done.Status), workflowDuration(done))
	records, err := d.store.Validations().List(ctx, &validation.Filter{WorkflowID: done.ID})
	if err != nil {
		return nil, err
	}
	d.observeRecords(ctx, records)
	if execErr != nil {
		return nil, execErr
	}
	return &ValidationRunResponse{Workflow: done, Records: records}, nil
}

// contentResult is the cacheable portion of a content validation: everything
// except record identity and timestamps, which stay fresh per call.
type contentResult struct {
	Issues       []validation.Issue `json:"issues"`
	Rules        []string           `json:"rules"`
	TruthVersion string             `json:"truth_version,omitempty"`
}

// contentKey fingerprints a content validation. The truth manifest version
// is part of the key so a manifest change never serves stale issues.
func (d *Dispatcher) contentKey(ctx context.Context, hash, family, profile string, types []string) string {
	version := ""
	if family != "" && d.truth != nil {
		if idx, err := d.truth.Load(ctx, family); err == nil {
			version = idx.Version()
		}
	}
	input := map[string]any{
		"content_hash":  hash,
		"family":        family,
		"profile":       profile,
		"truth_version": version,
	}
	if len(types) > 0 {
		input["types"] = types
	}
	return cache.KeyFor(agentID, opValidateContent, input)
}

func validationFilterFrom(req *ListValidationsRequest) (*validation.Filter, error) {
	filter := &validation.Filter{
		WorkflowID: core.ID(strings.TrimSpace(req.WorkflowID)),
		RunID:      strings.TrimSpace(req.RunID),
		FilePath:   strings.TrimSpace(req.FilePath),
		Family:     strings.ToLower(strings.TrimSpace(req.Family)),
		Limit:      req.Limit,
		Offset:     req.Offset,
	}
	if s := strings.ToLower(strings.TrimSpace(req.Status)); s != "" {
		status := validation.Status(s)
		if !status.IsValid() {
			return nil, core.NewError(fmt.Errorf("unknown validation status %q", req.Status), core.CodeInvalidArgument, map[string]any{
				"param": "status",
			})
		}
		filter.Status = status
	}
	if s := strings.ToLower(strings.TrimSpace(req.Severity)); s != "" {
		severity := core.ParseSeverity(s)
		if string(severity) != s {
			return nil, core.NewError(fmt.Errorf("unknown severity %q", req.Severity), core.CodeInvalidArgument, map[string]any{
				"param": "severity",
			})
		}
		filter.Severity = severity
	}
	after, err := parseTime(req.CreatedAfter, "created_after")
	if err != nil {
		return nil, err
	}
	before, err := parseTime(req.CreatedBefore, "created_before")
	if err != nil {
		return nil, err
	}
	filter.CreatedAfter = after
	filter.CreatedBefore = before
	return filter, nil
}

func (d *Dispatcher) observeRecords(ctx context.Context, records []*validation.Record) {
	for _, record := range records {
		bySeverity := make(map[string]int, 4)
		for i := range record.Issues {
			bySeverity[string(record.Issues[i].Severity)]++
		}
		d.recorder.Validation(ctx, record.Family, string(record.Status), bySeverity)
	}
}

func putIfSet(params map[string]any, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		params[key] = value
	}
}
