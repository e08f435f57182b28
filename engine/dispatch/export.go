package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
)

// Export formats accepted by the export methods.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

type ExportRequest struct {
	ID     string `json:"id"`
	Format string `json:"format,omitempty"`
}

// ExportResponse carries a rendered document plus a suggested filename so
// transports can stream it straight to disk or a download.
type ExportResponse struct {
	Format   string `json:"format"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// ExportValidation renders one record with its recommendations as JSON or
// Markdown.
func (d *Dispatcher) ExportValidation(ctx context.Context, req *ExportRequest) (*ExportResponse, error) {
	return run(d, ctx, MethodExportValidation, false, func(ctx context.Context) (*ExportResponse, error) {
		id, err := parseID(req.ID, "id")
		if err != nil {
			return nil, err
		}
		format, err := normalizeFormat(req.Format)
		if err != nil {
			return nil, err
		}
		record, err := d.store.Validations().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		recs, err := d.store.Recommendations().List(ctx, &recommend.Filter{ValidationID: id})
		if err != nil {
			return nil, err
		}
		if format == FormatJSON {
			return exportJSON("validation", id, struct {
				Record          *validation.Record          `json:"record"`
				Recommendations []*recommend.Recommendation `json:"recommendations"`
			}{record, recs})
		}
		return exportMarkdown("validation", id, renderValidationMarkdown(record, recs)), nil
	})
}

// ExportRecommendations renders every recommendation of one validation
// record.
func (d *Dispatcher) ExportRecommendations(ctx context.Context, req *ExportRequest) (*ExportResponse, error) {
	return run(d, ctx, MethodExportRecommendations, false, func(ctx context.Context) (*ExportResponse, error) {
		id, err := parseID(req.ID, "id")
		if err != nil {
			return nil, err
		}
		format, err := normalizeFormat(req.Format)
		if err != nil {
			return nil, err
		}
		if _, err := d.store.Validations().Get(ctx, id); err != nil {
			return nil, err
		}
		recs, err := d.store.Recommendations().List(ctx, &recommend.Filter{ValidationID: id})
		if err != nil {
			return nil, err
		}
		if format == FormatJSON {
			return exportJSON("recommendations", id, recs)
		}
		return exportMarkdown("recommendations", id, renderRecommendationsMarkdown(id, recs)), nil
	})
}

// ExportWorkflow renders one workflow together with the records it
// produced.
func (d *Dispatcher) ExportWorkflow(ctx context.Context, req *ExportRequest) (*ExportResponse, error) {
	return run(d, ctx, MethodExportWorkflow, false, func(ctx context.Context) (*ExportResponse, error) {
		id, err := parseID(req.ID, "id")
		if err != nil {
			return nil, err
		}
		format, err := normalizeFormat(req.Format)
		if err != nil {
			return nil, err
		}
		wf, err := d.store.Workflows().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		records, err := d.store.Validations().List(ctx, &validation.Filter{WorkflowID: id})
		if err != nil {
			return nil, err
		}
		if format == FormatJSON {
			return exportJSON("workflow", id, struct {
				Workflow *workflow.Workflow   `json:"workflow"`
				Records  []*validation.Record `json:"records"`
			}{wf, records})
		}
		return exportMarkdown("workflow", id, renderWorkflowMarkdown(wf, records)), nil
	})
}

func normalizeFormat(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	}
	return "", core.NewError(fmt.Errorf("unknown export format %q", raw), core.CodeInvalidArgument, map[string]any{
		"format": raw,
		"valid":  []string{FormatJSON, FormatMarkdown},
	})
}

func exportJSON(kind string, id core.ID, v any) (*ExportResponse, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, core.NewError(fmt.Errorf("failed to render %s export: %w", kind, err), core.CodeInternal, nil)
	}
	return &ExportResponse{
		Format:   FormatJSON,
		Filename: fmt.Sprintf("%s-%s.json", kind, id),
		Content:  string(raw) + "\n",
	}, nil
}

func exportMarkdown(kind string, id core.ID, content string) *ExportResponse {
	return &ExportResponse{
		Format:   FormatMarkdown,
		Filename: fmt.Sprintf("%s-%s.md", kind, id),
		Content:  content,
	}
}

func renderValidationMarkdown(record *validation.Record, recs []*recommend.Recommendation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Validation %s\n\n", record.ID)
	fmt.Fprintf(&b, "- File: %s\n", record.FilePath)
	if record.Family != "" {
		fmt.Fprintf(&b, "- Family: %s\n", record.Family)
	}
	fmt.Fprintf(&b, "- Status: %s\n", record.Status)
	fmt.Fprintf(&b, "- Severity: %s\n", record.Severity)
	fmt.Fprintf(&b, "- Content hash: %s\n", record.ContentHash)
	if record.EnhancedHash != "" {
		fmt.Fprintf(&b, "- Enhanced hash: %s\n", record.EnhancedHash)
	}
	if len(record.RulesApplied) > 0 {
		fmt.Fprintf(&b, "- Rules: %s\n", strings.Join(record.RulesApplied, ", "))
	}
	fmt.Fprintf(&b, "- Created: %s\n", record.CreatedAt.Format(time.RFC3339))
	for _, note := range record.Notes {
		fmt.Fprintf(&b, "- Note: %s\n", note)
	}
	fmt.Fprintf(&b, "\n## Issues (%d)\n\n", len(record.Issues))
	if len(record.Issues) > 0 {
		b.WriteString("| Severity | Line | Type | Message |\n")
		b.WriteString("|----------|------|------|---------|\n")
		for i := range record.Issues {
			issue := &record.Issues[i]
			fmt.Fprintf(&b, "| %s | %d | %s | %s |\n",
				issue.Severity, issue.Location.Line, mdCell(issue.Type), mdCell(issue.Message))
		}
	}
	fmt.Fprintf(&b, "\n## Recommendations (%d)\n\n", len(recs))
	if len(recs) > 0 {
		writeRecommendationTable(&b, recs)
	}
	return b.String()
}

func renderRecommendationsMarkdown(id core.ID, recs []*recommend.Recommendation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Recommendations for validation %s\n\n", id)
	if len(recs) == 0 {
		b.WriteString("No recommendations.\n")
		return b.String()
	}
	writeRecommendationTable(&b, recs)
	return b.String()
}

func renderWorkflowMarkdown(wf *workflow.Workflow, records []*validation.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Workflow %s\n\n", wf.ID)
	fmt.Fprintf(&b, "- Type: %s\n", wf.Type)
	fmt.Fprintf(&b, "- Status: %s\n", wf.Status)
	fmt.Fprintf(&b, "- Progress: %d/%d (%d%%)\n", wf.CurrentStep, wf.TotalSteps, wf.ProgressPercent())
	if wf.StartedAt != nil {
		fmt.Fprintf(&b, "- Started: %s\n", wf.StartedAt.Format(time.RFC3339))
	}
	if wf.CompletedAt != nil {
		fmt.Fprintf(&b, "- Completed: %s\n", wf.CompletedAt.Format(time.RFC3339))
	}
	if d := workflowDuration(wf); d > 0 {
		fmt.Fprintf(&b, "- Duration: %s\n", d.Round(time.Millisecond))
	}
	if wf.Error != nil {
		fmt.Fprintf(&b, "- Error: %s\n", mdCell(wf.Error.Error()))
	}
	fmt.Fprintf(&b, "\n## Records (%d)\n\n", len(records))
	if len(records) > 0 {
		b.WriteString("| File | Status | Severity | Issues |\n")
		b.WriteString("|------|--------|----------|--------|\n")
		for _, record := range records {
			fmt.Fprintf(&b, "| %s | %s | %s | %d |\n",
				mdCell(record.FilePath), record.Status, record.Severity, len(record.Issues))
		}
	}
	return b.String()
}

func writeRecommendationTable(b *strings.Builder, recs []*recommend.Recommendation) {
	b.WriteString("| Status | Type | Confidence | Description |\n")
	b.WriteString("|--------|------|------------|-------------|\n")
	for _, rec := range recs {
		fmt.Fprintf(b, "| %s | %s | %.2f | %s |\n",
			rec.Status, mdCell(rec.Type), rec.Confidence, mdCell(rec.Description))
	}
}

// mdCell keeps arbitrary text from breaking the table layout.
func mdCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
