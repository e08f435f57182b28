package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
)

func TestExportValidation(t *testing.T) {
	t.Run("Should render JSON by default", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, rec := enhanceFixture(t, env)

		resp, err := env.d.ExportValidation(ctx, &ExportRequest{ID: record.ID.String()})
		require.NoError(t, err)
		assert.Equal(t, FormatJSON, resp.Format)
		assert.Equal(t, "validation-"+record.ID.String()+".json", resp.Filename)
		assert.True(t, strings.HasSuffix(resp.Content, "\n"))

		var decoded struct {
			Record          *validation.Record          `json:"record"`
			Recommendations []*recommend.Recommendation `json:"recommendations"`
		}
		require.NoError(t, json.Unmarshal([]byte(resp.Content), &decoded))
		assert.Equal(t, record.ID, decoded.Record.ID)
		require.Len(t, decoded.Recommendations, 1)
		assert.Equal(t, rec.ID, decoded.Recommendations[0].ID)
	})
	t.Run("Should render Markdown on request", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, rec := enhanceFixture(t, env)

		resp, err := env.d.ExportValidation(ctx, &ExportRequest{ID: record.ID.String(), Format: " MD "})
		require.NoError(t, err)
		assert.Equal(t, FormatMarkdown, resp.Format)
		assert.Equal(t, "validation-"+record.ID.String()+".md", resp.Filename)
		assert.Contains(t, resp.Content, "# Validation "+record.ID.String())
		assert.Contains(t, resp.Content, "- File: content/docs/en/guide.md")
		assert.Contains(t, resp.Content, "## Recommendations (1)")
		assert.Contains(t, resp.Content, rec.Description)
	})
	t.Run("Should tabulate issues", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record := seedRecord(t, env, "content/docs/en/a.md", []validation.Issue{{
			Type:     validation.IssueYAMLMissingRequired,
			Severity: core.SeverityHigh,
			Message:  "missing field | title",
			Location: validation.Location{Line: 2},
		}})

		resp, err := env.d.ExportValidation(ctx, &ExportRequest{ID: record.ID.String(), Format: "markdown"})
		require.NoError(t, err)
		assert.Contains(t, resp.Content, "## Issues (1)")
		assert.Contains(t, resp.Content, "| high | 2 |")
		assert.Contains(t, resp.Content, `missing field \| title`)
	})
	t.Run("Should reject unknown formats", func(t *testing.T) {
		env := newTestEnv(t)
		record, _ := enhanceFixture(t, env)
		_, err := env.d.ExportValidation(context.Background(), &ExportRequest{
			ID:     record.ID.String(),
			Format: "pdf",
		})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
	t.Run("Should report unknown records", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.ExportValidation(context.Background(), &ExportRequest{ID: core.MustNewID().String()})
		assert.True(t, core.HasCode(err, core.CodeNotFound))
	})
	t.Run("Should require an id", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.ExportValidation(context.Background(), &ExportRequest{})
		assert.True(t, core.HasCode(err, core.CodeInvalidArgument))
	})
}

func TestExportRecommendations(t *testing.T) {
	t.Run("Should render the recommendation table", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, rec := enhanceFixture(t, env)

		resp, err := env.d.ExportRecommendations(ctx, &ExportRequest{ID: record.ID.String(), Format: "markdown"})
		require.NoError(t, err)
		assert.Equal(t, "recommendations-"+record.ID.String()+".md", resp.Filename)
		assert.Contains(t, resp.Content, "# Recommendations for validation "+record.ID.String())
		assert.Contains(t, resp.Content, rec.Description)
		assert.Contains(t, resp.Content, string(recommend.StatusApproved))
	})
	t.Run("Should note when none exist", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record := seedRecord(t, env, "content/docs/en/a.md", nil)

		resp, err := env.d.ExportRecommendations(ctx, &ExportRequest{ID: record.ID.String(), Format: "md"})
		require.NoError(t, err)
		assert.Contains(t, resp.Content, "No recommendations.\n")
	})
	t.Run("Should render JSON", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		record, rec := enhanceFixture(t, env)

		resp, err := env.d.ExportRecommendations(ctx, &ExportRequest{ID: record.ID.String()})
		require.NoError(t, err)
		assert.Equal(t, "recommendations-"+record.ID.String()+".json", resp.Filename)
		var decoded []*recommend.Recommendation
		require.NoError(t, json.Unmarshal([]byte(resp.Content), &decoded))
		require.Len(t, decoded, 1)
		assert.Equal(t, rec.ID, decoded[0].ID)
	})
	t.Run("Should verify the record exists", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.ExportRecommendations(context.Background(), &ExportRequest{ID: core.MustNewID().String()})
		assert.True(t, core.HasCode(err, core.CodeNotFound))
	})
}

func TestExportWorkflow(t *testing.T) {
	t.Run("Should render a settled run as Markdown", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.writeFile(t, "content/docs/en/guide.md", sampleDoc)
		res, err := env.d.ValidateFile(ctx, &ValidateFileRequest{Path: "content/docs/en/guide.md"})
		require.NoError(t, err)

		resp, err := env.d.ExportWorkflow(ctx, &ExportRequest{ID: res.Workflow.ID.String(), Format: "markdown"})
		require.NoError(t, err)
		assert.Equal(t, "workflow-"+res.Workflow.ID.String()+".md", resp.Filename)
		assert.Contains(t, resp.Content, "# Workflow "+res.Workflow.ID.String())
		assert.Contains(t, resp.Content, "- Type: validate_file")
		assert.Contains(t, resp.Content, "- Status: completed")
		assert.Contains(t, resp.Content, "## Records (1)")
		assert.Contains(t, resp.Content, "| content/docs/en/guide.md |")
	})
	t.Run("Should render JSON with the produced records", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.writeFile(t, "content/docs/en/guide.md", sampleDoc)
		res, err := env.d.ValidateFile(ctx, &ValidateFileRequest{Path: "content/docs/en/guide.md"})
		require.NoError(t, err)

		resp, err := env.d.ExportWorkflow(ctx, &ExportRequest{ID: res.Workflow.ID.String()})
		require.NoError(t, err)
		var decoded struct {
			Workflow *workflow.Workflow   `json:"workflow"`
			Records  []*validation.Record `json:"records"`
		}
		require.NoError(t, json.Unmarshal([]byte(resp.Content), &decoded))
		assert.Equal(t, res.Workflow.ID, decoded.Workflow.ID)
		require.Len(t, decoded.Records, 1)
		assert.Equal(t, "content/docs/en/guide.md", decoded.Records[0].FilePath)
	})
	t.Run("Should report unknown workflows", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.d.ExportWorkflow(context.Background(), &ExportRequest{ID: core.MustNewID().String()})
		assert.True(t, core.HasCode(err, core.CodeNotFound))
	})
}

func TestMarkdownCell(t *testing.T) {
	t.Run("Should flatten newlines and escape pipes", func(t *testing.T) {
		assert.Equal(t, `a\|b c`, mdCell("a|b\nc"))
		assert.Equal(t, "plain", mdCell("plain"))
	})
}
