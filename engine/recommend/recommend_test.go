package recommend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/truth"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/config"
)

func newTestRecord(t *testing.T, issues []validation.Issue) *validation.Record {
	t.Helper()
	return validation.NewRecord(core.MustNewID(), core.NewRunID(), "docs/en/words/convert.md",
		"aspose-words", "sha256:abc", []string{"yaml", "truth"}, issues)
}

func defaultRecommender() *Recommender {
	return NewRecommender(config.Default().Recommend)
}

func TestRecommenderGenerate(t *testing.T) {
	t.Run("Should emit set_front_matter fix for missing required field", func(t *testing.T) {
		rec := newTestRecord(t, []validation.Issue{{
			Type:       validation.IssueYAMLMissingRequired,
			Severity:   core.SeverityHigh,
			Message:    `required front matter field "author" is missing`,
			Location:   validation.Location{Line: 1},
			Evidence:   "author",
			Confidence: 1.0,
		}})
		recs := defaultRecommender().Generate(rec, nil)
		require.Len(t, recs, 1)
		got := recs[0]
		assert.Equal(t, TypeAddFrontMatterField, got.Type)
		assert.Equal(t, StatusProposed, got.Status)
		require.NotNil(t, got.AutomatedFix)
		assert.Equal(t, OpSetFrontMatter, got.AutomatedFix.Kind)
		assert.Equal(t, "author", got.AutomatedFix.Field)
		assert.Equal(t, "", got.AutomatedFix.Value)
		assert.GreaterOrEqual(t, got.Confidence, 0.9)
		assert.False(t, got.LowConfidence)
	})

	t.Run("Should emit replace fix for untagged fence when language was detected", func(t *testing.T) {
		rec := newTestRecord(t, []validation.Issue{{
			Type:       validation.IssueCodeMissingLanguage,
			Severity:   core.SeverityMedium,
			Message:    "code fence has no language tag",
			Location:   validation.Location{Line: 5, StartByte: 42, EndByte: 45},
			Confidence: 1.0,
			Suggestion: "```python",
		}})
		recs := defaultRecommender().Generate(rec, nil)
		require.Len(t, recs, 1)
		got := recs[0]
		assert.Equal(t, TypeAddLanguageID, got.Type)
		require.NotNil(t, got.AutomatedFix)
		assert.Equal(t, OpReplace, got.AutomatedFix.Kind)
		assert.Equal(t, "```python", got.AutomatedFix.Text)
		assert.GreaterOrEqual(t, got.Confidence, 0.85)
		assert.False(t, got.LowConfidence)
	})

	t.Run("Should fall back to descriptive item when language was not detected", func(t *testing.T) {
		rec := newTestRecord(t, []validation.Issue{{
			Type:       validation.IssueCodeMissingLanguage,
			Severity:   core.SeverityMedium,
			Message:    "code fence has no language tag",
			Location:   validation.Location{Line: 5, StartByte: 42, EndByte: 45},
			Confidence: 1.0,
			Suggestion: "add a language tag after the opening fence",
		}})
		recs := defaultRecommender().Generate(rec, nil)
		require.Len(t, recs, 1)
		got := recs[0]
		assert.Nil(t, got.AutomatedFix)
		assert.True(t, got.LowConfidence)
		assert.LessOrEqual(t, got.Confidence, 0.5)
	})

	t.Run("Should emit canonical name replacement for typo", func(t *testing.T) {
		rec := newTestRecord(t, []validation.Issue{{
			Type:       validation.IssueTruthNameTypo,
			Severity:   core.SeverityHigh,
			Message:    `"Aspose.Wrods" looks like a misspelling of "Aspose.Words"`,
			Location:   validation.Location{Line: 1, StartByte: 4, EndByte: 16},
			Evidence:   "Aspose.Wrods",
			Suggestion: "Aspose.Words",
			Confidence: 0.93,
		}})
		recs := defaultRecommender().Generate(rec, nil)
		require.Len(t, recs, 1)
		got := recs[0]
		assert.Equal(t, TypePluginNameFix, got.Type)
		require.NotNil(t, got.AutomatedFix)
		assert.Equal(t, OpReplace, got.AutomatedFix.Kind)
		assert.Equal(t, "Aspose.Words", got.AutomatedFix.Text)
		assert.Equal(t, 4, got.AutomatedFix.Span.Start)
		assert.Equal(t, 16, got.AutomatedFix.Span.End)
		assert.InDelta(t, 0.93, got.Confidence, 0.001)
	})

	t.Run("Should leave combination gap as manual item with nil fix", func(t *testing.T) {
		rec := newTestRecord(t, []validation.Issue{{
			Type:       validation.IssueTruthComboMissing,
			Severity:   core.SeverityCritical,
			Message:    "Converter requires Aspose.Words, but the document never mentions Aspose.Words",
			Location:   validation.Location{Line: 3},
			Evidence:   "Converter",
			Confidence: 0.9,
		}})
		recs := defaultRecommender().Generate(rec, nil)
		require.Len(t, recs, 1)
		got := recs[0]
		assert.Equal(t, TypeAddMissingPlugins, got.Type)
		assert.Nil(t, got.AutomatedFix)
		assert.True(t, got.LowConfidence)
	})

	t.Run("Should emit https replacement for insecure link", func(t *testing.T) {
		rec := newTestRecord(t, []validation.Issue{{
			Type:       validation.IssueLinkInsecure,
			Severity:   core.SeverityLow,
			Message:    "link uses http where https is preferred",
			Location:   validation.Location{Line: 2, StartByte: 10, EndByte: 33},
			Evidence:   "http://example.com/docs",
			Suggestion: "https://example.com/docs",
			Confidence: 1.0,
		}})
		recs := defaultRecommender().Generate(rec, nil)
		require.Len(t, recs, 1)
		got := recs[0]
		assert.Equal(t, TypeFixURLScheme, got.Type)
		require.NotNil(t, got.AutomatedFix)
		assert.Equal(t, "https://example.com/docs", got.AutomatedFix.Text)
		assert.InDelta(t, 1.0, got.Confidence, 0.001)
	})

	t.Run("Should emit delete fix for duplicated front matter key", func(t *testing.T) {
		rec := newTestRecord(t, []validation.Issue{{
			Type:       validation.IssueYAMLDuplicateKey,
			Severity:   core.SeverityMedium,
			Message:    `front matter key "title" appears more than once`,
			Location:   validation.Location{Line: 4, StartByte: 30, EndByte: 45},
			Evidence:   "title",
			Confidence: 1.0,
		}})
		recs := defaultRecommender().Generate(rec, nil)
		require.Len(t, recs, 1)
		got := recs[0]
		assert.Equal(t, TypeRemoveDuplicateField, got.Type)
		require.NotNil(t, got.AutomatedFix)
		assert.Equal(t, OpDelete, got.AutomatedFix.Kind)
		assert.Equal(t, 30, got.AutomatedFix.Span.Start)
		assert.Equal(t, 45, got.AutomatedFix.Span.End)
	})

	t.Run("Should build front matter block insert when block is absent", func(t *testing.T) {
		rec := newTestRecord(t, []validation.Issue{{
			Type:       validation.IssueYAMLMissingFront,
			Severity:   core.SeverityHigh,
			Message:    "document has no front matter block",
			Location:   validation.Location{Line: 1},
			Evidence:   "title, description",
			Confidence: 1.0,
		}})
		recs := defaultRecommender().Generate(rec, nil)
		require.Len(t, recs, 1)
		got := recs[0]
		assert.Equal(t, TypeAddFrontMatter, got.Type)
		require.NotNil(t, got.AutomatedFix)
		assert.Equal(t, OpInsertBefore, got.AutomatedFix.Kind)
		assert.Equal(t, 1, got.AutomatedFix.Line)
		assert.Contains(t, got.AutomatedFix.Text, "title: \"\"")
		assert.Contains(t, got.AutomatedFix.Text, "description: \"\"")
	})

	t.Run("Should skip validator errors", func(t *testing.T) {
		rec := newTestRecord(t, []validation.Issue{{
			Type:     validation.IssueValidatorError,
			Severity: core.SeverityHigh,
			Message:  "links validator failed: context deadline exceeded",
			Location: validation.Location{Line: 1},
		}})
		recs := defaultRecommender().Generate(rec, nil)
		assert.Empty(t, recs)
	})

	t.Run("Should drop recommendations below the confidence floor", func(t *testing.T) {
		r := NewRecommender(config.RecommendConfig{MinConfidence: 0.8, RewriteRatioCeiling: 0.5})
		rec := newTestRecord(t, []validation.Issue{
			{
				Type:       validation.IssueTruthNameTypo,
				Severity:   core.SeverityHigh,
				Message:    "typo",
				Location:   validation.Location{Line: 1, StartByte: 0, EndByte: 5},
				Suggestion: "Aspose.Words",
				Confidence: 0.93,
			},
			{
				Type:       validation.IssueStructNeedsTOC,
				Severity:   core.SeverityLow,
				Message:    "document is long enough to need a table of contents",
				Location:   validation.Location{Line: 1},
				Confidence: 0.6,
			},
		})
		recs := r.Generate(rec, nil)
		require.Len(t, recs, 1)
		assert.Equal(t, TypePluginNameFix, recs[0].Type)
	})

	t.Run("Should produce identical output for identical records", func(t *testing.T) {
		issues := []validation.Issue{
			{Type: validation.IssueYAMLMissingRequired, Severity: core.SeverityHigh,
				Message: "missing author", Location: validation.Location{Line: 1}, Evidence: "author", Confidence: 1.0},
			{Type: validation.IssueMDHeadingSkip, Severity: core.SeverityMedium,
				Message: "skip", Location: validation.Location{Line: 3, StartByte: 20, EndByte: 31},
				Suggestion: "## Usage", Confidence: 0.9},
		}
		first := defaultRecommender().Generate(newTestRecord(t, issues), nil)
		second := defaultRecommender().Generate(newTestRecord(t, issues), nil)
		require.Equal(t, len(first), len(second))
		for i := range first {
			assert.Equal(t, first[i].Type, second[i].Type)
			assert.Equal(t, first[i].Description, second[i].Description)
			assert.Equal(t, first[i].Confidence, second[i].Confidence)
		}
	})

	t.Run("Should cap confidence when a large span is mostly rewritten", func(t *testing.T) {
		rec := newTestRecord(t, []validation.Issue{{
			Type:       validation.IssueMDHeadingSkip,
			Severity:   core.SeverityMedium,
			Message:    "heading level jumps",
			Location:   validation.Location{Line: 3, StartByte: 100, EndByte: 160},
			Suggestion: "## Short",
			Confidence: 1.0,
		}})
		recs := defaultRecommender().Generate(rec, nil)
		require.Len(t, recs, 1)
		assert.True(t, recs[0].LowConfidence)
		assert.InDelta(t, 0.5, recs[0].Confidence, 0.001)
	})
}

func TestRecommenderLinkRecommendations(t *testing.T) {
	newIndex := func(t *testing.T) *truth.Index {
		t.Helper()
		m := &truth.Manifest{
			Family: "aspose-words",
			Entities: []truth.Entity{
				{
					CanonicalName: "Aspose.Words",
					Metadata:      map[string]any{"documentation_url": "https://docs.example.com/words"},
				},
				{CanonicalName: "Aspose.Pdf"},
			},
		}
		idx, err := truth.CompileIndex(m, "sha256:test")
		require.NoError(t, err)
		return idx
	}

	t.Run("Should link each documented entity once", func(t *testing.T) {
		idx := newIndex(t)
		rec := newTestRecord(t, nil)
		content := "Use Aspose.Words here.\nAnd Aspose.Words again.\nAlso Aspose.Pdf.\n"
		recs := defaultRecommender().LinkRecommendations(rec, idx, content)
		require.Len(t, recs, 1)
		got := recs[0]
		assert.Equal(t, TypePluginLink, got.Type)
		require.NotNil(t, got.AutomatedFix)
		assert.Equal(t, OpInsertAfter, got.AutomatedFix.Kind)
		assert.Equal(t, 1, got.AutomatedFix.Line)
		assert.Contains(t, got.AutomatedFix.Text, "https://docs.example.com/words")
	})

	t.Run("Should return nothing without an index", func(t *testing.T) {
		rec := newTestRecord(t, nil)
		assert.Nil(t, defaultRecommender().LinkRecommendations(rec, nil, "Aspose.Words"))
	})
}

func TestRecommendationLifecycle(t *testing.T) {
	newProposed := func(t *testing.T) *Recommendation {
		t.Helper()
		return New(core.MustNewID(), TypePluginNameFix, "replace typo",
			Replace(Span{Start: 0, End: 5}, "Aspose.Words"), 0.93)
	}

	t.Run("Should approve a proposed recommendation", func(t *testing.T) {
		rec := newProposed(t)
		require.NoError(t, rec.Review(StatusApproved, "reviewer@example.com", "looks right"))
		assert.Equal(t, StatusApproved, rec.Status)
		assert.Equal(t, "reviewer@example.com", rec.Reviewer)
		assert.Equal(t, "looks right", rec.Notes)
		require.NotNil(t, rec.ReviewedAt)
	})

	t.Run("Should reject a proposed recommendation", func(t *testing.T) {
		rec := newProposed(t)
		require.NoError(t, rec.Review(StatusRejected, "reviewer@example.com", ""))
		assert.Equal(t, StatusRejected, rec.Status)
		assert.True(t, rec.Status.IsTerminal())
	})

	t.Run("Should refuse review of an already reviewed recommendation", func(t *testing.T) {
		rec := newProposed(t)
		require.NoError(t, rec.Review(StatusApproved, "a@example.com", ""))
		err := rec.Review(StatusRejected, "b@example.com", "")
		require.Error(t, err)
		assert.Equal(t, core.CodeConflict, core.CodeOf(err))
	})

	t.Run("Should refuse review to an invalid status", func(t *testing.T) {
		rec := newProposed(t)
		err := rec.Review(StatusApplied, "a@example.com", "")
		require.Error(t, err)
		assert.Equal(t, core.CodeInvalidArgument, core.CodeOf(err))
	})

	t.Run("Should apply only approved recommendations", func(t *testing.T) {
		rec := newProposed(t)
		err := rec.MarkApplied()
		require.Error(t, err)
		assert.Equal(t, core.CodeConflict, core.CodeOf(err))

		require.NoError(t, rec.Review(StatusApproved, "a@example.com", ""))
		require.NoError(t, rec.MarkApplied())
		assert.Equal(t, StatusApplied, rec.Status)
	})

	t.Run("Should keep applied recommendations immutable", func(t *testing.T) {
		rec := newProposed(t)
		require.NoError(t, rec.Review(StatusApproved, "a@example.com", ""))
		require.NoError(t, rec.MarkApplied())
		assert.Error(t, rec.MarkApplied())
		assert.Error(t, rec.Review(StatusRejected, "b@example.com", ""))
	})
}

func TestEditOpValidate(t *testing.T) {
	t.Run("Should accept well-formed ops", func(t *testing.T) {
		assert.NoError(t, InsertBefore(1, "text").Validate())
		assert.NoError(t, InsertAfter(2, "text").Validate())
		assert.NoError(t, Replace(Span{Start: 10, End: 20}, "text").Validate())
		assert.NoError(t, Delete(Span{Start: 10, End: 20}).Validate())
		assert.NoError(t, SetFrontMatter("author", "").Validate())
	})

	t.Run("Should reject replace without a span", func(t *testing.T) {
		op := &EditOp{Kind: OpReplace, Text: "text"}
		err := op.Validate()
		require.Error(t, err)
		assert.Equal(t, core.CodeInvalidArgument, core.CodeOf(err))
	})

	t.Run("Should reject insert without text", func(t *testing.T) {
		op := &EditOp{Kind: OpInsertBefore, Line: 1}
		assert.Error(t, op.Validate())
	})

	t.Run("Should reject set_front_matter without a field", func(t *testing.T) {
		op := &EditOp{Kind: OpSetFrontMatter, Value: "x"}
		assert.Error(t, op.Validate())
	})

	t.Run("Should reject unknown kinds", func(t *testing.T) {
		op := &EditOp{Kind: "rename", Line: 1}
		assert.Error(t, op.Validate())
	})
}
