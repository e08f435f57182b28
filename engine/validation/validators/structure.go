package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/config"
)

// Structure checks document composition: required sections are present,
// sections appear in the configured order, and long documents carry a table
// of contents.
type Structure struct{}

func NewStructure() *Structure { return &Structure{} }

func (v *Structure) ID() string { return "structure" }

func (v *Structure) Tier() int { return validation.Tier1 }

func (v *Structure) Validate(_ context.Context, content string, vctx *validation.Context) ([]validation.Issue, error) {
	cfg := structureConfig(vctx)
	lines, fences, offset := bodyLines(content)
	headings := scanHeadings(lines, fences)

	var issues []validation.Issue
	issues = append(issues, v.requiredIssues(cfg, headings)...)
	issues = append(issues, v.orderIssues(cfg, headings, offset)...)
	issues = append(issues, v.tocIssues(cfg, lines, fences, headings)...)
	return issues, nil
}

func (v *Structure) requiredIssues(cfg config.StructureConfig, headings []heading) []validation.Issue {
	present := make(map[string]struct{}, len(headings))
	for _, h := range headings {
		present[strings.ToLower(h.text)] = struct{}{}
	}
	var issues []validation.Issue
	for _, section := range cfg.RequiredSections {
		if _, ok := present[strings.ToLower(section)]; ok {
			continue
		}
		issues = append(issues, validation.Issue{
			Type:       validation.IssueStructMissingSection,
			Severity:   core.SeverityHigh,
			Message:    fmt.Sprintf("document has no %q section", section),
			Location:   validation.Location{Line: 1},
			Evidence:   section,
			Confidence: 1.0,
			Suggestion: fmt.Sprintf("add a %q heading", section),
		})
	}
	return issues
}

// orderIssues flags sections that appear before a section the configuration
// places earlier. Sections absent from the document or from the configured
// order are ignored here.
func (v *Structure) orderIssues(cfg config.StructureConfig, headings []heading, offset docOffset) []validation.Issue {
	rank := make(map[string]int, len(cfg.SectionOrder))
	for i, section := range cfg.SectionOrder {
		rank[strings.ToLower(section)] = i
	}
	var issues []validation.Issue
	prevRank := -1
	prevName := ""
	for _, h := range headings {
		r, ok := rank[strings.ToLower(h.text)]
		if !ok {
			continue
		}
		if r < prevRank {
			issues = append(issues, validation.Issue{
				Type:       validation.IssueStructSectionOrder,
				Severity:   core.SeverityMedium,
				Message:    fmt.Sprintf("section %q should come before %q", h.text, prevName),
				Location:   locForLine(h.ln, offset),
				Evidence:   h.text,
				Confidence: 1.0,
			})
			continue
		}
		prevRank = r
		prevName = h.text
	}
	return issues
}

var tocHeadings = map[string]struct{}{
	"table-of-contents": {},
	"contents":          {},
	"toc":               {},
}

func (v *Structure) tocIssues(cfg config.StructureConfig, lines []line, fences []fence, headings []heading) []validation.Issue {
	if cfg.TOCWordThreshold <= 0 {
		return nil
	}
	words := wordCount(lines, fences)
	if words <= cfg.TOCWordThreshold {
		return nil
	}
	for _, h := range headings {
		if _, ok := tocHeadings[slugify(h.text)]; ok {
			return nil
		}
	}
	// A list of same-document anchor links near the top also counts.
	for _, ln := range lines {
		if ln.num > 40 {
			break
		}
		if insideFence(fences, ln.num) {
			continue
		}
		if listItemRe.MatchString(ln.text) && strings.Contains(ln.text, "](#") {
			return nil
		}
	}
	return []validation.Issue{{
		Type:       validation.IssueStructNeedsTOC,
		Severity:   core.SeverityLow,
		Message:    fmt.Sprintf("document has %d words and no table of contents", words),
		Location:   validation.Location{Line: 1},
		Confidence: 0.9,
		Suggestion: "add a table of contents after the introduction",
	}}
}

func structureConfig(vctx *validation.Context) config.StructureConfig {
	if vctx != nil && vctx.Config != nil {
		return vctx.Config.Validators.Structure
	}
	return config.Default().Validators.Structure
}
