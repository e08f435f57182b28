package validators

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/config"
)

// Markdown checks heading discipline, list marker consistency, and emphasis
// balance in the document body. Fenced code blocks and the front matter are
// excluded from every check.
type Markdown struct{}

func NewMarkdown() *Markdown { return &Markdown{} }

func (v *Markdown) ID() string { return "markdown" }

func (v *Markdown) Tier() int { return validation.Tier1 }

func (v *Markdown) Validate(_ context.Context, content string, vctx *validation.Context) ([]validation.Issue, error) {
	cfg := markdownConfig(vctx)
	lines, fences, offset := bodyLines(content)
	headings := scanHeadings(lines, fences)

	var issues []validation.Issue
	issues = append(issues, v.headingIssues(cfg, headings, offset)...)
	if cfg.CheckListMarkers {
		issues = append(issues, v.listMarkerIssues(lines, fences, offset)...)
	}
	if cfg.CheckEmphasis {
		issues = append(issues, v.emphasisIssues(lines, fences, offset)...)
	}
	return issues, nil
}

// docOffset translates body-relative positions back to document positions
// when the document opens with a front matter block.
type docOffset struct {
	lines int
	bytes int
}

func bodyLines(content string) ([]line, []fence, docOffset) {
	fm, body, ok := core.SplitFrontMatter(content)
	if !ok {
		lines := splitLines(content)
		return lines, scanFences(lines), docOffset{}
	}
	lines := splitLines(body)
	return lines, scanFences(lines), docOffset{lines: fm.EndLine, bytes: fm.EndByte}
}

func (v *Markdown) headingIssues(cfg config.MarkdownConfig, headings []heading, offset docOffset) []validation.Issue {
	var issues []validation.Issue
	prev := 0
	seen := make(map[string]int)
	for _, h := range headings {
		if prev > 0 && h.level > prev+1 && !cfg.AllowSkippedLevels {
			issues = append(issues, validation.Issue{
				Type:       validation.IssueMDHeadingSkip,
				Severity:   core.SeverityMedium,
				Message:    fmt.Sprintf("heading level jumps from %d to %d", prev, h.level),
				Location:   locForLine(h.ln, offset),
				Evidence:   h.ln.text,
				Confidence: 1.0,
				// The suggestion is the corrected line, ready to swap in.
				Suggestion: strings.Repeat("#", prev+1) + " " + h.text,
			})
		}
		prev = h.level

		if cfg.MaxHeadingDepth > 0 && h.level > cfg.MaxHeadingDepth {
			issues = append(issues, validation.Issue{
				Type:       validation.IssueMDHeadingTooDeep,
				Severity:   core.SeverityLow,
				Message:    fmt.Sprintf("heading level %d exceeds the configured maximum of %d", h.level, cfg.MaxHeadingDepth),
				Location:   locForLine(h.ln, offset),
				Evidence:   h.ln.text,
				Confidence: 1.0,
			})
		}

		if cfg.ReportDuplicates {
			key := strings.ToLower(h.text)
			if first, dup := seen[key]; dup {
				issues = append(issues, validation.Issue{
					Type:       validation.IssueMDDuplicateHeading,
					Severity:   core.SeverityLow,
					Message:    fmt.Sprintf("heading %q repeats the heading on line %d", h.text, first),
					Location:   locForLine(h.ln, offset),
					Evidence:   h.text,
					Confidence: 0.9,
				})
			} else {
				seen[key] = h.ln.num + offset.lines
			}
		}
	}
	return issues
}

var listItemRe = regexp.MustCompile(`^(\s*)([-*+])\s+\S`)

// listMarkerIssues flags unordered list items whose marker differs from the
// first marker of the list they belong to. A blank line or a non-list line
// ends the current list.
func (v *Markdown) listMarkerIssues(lines []line, fences []fence, offset docOffset) []validation.Issue {
	var issues []validation.Issue
	markers := make(map[int]byte)
	for _, ln := range lines {
		if insideFence(fences, ln.num) {
			continue
		}
		m := listItemRe.FindStringSubmatch(ln.text)
		if m == nil {
			if strings.TrimSpace(ln.text) == "" || len(markers) > 0 && !strings.HasPrefix(ln.text, " ") {
				markers = make(map[int]byte)
			}
			continue
		}
		indent := len(m[1])
		marker := m[2][0]
		if first, ok := markers[indent]; ok && first != marker {
			issues = append(issues, validation.Issue{
				Type:       validation.IssueMDListMarkerMix,
				Severity:   core.SeverityLow,
				Message:    fmt.Sprintf("list item uses %q where the list started with %q", string(marker), string(first)),
				Location:   locForLine(ln, offset),
				Evidence:   strings.TrimSpace(ln.text),
				Confidence: 0.9,
				Suggestion: ln.text[:indent] + string(first) + ln.text[indent+1:],
			})
			continue
		}
		if _, ok := markers[indent]; !ok {
			markers[indent] = marker
		}
	}
	return issues
}

var inlineCodeRe = regexp.MustCompile("`[^`]*`")

func (v *Markdown) emphasisIssues(lines []line, fences []fence, offset docOffset) []validation.Issue {
	var issues []validation.Issue
	for _, ln := range lines {
		if insideFence(fences, ln.num) {
			continue
		}
		stripped := inlineCodeRe.ReplaceAllString(ln.text, "")
		if strings.Count(stripped, "**")%2 != 0 {
			issues = append(issues, validation.Issue{
				Type:       validation.IssueMDUnbalancedEmphasis,
				Severity:   core.SeverityMedium,
				Message:    "line has an odd number of bold markers",
				Location:   locForLine(ln, offset),
				Evidence:   strings.TrimSpace(ln.text),
				Confidence: 0.8,
			})
		}
	}
	return issues
}

// locForLine spans the line's text without its trailing newline, so a
// replace fix can swap the line as-is.
func locForLine(ln line, offset docOffset) validation.Location {
	return validation.Location{
		Line:      ln.num + offset.lines,
		StartByte: ln.startByte + offset.bytes,
		EndByte:   ln.startByte + len(ln.text) + offset.bytes,
	}
}

func markdownConfig(vctx *validation.Context) config.MarkdownConfig {
	if vctx != nil && vctx.Config != nil {
		return vctx.Config.Validators.Markdown
	}
	return config.Default().Validators.Markdown
}
