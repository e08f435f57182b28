package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/config"
)

// SEO checks the discoverability surface of a page: front matter title and
// description lengths and heading lengths, each against a configured window.
type SEO struct{}

func NewSEO() *SEO { return &SEO{} }

func (v *SEO) ID() string { return "seo" }

func (v *SEO) Tier() int { return validation.Tier1 }

func (v *SEO) Validate(_ context.Context, content string, vctx *validation.Context) ([]validation.Issue, error) {
	cfg := seoConfig(vctx)
	var issues []validation.Issue

	title, description := frontMatterMeta(content)
	issues = append(issues, v.windowIssue(validation.IssueSEOTitleLength, "title", title, cfg.TitleMin, cfg.TitleMax)...)
	issues = append(issues, v.windowIssue(validation.IssueSEODescLength, "description", description, cfg.DescriptionMin, cfg.DescriptionMax)...)

	if cfg.HeadingMax > 0 {
		lines, fences, offset := bodyLines(content)
		for _, h := range scanHeadings(lines, fences) {
			if len(h.text) <= cfg.HeadingMax {
				continue
			}
			issues = append(issues, validation.Issue{
				Type:       validation.IssueSEOHeadingLength,
				Severity:   core.SeverityLow,
				Message:    fmt.Sprintf("heading is %d characters; keep headings at or under %d", len(h.text), cfg.HeadingMax),
				Location:   locForLine(h.ln, offset),
				Evidence:   h.text,
				Confidence: 1.0,
			})
		}
	}
	return issues, nil
}

// windowIssue reports a field outside its [min, max] character window. An
// absent field is left to the yaml validator's required-field check.
func (v *SEO) windowIssue(issueType, field, value string, min, max int) []validation.Issue {
	if value == "" || max <= 0 {
		return nil
	}
	n := len(value)
	var msg, suggestion string
	switch {
	case n < min:
		msg = fmt.Sprintf("%s is %d characters; search snippets favor %d-%d", field, n, min, max)
		suggestion = fmt.Sprintf("expand the %s toward %d characters", field, min)
	case n > max:
		msg = fmt.Sprintf("%s is %d characters and will be truncated around %d", field, n, max)
		suggestion = fmt.Sprintf("shorten the %s to at most %d characters", field, max)
	default:
		return nil
	}
	return []validation.Issue{{
		Type:       issueType,
		Severity:   core.SeverityLow,
		Message:    msg,
		Location:   validation.Location{Line: 1},
		Evidence:   value,
		Confidence: 1.0,
		Suggestion: suggestion,
	}}
}

// frontMatterMeta pulls title and description out of the front matter without
// re-reporting parse failures; those belong to the yaml validator.
func frontMatterMeta(content string) (title, description string) {
	fm, _, ok := core.SplitFrontMatter(content)
	if !ok || !fm.Closed {
		return "", ""
	}
	var meta struct {
		Title       string `yaml:"title"`
		Description string `yaml:"description"`
	}
	if err := yaml.Unmarshal([]byte(fm.Raw), &meta); err != nil {
		return "", ""
	}
	return strings.TrimSpace(meta.Title), strings.TrimSpace(meta.Description)
}

func seoConfig(vctx *validation.Context) config.SEOValidatorConfig {
	if vctx != nil && vctx.Config != nil {
		return vctx.Config.Validators.SEO
	}
	return config.Default().Validators.SEO
}
