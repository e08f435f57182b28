package validators

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/fuzzy"
	"github.com/tbcv/tbcv/engine/truth"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/config"
	"github.com/tbcv/tbcv/pkg/logger"
)

// SemanticProvider supplies findings from an external semantic service. The
// returned payload is the JSON document the merge phase consumes. A nil
// provider disables the semantic phase.
type SemanticProvider interface {
	Analyze(ctx context.Context, content, family string) ([]byte, error)
}

// Truth verifies the document against the family truth index in three
// phases: a rule phase over detector output and combination rules, an
// optional semantic phase over external findings, and a merge phase that
// reconciles the two by confidence.
type Truth struct {
	provider SemanticProvider
}

func NewTruth(provider SemanticProvider) *Truth {
	return &Truth{provider: provider}
}

func (v *Truth) ID() string { return "truth" }

func (v *Truth) Tier() int { return validation.Tier3 }

func (v *Truth) Validate(ctx context.Context, content string, vctx *validation.Context) ([]validation.Issue, error) {
	if vctx == nil || vctx.Index == nil {
		return nil, nil
	}
	ruleIssues := v.rulePhase(content, vctx)

	findings, err := v.semanticPhase(ctx, content, vctx)
	if err != nil {
		logger.FromContext(ctx).Warn("semantic phase unavailable, keeping rule-phase results",
			"family", vctx.Family, "error", err)
		return ruleIssues, nil
	}
	return v.mergePhase(ruleIssues, findings, semanticConfig(vctx)), nil
}

// ---- Rule phase ----

func (v *Truth) rulePhase(content string, vctx *validation.Context) []validation.Issue {
	var issues []validation.Issue
	issues = append(issues, v.typoIssues(vctx.Detections)...)
	issues = append(issues, v.combinationIssues(content, vctx)...)
	return issues
}

func (v *Truth) typoIssues(detections []fuzzy.Detection) []validation.Issue {
	var issues []validation.Issue
	for _, d := range detections {
		if d.Source != fuzzy.SourceFuzzy {
			continue
		}
		issues = append(issues, validation.Issue{
			Type:     validation.IssueTruthNameTypo,
			Severity: core.SeverityHigh,
			Message:  fmt.Sprintf("%q looks like a misspelling of %q", d.Name, d.Canonical),
			Location: validation.Location{
				Line:      d.Line,
				StartByte: d.Start,
				EndByte:   d.End,
			},
			Evidence:   d.Evidence,
			Confidence: d.Confidence,
			Suggestion: d.Canonical,
		})
	}
	return issues
}

// combinationIssues checks every requires/forbids rule against the set of
// entities the document mentions. A subject with none of its required
// companions is critical; a partially satisfied requirement is high.
func (v *Truth) combinationIssues(content string, vctx *validation.Context) []validation.Issue {
	mentioned := make(map[string]fuzzy.Detection)
	for _, d := range vctx.Detections {
		key := strings.ToLower(d.Canonical)
		if _, ok := mentioned[key]; !ok {
			mentioned[key] = d
		}
	}

	var issues []validation.Issue
	for _, rule := range vctx.Index.Combinations() {
		subject, ok := mentioned[strings.ToLower(rule.Subject)]
		if !ok {
			continue
		}
		var present, absent []string
		for _, companion := range rule.Companions {
			if _, ok := mentioned[strings.ToLower(companion)]; ok {
				present = append(present, companion)
			} else {
				absent = append(absent, companion)
			}
		}
		loc := validation.Location{
			Line:      subject.Line,
			StartByte: subject.Start,
			EndByte:   subject.End,
		}
		start, end := clampSpan(content, subject.Start, subject.End)
		evidence := content[start:end]
		switch rule.Kind {
		case truth.RuleRequires:
			if len(absent) == 0 {
				continue
			}
			severity := core.SeverityHigh
			if len(present) == 0 {
				severity = core.SeverityCritical
			}
			issues = append(issues, validation.Issue{
				Type:       validation.IssueTruthComboMissing,
				Severity:   severity,
				Message:    fmt.Sprintf("%s requires %s, but the document never mentions %s", rule.Subject, strings.Join(rule.Companions, " and "), strings.Join(absent, ", ")),
				Location:   loc,
				Evidence:   evidence,
				Confidence: subject.Confidence,
			})
		case truth.RuleForbids:
			if len(present) == 0 {
				continue
			}
			issues = append(issues, validation.Issue{
				Type:       validation.IssueTruthComboForbidden,
				Severity:   core.SeverityCritical,
				Message:    fmt.Sprintf("%s must not be combined with %s", rule.Subject, strings.Join(present, ", ")),
				Location:   loc,
				Evidence:   evidence,
				Confidence: subject.Confidence,
			})
		}
	}
	return issues
}

// ---- Semantic phase ----

// semanticFinding is one entry of the external findings payload.
type semanticFinding struct {
	start       int
	end         int
	line        int
	issueType   string
	severity    core.Severity
	hasSeverity bool
	message     string
	confidence  float64
	suggestion  string
	dismiss     bool
}

// semanticPhase yields external findings either from the context (replayed
// runs) or from the provider. Findings below the confirm threshold are
// dropped before the merge.
func (v *Truth) semanticPhase(ctx context.Context, content string, vctx *validation.Context) ([]semanticFinding, error) {
	cfg := semanticConfig(vctx)
	payload := vctx.SemanticFindings
	if len(payload) == 0 {
		if v.provider == nil || !cfg.Enabled {
			return nil, nil
		}
		var err error
		payload, err = v.provider.Analyze(ctx, content, vctx.Family)
		if err != nil {
			return nil, err
		}
	}
	if len(payload) == 0 {
		return nil, nil
	}

	parsed := gjson.ParseBytes(payload)
	list := parsed
	if parsed.IsObject() {
		list = parsed.Get("findings")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("semantic payload is not a findings list")
	}

	var findings []semanticFinding
	list.ForEach(func(_, item gjson.Result) bool {
		f := semanticFinding{
			start:      int(item.Get("start").Int()),
			end:        int(item.Get("end").Int()),
			line:       int(item.Get("line").Int()),
			issueType:  item.Get("type").String(),
			message:    item.Get("message").String(),
			confidence: item.Get("confidence").Float(),
			suggestion: item.Get("suggestion").String(),
			dismiss:    item.Get("verdict").String() == "dismiss",
		}
		if f.issueType == "" {
			f.issueType = validation.IssueTruthSemantic
		}
		if raw := item.Get("severity").String(); raw != "" {
			f.severity = core.ParseSeverity(raw)
			f.hasSeverity = true
		} else {
			f.severity = core.SeverityMedium
		}
		if f.confidence >= cfg.ConfirmThreshold {
			findings = append(findings, f)
		}
		return true
	})
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].line != findings[j].line {
			return findings[i].line < findings[j].line
		}
		return findings[i].start < findings[j].start
	})
	return findings, nil
}

// ---- Merge phase ----

// mergePhase reconciles rule and semantic results. Overlapping findings keep
// the higher confidence; a dismissal caps the rule finding's confidence at
// the downgrade threshold; findings with no rule-phase counterpart are kept
// only above the upgrade threshold.
func (v *Truth) mergePhase(ruleIssues []validation.Issue, findings []semanticFinding, cfg config.SemanticConfig) []validation.Issue {
	out := make([]validation.Issue, len(ruleIssues))
	copy(out, ruleIssues)

	for _, f := range findings {
		idx := overlappingIssue(out, f)
		if idx < 0 {
			if !f.dismiss && f.confidence >= cfg.UpgradeThreshold {
				out = append(out, semanticIssue(f))
			}
			continue
		}
		if f.dismiss {
			if out[idx].Confidence > cfg.DowngradeThreshold {
				out[idx].Confidence = cfg.DowngradeThreshold
			}
			continue
		}
		if f.confidence > out[idx].Confidence {
			merged := semanticIssue(f)
			if f.issueType == validation.IssueTruthSemantic {
				merged.Type = out[idx].Type
			}
			if !f.hasSeverity {
				merged.Severity = out[idx].Severity
			}
			if merged.Location.Line == 0 {
				merged.Location = out[idx].Location
			}
			out[idx] = merged
		}
	}
	return out
}

func overlappingIssue(issues []validation.Issue, f semanticFinding) int {
	for i, issue := range issues {
		loc := issue.Location
		if f.end > 0 && loc.HasSpan() {
			if f.start < loc.EndByte && loc.StartByte < f.end {
				return i
			}
			continue
		}
		if f.line > 0 && f.line == loc.Line {
			return i
		}
	}
	return -1
}

func semanticIssue(f semanticFinding) validation.Issue {
	return validation.Issue{
		Type:     f.issueType,
		Severity: f.severity,
		Message:  f.message,
		Location: validation.Location{
			Line:      f.line,
			StartByte: f.start,
			EndByte:   f.end,
		},
		Confidence: f.confidence,
		Suggestion: f.suggestion,
	}
}

func clampSpan(content string, start, end int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end > len(content) {
		end = len(content)
	}
	if start > end {
		start = end
	}
	return start, end
}

func semanticConfig(vctx *validation.Context) config.SemanticConfig {
	if vctx != nil && vctx.Config != nil {
		return vctx.Config.Semantic
	}
	return config.Default().Semantic
}
