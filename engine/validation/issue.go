package validation

import (
	"sort"

	"github.com/tbcv/tbcv/engine/core"
)

// Well-known issue types. Validators may emit additional types; these are the
// ones the recommender knows how to build fixes for.
const (
	IssueYAMLMissingRequired  = "yaml.missing_required_field"
	IssueYAMLWrongType        = "yaml.wrong_type"
	IssueYAMLUnknownField     = "yaml.unknown_field"
	IssueYAMLDuplicateKey     = "yaml.duplicate_key"
	IssueYAMLMalformed        = "yaml.malformed"
	IssueYAMLMissingFront     = "yaml.missing_front_matter"
	IssueMDHeadingSkip        = "markdown.heading_skip"
	IssueMDDuplicateHeading   = "markdown.duplicate_heading"
	IssueMDListMarkerMix      = "markdown.list_marker_inconsistent"
	IssueMDUnbalancedEmphasis = "markdown.unbalanced_emphasis"
	IssueMDHeadingTooDeep     = "markdown.heading_too_deep"
	IssueCodeMissingLanguage  = "code.missing_language"
	IssueCodeUnknownLanguage  = "code.unknown_language"
	IssueCodeUnclosedFence    = "code.unclosed_fence"
	IssueCodeCredential       = "code.credential_token"
	IssueLinkMalformed        = "links.malformed_url"
	IssueLinkUnreachable      = "links.unreachable"
	IssueLinkInsecure         = "links.non_https"
	IssueLinkDanglingAnchor   = "links.dangling_anchor"
	IssueStructSectionOrder   = "structure.section_order"
	IssueStructMissingSection = "structure.missing_section"
	IssueStructNeedsTOC       = "structure.needs_toc"
	IssueSEOTitleLength       = "seo.title_length"
	IssueSEODescLength        = "seo.description_length"
	IssueSEOHeadingLength     = "seo.heading_length"
	IssueTruthNameTypo        = "truth.name_typo"
	IssueTruthUnknownEntity   = "truth.unknown_entity"
	IssueTruthComboMissing    = "truth.combination_missing"
	IssueTruthComboForbidden  = "truth.combination_forbidden"
	IssueTruthSemantic        = "truth.semantic_finding"
	IssueValidatorError       = "validator.error"
)

// Location points at content by 1-based line, optional 1-based column, and an
// optional byte span. A zero EndByte means the span is unset.
type Location struct {
	Line      int `json:"line"`
	Column    int `json:"column,omitempty"`
	EndLine   int `json:"end_line,omitempty"`
	StartByte int `json:"start_byte,omitempty"`
	EndByte   int `json:"end_byte,omitempty"`
}

// HasSpan reports whether the location carries a byte span.
func (l Location) HasSpan() bool {
	return l.EndByte > l.StartByte
}

// Less orders locations by line, then column, then byte offset.
func (l Location) Less(other Location) bool {
	if l.Line != other.Line {
		return l.Line < other.Line
	}
	if l.Column != other.Column {
		return l.Column < other.Column
	}
	return l.StartByte < other.StartByte
}

// Issue is a single validator finding at a single location.
type Issue struct {
	Type       string        `json:"type"`
	Severity   core.Severity `json:"severity"`
	Message    string        `json:"message"`
	Location   Location      `json:"location"`
	Evidence   string        `json:"evidence,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
	Validator  string        `json:"validator,omitempty"`
}

// SortIssues orders issues by severity descending, then location ascending,
// then type. The order is total, so repeated validations of identical content
// produce identical listings.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Location != b.Location {
			return a.Location.Less(b.Location)
		}
		return a.Type < b.Type
	})
}

// MaxSeverity returns the highest severity across issues, or SeverityInfo
// when the list is empty.
func MaxSeverity(issues []Issue) core.Severity {
	max := core.SeverityInfo
	for _, issue := range issues {
		if issue.Severity.Rank() > max.Rank() {
			max = issue.Severity
		}
	}
	return max
}
