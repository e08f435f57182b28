package recommend

import (
	"fmt"
	"strings"

	"github.com/tbcv/tbcv/engine/truth"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/config"
)

// -----------------------------------------------------------------------------
// Recommender
// -----------------------------------------------------------------------------

// Confidence factors per fix class. The recommendation confidence is the
// issue confidence scaled by how mechanical the edit is: setting a field or
// swapping a known token is near-certain, inserting new prose is not.
const (
	factorSetField    = 0.95
	factorTokenSwap   = 1.00
	factorLineRewrite = 0.90
	factorDelete      = 0.85
	factorInsert      = 0.70
	factorManual      = 0.50
)

// lowConfidenceBar marks recommendations that reviewers should not bulk
// approve. Anything at or below it is flagged regardless of fix class.
const lowConfidenceBar = 0.5

// minRewriteBase exempts short token edits from the rewrite ratio ceiling.
// Replacing a bare fence opener with a tagged one rewrites 100% of a tiny
// span; the ceiling is meant for large spans, not those.
const minRewriteBase = 24

// Recommender turns validation issues into reviewable recommendations.
// Generation is pure: the same record and index always produce the same
// recommendations in the same order.
type Recommender struct {
	cfg config.RecommendConfig
}

// NewRecommender builds a recommender with the given tuning.
func NewRecommender(cfg config.RecommendConfig) *Recommender {
	return &Recommender{cfg: cfg}
}

// Generate derives recommendations from every issue on the record. Issues
// with a mechanical fix yield an EditOp; the rest yield descriptive items
// with a nil fix. The truth index supplies documentation links for plugin
// mentions when available. Recommendations below the configured minimum
// confidence are dropped.
//
// Output order follows record.Issues, which is already sorted by severity
// and location, so identical records always yield identical listings.
func (r *Recommender) Generate(record *validation.Record, idx *truth.Index) []*Recommendation {
	if record == nil {
		return nil
	}
	recs := make([]*Recommendation, 0, len(record.Issues))
	for i := range record.Issues {
		rec := r.fromIssue(record, &record.Issues[i], idx)
		if rec == nil {
			continue
		}
		if rec.Confidence < r.cfg.MinConfidence {
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

func (r *Recommender) fromIssue(record *validation.Record, issue *validation.Issue, idx *truth.Index) *Recommendation {
	var rec *Recommendation
	switch issue.Type {
	case validation.IssueYAMLMissingRequired:
		rec = r.missingField(record, issue)
	case validation.IssueYAMLMissingFront:
		rec = r.missingFrontMatter(record, issue)
	case validation.IssueYAMLDuplicateKey:
		rec = r.duplicateKey(record, issue)
	case validation.IssueMDHeadingSkip:
		rec = r.lineFix(record, issue, TypeFixHeadingLevel)
	case validation.IssueMDListMarkerMix:
		rec = r.lineFix(record, issue, TypeFixListMarker)
	case validation.IssueCodeMissingLanguage:
		rec = r.missingLanguage(record, issue)
	case validation.IssueLinkInsecure:
		rec = r.insecureLink(record, issue)
	case validation.IssueTruthNameTypo:
		rec = r.nameTypo(record, issue, idx)
	case validation.IssueTruthComboMissing:
		rec = r.manual(record, issue, TypeAddMissingPlugins)
	case validation.IssueTruthComboForbidden:
		rec = r.manual(record, issue, TypeRemoveForbiddenPlugin)
	case validation.IssueValidatorError:
		return nil
	default:
		rec = r.manual(record, issue, TypeManualReview)
	}
	if rec != nil {
		rec.IssueType = issue.Type
		rec.LowConfidence = rec.Confidence <= lowConfidenceBar
	}
	return rec
}

// ---- Mechanical fixes -------------------------------------------------------

func (r *Recommender) missingField(record *validation.Record, issue *validation.Issue) *Recommendation {
	field := issue.Evidence
	if field == "" {
		return r.manual(record, issue, TypeAddFrontMatterField)
	}
	fix := SetFrontMatter(field, "")
	desc := fmt.Sprintf("add the required front matter field %q", field)
	return New(record.ID, TypeAddFrontMatterField, desc, fix, issue.Confidence*factorSetField)
}

func (r *Recommender) missingFrontMatter(record *validation.Record, issue *validation.Issue) *Recommendation {
	fields := parseFieldList(issue.Evidence)
	if len(fields) == 0 {
		return r.manual(record, issue, TypeAddFrontMatter)
	}
	var b strings.Builder
	b.WriteString("---\n")
	for _, f := range fields {
		b.WriteString(f)
		b.WriteString(": \"\"\n")
	}
	b.WriteString("---\n")
	fix := InsertBefore(1, b.String())
	desc := "add a front matter block with the required fields"
	return New(record.ID, TypeAddFrontMatter, desc, fix, issue.Confidence*factorInsert)
}

func (r *Recommender) duplicateKey(record *validation.Record, issue *validation.Issue) *Recommendation {
	if !issue.Location.HasSpan() {
		return r.manual(record, issue, TypeRemoveDuplicateField)
	}
	fix := Delete(Span{Start: issue.Location.StartByte, End: issue.Location.EndByte})
	desc := fmt.Sprintf("remove the duplicated front matter key %q", issue.Evidence)
	return New(record.ID, TypeRemoveDuplicateField, desc, fix, issue.Confidence*factorDelete)
}

// lineFix covers issues whose Suggestion is the corrected full line and whose
// Location spans the original line.
func (r *Recommender) lineFix(record *validation.Record, issue *validation.Issue, recType string) *Recommendation {
	if issue.Suggestion == "" || !issue.Location.HasSpan() {
		return r.manual(record, issue, recType)
	}
	conf := issue.Confidence * factorLineRewrite
	if capped, ok := r.rewriteCapped(issue.Location, issue.Suggestion); ok {
		conf = capped
	}
	fix := Replace(Span{Start: issue.Location.StartByte, End: issue.Location.EndByte}, issue.Suggestion)
	return New(record.ID, recType, issue.Message, fix, conf)
}

func (r *Recommender) missingLanguage(record *validation.Record, issue *validation.Issue) *Recommendation {
	// The validator fills Suggestion with the tagged opener only when
	// language detection found a match.
	tagged := strings.HasPrefix(issue.Suggestion, "```") || strings.HasPrefix(issue.Suggestion, "~~~")
	if !tagged || !issue.Location.HasSpan() {
		return r.manual(record, issue, TypeAddLanguageID)
	}
	fix := Replace(Span{Start: issue.Location.StartByte, End: issue.Location.EndByte}, issue.Suggestion)
	desc := fmt.Sprintf("tag the code fence as %s", strings.TrimLeft(issue.Suggestion, "`~"))
	return New(record.ID, TypeAddLanguageID, desc, fix, issue.Confidence*factorLineRewrite)
}

func (r *Recommender) insecureLink(record *validation.Record, issue *validation.Issue) *Recommendation {
	if issue.Suggestion == "" || !issue.Location.HasSpan() {
		return r.manual(record, issue, TypeFixURLScheme)
	}
	fix := Replace(Span{Start: issue.Location.StartByte, End: issue.Location.EndByte}, issue.Suggestion)
	desc := fmt.Sprintf("switch %s to https", issue.Evidence)
	return New(record.ID, TypeFixURLScheme, desc, fix, issue.Confidence*factorTokenSwap)
}

func (r *Recommender) nameTypo(record *validation.Record, issue *validation.Issue, idx *truth.Index) *Recommendation {
	if issue.Suggestion == "" || !issue.Location.HasSpan() {
		return r.manual(record, issue, TypePluginNameFix)
	}
	fix := Replace(Span{Start: issue.Location.StartByte, End: issue.Location.EndByte}, issue.Suggestion)
	desc := fmt.Sprintf("replace %q with the canonical name %q", issue.Evidence, issue.Suggestion)
	rec := New(record.ID, TypePluginNameFix, desc, fix, issue.Confidence*factorTokenSwap)
	if url, ok := documentationLink(idx, issue.Suggestion); ok {
		rec.Notes = fmt.Sprintf("documentation: %s", url)
	}
	return rec
}

// ---- Descriptive fallback ---------------------------------------------------

func (r *Recommender) manual(record *validation.Record, issue *validation.Issue, recType string) *Recommendation {
	conf := issue.Confidence * factorManual
	if issue.Confidence == 0 {
		conf = factorManual
	}
	return New(record.ID, recType, issue.Message, nil, conf)
}

// ---- Plugin links -----------------------------------------------------------

// LinkRecommendations emits one plugin_link recommendation per canonical
// entity mentioned in the content whose manifest metadata carries a
// documentation URL. The fix inserts a reference line after the mention.
func (r *Recommender) LinkRecommendations(record *validation.Record, idx *truth.Index, content string) []*Recommendation {
	if idx == nil || content == "" {
		return nil
	}
	var recs []*Recommendation
	seen := make(map[string]bool)
	for _, m := range idx.Match(content) {
		if seen[m.Entity.CanonicalName] {
			continue
		}
		seen[m.Entity.CanonicalName] = true
		url, ok := documentationLink(idx, m.Entity.CanonicalName)
		if !ok {
			continue
		}
		line := 1 + strings.Count(content[:m.Start], "\n")
		fix := InsertAfter(line, fmt.Sprintf("\n[%s documentation](%s)\n", m.Entity.CanonicalName, url))
		desc := fmt.Sprintf("link %s to its documentation", m.Entity.CanonicalName)
		rec := New(record.ID, TypePluginLink, desc, fix, factorInsert)
		rec.IssueType = validation.IssueTruthSemantic
		rec.LowConfidence = rec.Confidence <= lowConfidenceBar
		if rec.Confidence >= r.cfg.MinConfidence {
			recs = append(recs, rec)
		}
	}
	return recs
}

// documentationLink extracts the documentation_url metadata entry for the
// named entity, when the index and the entity carry one.
func documentationLink(idx *truth.Index, name string) (string, bool) {
	if idx == nil {
		return "", false
	}
	entity, ok := idx.Lookup(name)
	if !ok || entity.Metadata == nil {
		return "", false
	}
	raw, ok := entity.Metadata["documentation_url"]
	if !ok {
		return "", false
	}
	url, ok := raw.(string)
	if !ok || url == "" {
		return "", false
	}
	return url, true
}

// ---- Rewrite ratio ----------------------------------------------------------

// rewriteCapped applies the rewrite ratio ceiling to replace fixes over
// spans large enough for the ratio to mean anything. It returns the capped
// confidence and true when the ceiling fired.
func (r *Recommender) rewriteCapped(loc validation.Location, replacement string) (float64, bool) {
	if r.cfg.RewriteRatioCeiling <= 0 {
		return 0, false
	}
	base := loc.EndByte - loc.StartByte
	if base < minRewriteBase {
		return 0, false
	}
	// Without the original text the span length is the closest stand-in
	// for edit distance: a replacement much shorter or longer than the
	// span rewrites most of it.
	diff := len(replacement) - base
	if diff < 0 {
		diff = -diff
	}
	if float64(diff)/float64(base) > r.cfg.RewriteRatioCeiling {
		return lowConfidenceBar, true
	}
	return 0, false
}

// parseFieldList splits the comma-separated field list the yaml validator
// stores in Evidence for a missing front matter block.
func parseFieldList(evidence string) []string {
	if evidence == "" {
		return nil
	}
	parts := strings.Split(evidence, ",")
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		if f := strings.TrimSpace(p); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// Summarize counts recommendations per status for reporting.
func Summarize(recs []*Recommendation) map[Status]int {
	out := make(map[Status]int, 4)
	for _, rec := range recs {
		out[rec.Status]++
	}
	return out
}
