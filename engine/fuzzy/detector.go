package fuzzy

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/truth"
	"github.com/tbcv/tbcv/pkg/logger"
)

// DefaultThreshold is the minimum accepted similarity score.
const DefaultThreshold = 0.85

// Source labels how a detection was produced.
const (
	SourcePattern = "pattern"
	SourceFuzzy   = "fuzzy"
)

// Detection is one located reference to a truth entity.
type Detection struct {
	// Name is the text as it appears in the content.
	Name string `json:"name"`
	// Canonical is the entity the text resolves to.
	Canonical  string  `json:"canonical"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Line       int     `json:"line"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
	Source     string  `json:"source"`
}

// candidateRe captures identifier-shaped tokens, including dotted product
// names like Aspose.Words.
var candidateRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9]*(?:[._-][A-Za-z0-9]+)*`)

// Detector locates entity references by compiled patterns first, then by
// edit-distance scoring of identifier-shaped tokens. Output is fully
// determined by (text, index version, threshold).
type Detector struct {
	threshold    float64
	maxCandidate int
}

// NewDetector creates a detector. Zero arguments fall back to defaults.
func NewDetector(threshold float64, maxCandidate int) *Detector {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if maxCandidate <= 0 {
		maxCandidate = 64
	}
	return &Detector{threshold: threshold, maxCandidate: maxCandidate}
}

// Threshold returns the configured acceptance threshold.
func (d *Detector) Threshold() float64 { return d.threshold }

// Detect runs both phases over text against the given family index.
func (d *Detector) Detect(ctx context.Context, text string, idx *truth.Index) []Detection {
	detections := d.patternPhase(text, idx)
	detections = append(detections, d.fuzzyPhase(text, idx, detections)...)
	sortDetections(detections)
	logger.FromContext(ctx).Debug("fuzzy detection finished",
		"family", idx.Family(), "detections", len(detections))
	return detections
}

// CacheKey derives the stable cache key for a detection run. The truth
// version participates so a manifest change never serves stale detections.
func (d *Detector) CacheKey(text string, idx *truth.Index) string {
	return core.FingerprintAny(map[string]any{
		"agent":         "fuzzy",
		"op":            "detect",
		"text_hash":     core.ContentHash(text),
		"family":        idx.Family(),
		"truth_version": idx.Version(),
		"threshold":     d.threshold,
	})
}

func (d *Detector) patternPhase(text string, idx *truth.Index) []Detection {
	matches := idx.Match(text)
	out := make([]Detection, 0, len(matches))
	for _, m := range matches {
		out = append(out, Detection{
			Name:       text[m.Start:m.End],
			Canonical:  m.Entity.CanonicalName,
			Start:      m.Start,
			End:        m.End,
			Line:       lineOf(text, m.Start),
			Confidence: m.Score,
			Evidence:   evidence(text, m.Start, m.End),
			Source:     SourcePattern,
		})
	}
	return out
}

func (d *Detector) fuzzyPhase(text string, idx *truth.Index, taken []Detection) []Detection {
	names := idx.Names()
	var out []Detection
	for _, loc := range candidateRe.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if end-start < 3 || end-start > d.maxCandidate {
			continue
		}
		if overlapsAny(start, end, taken) {
			continue
		}
		token := text[start:end]
		lowered := strings.ToLower(token)
		if _, exact := idx.Lookup(lowered); exact {
			// Exact names are the pattern phase's business.
			continue
		}
		best, score := d.bestName(lowered, names)
		if best == "" || score < d.threshold {
			continue
		}
		entity, ok := idx.Lookup(best)
		if !ok {
			continue
		}
		out = append(out, Detection{
			Name:       token,
			Canonical:  entity.CanonicalName,
			Start:      start,
			End:        end,
			Line:       lineOf(text, start),
			Confidence: score,
			Evidence:   evidence(text, start, end),
			Source:     SourceFuzzy,
		})
	}
	return out
}

// bestName scores token against every known name and returns the winner.
// Names arrive sorted, so equal scores resolve to the lexically first name
// and the result is deterministic.
func (d *Detector) bestName(token string, names []string) (string, float64) {
	bestName := ""
	bestScore := 0.0
	for _, name := range names {
		score := similarity(token, name)
		if score > bestScore {
			bestName = name
			bestScore = score
		}
	}
	return bestName, bestScore
}

// similarity is the max of normalized Levenshtein and Jaro-Winkler.
func similarity(a, b string) float64 {
	lev := normalizedLevenshtein(a, b)
	jw := jaroWinkler(a, b)
	if jw > lev {
		return jw
	}
	return lev
}

func normalizedLevenshtein(a, b string) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// sortDetections orders by higher confidence, then shorter span, then
// earlier location, then canonical name. This is the tie-break order used
// wherever detections compete.
func sortDetections(detections []Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		a, b := detections[i], detections[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la < lb
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.Canonical < b.Canonical
	})
}

func overlapsAny(start, end int, taken []Detection) bool {
	for _, det := range taken {
		if start < det.End && det.Start < end {
			return true
		}
	}
	return false
}

func lineOf(text string, offset int) int {
	if offset > len(text) {
		offset = len(text)
	}
	return 1 + strings.Count(text[:offset], "\n")
}

// evidence extracts the line fragment around a span, trimmed to a readable
// width.
func evidence(text string, start, end int) string {
	lineStart := strings.LastIndexByte(text[:start], '\n') + 1
	lineEnd := end
	if idx := strings.IndexByte(text[end:], '\n'); idx >= 0 {
		lineEnd = end + idx
	} else {
		lineEnd = len(text)
	}
	const maxEvidence = 160
	fragment := text[lineStart:lineEnd]
	if len(fragment) > maxEvidence {
		lo := start - lineStart
		hi := lo + (end - start)
		margin := (maxEvidence - (hi - lo)) / 2
		if margin < 0 {
			margin = 0
		}
		newLo := lo - margin
		if newLo < 0 {
			newLo = 0
		}
		newHi := newLo + maxEvidence
		if newHi > len(fragment) {
			newHi = len(fragment)
		}
		fragment = fragment[newLo:newHi]
	}
	return strings.TrimSpace(fragment)
}
