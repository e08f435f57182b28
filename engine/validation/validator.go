package validation

import (
	"context"

	"github.com/tbcv/tbcv/engine/fuzzy"
	"github.com/tbcv/tbcv/engine/truth"
	"github.com/tbcv/tbcv/pkg/config"
)

// Tier assignments for the standard pipeline. Tier 1 runs pure structural
// validators, tier 2 runs validators that may touch the network, tier 3 runs
// the dependency-ordered truth chain.
const (
	Tier1 = 1
	Tier2 = 2
	Tier3 = 3
)

// Context carries everything a validator may need beyond the content itself.
// Validators must not mutate it.
type Context struct {
	FilePath     string
	Family       string
	TruthVersion string
	// Index is the compiled truth index for Family, pinned for the whole
	// run. Nil when the family has no manifest or truth is not in the set.
	Index *truth.Index
	// Detections is the fuzzy detector output, populated before the truth
	// validator runs in tier 3.
	Detections []fuzzy.Detection
	// SemanticFindings is the raw JSON payload from the external semantic
	// service, empty when the semantic phase is disabled or unavailable.
	SemanticFindings []byte
	// Config is the full engine configuration; validators read their own
	// section from it.
	Config *config.Config
}

// Validator is the capability set every leaf validator implements. ID must be
// stable across releases since profiles, records and config sections refer to
// it. Validate returns issues found in content; an error return means the
// validator itself broke, which the router converts into a synthetic issue.
type Validator interface {
	ID() string
	Tier() int
	Validate(ctx context.Context, content string, vctx *Context) ([]Issue, error)
}
