package validation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/fuzzy"
	"github.com/tbcv/tbcv/engine/truth"
	"github.com/tbcv/tbcv/pkg/config"
	"github.com/tbcv/tbcv/pkg/logger"
)

// Agent classes admitted through counting semaphores. The orchestrator sizes
// them from configuration.
const (
	ClassContentValidator = "content-validator"
	ClassFuzzy            = "fuzzy"
	ClassTruthIndex       = "truth-index"
	ClassSemanticLLM      = "semantic-llm"
)

// Admission gates work by agent class. Acquire blocks until a slot frees up
// or ctx is cancelled; the returned func releases the slot.
type Admission interface {
	Acquire(ctx context.Context, class string) (func(), error)
}

// Input is one validation request for one content snapshot.
type Input struct {
	WorkflowID core.ID
	RunID      string
	Content    string
	FilePath   string
	Family     string
	// Profile selects a named validator set; Types selects explicit ids.
	// Types wins when both are set; both empty means every enabled
	// validator.
	Profile string
	Types   []string
}

// Router executes validators in three tiers: parallel within tier 1 and
// tier 2 with a barrier between them, dependency-ordered inside tier 3
// (fuzzy detection feeds the truth validator). A validator that breaks never
// fails the run; it surfaces as a synthetic validator.error issue.
type Router struct {
	registry  *Registry
	truth     *truth.Loader
	detector  *fuzzy.Detector
	admission Admission
}

// NewRouter wires a router. The admission gate may be nil, in which case
// work is never queued.
func NewRouter(registry *Registry, loader *truth.Loader, detector *fuzzy.Detector, admission Admission) *Router {
	return &Router{registry: registry, truth: loader, detector: detector, admission: admission}
}

// Run validates one content snapshot and returns the unpersisted record.
func (r *Router) Run(ctx context.Context, in *Input) (*Record, error) {
	cfg := config.FromContext(ctx)
	validators, err := r.registry.Resolve(cfg, in.Profile, in.Types)
	if err != nil {
		return nil, err
	}
	content := core.NormalizeContent(in.Content)
	vctx := &Context{FilePath: in.FilePath, Family: in.Family, Config: cfg}

	tiers := groupByTier(cfg, validators)
	var issues []Issue
	var rules []string
	for _, tier := range []int{Tier1, Tier2} {
		if err := ctx.Err(); err != nil {
			return nil, cancelError(ctx, in)
		}
		tierIssues, tierRules, err := r.runParallel(ctx, tiers[tier], content, vctx)
		if err != nil {
			return nil, err
		}
		issues = append(issues, tierIssues...)
		rules = append(rules, tierRules...)
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelError(ctx, in)
	}
	tierIssues, tierRules, err := r.runTier3(ctx, tiers[Tier3], content, vctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, tierIssues...)
	rules = append(rules, tierRules...)

	record := NewRecord(in.WorkflowID, in.RunID, in.FilePath, in.Family, core.ContentHash(in.Content), rules, issues)
	record.TruthVersion = vctx.TruthVersion
	return record, nil
}

// runParallel executes one tier's validators concurrently and joins their
// issues in validator order, so output does not depend on goroutine timing.
func (r *Router) runParallel(ctx context.Context, validators []Validator, content string, vctx *Context) ([]Issue, []string, error) {
	if len(validators) == 0 {
		return nil, nil, nil
	}
	results := make([][]Issue, len(validators))
	g, gctx := errgroup.WithContext(ctx)
	for i := range validators {
		i := i
		v := validators[i]
		g.Go(func() error {
			release, err := r.admit(gctx, ClassContentValidator)
			if err != nil {
				return err
			}
			defer release()
			results[i] = r.runOne(gctx, v, content, vctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, core.NewError(err, core.CodeCancelled, map[string]any{
			"reason": "validation cancelled",
		})
	}
	var issues []Issue
	rules := make([]string, 0, len(validators))
	for i, v := range validators {
		issues = append(issues, results[i]...)
		rules = append(rules, v.ID())
	}
	return issues, rules, nil
}

// runTier3 resolves the dependency chain: fuzzy detection first, then every
// tier-3 validator sequentially with the truth validator last.
func (r *Router) runTier3(ctx context.Context, validators []Validator, content string, vctx *Context) ([]Issue, []string, error) {
	if len(validators) == 0 {
		return nil, nil, nil
	}
	ordered := append([]Validator(nil), validators...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if (ordered[i].ID() == "truth") != (ordered[j].ID() == "truth") {
			return ordered[j].ID() == "truth"
		}
		return ordered[i].ID() < ordered[j].ID()
	})

	var issues []Issue
	var rules []string
	needsTruth := false
	for _, v := range ordered {
		if v.ID() == "truth" {
			needsTruth = true
		}
	}
	if needsTruth && vctx.Family != "" && r.truth != nil && r.detector != nil {
		if err := r.populateDetections(ctx, content, vctx, &issues); err != nil {
			return nil, nil, err
		}
	}
	for _, v := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, nil, core.NewError(err, core.CodeCancelled, map[string]any{
				"reason": "validation cancelled",
			})
		}
		release, err := r.admit(ctx, ClassTruthIndex)
		if err != nil {
			return nil, nil, core.NewError(err, core.CodeCancelled, map[string]any{
				"reason": "validation cancelled",
			})
		}
		issues = append(issues, r.runOne(ctx, v, content, vctx)...)
		rules = append(rules, v.ID())
		release()
	}
	return issues, rules, nil
}

// populateDetections loads the family index and runs the fuzzy detector,
// pinning the truth version for the rest of the run. Loader failures become
// a synthetic issue so the remaining validators still run.
func (r *Router) populateDetections(ctx context.Context, content string, vctx *Context, issues *[]Issue) error {
	release, err := r.admit(ctx, ClassFuzzy)
	if err != nil {
		return core.NewError(err, core.CodeCancelled, map[string]any{
			"reason": "validation cancelled",
		})
	}
	defer release()
	idx, err := r.truth.Load(ctx, vctx.Family)
	if err != nil {
		*issues = append(*issues, syntheticIssue("truth", err))
		return nil
	}
	vctx.Index = idx
	vctx.TruthVersion = idx.Version()
	vctx.Detections = r.detector.Detect(ctx, content, idx)
	return nil
}

// runOne executes a single validator under the step timeout, converting
// panics and errors into a synthetic issue.
func (r *Router) runOne(ctx context.Context, v Validator, content string, vctx *Context) (out []Issue) {
	log := logger.FromContext(ctx)
	stepTimeout := 30 * time.Second
	if vctx.Config != nil && vctx.Config.Timeouts.Step > 0 {
		stepTimeout = vctx.Config.Timeouts.Step
	}
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("validator panicked", "validator", v.ID(), "panic", rec)
			out = []Issue{syntheticIssue(v.ID(), fmt.Errorf("validator panicked: %v", rec))}
		}
	}()
	issues, err := v.Validate(stepCtx, content, vctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = core.NewError(err, core.CodeTimeout, map[string]any{
				"validator": v.ID(),
				"timeout":   stepTimeout.String(),
			})
		}
		log.Warn("validator failed", "validator", v.ID(), "error", err)
		return []Issue{syntheticIssue(v.ID(), err)}
	}
	for i := range issues {
		if issues[i].Validator == "" {
			issues[i].Validator = v.ID()
		}
	}
	return issues
}

func (r *Router) admit(ctx context.Context, class string) (func(), error) {
	if r.admission == nil {
		return func() {}, nil
	}
	return r.admission.Acquire(ctx, class)
}

func groupByTier(cfg *config.Config, validators []Validator) map[int][]Validator {
	tiers := make(map[int][]Validator, 3)
	for _, v := range validators {
		tier := TierOf(cfg, v)
		tiers[tier] = append(tiers[tier], v)
	}
	for _, vs := range tiers {
		sort.SliceStable(vs, func(i, j int) bool { return vs[i].ID() < vs[j].ID() })
	}
	return tiers
}

func syntheticIssue(validatorID string, err error) Issue {
	return Issue{
		Type:      IssueValidatorError,
		Severity:  core.SeverityHigh,
		Message:   fmt.Sprintf("validator %s failed: %v", validatorID, err),
		Location:  Location{Line: 1},
		Validator: validatorID,
	}
}

func cancelError(ctx context.Context, in *Input) error {
	return core.NewError(ctx.Err(), core.CodeCancelled, map[string]any{
		"reason":    "validation cancelled",
		"file_path": in.FilePath,
	})
}
