package monitoring

import (
	"context"
	"time"

	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/pkg/logger"
)

// Daily rollup sample names. Prefixed names append their label value, e.g.
// "method:validate_file" or "issues:high".
const (
	SampleMethodPrefix      = "method:"
	SampleValidationPrefix  = "validations:"
	SampleIssuePrefix       = "issues:"
	SampleEnhancementPrefix = "enhancements:"
	SampleWorkflowPrefix    = "workflow:"
	SampleReviewPrefix      = "reviews:"
	SampleCacheHit          = "cache_hit"
	SampleCacheMiss         = "cache_miss"
)

// Recorder feeds both sides of the observability surface: the OpenTelemetry
// instruments for scraping and the store's daily rollups for usage
// statistics. Rollup failures are logged and never propagate, so recording
// cannot fail the operation being measured.
type Recorder struct {
	service *Service
	metrics store.MetricsRepo
}

// NewRecorder pairs the monitoring service with the optional rollup repo. A
// nil repo records instruments only.
func NewRecorder(service *Service, metrics store.MetricsRepo) *Recorder {
	return &Recorder{service: service, metrics: metrics}
}

// MethodCall records one dispatched method invocation with its outcome
// status and latency.
func (r *Recorder) MethodCall(ctx context.Context, method, status string, duration time.Duration) {
	if r == nil {
		return
	}
	if r.service != nil && r.service.pipeline != nil {
		r.service.pipeline.recordMethodCall(ctx, method, status, duration)
	}
	r.fold(ctx, &store.MetricSample{
		Name:  SampleMethodPrefix + method,
		Count: 1,
		Sum:   duration.Seconds(),
	})
}

// Validation records one finished validation: its family, final status and
// the issue histogram keyed by severity.
func (r *Recorder) Validation(ctx context.Context, family, status string, issuesBySeverity map[string]int) {
	if r == nil {
		return
	}
	if r.service != nil && r.service.pipeline != nil {
		r.service.pipeline.recordValidation(ctx, family, status, issuesBySeverity)
	}
	var total int64
	for _, count := range issuesBySeverity {
		total += int64(count)
	}
	r.fold(ctx, &store.MetricSample{
		Name:  SampleValidationPrefix + family,
		Count: 1,
		Sum:   float64(total),
	})
	for severity, count := range issuesBySeverity {
		if count <= 0 {
			continue
		}
		r.fold(ctx, &store.MetricSample{
			Name:  SampleIssuePrefix + severity,
			Count: int64(count),
		})
	}
}

// CacheLookup records one cache read and the level that served it ("l1",
// "l2" or "miss").
func (r *Recorder) CacheLookup(ctx context.Context, level string) {
	if r == nil {
		return
	}
	if r.service != nil && r.service.pipeline != nil {
		r.service.pipeline.recordCacheLookup(ctx, level)
	}
	name := SampleCacheHit
	if level == "miss" {
		name = SampleCacheMiss
	}
	r.fold(ctx, &store.MetricSample{Name: name, Count: 1})
}

// Enhancement records one enhancement attempt by outcome ("applied",
// "dry_run", "rejected" or "failed").
func (r *Recorder) Enhancement(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	if r.service != nil && r.service.pipeline != nil {
		r.service.pipeline.recordEnhancement(ctx, outcome)
	}
	r.fold(ctx, &store.MetricSample{Name: SampleEnhancementPrefix + outcome, Count: 1})
}

// Workflow records one finished workflow run with its terminal status and
// duration.
func (r *Recorder) Workflow(ctx context.Context, workflowType, status string, duration time.Duration) {
	if r == nil {
		return
	}
	if r.service != nil && r.service.pipeline != nil {
		r.service.pipeline.recordWorkflow(ctx, workflowType, status, duration)
	}
	r.fold(ctx, &store.MetricSample{
		Name:  SampleWorkflowPrefix + workflowType,
		Count: 1,
		Sum:   duration.Seconds(),
	})
}

// RecommendationReview records one review action ("approve", "reject",
// "apply" or "revert").
func (r *Recorder) RecommendationReview(ctx context.Context, action string) {
	if r == nil {
		return
	}
	if r.service != nil && r.service.pipeline != nil {
		r.service.pipeline.recordReview(ctx, action)
	}
	r.fold(ctx, &store.MetricSample{Name: SampleReviewPrefix + action, Count: 1})
}

func (r *Recorder) fold(ctx context.Context, sample *store.MetricSample) {
	if r.metrics == nil {
		return
	}
	if err := r.metrics.Record(ctx, sample); err != nil {
		logger.FromContext(ctx).Debug("failed to fold metric sample", "name", sample.Name, "error", err)
	}
}
