package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	methodCallsMetric      = "tbcv_method_calls_total"
	methodDurationMetric   = "tbcv_method_duration_seconds"
	validationsMetric      = "tbcv_validations_total"
	validationIssuesMetric = "tbcv_validation_issues_total"
	cacheLookupsMetric     = "tbcv_cache_lookups_total"
	enhancementsMetric     = "tbcv_enhancements_total"
	workflowsMetric        = "tbcv_workflows_total"
	workflowDurationMetric = "tbcv_workflow_duration_seconds"
	reviewsMetric          = "tbcv_recommendation_reviews_total"

	labelMethod   = "method"
	labelStatus   = "status"
	labelFamily   = "family"
	labelSeverity = "severity"
	labelLevel    = "level"
	labelOutcome  = "outcome"
	labelType     = "type"
	labelAction   = "action"
)

// DurationBuckets covers the expected latency range from cached lookups to
// directory-wide validation runs.
var DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

type pipelineMetrics struct {
	methodCalls      metric.Int64Counter
	methodDuration   metric.Float64Histogram
	validations      metric.Int64Counter
	validationIssues metric.Int64Counter
	cacheLookups     metric.Int64Counter
	enhancements     metric.Int64Counter
	workflows        metric.Int64Counter
	workflowDuration metric.Float64Histogram
	reviews          metric.Int64Counter
}

func createInt64Counter(meter metric.Meter, name, description string) (metric.Int64Counter, error) {
	counter, err := meter.Int64Counter(
		name,
		metric.WithDescription(description),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create counter %q: %w", name, err)
	}
	return counter, nil
}

func createFloat64Histogram(meter metric.Meter, name, description string) (metric.Float64Histogram, error) {
	histogram, err := meter.Float64Histogram(
		name,
		metric.WithDescription(description),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(DurationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create histogram %q: %w", name, err)
	}
	return histogram, nil
}

func newPipelineMetrics(meter metric.Meter) (*pipelineMetrics, error) {
	m := &pipelineMetrics{}
	var err error
	if m.methodCalls, err = createInt64Counter(meter, methodCallsMetric, "Dispatched method calls by method and status"); err != nil {
		return nil, err
	}
	if m.methodDuration, err = createFloat64Histogram(meter, methodDurationMetric, "Dispatched method latency by method"); err != nil {
		return nil, err
	}
	if m.validations, err = createInt64Counter(meter, validationsMetric, "Validation records by family and status"); err != nil {
		return nil, err
	}
	if m.validationIssues, err = createInt64Counter(meter, validationIssuesMetric, "Validation issues by severity"); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = createInt64Counter(meter, cacheLookupsMetric, "Cache lookups by serving level"); err != nil {
		return nil, err
	}
	if m.enhancements, err = createInt64Counter(meter, enhancementsMetric, "Enhancement attempts by outcome"); err != nil {
		return nil, err
	}
	if m.workflows, err = createInt64Counter(meter, workflowsMetric, "Completed workflows by type and status"); err != nil {
		return nil, err
	}
	if m.workflowDuration, err = createFloat64Histogram(meter, workflowDurationMetric, "Workflow run duration by type"); err != nil {
		return nil, err
	}
	if m.reviews, err = createInt64Counter(meter, reviewsMetric, "Recommendation review actions"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *pipelineMetrics) recordMethodCall(ctx context.Context, method, status string, duration time.Duration) {
	m.methodCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String(labelMethod, method),
		attribute.String(labelStatus, status),
	))
	m.methodDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(labelMethod, method),
	))
}

func (m *pipelineMetrics) recordValidation(ctx context.Context, family, status string, issuesBySeverity map[string]int) {
	m.validations.Add(ctx, 1, metric.WithAttributes(
		attribute.String(labelFamily, family),
		attribute.String(labelStatus, status),
	))
	for severity, count := range issuesBySeverity {
		if count <= 0 {
			continue
		}
		m.validationIssues.Add(ctx, int64(count), metric.WithAttributes(
			attribute.String(labelSeverity, severity),
		))
	}
}

func (m *pipelineMetrics) recordCacheLookup(ctx context.Context, level string) {
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String(labelLevel, level),
	))
}

func (m *pipelineMetrics) recordEnhancement(ctx context.Context, outcome string) {
	m.enhancements.Add(ctx, 1, metric.WithAttributes(
		attribute.String(labelOutcome, outcome),
	))
}

func (m *pipelineMetrics) recordWorkflow(ctx context.Context, workflowType, status string, duration time.Duration) {
	m.workflows.Add(ctx, 1, metric.WithAttributes(
		attribute.String(labelType, workflowType),
		attribute.String(labelStatus, status),
	))
	m.workflowDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(labelType, workflowType),
	))
}

func (m *pipelineMetrics) recordReview(ctx context.Context, action string) {
	m.reviews.Add(ctx, 1, metric.WithAttributes(
		attribute.String(labelAction, action),
	))
}
