package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/enhance"
	"github.com/tbcv/tbcv/engine/infra/cache"
	"github.com/tbcv/tbcv/engine/infra/monitoring"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/engine/ingest"
	"github.com/tbcv/tbcv/engine/orchestrator"
	"github.com/tbcv/tbcv/engine/recommend"
	"github.com/tbcv/tbcv/engine/truth"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
	"github.com/tbcv/tbcv/pkg/config"
	"github.com/tbcv/tbcv/pkg/logger"
)

// Method names accepted by Call. Typed methods use the same identifiers for
// guard checks and metrics.
const (
	MethodValidateFile     = "validate_file"
	MethodValidateFolder   = "validate_folder"
	MethodValidateContent  = "validate_content"
	MethodGetValidation    = "get_validation"
	MethodListValidations  = "list_validations"
	MethodUpdateValidation = "update_validation"
	MethodDeleteValidation = "delete_validation"
	MethodRevalidate       = "revalidate"

	MethodApprove     = "approve"
	MethodReject      = "reject"
	MethodBulkApprove = "bulk_approve"
	MethodBulkReject  = "bulk_reject"

	MethodGenerateRecommendations    = "generate_recommendations"
	MethodRebuildRecommendations     = "rebuild_recommendations"
	MethodGetRecommendations         = "get_recommendations"
	MethodReviewRecommendation       = "review_recommendation"
	MethodBulkReviewRecommendations  = "bulk_review_recommendations"
	MethodApplyRecommendations       = "apply_recommendations"
	MethodDeleteRecommendation       = "delete_recommendation"
	MethodMarkRecommendationsApplied = "mark_recommendations_applied"

	MethodEnhance                  = "enhance"
	MethodEnhanceBatch             = "enhance_batch"
	MethodEnhancePreview           = "enhance_preview"
	MethodEnhanceAutoApply         = "enhance_auto_apply"
	MethodGetEnhancementComparison = "get_enhancement_comparison"

	MethodCreateWorkflow      = "create_workflow"
	MethodGetWorkflow         = "get_workflow"
	MethodListWorkflows       = "list_workflows"
	MethodControlWorkflow     = "control_workflow"
	MethodGetWorkflowReport   = "get_workflow_report"
	MethodGetWorkflowSummary  = "get_workflow_summary"
	MethodDeleteWorkflow      = "delete_workflow"
	MethodBulkDeleteWorkflows = "bulk_delete_workflows"

	MethodGetSystemStatus        = "get_system_status"
	MethodClearCache             = "clear_cache"
	MethodGetCacheStats          = "get_cache_stats"
	MethodCleanupCache           = "cleanup_cache"
	MethodRebuildCache           = "rebuild_cache"
	MethodReloadAgent            = "reload_agent"
	MethodRunGC                  = "run_gc"
	MethodEnableMaintenanceMode  = "enable_maintenance_mode"
	MethodDisableMaintenanceMode = "disable_maintenance_mode"
	MethodCreateCheckpoint       = "create_checkpoint"
	MethodGetAdminLogs           = "get_admin_logs"
	MethodGetStats               = "get_stats"
	MethodGetAuditLog            = "get_audit_log"
	MethodGetPerformanceReport   = "get_performance_report"
	MethodGetHealthReport        = "get_health_report"
	MethodGetValidationHistory   = "get_validation_history"
	MethodGetAvailableValidators = "get_available_validators"
	MethodExportValidation       = "export_validation"
	MethodExportRecommendations  = "export_recommendations"
	MethodExportWorkflow         = "export_workflow"
)

// methodValidateDirectory is an accepted alias for validate_folder.
const methodValidateDirectory = "validate_directory"

// Cache namespaces owned by the dispatcher.
const (
	agentID            = "dispatch"
	opValidateContent  = "validate_content"
	opWorkflowReport   = "workflow_report"
	opPerformanceCache = "performance_report"
)

// performanceTTL bounds how stale a performance report may be. Rollups change
// on every recorded call, so the key alone cannot carry freshness.
const performanceTTL = time.Minute

// retryDelay spaces boundary-level retries of read operations that hit an
// unavailable store.
const retryDelay = 50 * time.Millisecond

// Deps collects the collaborators the dispatcher fronts. Cache, Recorder and
// Config are optional; the rest must be wired.
type Deps struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Registry     *validation.Registry
	Router       *validation.Router
	Truth        *truth.Loader
	Recommender  *recommend.Recommender
	Enhancer     *enhance.Enhancer
	Loader       *ingest.Loader
	Cache        *cache.Cache
	Recorder     *monitoring.Recorder
	Config       *config.Manager
}

// Dispatcher is the access boundary: every externally reachable operation is
// one of its typed methods, each wrapped with the caller guard, the
// maintenance switch and per-method metrics. Call routes string method names
// from transports to the same implementations.
type Dispatcher struct {
	cfg         *config.Config
	manager     *config.Manager
	store       store.Store
	orch        *orchestrator.Orchestrator
	registry    *validation.Registry
	router      *validation.Router
	truth       *truth.Loader
	recommender *recommend.Recommender
	enhancer    *enhance.Enhancer
	loader      *ingest.Loader
	cache       *cache.Cache
	recorder    *monitoring.Recorder
	guard       *Guard
	maintenance atomic.Bool
	started     time.Time
	methods     map[string]methodFunc
}

// methodFunc adapts one typed method to the map-parameter registry form.
type methodFunc func(ctx context.Context, params map[string]any) (any, error)

// New wires a dispatcher. The maintenance switch starts from runtime
// configuration and the guard from boundary configuration.
func New(cfg *config.Config, deps Deps) *Dispatcher {
	if cfg == nil {
		cfg = config.Default()
	}
	d := &Dispatcher{
		cfg:         cfg,
		manager:     deps.Config,
		store:       deps.Store,
		orch:        deps.Orchestrator,
		registry:    deps.Registry,
		router:      deps.Router,
		truth:       deps.Truth,
		recommender: deps.Recommender,
		enhancer:    deps.Enhancer,
		loader:      deps.Loader,
		cache:       deps.Cache,
		recorder:    deps.Recorder,
		guard:       NewGuard(cfg.Boundary),
		started:     time.Now().UTC(),
	}
	d.maintenance.Store(cfg.Runtime.MaintenanceMode)
	d.methods = d.methodTable()
	return d
}

// Call dispatches a method by name. Unknown names fail with InvalidArgument;
// known names decode params into the method's request type and run it. The
// context is stamped so the caller guard admits the nested typed call.
func (d *Dispatcher) Call(ctx context.Context, method string, params map[string]any) (any, error) {
	fn, ok := d.methods[method]
	if !ok {
		return nil, core.NewError(fmt.Errorf("unknown method %q", method), core.CodeInvalidArgument, map[string]any{
			"method": method,
		})
	}
	if params == nil {
		params = map[string]any{}
	}
	return fn(withBoundary(ctx), params)
}

// Methods lists every dispatchable method name in sorted order.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.methods))
	for name := range d.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MaintenanceMode reports the current switch state.
func (d *Dispatcher) MaintenanceMode() bool { return d.maintenance.Load() }

// run wraps one method invocation: guard check, maintenance gate for
// mutating operations, configuration propagation, timing and the method-call
// metric. Read operations retry when the store reports itself unavailable;
// mutating operations never do, since the first attempt may have partially
// landed.
func run[T any](d *Dispatcher, ctx context.Context, method string, mutating bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := d.guard.Check(ctx, method); err != nil {
		return zero, err
	}
	if mutating {
		if err := d.maintenanceCheck(method); err != nil {
			return zero, err
		}
	}
	ctx = d.withConfig(ctx)
	start := time.Now()
	var out T
	backoff := retry.WithMaxRetries(uint64(d.cfg.Boundary.RetryMax), retry.NewExponential(retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx)
		if !mutating && core.HasCode(ferr, core.CodeStorageUnavailable) {
			logger.FromContext(ctx).Warn("retrying read after storage error", "method", method, "error", ferr)
			return retry.RetryableError(ferr)
		}
		return ferr
	})
	d.observe(ctx, method, err, time.Since(start))
	if err != nil {
		return zero, err
	}
	return out, nil
}

// maintenanceCheck rejects mutating operations while the switch is on. The
// switch itself stays reachable so an operator can always turn it off.
func (d *Dispatcher) maintenanceCheck(method string) error {
	if !d.maintenance.Load() {
		return nil
	}
	switch method {
	case MethodEnableMaintenanceMode, MethodDisableMaintenanceMode:
		return nil
	}
	return core.NewError(fmt.Errorf("%s rejected while maintenance mode is enabled", method), core.CodeMaintenanceMode, map[string]any{
		"reason": "maintenance mode is enabled",
		"method": method,
	})
}

func (d *Dispatcher) withConfig(ctx context.Context) context.Context {
	if d.manager == nil {
		return ctx
	}
	return config.ContextWithManager(ctx, d.manager)
}

func (d *Dispatcher) observe(ctx context.Context, method string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = strings.ToLower(string(core.CodeOf(err)))
	}
	d.recorder.MethodCall(ctx, method, status, duration)
}

// invalidateReports drops cached workflow reports after any mutation that
// changes their inputs. Record and recommendation updates do not touch the
// workflow row, so the report key alone cannot detect them.
func (d *Dispatcher) invalidateReports(ctx context.Context) {
	if d.cache == nil {
		return
	}
	if _, err := d.cache.Invalidate(ctx, cache.Prefix(agentID, opWorkflowReport)); err != nil {
		logger.FromContext(ctx).Debug("workflow report cache invalidation failed", "error", err)
	}
}

func (d *Dispatcher) cacheGetJSON(ctx context.Context, key string, dst any) bool {
	if d.cache == nil {
		return false
	}
	level, err := d.cache.GetJSON(ctx, key, dst)
	if err != nil || level == cache.HitNone {
		d.recorder.CacheLookup(ctx, string(cache.HitNone))
		return false
	}
	d.recorder.CacheLookup(ctx, string(level))
	return true
}

func (d *Dispatcher) cachePutJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	if d.cache == nil {
		return
	}
	if err := d.cache.PutJSON(ctx, key, v, ttl); err != nil {
		logger.FromContext(ctx).Debug("cache write failed", "key", key, "error", err)
	}
}

// ---- shared request parsing ----

func parseID(raw, param string) (core.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", core.NewError(fmt.Errorf("%s is required", param), core.CodeInvalidArgument, map[string]any{
			"param": param,
		})
	}
	return core.ID(raw), nil
}

func parseIDs(raw []string, param string) ([]core.ID, error) {
	out := make([]core.ID, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, core.ID(s))
		}
	}
	if len(out) == 0 {
		return nil, core.NewError(fmt.Errorf("%s is required", param), core.CodeInvalidArgument, map[string]any{
			"param": param,
		})
	}
	return out, nil
}

// parseTime accepts an optional RFC 3339 timestamp. Empty input means the
// filter bound is unset.
func parseTime(raw, param string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, core.NewError(fmt.Errorf("%s must be an RFC 3339 timestamp: %w", param, err), core.CodeInvalidArgument, map[string]any{
			"param": param,
		})
	}
	return &t, nil
}

func requireActor(actor string) (string, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "", core.NewError(fmt.Errorf("actor is required"), core.CodeInvalidArgument, map[string]any{
			"param": "actor",
		})
	}
	return actor, nil
}

func workflowDuration(wf *workflow.Workflow) time.Duration {
	if wf == nil || wf.StartedAt == nil || wf.CompletedAt == nil {
		return 0
	}
	return wf.CompletedAt.Sub(*wf.StartedAt)
}
