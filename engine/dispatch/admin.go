package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/tbcv/tbcv/engine/audit"
	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/infra/cache"
	"github.com/tbcv/tbcv/engine/infra/monitoring"
	"github.com/tbcv/tbcv/engine/infra/store"
	"github.com/tbcv/tbcv/engine/orchestrator"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/engine/workflow"
	"github.com/tbcv/tbcv/pkg/version"
)

// SystemStatus is the operator snapshot served by get_system_status.
type SystemStatus struct {
	Version          version.Info                      `json:"version"`
	StartedAt        time.Time                         `json:"started_at"`
	UptimeSeconds    float64                           `json:"uptime_seconds"`
	MaintenanceMode  bool                              `json:"maintenance_mode"`
	BoundaryMode     string                            `json:"boundary_mode"`
	StoreHealthy     bool                              `json:"store_healthy"`
	StoreError       string                            `json:"store_error,omitempty"`
	RunningWorkflows int                               `json:"running_workflows"`
	Occupancy        map[string]orchestrator.Occupancy `json:"occupancy,omitempty"`
	Cache            *cache.StatsView                  `json:"cache,omitempty"`
	TruthFamilies    []string                          `json:"truth_families,omitempty"`
	Validators       []string                          `json:"validators"`
}

type ClearCacheRequest struct {
	Level string `json:"level,omitempty"`
}

// CacheOpResponse reports one cache maintenance action.
type CacheOpResponse struct {
	Removed int64  `json:"removed"`
	Level   string `json:"level,omitempty"`
}

type RebuildCacheResponse struct {
	Cleared int64             `json:"cleared"`
	Warmed  []string          `json:"warmed,omitempty"`
	Failed  map[string]string `json:"failed,omitempty"`
}

type ReloadAgentRequest struct {
	ID string `json:"id"`
}

type ReloadAgentResponse struct {
	Agent       string `json:"agent"`
	Invalidated int64  `json:"invalidated"`
}

type GCResponse struct {
	HeapBeforeBytes uint64 `json:"heap_before_bytes"`
	HeapAfterBytes  uint64 `json:"heap_after_bytes"`
	FreedBytes      int64  `json:"freed_bytes"`
	NumGC           uint32 `json:"num_gc"`
}

type MaintenanceResponse struct {
	Enabled bool `json:"enabled"`
}

type CreateCheckpointRequest struct {
	WorkflowID string `json:"workflow_id"`
}

type AdminLogsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type AdminLogsResponse struct {
	Audit           []*audit.Entry       `json:"audit"`
	FailedWorkflows []*workflow.Workflow `json:"failed_workflows"`
}

type StatsRequest struct {
	Days int `json:"days,omitempty"`
}

type StatsResponse struct {
	Days    int                   `json:"days"`
	Rollups []*store.MetricRollup `json:"rollups"`
}

type AuditLogRequest struct {
	ValidationID     string `json:"validation_id,omitempty"`
	RecommendationID string `json:"recommendation_id,omitempty"`
	Actor            string `json:"actor,omitempty"`
	Action           string `json:"action,omitempty"`
	Since            string `json:"since,omitempty"`
	Until            string `json:"until,omitempty"`
	Limit            int    `json:"limit,omitempty"`
	Offset           int    `json:"offset,omitempty"`
}

type AuditLogResponse struct {
	Entries []*audit.Entry `json:"entries"`
	Count   int            `json:"count"`
}

type PerformanceReportRequest struct {
	Days int `json:"days,omitempty"`
}

// OpPerformance aggregates one rollup family over the report window.
type OpPerformance struct {
	Name        string  `json:"name"`
	Calls       int64   `json:"calls"`
	MeanSeconds float64 `json:"mean_seconds"`
}

// PerformanceReport folds the daily rollups into per-method and
// per-workflow aggregates.
type PerformanceReport struct {
	Days         int              `json:"days"`
	Methods      []OpPerformance  `json:"methods"`
	Workflows    []OpPerformance  `json:"workflows"`
	CacheHits    int64            `json:"cache_hits"`
	CacheMisses  int64            `json:"cache_misses"`
	CacheHitRate float64          `json:"cache_hit_rate"`
	Enhancements map[string]int64 `json:"enhancements,omitempty"`
	Reviews      map[string]int64 `json:"reviews,omitempty"`
}

type HealthCheck struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// HealthReport rolls component checks into one overall state. Overall is
// the worst component status.
type HealthReport struct {
	Overall   string        `json:"overall"`
	Checks    []HealthCheck `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

type ValidationHistoryRequest struct {
	FilePath string `json:"file_path"`
	Limit    int    `json:"limit,omitempty"`
}

type ValidationHistoryResponse struct {
	FilePath string               `json:"file_path"`
	Records  []*validation.Record `json:"records"`
	Count    int                  `json:"count"`
}

type ValidatorInfo struct {
	ID      string `json:"id"`
	Tier    int    `json:"tier"`
	Enabled bool   `json:"enabled"`
}

type AvailableValidatorsResponse struct {
	Validators []ValidatorInfo     `json:"validators"`
	Profiles   map[string][]string `json:"profiles"`
}

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthDown     = "down"
)

// GetSystemStatus reports build info, uptime, component health and current
// workflow occupancy in one call.
func (d *Dispatcher) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	return run(d, ctx, MethodGetSystemStatus, false, func(ctx context.Context) (*SystemStatus, error) {
		status := &SystemStatus{
			Version:          version.Get(),
			StartedAt:        d.started,
			UptimeSeconds:    time.Since(d.started).Seconds(),
			MaintenanceMode:  d.maintenance.Load(),
			BoundaryMode:     d.guard.Mode(),
			RunningWorkflows: d.orch.Running(),
			Occupancy:        d.orch.Admission().Occupancy(),
			Validators:       d.registry.IDs(),
		}
		if err := d.store.Ping(ctx); err != nil {
			status.StoreError = err.Error()
		} else {
			status.StoreHealthy = true
		}
		if d.cache != nil {
			if view, err := d.cache.Stats(ctx); err == nil {
				status.Cache = view
			}
		}
		if d.truth != nil {
			if families, err := d.truth.Families(); err == nil {
				status.TruthFamilies = families
			}
		}
		return status, nil
	})
}

// ClearCache empties the requested cache tier. Level defaults to all.
func (d *Dispatcher) ClearCache(ctx context.Context, req *ClearCacheRequest) (*CacheOpResponse, error) {
	return run(d, ctx, MethodClearCache, true, func(ctx context.Context) (*CacheOpResponse, error) {
		level := strings.ToLower(strings.TrimSpace(req.Level))
		if level == "" {
			level = cache.LevelAll
		}
		if d.cache == nil {
			return &CacheOpResponse{Level: level}, nil
		}
		removed, err := d.cache.Clear(ctx, level)
		if err != nil {
			return nil, err
		}
		return &CacheOpResponse{Removed: removed, Level: level}, nil
	})
}

// GetCacheStats returns the cache counter snapshot.
func (d *Dispatcher) GetCacheStats(ctx context.Context) (*cache.StatsView, error) {
	return run(d, ctx, MethodGetCacheStats, false, func(ctx context.Context) (*cache.StatsView, error) {
		if d.cache == nil {
			return &cache.StatsView{}, nil
		}
		return d.cache.Stats(ctx)
	})
}

// CleanupCache sweeps expired entries from both tiers immediately.
func (d *Dispatcher) CleanupCache(ctx context.Context) (*CacheOpResponse, error) {
	return run(d, ctx, MethodCleanupCache, true, func(ctx context.Context) (*CacheOpResponse, error) {
		if d.cache == nil {
			return &CacheOpResponse{}, nil
		}
		removed, err := d.cache.CleanupNow(ctx)
		if err != nil {
			return nil, err
		}
		return &CacheOpResponse{Removed: removed}, nil
	})
}

// RebuildCache clears every tier, then warms the truth indexes so the next
// validations do not all pay the manifest parse. Families that fail to
// load are reported, not fatal.
func (d *Dispatcher) RebuildCache(ctx context.Context) (*RebuildCacheResponse, error) {
	return run(d, ctx, MethodRebuildCache, true, func(ctx context.Context) (*RebuildCacheResponse, error) {
		resp := &RebuildCacheResponse{}
		if d.cache != nil {
			cleared, err := d.cache.Clear(ctx, cache.LevelAll)
			if err != nil {
				return nil, err
			}
			resp.Cleared = cleared
		}
		if d.truth == nil {
			return resp, nil
		}
		d.truth.InvalidateAll()
		families, err := d.truth.Families()
		if err != nil {
			return nil, err
		}
		for _, family := range families {
			if _, err := d.truth.Load(ctx, family); err != nil {
				if resp.Failed == nil {
					resp.Failed = map[string]string{}
				}
				resp.Failed[family] = err.Error()
				continue
			}
			resp.Warmed = append(resp.Warmed, family)
		}
		return resp, nil
	})
}

// ReloadAgent drops the cached state of one agent: the truth loader's
// parsed indexes, or the cached results a validator contributed to.
func (d *Dispatcher) ReloadAgent(ctx context.Context, req *ReloadAgentRequest) (*ReloadAgentResponse, error) {
	return run(d, ctx, MethodReloadAgent, true, func(ctx context.Context) (*ReloadAgentResponse, error) {
		id := strings.ToLower(strings.TrimSpace(req.ID))
		if id == "" {
			return nil, core.NewError(fmt.Errorf("id is required"), core.CodeInvalidArgument, map[string]any{
				"param": "id",
			})
		}
		if id == "truth" {
			if d.truth != nil {
				d.truth.InvalidateAll()
			}
			removed := d.invalidatePrefix(ctx, cache.Prefix(agentID, opValidateContent))
			return &ReloadAgentResponse{Agent: id, Invalidated: removed}, nil
		}
		if _, ok := d.registry.Get(id); !ok {
			return nil, core.NewError(fmt.Errorf("unknown agent %q", id), core.CodeNotFound, map[string]any{
				"agent": id,
			})
		}
		removed := d.invalidatePrefix(ctx, cache.Prefix(agentID, opValidateContent))
		return &ReloadAgentResponse{Agent: id, Invalidated: removed}, nil
	})
}

// RunGC forces a garbage collection cycle and reports the heap delta.
func (d *Dispatcher) RunGC(ctx context.Context) (*GCResponse, error) {
	return run(d, ctx, MethodRunGC, true, func(ctx context.Context) (*GCResponse, error) {
		var before, after runtime.MemStats
		runtime.ReadMemStats(&before)
		runtime.GC()
		runtime.ReadMemStats(&after)
		return &GCResponse{
			HeapBeforeBytes: before.HeapAlloc,
			HeapAfterBytes:  after.HeapAlloc,
			FreedBytes:      int64(before.HeapAlloc) - int64(after.HeapAlloc),
			NumGC:           after.NumGC,
		}, nil
	})
}

// EnableMaintenanceMode turns the maintenance switch on. Mutating methods
// are rejected until it is turned off again.
func (d *Dispatcher) EnableMaintenanceMode(ctx context.Context) (*MaintenanceResponse, error) {
	return run(d, ctx, MethodEnableMaintenanceMode, true, func(ctx context.Context) (*MaintenanceResponse, error) {
		d.maintenance.Store(true)
		return &MaintenanceResponse{Enabled: true}, nil
	})
}

// DisableMaintenanceMode turns the maintenance switch off.
func (d *Dispatcher) DisableMaintenanceMode(ctx context.Context) (*MaintenanceResponse, error) {
	return run(d, ctx, MethodDisableMaintenanceMode, true, func(ctx context.Context) (*MaintenanceResponse, error) {
		d.maintenance.Store(false)
		return &MaintenanceResponse{Enabled: false}, nil
	})
}

// CreateCheckpoint appends a manual resume point for a paused workflow.
// When the run already checkpointed, the latest position is re-recorded;
// otherwise the checkpoint carries the current step with no runner state.
func (d *Dispatcher) CreateCheckpoint(ctx context.Context, req *CreateCheckpointRequest) (*workflow.Checkpoint, error) {
	return run(d, ctx, MethodCreateCheckpoint, true, func(ctx context.Context) (*workflow.Checkpoint, error) {
		id, err := parseID(req.WorkflowID, "workflow_id")
		if err != nil {
			return nil, err
		}
		wf, err := d.store.Workflows().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if wf.Status != core.StatusPaused {
			return nil, core.NewError(fmt.Errorf("workflow %s is %s", id, wf.Status), core.CodeConflict, map[string]any{
				"reason": "checkpoints require a paused workflow",
				"status": string(wf.Status),
			})
		}
		var cp *workflow.Checkpoint
		latest, err := d.store.Workflows().LatestCheckpoint(ctx, id)
		switch {
		case err == nil:
			cp = workflow.NewCheckpoint(id, latest.Step, latest.Position, latest.State)
		case core.CodeOf(err) == core.CodeNotFound:
			cp = workflow.NewCheckpoint(id, "manual", wf.CurrentStep, nil)
		default:
			return nil, err
		}
		if err := d.store.Workflows().AppendCheckpoint(ctx, cp); err != nil {
			return nil, err
		}
		return cp, nil
	})
}

// GetAdminLogs returns the most recent audit entries next to failed
// workflows, the two streams an operator checks first.
func (d *Dispatcher) GetAdminLogs(ctx context.Context, req *AdminLogsRequest) (*AdminLogsResponse, error) {
	return run(d, ctx, MethodGetAdminLogs, false, func(ctx context.Context) (*AdminLogsResponse, error) {
		limit := req.Limit
		if limit <= 0 {
			limit = 50
		}
		entries, err := d.store.Audit().List(ctx, &audit.Filter{Limit: limit})
		if err != nil {
			return nil, err
		}
		failed, err := d.store.Workflows().List(ctx, &workflow.Filter{Status: core.StatusFailed, Limit: limit})
		if err != nil {
			return nil, err
		}
		return &AdminLogsResponse{Audit: entries, FailedWorkflows: failed}, nil
	})
}

// GetStats returns the raw daily rollups for the trailing window. Days
// defaults to 7.
func (d *Dispatcher) GetStats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	return run(d, ctx, MethodGetStats, false, func(ctx context.Context) (*StatsResponse, error) {
		days := req.Days
		if days <= 0 {
			days = 7
		}
		rollups, err := d.store.Metrics().Rollup(ctx, days)
		if err != nil {
			return nil, err
		}
		return &StatsResponse{Days: days, Rollups: rollups}, nil
	})
}

// GetAuditLog lists audit entries by filter, newest first.
func (d *Dispatcher) GetAuditLog(ctx context.Context, req *AuditLogRequest) (*AuditLogResponse, error) {
	return run(d, ctx, MethodGetAuditLog, false, func(ctx context.Context) (*AuditLogResponse, error) {
		filter, err := auditFilterFrom(req)
		if err != nil {
			return nil, err
		}
		entries, err := d.store.Audit().List(ctx, filter)
		if err != nil {
			return nil, err
		}
		return &AuditLogResponse{Entries: entries, Count: len(entries)}, nil
	})
}

// GetPerformanceReport folds the rollup window into per-operation call
// counts and latencies. The report is cached briefly because rollups move
// on every recorded call.
func (d *Dispatcher) GetPerformanceReport(ctx context.Context, req *PerformanceReportRequest) (*PerformanceReport, error) {
	return run(d, ctx, MethodGetPerformanceReport, false, func(ctx context.Context) (*PerformanceReport, error) {
		days := req.Days
		if days <= 0 {
			days = 7
		}
		key := cache.KeyFor(agentID, opPerformanceCache, map[string]any{
			"days": days,
			"day":  store.Day(time.Now()),
		})
		var cached PerformanceReport
		if d.cacheGetJSON(ctx, key, &cached) {
			return &cached, nil
		}
		rollups, err := d.store.Metrics().Rollup(ctx, days)
		if err != nil {
			return nil, err
		}
		report := buildPerformanceReport(days, rollups)
		d.cachePutJSON(ctx, key, report, performanceTTL)
		return report, nil
	})
}

// GetHealthReport checks every component the dispatcher fronts and rolls
// the results into one overall state.
func (d *Dispatcher) GetHealthReport(ctx context.Context) (*HealthReport, error) {
	return run(d, ctx, MethodGetHealthReport, false, func(ctx context.Context) (*HealthReport, error) {
		report := &HealthReport{CheckedAt: time.Now().UTC()}
		if err := d.store.Ping(ctx); err != nil {
			report.add("store", healthDown, err.Error())
		} else {
			report.add("store", healthOK, "")
		}
		switch {
		case d.cache == nil:
			report.add("cache", healthOK, "disabled")
		default:
			if _, err := d.cache.Stats(ctx); err != nil {
				report.add("cache", healthDegraded, err.Error())
			} else {
				report.add("cache", healthOK, "")
			}
		}
		switch {
		case d.truth == nil:
			report.add("truth", healthOK, "disabled")
		default:
			families, err := d.truth.Families()
			if err != nil {
				report.add("truth", healthDegraded, err.Error())
			} else {
				report.add("truth", healthOK, fmt.Sprintf("%d families", len(families)))
			}
		}
		if len(d.registry.IDs()) == 0 {
			report.add("validators", healthDown, "no validators registered")
		} else {
			report.add("validators", healthOK, "")
		}
		if d.maintenance.Load() {
			report.add("maintenance", healthDegraded, "maintenance mode is enabled")
		} else {
			report.add("maintenance", healthOK, "")
		}
		return report, nil
	})
}

// GetValidationHistory lists the validation timeline of one file path,
// newest first.
func (d *Dispatcher) GetValidationHistory(ctx context.Context, req *ValidationHistoryRequest) (*ValidationHistoryResponse, error) {
	return run(d, ctx, MethodGetValidationHistory, false, func(ctx context.Context) (*ValidationHistoryResponse, error) {
		path := strings.TrimSpace(req.FilePath)
		if path == "" {
			return nil, core.NewError(fmt.Errorf("file_path is required"), core.CodeInvalidArgument, map[string]any{
				"param": "file_path",
			})
		}
		limit := req.Limit
		if limit <= 0 {
			limit = 20
		}
		records, err := d.store.Validations().History(ctx, path, limit)
		if err != nil {
			return nil, err
		}
		return &ValidationHistoryResponse{FilePath: path, Records: records, Count: len(records)}, nil
	})
}

// GetAvailableValidators lists registered validators with their effective
// tier and enablement, plus the configured profiles.
func (d *Dispatcher) GetAvailableValidators(ctx context.Context) (*AvailableValidatorsResponse, error) {
	return run(d, ctx, MethodGetAvailableValidators, false, func(ctx context.Context) (*AvailableValidatorsResponse, error) {
		enabled := map[string]bool{}
		if set, err := d.registry.Resolve(d.cfg, "", nil); err == nil {
			for _, v := range set {
				enabled[strings.ToLower(v.ID())] = true
			}
		}
		resp := &AvailableValidatorsResponse{Profiles: d.cfg.Validators.Profiles}
		for _, id := range d.registry.IDs() {
			v, ok := d.registry.Get(id)
			if !ok {
				continue
			}
			resp.Validators = append(resp.Validators, ValidatorInfo{
				ID:      id,
				Tier:    validation.TierOf(d.cfg, v),
				Enabled: enabled[id],
			})
		}
		return resp, nil
	})
}

func (d *Dispatcher) invalidatePrefix(ctx context.Context, prefix string) int64 {
	if d.cache == nil {
		return 0
	}
	removed, err := d.cache.Invalidate(ctx, prefix)
	if err != nil {
		return 0
	}
	return removed
}

func (r *HealthReport) add(component, status, detail string) {
	r.Checks = append(r.Checks, HealthCheck{Component: component, Status: status, Detail: detail})
	if healthRank(status) > healthRank(r.Overall) {
		r.Overall = status
	}
	if r.Overall == "" {
		r.Overall = healthOK
	}
}

func healthRank(status string) int {
	switch status {
	case healthDown:
		return 2
	case healthDegraded:
		return 1
	default:
		return 0
	}
}

func auditFilterFrom(req *AuditLogRequest) (*audit.Filter, error) {
	filter := &audit.Filter{
		ValidationID:     core.ID(strings.TrimSpace(req.ValidationID)),
		RecommendationID: core.ID(strings.TrimSpace(req.RecommendationID)),
		Actor:            strings.TrimSpace(req.Actor),
		Limit:            req.Limit,
		Offset:           req.Offset,
	}
	if a := audit.Action(strings.ToLower(strings.TrimSpace(req.Action))); a != "" {
		if !a.IsValid() {
			return nil, core.NewError(fmt.Errorf("unknown audit action %q", req.Action), core.CodeInvalidArgument, map[string]any{
				"param": "action",
			})
		}
		filter.Action = a
	}
	since, err := parseTime(req.Since, "since")
	if err != nil {
		return nil, err
	}
	until, err := parseTime(req.Until, "until")
	if err != nil {
		return nil, err
	}
	if since != nil {
		filter.Since = *since
	}
	if until != nil {
		filter.Until = *until
	}
	return filter, nil
}

func buildPerformanceReport(days int, rollups []*store.MetricRollup) *PerformanceReport {
	report := &PerformanceReport{Days: days}
	methods := map[string]*store.MetricRollup{}
	workflows := map[string]*store.MetricRollup{}
	for _, rollup := range rollups {
		switch {
		case strings.HasPrefix(rollup.Name, monitoring.SampleMethodPrefix):
			foldRollup(methods, strings.TrimPrefix(rollup.Name, monitoring.SampleMethodPrefix), rollup)
		case strings.HasPrefix(rollup.Name, monitoring.SampleWorkflowPrefix):
			foldRollup(workflows, strings.TrimPrefix(rollup.Name, monitoring.SampleWorkflowPrefix), rollup)
		case strings.HasPrefix(rollup.Name, monitoring.SampleEnhancementPrefix):
			if report.Enhancements == nil {
				report.Enhancements = map[string]int64{}
			}
			report.Enhancements[strings.TrimPrefix(rollup.Name, monitoring.SampleEnhancementPrefix)] += rollup.Count
		case strings.HasPrefix(rollup.Name, monitoring.SampleReviewPrefix):
			if report.Reviews == nil {
				report.Reviews = map[string]int64{}
			}
			report.Reviews[strings.TrimPrefix(rollup.Name, monitoring.SampleReviewPrefix)] += rollup.Count
		case rollup.Name == monitoring.SampleCacheHit:
			report.CacheHits += rollup.Count
		case rollup.Name == monitoring.SampleCacheMiss:
			report.CacheMisses += rollup.Count
		}
	}
	report.Methods = flattenPerformance(methods)
	report.Workflows = flattenPerformance(workflows)
	if lookups := report.CacheHits + report.CacheMisses; lookups > 0 {
		report.CacheHitRate = float64(report.CacheHits) / float64(lookups)
	}
	return report
}

func foldRollup(into map[string]*store.MetricRollup, name string, rollup *store.MetricRollup) {
	agg, ok := into[name]
	if !ok {
		agg = &store.MetricRollup{Name: name}
		into[name] = agg
	}
	agg.Count += rollup.Count
	agg.Sum += rollup.Sum
}

func flattenPerformance(aggs map[string]*store.MetricRollup) []OpPerformance {
	out := make([]OpPerformance, 0, len(aggs))
	for name, agg := range aggs {
		out = append(out, OpPerformance{Name: name, Calls: agg.Count, MeanSeconds: agg.Mean()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
