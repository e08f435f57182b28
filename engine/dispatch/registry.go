package dispatch

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/tbcv/tbcv/engine/core"
)

// decodeRequest maps wire parameters onto a typed request. Decoding is
// weakly typed because params survive JSON transport and may arrive with
// numbers as floats or bools as strings.
func decodeRequest(method string, params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return core.NewError(fmt.Errorf("failed to create request decoder: %w", err), core.CodeInternal, nil)
	}
	if err := decoder.Decode(params); err != nil {
		return core.NewError(fmt.Errorf("failed to decode %s request: %w", method, err), core.CodeInvalidArgument, map[string]any{
			"method": method,
		})
	}
	return nil
}

// adapt turns a typed method into a registry entry: params decode into the
// request type, then the typed method runs with its own guard and metrics.
func adapt[Req any, Resp any](method string, fn func(context.Context, *Req) (Resp, error)) methodFunc {
	return func(ctx context.Context, params map[string]any) (any, error) {
		req := new(Req)
		if err := decodeRequest(method, params, req); err != nil {
			return nil, err
		}
		out, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// nullary adapts a typed method that takes no request.
func nullary[Resp any](fn func(context.Context) (Resp, error)) methodFunc {
	return func(ctx context.Context, _ map[string]any) (any, error) {
		out, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (d *Dispatcher) methodTable() map[string]methodFunc {
	table := map[string]methodFunc{
		MethodValidateFile:     adapt(MethodValidateFile, d.ValidateFile),
		MethodValidateFolder:   adapt(MethodValidateFolder, d.ValidateFolder),
		MethodValidateContent:  adapt(MethodValidateContent, d.ValidateContent),
		MethodGetValidation:    adapt(MethodGetValidation, d.GetValidation),
		MethodListValidations:  adapt(MethodListValidations, d.ListValidations),
		MethodUpdateValidation: adapt(MethodUpdateValidation, d.UpdateValidation),
		MethodDeleteValidation: adapt(MethodDeleteValidation, d.DeleteValidation),
		MethodRevalidate:       adapt(MethodRevalidate, d.Revalidate),

		MethodApprove:     adapt(MethodApprove, d.Approve),
		MethodReject:      adapt(MethodReject, d.Reject),
		MethodBulkApprove: adapt(MethodBulkApprove, d.BulkApprove),
		MethodBulkReject:  adapt(MethodBulkReject, d.BulkReject),

		MethodGenerateRecommendations:    adapt(MethodGenerateRecommendations, d.GenerateRecommendations),
		MethodRebuildRecommendations:     adapt(MethodRebuildRecommendations, d.RebuildRecommendations),
		MethodGetRecommendations:         adapt(MethodGetRecommendations, d.GetRecommendations),
		MethodReviewRecommendation:       adapt(MethodReviewRecommendation, d.ReviewRecommendation),
		MethodBulkReviewRecommendations:  adapt(MethodBulkReviewRecommendations, d.BulkReviewRecommendations),
		MethodApplyRecommendations:       adapt(MethodApplyRecommendations, d.ApplyRecommendations),
		MethodDeleteRecommendation:       adapt(MethodDeleteRecommendation, d.DeleteRecommendation),
		MethodMarkRecommendationsApplied: adapt(MethodMarkRecommendationsApplied, d.MarkRecommendationsApplied),

		MethodEnhance:                  adapt(MethodEnhance, d.Enhance),
		MethodEnhanceBatch:             d.enhanceBatchEntry(),
		MethodEnhancePreview:           adapt(MethodEnhancePreview, d.EnhancePreview),
		MethodEnhanceAutoApply:         adapt(MethodEnhanceAutoApply, d.EnhanceAutoApply),
		MethodGetEnhancementComparison: adapt(MethodGetEnhancementComparison, d.GetEnhancementComparison),

		MethodCreateWorkflow:      adapt(MethodCreateWorkflow, d.CreateWorkflow),
		MethodGetWorkflow:         adapt(MethodGetWorkflow, d.GetWorkflow),
		MethodListWorkflows:       adapt(MethodListWorkflows, d.ListWorkflows),
		MethodControlWorkflow:     adapt(MethodControlWorkflow, d.ControlWorkflow),
		MethodGetWorkflowReport:   adapt(MethodGetWorkflowReport, d.GetWorkflowReport),
		MethodDeleteWorkflow:      adapt(MethodDeleteWorkflow, d.DeleteWorkflow),
		MethodBulkDeleteWorkflows: adapt(MethodBulkDeleteWorkflows, d.BulkDeleteWorkflows),

		MethodGetSystemStatus:        nullary(d.GetSystemStatus),
		MethodClearCache:             adapt(MethodClearCache, d.ClearCache),
		MethodGetCacheStats:          nullary(d.GetCacheStats),
		MethodCleanupCache:           nullary(d.CleanupCache),
		MethodRebuildCache:           nullary(d.RebuildCache),
		MethodReloadAgent:            adapt(MethodReloadAgent, d.ReloadAgent),
		MethodRunGC:                  nullary(d.RunGC),
		MethodEnableMaintenanceMode:  nullary(d.EnableMaintenanceMode),
		MethodDisableMaintenanceMode: nullary(d.DisableMaintenanceMode),
		MethodCreateCheckpoint:       adapt(MethodCreateCheckpoint, d.CreateCheckpoint),
		MethodGetAdminLogs:           adapt(MethodGetAdminLogs, d.GetAdminLogs),
		MethodGetStats:               adapt(MethodGetStats, d.GetStats),
		MethodGetAuditLog:            adapt(MethodGetAuditLog, d.GetAuditLog),
		MethodGetPerformanceReport:   adapt(MethodGetPerformanceReport, d.GetPerformanceReport),
		MethodGetHealthReport:        nullary(d.GetHealthReport),
		MethodGetValidationHistory:   adapt(MethodGetValidationHistory, d.GetValidationHistory),
		MethodGetAvailableValidators: nullary(d.GetAvailableValidators),
		MethodExportValidation:       adapt(MethodExportValidation, d.ExportValidation),
		MethodExportRecommendations:  adapt(MethodExportRecommendations, d.ExportRecommendations),
		MethodExportWorkflow:         adapt(MethodExportWorkflow, d.ExportWorkflow),
	}
	table[methodValidateDirectory] = table[MethodValidateFolder]
	table[MethodGetWorkflowSummary] = table[MethodGetWorkflowReport]
	return table
}

// enhanceBatchEntry adapts the streaming enhance_batch for transports that
// cannot carry a channel: the event feed is released immediately and the
// created workflow row is returned for polling.
func (d *Dispatcher) enhanceBatchEntry() methodFunc {
	return func(ctx context.Context, params map[string]any) (any, error) {
		req := new(EnhanceBatchRequest)
		if err := decodeRequest(MethodEnhanceBatch, params, req); err != nil {
			return nil, err
		}
		stream, err := d.EnhanceBatch(ctx, req)
		if err != nil {
			return nil, err
		}
		stream.Close()
		return stream.Workflow, nil
	}
}
