package cli

import (
	"github.com/spf13/cobra"

	"github.com/tbcv/tbcv/engine/dispatch"
)

// EnhanceCmd groups the enhancement surface: apply, preview, auto-apply and
// the batch stream.
func EnhanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enhance",
		Short: "Apply approved recommendations under safety gates",
	}
	cmd.PersistentFlags().String("actor", "cli", "Actor recorded in the audit trail")
	cmd.AddCommand(enhanceApplyCmd(), enhancePreviewCmd(), enhanceAutoCmd(), enhanceBatchCmd())
	return cmd
}

func enhanceApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <validation-id>",
		Short: "Apply approved recommendations and write the file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			actor, _ := cmd.Flags().GetString("actor")
			only, _ := cmd.Flags().GetStringSlice("recommendations")
			resp, err := a.dispatcher.Enhance(ctx, &dispatch.EnhanceRequest{
				ValidationID:      args[0],
				RecommendationIDs: only,
				Actor:             actor,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringSlice("recommendations", nil, "Apply only these recommendation ids")
	return cmd
}

func enhancePreviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview <validation-id>",
		Short: "Compute the enhancement diff without writing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			only, _ := cmd.Flags().GetStringSlice("recommendations")
			resp, err := a.dispatcher.EnhancePreview(ctx, &dispatch.EnhancePreviewRequest{
				ValidationID:      args[0],
				RecommendationIDs: only,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringSlice("recommendations", nil, "Preview only these recommendation ids")
	return cmd
}

func enhanceAutoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auto <validation-id>",
		Short: "Approve and apply high-confidence recommendations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			actor, _ := cmd.Flags().GetString("actor")
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			maxRecs, _ := cmd.Flags().GetInt("max")
			resp, err := a.dispatcher.EnhanceAutoApply(ctx, &dispatch.AutoApplyRequest{
				ValidationID:        args[0],
				ConfidenceThreshold: threshold,
				MaxRecommendations:  maxRecs,
				Actor:               actor,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().Float64("threshold", 0.9, "Minimum recommendation confidence")
	cmd.Flags().Int("max", 0, "Maximum recommendations to apply (0 = no cap)")
	return cmd
}

func enhanceBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <validation-id>...",
		Short: "Enhance several records, streaming progress",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			actor, _ := cmd.Flags().GetString("actor")
			stream, err := a.dispatcher.EnhanceBatch(ctx, &dispatch.EnhanceBatchRequest{
				ValidationIDs: args,
				Actor:         actor,
			})
			if err != nil {
				return err
			}
			defer stream.Close()
			for event := range stream.Events {
				if err := printJSON(cmd.OutOrStdout(), event); err != nil {
					return err
				}
			}
			final, err := a.dispatcher.GetWorkflow(ctx, &dispatch.GetWorkflowRequest{ID: string(stream.Workflow.ID)})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), final)
		},
	}
}
