package cli

import (
	"github.com/spf13/cobra"

	"github.com/tbcv/tbcv/engine/dispatch"
)

// RecommendCmd groups the recommendation lifecycle: generation, listing and
// human review.
func RecommendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Generate and review improvement recommendations",
	}
	cmd.AddCommand(recommendGenerateCmd(), recommendListCmd(), recommendReviewCmd())
	return cmd
}

func recommendGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <validation-id>",
		Short: "Generate recommendations for a validation record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			regenerate, _ := cmd.Flags().GetBool("regenerate")
			resp, err := a.dispatcher.GenerateRecommendations(ctx, &dispatch.GenerateRecommendationsRequest{
				ValidationID: args[0],
				Regenerate:   regenerate,
				Actor:        "cli",
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().Bool("regenerate", false, "Discard existing proposed recommendations first")
	return cmd
}

func recommendListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recommendations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			validationID, _ := cmd.Flags().GetString("validation")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			resp, err := a.dispatcher.GetRecommendations(ctx, &dispatch.ListRecommendationsRequest{
				ValidationID: validationID,
				Status:       status,
				Limit:        limit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().String("validation", "", "Filter by validation record id")
	cmd.Flags().String("status", "", "Filter by status (proposed, approved, rejected, applied)")
	cmd.Flags().Int("limit", 50, "Maximum rows returned")
	return cmd
}

func recommendReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review <id>...",
		Short: "Approve or reject recommendations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			action, _ := cmd.Flags().GetString("action")
			reviewer, _ := cmd.Flags().GetString("reviewer")
			notes, _ := cmd.Flags().GetString("notes")
			resp, err := a.dispatcher.BulkReviewRecommendations(ctx, &dispatch.BulkReviewRequest{
				IDs:      args,
				Action:   action,
				Reviewer: reviewer,
				Notes:    notes,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().String("action", "approve", "Review action (approve or reject)")
	cmd.Flags().String("reviewer", "cli", "Reviewer recorded on each recommendation")
	cmd.Flags().String("notes", "", "Review notes")
	return cmd
}
