package cli

import (
	"github.com/spf13/cobra"

	"github.com/tbcv/tbcv/engine/dispatch"
)

// WorkflowCmd groups workflow inspection and control.
func WorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and control workflows",
	}
	cmd.AddCommand(workflowGetCmd(), workflowListCmd(), workflowControlCmd(), workflowReportCmd())
	return cmd
}

func workflowGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			wf, err := a.dispatcher.GetWorkflow(ctx, &dispatch.GetWorkflowRequest{ID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), wf)
		},
	}
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			typ, _ := cmd.Flags().GetString("type")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			resp, err := a.dispatcher.ListWorkflows(ctx, &dispatch.ListWorkflowsRequest{
				Type:   typ,
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().String("type", "", "Filter by workflow type")
	cmd.Flags().String("status", "", "Filter by status")
	cmd.Flags().Int("limit", 50, "Maximum rows returned")
	return cmd
}

func workflowControlCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "control <id> <pause|resume|cancel>",
		Short:     "Pause, resume or cancel a workflow",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"pause", "resume", "cancel"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			wf, err := a.dispatcher.ControlWorkflow(ctx, &dispatch.ControlWorkflowRequest{
				ID:     args[0],
				Action: args[1],
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), wf)
		},
	}
}

func workflowReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <id>",
		Short: "Aggregate a workflow's records and recommendations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			report, err := a.dispatcher.GetWorkflowReport(ctx, &dispatch.WorkflowReportRequest{ID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}
