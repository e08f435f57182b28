package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// StatusCmd reports system status or the health check battery.
func StatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			health, _ := cmd.Flags().GetBool("health")
			if health {
				report, err := a.dispatcher.GetHealthReport(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			}
			status, err := a.dispatcher.GetSystemStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().Bool("health", false, "Run subsystem health checks instead")
	return cmd
}

// CallCmd dispatches any boundary method by name with JSON parameters. It
// exposes the full admin surface without one subcommand per method.
func CallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Invoke a dispatcher method by name",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if len(args) == 2 && args[1] != "" {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("params must be a JSON object: %w", err)
				}
			}
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			out, err := a.dispatcher.Call(ctx, args[0], params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "methods",
		Short: "List every dispatchable method",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			return printJSON(cmd.OutOrStdout(), a.dispatcher.Methods())
		},
	})
	return cmd
}
