package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/tbcv/tbcv/engine/dispatch"
)

// ValidateCmd groups the validation surface: one file, a folder fan-out, or
// content piped through stdin.
func ValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run validators against documentation content",
	}
	cmd.PersistentFlags().String("family", "", "Truth family scoping plugin definitions")
	cmd.PersistentFlags().String("profile", "", "Validation profile (default, fast, full)")
	cmd.PersistentFlags().StringSlice("types", nil, "Restrict to specific validator ids")

	cmd.AddCommand(validateFileCmd(), validateFolderCmd(), validateContentCmd())
	return cmd
}

func validateFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "file <path>",
		Short: "Validate a single file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			family, _ := cmd.Flags().GetString("family")
			profile, _ := cmd.Flags().GetString("profile")
			types, _ := cmd.Flags().GetStringSlice("types")
			resp, err := a.dispatcher.ValidateFile(ctx, &dispatch.ValidateFileRequest{
				Path:            args[0],
				Family:          family,
				Profile:         profile,
				ValidationTypes: types,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func validateFolderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder <dir>",
		Short: "Validate every matching file under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			family, _ := cmd.Flags().GetString("family")
			profile, _ := cmd.Flags().GetString("profile")
			types, _ := cmd.Flags().GetStringSlice("types")
			pattern, _ := cmd.Flags().GetString("pattern")
			workers, _ := cmd.Flags().GetInt("workers")
			recursive, _ := cmd.Flags().GetBool("recursive")
			resp, err := a.dispatcher.ValidateFolder(ctx, &dispatch.ValidateFolderRequest{
				Dir:             args[0],
				Pattern:         pattern,
				Workers:         workers,
				Family:          family,
				Profile:         profile,
				ValidationTypes: types,
				Recursive:       &recursive,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().String("pattern", "**/*.md", "Glob pattern for files to validate")
	cmd.Flags().Int("workers", 0, "Parallel workers (0 uses the configured default)")
	cmd.Flags().Bool("recursive", true, "Descend into subdirectories")
	return cmd
}

func validateContentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "content",
		Short: "Validate content read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			a, ctx, err := setupApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			family, _ := cmd.Flags().GetString("family")
			profile, _ := cmd.Flags().GetString("profile")
			types, _ := cmd.Flags().GetStringSlice("types")
			path, _ := cmd.Flags().GetString("path")
			resp, err := a.dispatcher.ValidateContent(ctx, &dispatch.ValidateContentRequest{
				Content:         string(raw),
				FilePath:        path,
				Family:          family,
				Profile:         profile,
				ValidationTypes: types,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().String("path", "docs/en/stdin.md", "Path the content is attributed to")
	return cmd
}
