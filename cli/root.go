package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbcv/tbcv/pkg/version"
)

const (
	defaultConfigFile   = "tbcv.yaml"
	defaultValidatorDir = "config/validators"
	defaultEnvFile      = ".env"
)

// RootCmd builds the tbcv command tree. Every subcommand is a thin shim over
// the dispatcher; the engine itself never depends on this package.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tbcv",
		Short:         "Truth-based content validation engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().String("config", defaultConfigFile, "Path to the root config file")
	root.PersistentFlags().String("validator-config-dir", defaultValidatorDir, "Directory with per-validator config files")
	root.PersistentFlags().String("env-file", defaultEnvFile, "Path to a dotenv file")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	root.PersistentFlags().Bool("log-source", false, "Include source positions in logs")

	root.AddCommand(
		ValidateCmd(),
		EnhanceCmd(),
		RecommendCmd(),
		WorkflowCmd(),
		StatusCmd(),
		CallCmd(),
		VersionCmd(),
	)

	return root
}

// VersionCmd prints build metadata.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "tbcv %s (commit %s, built %s)\n",
				info.Version, info.CommitHash, info.BuildDate)
			return err
		},
	}
}
