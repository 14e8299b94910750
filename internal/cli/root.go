package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// Version is reported by the MCP server. Set at build time with -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "autodev",
	Short: "Turn a prompt into a planned, executed and documented project",
	Long: `autodev plans a task with a language model, executes each step in a
dedicated workspace, repairs failing code and documents the result.

Running 'autodev <prompt>' without a subcommand is equivalent to 'autodev run <prompt>'.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config.toml (default: ./config.toml if present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (default: from config)")

	// the root command delegates to run, so it accepts run's flags too
	addRunFlags(runCmd.Flags())
	addRunFlags(rootCmd.Flags())
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
