package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/autodev/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve task tools over MCP on stdio",
	Long: `Serve create_task, get_task and list_tasks as Model Context Protocol
tools on stdin/stdout. Logs are written to stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// stdout carries the protocol
	a, err := loadApp(cmd, cmd.ErrOrStderr(), nil)
	if err != nil {
		return err
	}

	srv := mcp.NewServer(a.registry, a.orchestrator, Version, a.logger)
	a.logger.Info("serving mcp on stdio")
	return srv.Run(ctx)
}
