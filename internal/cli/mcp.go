package cli

import (
	"github.com/spf13/cobra"

	"github.com/lucasnoah/testforge/internal/mcptools"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve pipeline tools to MCP clients over stdio",
	Long: `Run a Model Context Protocol server on stdin/stdout exposing tools to list,
inspect, plan, start and resume runs. Runs started this way keep every
stage's output without asking.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		server := mcptools.NewMCPServer(mcptools.NewRunService(a.store, a.orch))
		return mcptools.RunStdio(cmd.Context(), server)
	},
}
