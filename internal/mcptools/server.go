// Package mcptools exposes testforge runs as Model Context Protocol tools.
package mcptools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// version is set by the linker at build time.
var version = "dev"

// NewMCPServer creates an MCP server with the run tools registered.
func NewMCPServer(svc *RunService) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "testforge",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_runs",
		Description: "List stored test generation runs, newest first, with their status and stage progress.",
	}, svc.ListRuns)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_run",
		Description: "Get the progress and per-stage status of one run. Set include_report to also get the generated tests, scenarios and review.",
	}, svc.GetRun)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "plan_pipeline",
		Description: "Show the order in which the configured stages would run, grouped into sequential and parallel batches.",
	}, svc.PlanPipeline)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_pipeline",
		Description: "Analyze commits of a git repository and generate a test strategy, test code, test scenarios and a review. Blocks until the run ends.",
	}, svc.RunPipeline)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resume_run",
		Description: "Rerun the stages of a stored run that did not complete.",
	}, svc.ResumeRun)

	return server
}

// RunStdio serves the tools on stdin/stdout until the client disconnects
// or ctx is cancelled.
func RunStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}
