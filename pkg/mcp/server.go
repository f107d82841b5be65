package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/corvid-labs/flume/internal/dispatch"
	"github.com/corvid-labs/flume/internal/engine"
	"github.com/corvid-labs/flume/internal/store"
)

// FlumeServerDeps holds the dependencies for creating a FlumeServer.
type FlumeServerDeps struct {
	Engine     *engine.Engine
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

// FlumeServer wraps an MCP server with flume-specific tool handlers.
type FlumeServer struct {
	engine     *engine.Engine
	store      store.Store
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewFlumeServer creates a new FlumeServer with all 4 tools registered.
func NewFlumeServer(deps FlumeServerDeps) *FlumeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlumeServer{
		engine:     deps.Engine,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"flume",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flume is a durable pipeline execution engine. Use flume.run to execute a stored pipeline, flume.status to inspect an execution, flume.approve to resolve a pending human approval, and flume.cancel to abort a non-terminal execution."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlumeServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlumeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 4 registered MCP tools as ServerTool entries.
func (s *FlumeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flume.run",
		mcp.WithDescription("Execute a stored pipeline and wait for it to complete or suspend"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("ID of the pipeline to execute")),
		mcp.WithObject("input", mcp.Description("Input document for the pipeline")),
		mcp.WithString("start_node", mcp.Description("Start from this node instead of the trigger")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flume.status",
		mcp.WithDescription("Get an execution snapshot: status, node log, events and any open suspension"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("flume.approve",
		mcp.WithDescription("Resolve a pending human approval on a suspended execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the suspended execution")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("approve", "reject"),
			mcp.Description("Whether to approve or reject"),
		),
		mcp.WithString("approver", mcp.Description("Identity of the approving agent")),
		mcp.WithString("comment", mcp.Description("Free-form decision comment")),
		mcp.WithObject("data", mcp.Description("Extra decision data merged into the resume payload")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flume.cancel",
		mcp.WithDescription("Cancel a non-terminal execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("reason", mcp.Description("Why the execution is being cancelled")),
	)
}
