package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/internal/service"
	"github.com/rendis/plangraph/internal/streaming"
)

// PlanServerDeps holds the dependencies for creating a PlanServer.
type PlanServerDeps struct {
	Service *service.Service
	// Hub, when set, streams run events to the session that started the run.
	Hub     streaming.EventHub
	Version string
	Logger  *slog.Logger
}

// PlanServer exposes plan execution as MCP tools.
type PlanServer struct {
	svc       *service.Service
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *RunNotifier
	mcpServer *server.MCPServer
}

// NewPlanServer creates a PlanServer with every tool registered.
func NewPlanServer(deps PlanServerDeps) *PlanServer {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &PlanServer{
		svc:      deps.Service,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"plangraph",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Plangraph runs plans of model and tool steps. Use plan.run to execute a plan, a named template or a free-form goal, plan.validate to check a plan before running it, plan.templates and plan.tools to discover what is available, plan.history to inspect past runs and plan.diagram to draw a plan or a run."),
	)
	mcpSrv.AddTools(s.tools()...)

	s.mcpServer = mcpSrv
	s.notifier = NewRunNotifier(mcpSrv, s.sessions, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *PlanServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		go func() {
			if err := s.notifier.Watch(ctx, s.hub); err != nil {
				s.logger.WarnContext(ctx, "run notifications disabled", slog.Any("error", err))
			}
		}()
	}

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PlanServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *PlanServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: templatesTool(), Handler: s.handleTemplates},
		{Tool: toolsTool(), Handler: s.handleTools},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("plan.run",
		mcp.WithDescription("Execute a plan, a registered template or a free-form goal"),
		mcp.WithObject("plan", mcp.Description("Plan document (id, steps, outputs)")),
		mcp.WithString("template", mcp.Description("Name of a registered plan template")),
		mcp.WithString("goal", mcp.Description("Free-form goal to plan and run")),
		mcp.WithObject("input", mcp.Description("Base input seen by steps without inputFrom")),
		mcp.WithString("task_id", mcp.Description("Caller task id passed to agents")),
		mcp.WithString("memory_scope", mcp.Description("Memory scope passed to agents")),
		mcp.WithBoolean("no_cache", mcp.Description("Disable the step cache for this run")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("plan.validate",
		mcp.WithDescription("Validate a plan without running it"),
		mcp.WithObject("plan", mcp.Required(), mcp.Description("Plan document to validate")),
	)
}

func templatesTool() mcp.Tool {
	return mcp.NewTool("plan.templates",
		mcp.WithDescription("List registered plan templates"),
	)
}

func toolsTool() mcp.Tool {
	return mcp.NewTool("plan.tools",
		mcp.WithDescription("List tools that tool steps can call"),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("plan.history",
		mcp.WithDescription("List recorded runs, or inspect one run with its steps"),
		mcp.WithString("run_id", mcp.Description("Run to inspect; omit to list runs")),
		mcp.WithString("plan_id", mcp.Description("Only runs of this plan")),
		mcp.WithString("status", mcp.Enum("running", "completed", "failed"), mcp.Description("Only runs in this state")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to list (default 20)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("plan.diagram",
		mcp.WithDescription("Draw a plan, a template or a recorded run. Returns text, or a PNG image"),
		mcp.WithObject("plan", mcp.Description("Plan document to draw")),
		mcp.WithString("template", mcp.Description("Template to draw")),
		mcp.WithString("run_id", mcp.Description("Recorded run to draw with its step status")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "dot", "svg", "png"),
			mcp.Description("Output format"),
		),
	)
}
