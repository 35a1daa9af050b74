package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/plangraph/internal/diagram"
	"github.com/rendis/plangraph/internal/service"
	"github.com/rendis/plangraph/internal/store"
	"github.com/rendis/plangraph/pkg/schema"
)

const defaultHistoryLimit = 20

// handleRun executes a plan, template or goal and returns the projected outputs.
func (s *PlanServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	plan, errResult := planArgument(req)
	if errResult != nil {
		return errResult, nil
	}
	runReq := service.RunRequest{
		Plan:        plan,
		Template:    req.GetString("template", ""),
		Goal:        req.GetString("goal", ""),
		Input:       req.GetArguments()["input"],
		TaskID:      req.GetString("task_id", ""),
		MemoryScope: req.GetString("memory_scope", ""),
		NoCache:     req.GetBool("no_cache", false),
		RunID:       uuid.NewString(),
	}
	if runReq.Plan == nil && runReq.Template == "" && runReq.Goal == "" {
		return mcp.NewToolResultError("one of plan, template or goal is required"), nil
	}

	// Follow the run from the calling session for live events.
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runReq.RunID, session.SessionID())
		defer s.sessions.Forget(runReq.RunID)
	}

	result, err := s.svc.Run(ctx, runReq)
	if err != nil {
		return errorResult("run failed", err), nil
	}
	return marshalResult(result)
}

// handleValidate reports every problem found in a plan.
func (s *PlanServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := req.GetArguments()["plan"]
	if !ok || raw == nil {
		return mcp.NewToolResultError("plan is required"), nil
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", err)), nil
	}

	plan, result, err := s.svc.Validate(doc)
	if err != nil {
		return errorResult("invalid plan", err), nil
	}
	return marshalResult(map[string]any{
		"plan_id":  plan.ID,
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

func (s *PlanServer) handleTemplates(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"templates": s.svc.Templates().List()})
}

func (s *PlanServer) handleTools(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"tools": s.svc.Tools().List()})
}

// handleHistory lists runs, or replays one run when run_id is given.
func (s *PlanServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if runID := req.GetString("run_id", ""); runID != "" {
		detail, err := s.svc.Inspect(ctx, runID)
		if err != nil {
			return errorResult("inspect failed", err), nil
		}
		return marshalResult(detail)
	}

	filter := store.RunFilter{
		PlanID: req.GetString("plan_id", ""),
		Status: store.RunStatus(req.GetString("status", "")),
		Limit:  req.GetInt("limit", defaultHistoryLimit),
	}
	runs, err := s.svc.History(ctx, filter)
	if err != nil {
		return errorResult("query failed", err), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleDiagram draws a plan in the requested format. PNG is returned as an
// image content block.
func (s *PlanServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	format, err := diagram.ParseFormat(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	plan, errResult := planArgument(req)
	if errResult != nil {
		return errResult, nil
	}
	model, err := s.svc.Diagram(ctx, service.DiagramRequest{
		Plan:     plan,
		Template: req.GetString("template", ""),
		RunID:    req.GetString("run_id", ""),
	})
	if err != nil {
		return errorResult("diagram build failed", err), nil
	}

	out, err := diagram.Render(ctx, model, format)
	if err != nil {
		return errorResult("diagram render failed", err), nil
	}
	if format.Binary() {
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(out), "image/png"), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// --- Internal helpers ---

// planArgument decodes the optional "plan" argument. A non-nil result is the
// error to return to the caller.
func planArgument(req mcp.CallToolRequest) (*schema.Plan, *mcp.CallToolResult) {
	raw, ok := req.GetArguments()["plan"]
	if !ok || raw == nil {
		return nil, nil
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", err))
	}
	plan, err := schema.DecodePlan(doc)
	if err != nil {
		return nil, errorResult("invalid plan", err)
	}
	return plan, nil
}

// errorResult renders err as a tool error. Plan errors keep their code and
// details so agents can react to them.
func errorResult(prefix string, err error) *mcp.CallToolResult {
	var pe *schema.PlanError
	if !errors.As(err, &pe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
	}
	body, mErr := json.Marshal(map[string]any{
		"error":   prefix,
		"code":    pe.Code,
		"message": pe.Message,
		"step_id": pe.StepID,
		"details": pe.Details,
	})
	if mErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
	}
	return mcp.NewToolResultError(string(body))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
