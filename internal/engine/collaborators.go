package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/plangraph/pkg/schema"
)

// AgentContext travels with every agent call.
type AgentContext struct {
	TaskID      string
	MemoryScope string
	StepID      string
}

// AgentInvoker routes model steps to language-model agents.
// Implementations must be safe for concurrent use.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID string, input any, ac AgentContext) (any, error)
}

// InvokerFunc adapts a plain function to AgentInvoker.
type InvokerFunc func(ctx context.Context, agentID string, input any, ac AgentContext) (any, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, agentID string, input any, ac AgentContext) (any, error) {
	return f(ctx, agentID, input, ac)
}

// AgentFunc is a single agent.
type AgentFunc func(ctx context.Context, input any, ac AgentContext) (any, error)

// AgentRouter is a map-backed AgentInvoker. Unknown ids fail with
// AGENT_NOT_FOUND.
type AgentRouter struct {
	mu     sync.RWMutex
	agents map[string]AgentFunc
}

// NewAgentRouter creates a router holding the given agents.
func NewAgentRouter(agents map[string]AgentFunc) *AgentRouter {
	r := &AgentRouter{agents: make(map[string]AgentFunc, len(agents))}
	for id, fn := range agents {
		r.agents[id] = fn
	}
	return r
}

// Register adds or replaces an agent.
func (r *AgentRouter) Register(id string, fn AgentFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = fn
}

// HasAgent reports whether id is registered.
func (r *AgentRouter) HasAgent(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// IDs returns the registered agent ids, sorted.
func (r *AgentRouter) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invoke runs the agent registered under agentID.
func (r *AgentRouter) Invoke(ctx context.Context, agentID string, input any, ac AgentContext) (any, error) {
	r.mu.RLock()
	fn, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeAgentNotFound, "agent %q not registered", agentID)
	}
	return fn(ctx, input, ac)
}

// ToolContext travels with every tool call. Cancellation is carried by the
// call's context: a step timeout cancels it, and honoring that is up to the
// tool.
type ToolContext struct {
	TaskID string
	StepID string
	// IdempotencyKey is the step's idempotency key, or "<runID>:<stepID>"
	// when the step sets none or its placeholder resolves to nothing. It is
	// stable across retries of one run.
	IdempotencyKey string
}

// Tool is a side-effecting function a tool step calls by id. args belongs
// to the call; it never aliases another step's output.
type Tool interface {
	Invoke(ctx context.Context, args any, tc ToolContext) (any, error)
}

// ToolFunc adapts a plain function to Tool.
type ToolFunc func(ctx context.Context, args any, tc ToolContext) (any, error)

// Invoke calls f.
func (f ToolFunc) Invoke(ctx context.Context, args any, tc ToolContext) (any, error) {
	return f(ctx, args, tc)
}

// collaboratorCatalog answers existence checks for plan validation. Agents
// are assumed present unless the invoker can say otherwise.
type collaboratorCatalog struct {
	agents AgentInvoker
	tools  map[string]Tool
}

func (c collaboratorCatalog) HasAgent(id string) bool {
	if lister, ok := c.agents.(interface{ HasAgent(string) bool }); ok {
		return lister.HasAgent(id)
	}
	return c.agents != nil
}

func (c collaboratorCatalog) HasTool(id string) bool {
	_, ok := c.tools[id]
	return ok
}
