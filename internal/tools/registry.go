package tools

import (
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/pkg/schema"
)

// Registry is a thread-safe set of named tools. It also satisfies the plan
// validator's catalog for tool lookups.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

// Register adds a tool. Returns CONFLICT on a duplicate name.
func (r *Registry) Register(tool Definition) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Info().Name
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

// HasTool reports whether name is registered.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Limit wraps a registered tool with a token-bucket rate limit.
func (r *Registry) Limit(name string, limit rate.Limit, burst int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tool, ok := r.tools[name]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not registered", name)
	}
	r.tools[name] = RateLimited(tool, rate.NewLimiter(limit, burst))
	return nil
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, t.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Tools returns a snapshot map suitable for engine.RunContext.Tools.
func (r *Registry) Tools() map[string]engine.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]engine.Tool, len(r.tools))
	for name, t := range r.tools {
		out[name] = t
	}
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// RegisterBuiltins registers the tools that need no collaborators beyond
// the HTTP settings.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	builtins := []Definition{
		Echo(),
		NewFetchTool(httpCfg),
		JQ(nil),
		Expr(nil),
		Hash(),
		HMAC(),
		UUID(),
		AssertEquals(),
		AssertContains(),
		AssertMatches(),
	}
	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
