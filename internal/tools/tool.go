// Package tools provides the built-in tools plans can call and a registry
// that hands them to the runner.
package tools

import (
	"context"
	"encoding/json"

	"github.com/rendis/plangraph/internal/engine"
)

// Definition is a tool that can describe itself.
type Definition interface {
	engine.Tool
	Info() Info
}

// Info summarizes a registered tool for listings and MCP.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Func adapts a plain function into a Definition.
type Func struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Fn          engine.ToolFunc
}

func (f *Func) Info() Info {
	return Info{Name: f.Name, Description: f.Description, InputSchema: f.InputSchema}
}

func (f *Func) Invoke(ctx context.Context, args any, tc engine.ToolContext) (any, error) {
	return f.Fn(ctx, args, tc)
}
