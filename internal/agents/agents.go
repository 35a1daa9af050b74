// Package agents provides agent implementations the CLI can route model
// steps to: a remote HTTP endpoint and a local echo agent.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/pkg/schema"
)

// EchoName is the id the echo agent is registered under.
const EchoName = "echo"

const (
	defaultAgentTimeout = 2 * time.Minute
	maxAgentResponse    = 8 << 20
)

// Echo returns its input unchanged. It stands in for a model during local
// runs and tests.
func Echo() engine.AgentFunc {
	return func(_ context.Context, input any, _ engine.AgentContext) (any, error) {
		return input, nil
	}
}

// Endpoint describes a remote agent reachable over HTTP.
type Endpoint struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	// TimeoutMs bounds one call. Default two minutes.
	TimeoutMs int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// Request is the body POSTed to a remote agent.
type Request struct {
	Agent       string `json:"agent"`
	Input       any    `json:"input"`
	TaskID      string `json:"task_id,omitempty"`
	MemoryScope string `json:"memory_scope,omitempty"`
}

// Response is the body a remote agent answers with.
type Response struct {
	Output any    `json:"output"`
	Error  string `json:"error,omitempty"`
	// Retryable marks an agent-side failure worth another attempt.
	Retryable bool `json:"retryable,omitempty"`
}

// HTTP returns an agent that POSTs a Request to ep.URL and reads a Response.
// Transport failures, 5xx and 429 answers are retryable step failures; other
// error statuses and explicit non-retryable errors are validation errors.
func HTTP(name string, ep Endpoint, client *http.Client) engine.AgentFunc {
	if client == nil {
		client = http.DefaultClient
	}
	timeout := defaultAgentTimeout
	if ep.TimeoutMs > 0 {
		timeout = time.Duration(ep.TimeoutMs) * time.Millisecond
	}

	return func(ctx context.Context, input any, ac engine.AgentContext) (any, error) {
		body, err := json.Marshal(Request{Agent: name, Input: input, TaskID: ac.TaskID, MemoryScope: ac.MemoryScope})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent %s: encode input: %s", name, err.Error()).WithCause(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent %s: %s", name, err.Error()).WithCause(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range ep.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, schema.NewErrorf(schema.ErrCodeCancelled, "agent %s: call cancelled", name).WithCause(err)
			case callCtx.Err() != nil:
				return nil, schema.NewErrorf(schema.ErrCodeStepTimeout, "agent %s: no answer after %s", name, timeout).WithCause(err)
			}
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "agent %s: %s", name, err.Error()).WithCause(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxAgentResponse))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "agent %s: read response: %s", name, err.Error()).WithCause(err)
		}

		if resp.StatusCode >= 300 {
			code := schema.ErrCodeValidation
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				code = schema.ErrCodeStepFailed
			}
			return nil, schema.NewErrorf(code, "agent %s: status %d", name, resp.StatusCode).
				WithDetails(map[string]any{"status_code": resp.StatusCode, "body": truncate(string(data), 512)})
		}

		var out Response
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "agent %s: decode response: %s", name, err.Error()).WithCause(err)
		}
		if out.Error != "" {
			code := schema.ErrCodeValidation
			if out.Retryable {
				code = schema.ErrCodeStepFailed
			}
			return nil, schema.NewErrorf(code, "agent %s: %s", name, out.Error)
		}
		return out.Output, nil
	}
}

// NewRouter builds a router holding the echo agent plus one HTTP agent per
// endpoint.
func NewRouter(endpoints map[string]Endpoint, client *http.Client) (*engine.AgentRouter, error) {
	router := engine.NewAgentRouter(map[string]engine.AgentFunc{EchoName: Echo()})
	for name, ep := range endpoints {
		if ep.URL == "" {
			return nil, fmt.Errorf("agent %q: url is required", name)
		}
		router.Register(name, HTTP(name, ep, client))
	}
	return router, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
