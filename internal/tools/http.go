package tools

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/pkg/schema"
)

// FetchToolName is the registry name of the HTTP tool.
const FetchToolName = "http.fetch"

// HTTPConfig configures http.fetch.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const fetchInputSchema = `{
  "oneOf": [
    {"type": "string", "description": "URL to GET"},
    {
      "type": "object",
      "properties": {
        "url": {"type": "string"},
        "method": {"type": "string", "default": "GET"},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}},
        "query": {"type": "object", "additionalProperties": {"type": "string"}},
        "body": {},
        "body_encoding": {"type": "string", "enum": ["json","form","text"], "default": "json"},
        "auth": {
          "type": "object",
          "properties": {
            "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
            "token": {"type": "string"},
            "username": {"type": "string"},
            "password": {"type": "string"},
            "header_name": {"type": "string"},
            "header_value": {"type": "string"}
          }
        },
        "timeout": {"type": ["string", "number"]},
        "follow_redirects": {"type": "boolean", "default": true},
        "max_redirects": {"type": "integer", "default": 10},
        "tls_skip_verify": {"type": "boolean", "default": false},
        "fail_on_error_status": {"type": "boolean", "default": true}
      },
      "required": ["url"]
    }
  ]
}`

// FetchTool implements http.fetch. Args are either a URL string, which is
// fetched with GET, or an object describing the request. The result is an
// object with status_code, status, headers, body (parsed when JSON),
// content_type and duration_ms.
//
// Non-GET requests carry the step's idempotency key in the Idempotency-Key
// header so a retried POST can be deduplicated by the server.
type FetchTool struct {
	config HTTPConfig
}

// NewFetchTool creates the http.fetch tool.
func NewFetchTool(cfg HTTPConfig) *FetchTool {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &FetchTool{config: cfg}
}

func (t *FetchTool) Info() Info {
	return Info{
		Name:        FetchToolName,
		Description: "Fetch a URL over HTTP with control over method, headers, body, auth and redirects.",
		InputSchema: json.RawMessage(fetchInputSchema),
	}
}

func (t *FetchTool) Invoke(ctx context.Context, args any, tc engine.ToolContext) (any, error) {
	var params map[string]any
	if rawURL, ok := args.(string); ok {
		params = map[string]any{"url": rawURL}
	} else {
		p, err := paramsOf(FetchToolName, args)
		if err != nil {
			return nil, err
		}
		params = p
	}

	req, err := t.buildRequest(ctx, params, tc)
	if err != nil {
		return nil, err
	}

	timeout := durationParam(params, "timeout", t.config.DefaultTimeout)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req = req.WithContext(reqCtx)

	client := t.client(params)
	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "http.fetch: request cancelled").WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "http.fetch: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "http.fetch: failed to read response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code":  float64(resp.StatusCode),
		"status":       resp.Status,
		"headers":      headers,
		"body":         parseBody(bodyBytes, contentType),
		"content_type": contentType,
		"duration_ms":  float64(durationMs),
	}

	if boolParam(params, "fail_on_error_status", true) && resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode).WithDetails(result)
	}
	return result, nil
}

func (t *FetchTool) buildRequest(ctx context.Context, params map[string]any, tc engine.ToolContext) (*http.Request, error) {
	rawURL, err := requireString(FetchToolName, params, "url")
	if err != nil {
		return nil, err
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.fetch: invalid url %q", rawURL)
	}
	if query, ok := params["query"].(map[string]any); ok {
		q := u.Query()
		for k, v := range query {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	body, contentType, err := encodeBody(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.fetch: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if method != http.MethodGet && method != http.MethodHead && tc.IdempotencyKey != "" && req.Header.Get("Idempotency-Key") == "" {
		req.Header.Set("Idempotency-Key", tc.IdempotencyKey)
	}
	applyAuth(req, params)
	return req, nil
}

// client builds a fresh client per call so per-request redirect and TLS
// settings never leak between calls.
func (t *FetchTool) client(params map[string]any) *http.Client {
	var transport http.RoundTripper
	if t.config.Transport != nil {
		transport = t.config.Transport
	} else {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if boolParam(params, "tls_skip_verify", false) {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		transport = tr
	}
	client := &http.Client{Transport: transport}

	if !boolParam(params, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if limit := intParam(params, "max_redirects", 10); limit > 0 {
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return client
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	raw, ok := params["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		form, ok := raw.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.fetch: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", raw)), "text/plain", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.fetch: failed to marshal body as JSON").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, params map[string]any) {
	auth, ok := params["auth"].(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

func parseBody(b []byte, contentType string) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}

// statusError maps an HTTP error status to a plan error. Server errors and
// 408/429 are retryable; other client errors are not.
func statusError(status int) *schema.PlanError {
	msg := fmt.Sprintf("http.fetch: server returned %d", status)
	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return schema.NewError(schema.ErrCodeStepFailed, msg)
	case status == http.StatusNotFound:
		return schema.NewError(schema.ErrCodeNotFound, msg)
	default:
		return schema.NewError(schema.ErrCodeValidation, msg)
	}
}
