package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/internal/expressions"
	"github.com/rendis/plangraph/pkg/schema"
)

const (
	AssertEqualsToolName   = "assert.equals"
	AssertContainsToolName = "assert.contains"
	AssertMatchesToolName  = "assert.matches"
)

// Assertions pass their subject through on success so a plan can keep
// consuming it. Failures are ASSERTION_FAILED, which the runner never retries.

func assertionFailed(params map[string]any, fallback string, details map[string]any) error {
	return schema.NewError(schema.ErrCodeAssertion, stringParam(params, "message", fallback)).
		WithDetails(details)
}

// AssertEquals returns assert.equals: actual must deep-equal expected.
func AssertEquals() Definition {
	return &Func{
		Name:        AssertEqualsToolName,
		Description: "Fail the step unless actual deep-equals expected.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"expected": {}, "actual": {}, "message": {"type": "string"}},
  "required": ["expected", "actual"]
}`),
		Fn: func(_ context.Context, args any, _ engine.ToolContext) (any, error) {
			params, err := paramsOf(AssertEqualsToolName, args)
			if err != nil {
				return nil, err
			}
			expected, hasExpected := params["expected"]
			actual, hasActual := params["actual"]
			if !hasExpected || !hasActual {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: requires 'expected' and 'actual'", AssertEqualsToolName)
			}
			if !expressions.StrictEqual(expected, actual) {
				return nil, assertionFailed(params, "values are not equal",
					map[string]any{"expected": expected, "actual": actual})
			}
			return actual, nil
		},
	}
}

// AssertContains returns assert.contains: a string haystack must contain the
// needle as a substring, an array haystack must hold an equal element.
func AssertContains() Definition {
	return &Func{
		Name:        AssertContainsToolName,
		Description: "Fail the step unless a string or array contains needle.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"haystack": {"type": ["string", "array"]}, "needle": {}, "message": {"type": "string"}},
  "required": ["haystack", "needle"]
}`),
		Fn: func(_ context.Context, args any, _ engine.ToolContext) (any, error) {
			params, err := paramsOf(AssertContainsToolName, args)
			if err != nil {
				return nil, err
			}
			haystack, needle := params["haystack"], params["needle"]
			found := false
			switch hs := haystack.(type) {
			case string:
				found = strings.Contains(hs, fmt.Sprint(needle))
			case []any:
				for _, item := range hs {
					if expressions.StrictEqual(item, needle) {
						found = true
						break
					}
				}
			default:
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"%s: haystack must be a string or an array, got %T", AssertContainsToolName, haystack)
			}
			if !found {
				return nil, assertionFailed(params, "value not found",
					map[string]any{"haystack": haystack, "needle": needle})
			}
			return haystack, nil
		},
	}
}

// AssertMatches returns assert.matches. On success it returns the first
// match and its submatches.
func AssertMatches() Definition {
	return &Func{
		Name:        AssertMatchesToolName,
		Description: "Fail the step unless value matches a regular expression.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"value": {"type": "string"}, "pattern": {"type": "string"}, "message": {"type": "string"}},
  "required": ["value", "pattern"]
}`),
		Fn: func(_ context.Context, args any, _ engine.ToolContext) (any, error) {
			params, err := paramsOf(AssertMatchesToolName, args)
			if err != nil {
				return nil, err
			}
			pattern, err := requireString(AssertMatchesToolName, params, "pattern")
			if err != nil {
				return nil, err
			}
			value, ok := params["value"].(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: value must be a string", AssertMatchesToolName)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid pattern: %v", AssertMatchesToolName, err)
			}
			groups := re.FindStringSubmatch(value)
			if groups == nil {
				return nil, assertionFailed(params, "value does not match pattern",
					map[string]any{"value": value, "pattern": pattern})
			}
			out := make([]any, len(groups)-1)
			for i, g := range groups[1:] {
				out[i] = g
			}
			return map[string]any{"match": groups[0], "groups": out}, nil
		},
	}
}
