package tools

import (
	"fmt"
	"time"

	"github.com/rendis/plangraph/internal/expressions"
	"github.com/rendis/plangraph/pkg/schema"
)

// paramsOf reads tool args as an object. nil yields an empty object.
func paramsOf(tool string, args any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	m, ok := expressions.Normalize(args).(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: args must be an object, got %T", tool, args)
	}
	return m, nil
}

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return defaultVal
	}
}

// durationParam accepts a Go duration string or a number of milliseconds.
func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	switch v := m[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	}
	return defaultVal
}

func requireString(tool string, m map[string]any, key string) (string, error) {
	s := stringParam(m, key, "")
	if s == "" {
		return "", schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("%s: missing required param '%s'", tool, key))
	}
	return s, nil
}
