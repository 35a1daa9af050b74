package expressions

import (
	"encoding/json"
	"strings"
)

// ItemRoot is the reserved first path segment that addresses the current
// element inside a map child.
const ItemRoot = "item"

// outputsVar names the outputs map in condition expressions.
const outputsVar = "outputs"

// Scope is the data a reference or condition is resolved against: a snapshot
// of the outputs map and, inside a map child, the current element.
type Scope struct {
	Outputs map[string]any
	Item    any
	// HasItem is set for map children. Paths starting with "item" only
	// address Item when it is set.
	HasItem bool
}

// NewScope returns a scope over outputs with no current element.
func NewScope(outputs map[string]any) *Scope {
	return &Scope{Outputs: outputs}
}

// WithItem returns a copy of the scope bound to a map element.
func (s *Scope) WithItem(item any) *Scope {
	return &Scope{Outputs: s.Outputs, Item: item, HasItem: true}
}

// Lookup resolves a dotted/indexed reference. Missing values yield nil.
func (s *Scope) Lookup(ref string) any {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}

	segs := SplitPath(ref)
	if len(segs) == 0 {
		return nil
	}

	if s.HasItem && segs[0] == ItemRoot {
		return Descend(s.Item, segs[1:])
	}

	if s.Outputs == nil {
		return nil
	}
	// Step ids may contain dots; an exact key match wins over descent.
	if v, ok := s.Outputs[ref]; ok {
		return v
	}
	root, ok := s.Outputs[segs[0]]
	if !ok {
		return nil
	}
	return Descend(root, segs[1:])
}

// Data returns the variables exposed to CEL and expr conditions.
func (s *Scope) Data() map[string]any {
	outputs := s.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	return map[string]any{
		outputsVar: Normalize(outputs),
		ItemRoot:   Normalize(s.Item),
	}
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

// DeepCopy returns an independent copy of a JSON-shaped value.
func DeepCopy(v any) any {
	return deepCopyAny(v)
}

// Normalize converts v into the generic JSON shape (map[string]any, []any,
// float64, string, bool, nil) the expression engines and path lookup expect.
// Values already in that shape are returned unchanged; anything else goes
// through a JSON round trip. Unencodable values are returned as-is.
func Normalize(v any) any {
	if isJSONShaped(v) {
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func isJSONShaped(v any) bool {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return true
	case map[string]any:
		for _, item := range val {
			if !isJSONShaped(item) {
				return false
			}
		}
		return true
	case []any:
		for _, item := range val {
			if !isJSONShaped(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
