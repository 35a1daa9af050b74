package expressions

import (
	"regexp"
	"strings"
)

// placeholderRe matches a string that is exactly one ${ref} placeholder.
// Placeholders embedded in longer strings are left untouched.
var placeholderRe = regexp.MustCompile(`^\$\{([^}]+)\}$`)

// Resolve returns a copy of value with every ${ref} placeholder string
// replaced by a deep copy of the referenced value. Maps and slices are
// resolved field by field. References that cannot be found resolve to nil;
// callers treat nil arguments as invalid input at the tool boundary.
func Resolve(value any, scope *Scope) any {
	switch v := value.(type) {
	case string:
		ref, ok := Placeholder(v)
		if !ok {
			return v
		}
		return DeepCopy(scope.Lookup(ref))
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, scope)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, scope)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, scope)
		}
		return out
	default:
		return v
	}
}

// ResolveInput resolves a leaf step's inputFrom list. One id yields that
// step's output, several yield the outputs in order, none yields base.
// The result is a deep copy, so a collaborator may mutate its input without
// touching outputs that sibling steps read.
func ResolveInput(inputFrom []string, base any, scope *Scope) any {
	switch len(inputFrom) {
	case 0:
		return DeepCopy(base)
	case 1:
		return DeepCopy(scope.Outputs[inputFrom[0]])
	default:
		out := make([]any, len(inputFrom))
		for i, id := range inputFrom {
			out[i] = DeepCopy(scope.Outputs[id])
		}
		return out
	}
}

// Placeholder reports whether s is a whole-string ${ref} placeholder and
// returns the trimmed ref.
func Placeholder(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") {
		return "", false
	}
	m := placeholderRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	ref := strings.TrimSpace(m[1])
	return ref, ref != ""
}

// References lists the refs of every placeholder found in value, in
// traversal order. Map keys are visited in no particular order.
func References(value any) []string {
	var refs []string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			if ref, ok := Placeholder(val); ok {
				refs = append(refs, ref)
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		case map[string]string:
			for _, item := range val {
				walk(item)
			}
		case []string:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(value)
	return refs
}

// RootOf returns the first segment of a ref: a step id or "item".
func RootOf(ref string) string {
	segs := SplitPath(ref)
	if len(segs) == 0 {
		return ""
	}
	return segs[0]
}
