package expressions

import (
	"strconv"
	"strings"
)

// SplitPath splits a reference like "search.results[0].url" into its
// segments: ["search", "results", "0", "url"]. Bracketed indices and dotted
// numeric segments are equivalent. Empty segments are dropped.
func SplitPath(ref string) []string {
	var segs []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segs = append(segs, cur.String())
			cur.Reset()
		}
	}
	for _, r := range ref {
		switch r {
		case '.', '[', ']':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return segs
}

// Descend walks segs into root. Object segments index maps; numeric segments
// index slices; "length" reads the size of a slice or string. Anything
// missing or untraversable yields nil.
func Descend(root any, segs []string) any {
	cur := root
	for _, seg := range segs {
		if cur == nil {
			return nil
		}
		next, ok := step(cur, seg)
		if !ok {
			// Typed values (structs, typed slices) are retried in JSON shape.
			normalized := Normalize(cur)
			if isJSONShaped(normalized) && !isJSONShaped(cur) {
				next, ok = step(normalized, seg)
			}
		}
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func step(cur any, seg string) (any, bool) {
	switch v := cur.(type) {
	case map[string]any:
		val, ok := v[seg]
		return val, ok
	case []any:
		if seg == "length" {
			return float64(len(v)), true
		}
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	case string:
		if seg == "length" {
			return float64(len(v)), true
		}
	}
	return nil, false
}
