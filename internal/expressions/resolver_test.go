package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testOutputs() map[string]any {
	return map[string]any{
		"plan": map[string]any{
			"query": "golang generics",
			"tags":  []any{"go", "types"},
		},
		"search": map[string]any{
			"results": []any{
				map[string]any{"url": "https://a.example", "score": 0.9},
				map[string]any{"url": "https://b.example", "score": 0.4},
			},
		},
		"count":   float64(2),
		"dot.ted": "exact",
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		ref  string
		want []string
	}{
		{"a", []string{"a"}},
		{"a.b.c", []string{"a", "b", "c"}},
		{"a.b[0].c", []string{"a", "b", "0", "c"}},
		{"a[1][2]", []string{"a", "1", "2"}},
		{"a..b", []string{"a", "b"}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitPath(tt.ref))
		})
	}
}

func TestScope_Lookup(t *testing.T) {
	scope := NewScope(testOutputs())

	assert.Equal(t, "golang generics", scope.Lookup("plan.query"))
	assert.Equal(t, "types", scope.Lookup("plan.tags[1]"))
	assert.Equal(t, "https://b.example", scope.Lookup("search.results[1].url"))
	assert.Equal(t, "https://a.example", scope.Lookup("search.results.0.url"))
	assert.Equal(t, float64(2), scope.Lookup("search.results.length"))
	assert.Equal(t, "exact", scope.Lookup("dot.ted"))

	t.Run("missing values resolve to nil", func(t *testing.T) {
		assert.Nil(t, scope.Lookup("nope"))
		assert.Nil(t, scope.Lookup("plan.missing.deeper"))
		assert.Nil(t, scope.Lookup("search.results[7].url"))
		assert.Nil(t, scope.Lookup("count.field"))
		assert.Nil(t, scope.Lookup(""))
	})

	t.Run("item is a plain step id outside map children", func(t *testing.T) {
		s := NewScope(map[string]any{"item": "step output"})
		assert.Equal(t, "step output", s.Lookup("item"))
	})
}

func TestScope_LookupTypedValues(t *testing.T) {
	type hit struct {
		URL string `json:"url"`
	}
	scope := NewScope(map[string]any{
		"hits": []hit{{URL: "x"}, {URL: "y"}},
	})
	assert.Equal(t, "y", scope.Lookup("hits[1].url"))
}

func TestResolve(t *testing.T) {
	scope := NewScope(testOutputs())

	args := map[string]any{
		"q":      "${plan.query}",
		"first":  "${ search.results[0] }",
		"inline": "prefix ${plan.query}",
		"list":   []any{"${count}", "literal", 3},
		"nested": map[string]any{"tags": "${plan.tags}"},
		"absent": "${nothing.here}",
	}

	got := Resolve(args, scope)
	assert.Equal(t, map[string]any{
		"q":      "golang generics",
		"first":  map[string]any{"url": "https://a.example", "score": 0.9},
		"inline": "prefix ${plan.query}",
		"list":   []any{float64(2), "literal", 3},
		"nested": map[string]any{"tags": []any{"go", "types"}},
		"absent": nil,
	}, got)

	// The input tree is not modified.
	assert.Equal(t, "${plan.query}", args["q"])
}

func TestResolve_ItemRoot(t *testing.T) {
	scope := NewScope(testOutputs()).WithItem(map[string]any{"url": "https://c.example"})

	got := Resolve(map[string]any{
		"url":   "${item.url}",
		"whole": "${item}",
		"q":     "${plan.query}",
	}, scope)

	assert.Equal(t, map[string]any{
		"url":   "https://c.example",
		"whole": map[string]any{"url": "https://c.example"},
		"q":     "golang generics",
	}, got)
}

func TestResolve_TypedContainers(t *testing.T) {
	scope := NewScope(testOutputs())
	assert.Equal(t, map[string]any{"q": "golang generics"}, Resolve(map[string]string{"q": "${plan.query}"}, scope))
	assert.Equal(t, []any{"golang generics"}, Resolve([]string{"${plan.query}"}, scope))
}

func TestResolveInput(t *testing.T) {
	scope := NewScope(map[string]any{"a": "A", "b": "B"})
	base := map[string]any{"task": "write"}

	assert.Equal(t, base, ResolveInput(nil, base, scope))
	assert.Equal(t, "A", ResolveInput([]string{"a"}, base, scope))
	assert.Equal(t, []any{"A", "B"}, ResolveInput([]string{"a", "b"}, base, scope))
	assert.Equal(t, []any{"B", nil}, ResolveInput([]string{"b", "missing"}, base, scope))
}

func TestResolve_ReturnsCopies(t *testing.T) {
	shared := map[string]any{"tags": []any{"go"}}
	scope := NewScope(map[string]any{"doc": shared})
	base := map[string]any{"task": "write"}

	in := ResolveInput([]string{"doc"}, base, scope).(map[string]any)
	in["tags"].([]any)[0] = "changed"
	in["extra"] = 1

	args := Resolve(map[string]any{"d": "${doc}"}, scope).(map[string]any)
	args["d"].(map[string]any)["extra"] = 2

	own := ResolveInput(nil, base, scope).(map[string]any)
	own["task"] = "changed"

	assert.Equal(t, map[string]any{"tags": []any{"go"}}, shared)
	assert.Equal(t, map[string]any{"task": "write"}, base)
}

func TestPlaceholderAndReferences(t *testing.T) {
	ref, ok := Placeholder("${ a.b }")
	assert.True(t, ok)
	assert.Equal(t, "a.b", ref)

	_, ok = Placeholder("${}")
	assert.False(t, ok)
	_, ok = Placeholder("x ${a}")
	assert.False(t, ok)
	_, ok = Placeholder("${a}${b}")
	assert.False(t, ok)

	refs := References([]any{"${a.x}", map[string]any{"k": "${item.y}"}, "plain"})
	assert.ElementsMatch(t, []string{"a.x", "item.y"}, refs)

	assert.Equal(t, "search", RootOf("search.results[0]"))
	assert.Equal(t, "", RootOf(""))
}

func TestNormalizeAndDeepCopy(t *testing.T) {
	in := map[string]any{"n": 1, "list": []string{"a"}}
	norm := Normalize(in)
	assert.Equal(t, map[string]any{"n": float64(1), "list": []any{"a"}}, norm)

	shaped := map[string]any{"k": []any{"v"}}
	cp := DeepCopy(shaped).(map[string]any)
	cp["k"].([]any)[0] = "changed"
	assert.Equal(t, "v", shaped["k"].([]any)[0])
}
