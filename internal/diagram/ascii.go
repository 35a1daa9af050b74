package diagram

import (
	"fmt"
	"strings"
)

// RenderASCII draws the model as an indented tree: top-level steps in run
// order, composite steps with their groups below them. A reader's inputs are
// listed after a "<-" on its line.
//
//	etl
//	├── fetch  (tool http.fetch)  [ok 120ms]
//	└── summarize  (agent writer)  <- fetch
func RenderASCII(model *DiagramModel) string {
	r := &outline{reads: make(map[string][]string)}
	for _, e := range model.Edges {
		if !e.Data {
			continue
		}
		from := e.From
		if e.Label != "" && e.Label != "input" {
			from += " (" + e.Label + ")"
		}
		r.reads[e.To] = append(r.reads[e.To], from)
	}

	r.b.WriteString(model.Title)
	r.b.WriteByte('\n')

	var steps []*Node
	for _, n := range model.Nodes {
		if n.Kind != NodeKindStart && n.Kind != NodeKindEnd {
			steps = append(steps, n)
		}
	}
	for i, n := range steps {
		r.node(n, "", i == len(steps)-1)
	}
	return r.b.String()
}

type outline struct {
	b     strings.Builder
	reads map[string][]string
}

func (r *outline) node(n *Node, indent string, last bool) {
	r.line(indent, last, nodeText(n)+statusText(n.Status)+r.readsText(n.ID))
	inner := childIndent(indent, last)
	for i, sg := range n.Children {
		r.group(sg, inner, i == len(n.Children)-1)
	}
}

func (r *outline) group(sg *SubGraph, indent string, last bool) {
	r.line(indent, last, "["+sg.Label+"]")
	inner := childIndent(indent, last)
	for i, n := range sg.Nodes {
		r.node(n, inner, i == len(sg.Nodes)-1)
	}
}

func (r *outline) line(indent string, last bool, text string) {
	branch := "├── "
	if last {
		branch = "└── "
	}
	r.b.WriteString(indent + branch + text + "\n")
}

func (r *outline) readsText(id string) string {
	from := r.reads[id]
	if len(from) == 0 {
		return ""
	}
	return "  <- " + strings.Join(from, ", ")
}

func childIndent(indent string, last bool) string {
	if last {
		return indent + "    "
	}
	return indent + "│   "
}

// nodeText puts a node's label on one line and names composite kinds.
func nodeText(n *Node) string {
	text := strings.ReplaceAll(n.Label, "\n", "  ")
	switch n.Kind {
	case NodeKindParallel, NodeKindBranch:
		text += "  " + string(n.Kind)
	}
	return text
}

func statusText(ov *StatusOverlay) string {
	if ov == nil {
		return ""
	}
	parts := []string{statusWord(ov.Status)}
	if ov.DurationMs > 0 {
		parts = append(parts, fmt.Sprintf("%dms", ov.DurationMs))
	}
	if ov.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("x%d", ov.Attempts))
	}
	return "  [" + strings.Join(parts, " ") + "]"
}

func statusWord(status string) string {
	switch status {
	case "completed":
		return "ok"
	case StatusCached:
		return "hit"
	case StatusFailed:
		return "FAIL"
	case "":
		return "?"
	}
	return status
}
