package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))

		for i, sg := range node.Children {
			b.WriteString(fmt.Sprintf("    subgraph %s[\"%s\"]\n",
				mermaidSafeID(fmt.Sprintf("%s_sg%d", node.ID, i)), mermaidEscapeLabel(sg.Label)))
			for _, subNode := range sg.Nodes {
				b.WriteString(fmt.Sprintf("        %s\n", mermaidNodeDef(subNode)))
			}
			for _, edge := range sg.Edges {
				b.WriteString("        " + mermaidEdge(edge) + "\n")
			}
			b.WriteString("    end\n")
			b.WriteString(fmt.Sprintf("    %s -.- %s\n",
				mermaidSafeID(node.ID), mermaidSafeID(fmt.Sprintf("%s_sg%d", node.ID, i))))
		}
	}

	for _, edge := range model.Edges {
		b.WriteString("    " + mermaidEdge(edge) + "\n")
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef cached fill:#3d7a6a,stroke:#1a4a3a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef retrying fill:#b7791a,stroke:#8a5c14,color:#fff\n")

	for _, node := range model.Nodes {
		writeMermaidClass(&b, node)
		for _, sg := range node.Children {
			for _, subNode := range sg.Nodes {
				writeMermaidClass(&b, subNode)
			}
		}
	}

	return b.String()
}

func writeMermaidClass(b *strings.Builder, node *Node) {
	if node.Status == nil {
		return
	}
	if cls := mermaidStatusClass(node.Status.Status); cls != "" {
		b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
	}
}

func mermaidEdge(edge Edge) string {
	arrow := "-->"
	if edge.Data {
		arrow = "-.->"
	}
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
	}
	return fmt.Sprintf("%s %s%s %s", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))

	switch node.Kind {
	case NodeKindBranch:
		return fmt.Sprintf("%s{\"%s\"}", id, label)
	case NodeKindModel:
		return fmt.Sprintf("%s{{\"%s\"}}", id, label)
	case NodeKindParallel, NodeKindMap:
		return fmt.Sprintf("%s[[\"%s\"]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", id, label)
	default: // tool
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_", "*", "all")
	return r.Replace(id)
}

// mermaidEscapeLabel escapes characters that end a quoted Mermaid label.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "#quot;", "|", "#124;")
	return r.Replace(s)
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "cached", "failed", "running", "retrying":
		return status
	default:
		return ""
	}
}
