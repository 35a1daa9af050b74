package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Format selects a diagram output format.
type Format string

const (
	FormatASCII   Format = "ascii"
	FormatMermaid Format = "mermaid"
	FormatDOT     Format = "dot"
	FormatSVG     Format = "svg"
	FormatPNG     Format = "png"
)

// Formats lists every supported output format.
var Formats = []Format{FormatASCII, FormatMermaid, FormatDOT, FormatSVG, FormatPNG}

// ParseFormat maps a format name to a Format.
func ParseFormat(name string) (Format, error) {
	for _, f := range Formats {
		if string(f) == name {
			return f, nil
		}
	}
	return "", fmt.Errorf("diagram: unsupported format %q", name)
}

// Binary reports whether the format produces non-text output.
func (f Format) Binary() bool { return f == FormatPNG }

// Render renders model in any supported format.
func Render(ctx context.Context, model *DiagramModel, format Format) ([]byte, error) {
	switch format {
	case FormatASCII:
		return []byte(RenderASCII(model)), nil
	case FormatMermaid:
		return []byte(RenderMermaid(model)), nil
	}
	return RenderGraphviz(ctx, model, format)
}

// RenderImage renders a DiagramModel as a PNG image using graphviz.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	return RenderGraphviz(ctx, model, FormatPNG)
}

// RenderGraphviz lays out a DiagramModel with the dot engine and returns it
// in the requested format.
func RenderGraphviz(ctx context.Context, model *DiagramModel, format Format) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatDOT:
		gvFormat = graphviz.XDOT
	case FormatSVG:
		gvFormat = graphviz.SVG
	case FormatPNG:
		gvFormat = graphviz.PNG
	default:
		return nil, fmt.Errorf("diagram: unsupported graphviz format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(dotLabel(node))
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	// Composite children live in dashed clusters linked from their parent.
	for _, node := range model.Nodes {
		for i, sg := range node.Children {
			clusterName := fmt.Sprintf("cluster_%s_%d", node.ID, i)
			sub, subErr := graph.CreateSubGraphByName(clusterName)
			if subErr != nil {
				return nil, fmt.Errorf("diagram: create cluster %s: %w", clusterName, subErr)
			}
			sub.SetLabel(sg.Label)
			sub.SetStyle(cgraph.DashedGraphStyle)

			for _, subNode := range sg.Nodes {
				gvSub, nErr := sub.CreateNodeByName(subNode.ID)
				if nErr != nil {
					return nil, fmt.Errorf("diagram: create node %s: %w", subNode.ID, nErr)
				}
				gvSub.SetLabel(dotLabel(subNode))
				applyNodeStyle(gvSub, subNode)
				gvNodes[subNode.ID] = gvSub
			}
			if len(sg.Nodes) > 0 {
				if e, eErr := graph.CreateEdgeByName("", gvNodes[node.ID], gvNodes[sg.Nodes[0].ID]); eErr == nil {
					e.SetStyle(cgraph.DashedEdgeStyle)
				}
			}
			for _, edge := range sg.Edges {
				if err := addEdge(graph, gvNodes, edge); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, edge := range model.Edges {
		if err := addEdge(graph, gvNodes, edge); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func addEdge(graph *cgraph.Graph, gvNodes map[string]*cgraph.Node, edge Edge) error {
	fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
	if fromGV == nil || toGV == nil {
		return nil
	}
	e, err := graph.CreateEdgeByName("", fromGV, toGV)
	if err != nil {
		return fmt.Errorf("diagram: create edge %s -> %s: %w", edge.From, edge.To, err)
	}
	if edge.Label != "" {
		e.SetLabel(edge.Label)
	}
	if edge.Data {
		e.SetStyle(cgraph.DashedEdgeStyle)
	}
	return nil
}

// dotLabel is the node label plus a status line when one is known.
func dotLabel(node *Node) string {
	label := node.Label
	if node.Status != nil && node.Status.DurationMs > 0 {
		label = fmt.Sprintf("%s\n%dms", label, node.Status.DurationMs)
	}
	return label
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindTool:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindModel:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindBranch:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindParallel, NodeKindMap:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
	}
}

// applyStatusColor sets fill color and style based on status.
func applyStatusColor(gvNode *cgraph.Node, status string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "completed":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "cached":
		gvNode.SetFillColor("#3d7a6a")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "running":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "retrying":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	default:
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	}
}
