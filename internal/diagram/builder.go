package diagram

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/plangraph/internal/store"
	"github.com/rendis/plangraph/pkg/schema"
)

// Overlay status values beyond store.StepStatus.
const (
	StatusFailed = "failed"
	StatusCached = "cached"
)

// Build constructs a DiagramModel from a plan and, optionally, the step
// summaries replayed from a recorded run. Top-level steps form a chain in
// declaration order; composite steps get SubGraph children. When runStatus
// is failed, steps left running or retrying are shown as failed.
func Build(plan *schema.Plan, steps map[string]*store.StepSummary, runStatus store.RunStatus) (*DiagramModel, error) {
	if plan == nil {
		return nil, fmt.Errorf("diagram: plan is nil")
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("diagram: plan %q has no steps", plan.ID)
	}

	b := &builder{
		plan:   plan,
		index:  plan.Index(),
		steps:  steps,
		failed: runStatus == store.RunStatusFailed,
		known:  make(map[string]bool),
	}
	return b.build(), nil
}

type builder struct {
	plan   *schema.Plan
	index  map[string]*schema.Step
	steps  map[string]*store.StepSummary
	failed bool
	known  map[string]bool
}

func (b *builder) build() *DiagramModel {
	owned := b.plan.Owned()

	nodes := []*Node{{ID: StartID, Label: "Start", Kind: NodeKindStart}}
	levels := [][]string{{StartID}}
	var edges []Edge

	prev := StartID
	for i := range b.plan.Steps {
		s := &b.plan.Steps[i]
		if owned[s.ID] {
			continue
		}
		node := b.stepNode(s)
		b.buildChildren(node, s)
		nodes = append(nodes, node)
		levels = append(levels, []string{s.ID})
		edges = append(edges, Edge{From: prev, To: s.ID})
		prev = s.ID
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})
	levels = append(levels, []string{EndID})
	edges = append(edges, Edge{From: prev, To: EndID})

	edges = append(edges, b.dataEdges()...)

	return &DiagramModel{
		Title:  b.plan.ID,
		Nodes:  nodes,
		Edges:  edges,
		Levels: levels,
	}
}

func (b *builder) stepNode(s *schema.Step) *Node {
	b.known[s.ID] = true
	node := &Node{
		ID:    s.ID,
		Label: stepLabel(s),
		Kind:  stepKind(s.Kind()),
	}
	node.Status = b.overlay(s.ID)
	return node
}

// buildChildren adds the subgraphs a composite step runs.
func (b *builder) buildChildren(node *Node, s *schema.Step) {
	switch s.Kind() {
	case schema.StepKindParallel:
		node.Children = append(node.Children, b.subGraph("parallel", s.Parallel.Children, false))
	case schema.StepKindBranch:
		for i, c := range s.Branch.Branches {
			label := fmt.Sprintf("case %d: %s", i, ConditionLabel(c.When))
			node.Children = append(node.Children, b.subGraph(label, c.Then, true))
		}
		if len(s.Branch.Else) > 0 {
			node.Children = append(node.Children, b.subGraph("else", s.Branch.Else, true))
		}
	case schema.StepKindMap:
		node.Children = append(node.Children, b.mapTemplate(s))
	case schema.StepKindModel, schema.StepKindTool:
	}
}

// subGraph builds the nodes of a parallel group or branch case. Branch
// targets run in sequence, so they are chained.
func (b *builder) subGraph(label string, ids []string, sequential bool) *SubGraph {
	sg := &SubGraph{Label: label}
	for i, id := range ids {
		s, ok := b.index[id]
		if !ok {
			continue
		}
		sg.Nodes = append(sg.Nodes, b.stepNode(s))
		if sequential && i > 0 {
			sg.Edges = append(sg.Edges, Edge{From: ids[i-1], To: id})
		}
	}
	return sg
}

// mapTemplate renders the child template once, with the replayed state of
// its instances folded into a single overlay.
func (b *builder) mapTemplate(s *schema.Step) *SubGraph {
	id := s.ID + ":*"
	b.known[id] = true
	child := &s.Map.Child
	node := &Node{
		ID:    id,
		Label: templateLabel(child),
		Kind:  stepKind(child.Kind()),
	}

	var instances []string
	prefix := s.ID + ":"
	for stepID := range b.steps {
		if rest, ok := strings.CutPrefix(stepID, prefix); ok {
			if _, err := strconv.Atoi(rest); err == nil {
				instances = append(instances, stepID)
			}
		}
	}
	sort.Strings(instances)
	if len(instances) > 0 {
		node.Label = fmt.Sprintf("%s x%d", node.Label, len(instances))
		node.Status = b.foldOverlays(instances)
	}
	return &SubGraph{Label: "each " + s.Map.ItemsFrom, Nodes: []*Node{node}}
}

// dataEdges links each reader to the steps it takes input or items from.
func (b *builder) dataEdges() []Edge {
	var edges []Edge
	for i := range b.plan.Steps {
		s := &b.plan.Steps[i]
		if !b.known[s.ID] {
			continue
		}
		switch s.Kind() {
		case schema.StepKindModel, schema.StepKindTool:
			for _, from := range s.InputFrom() {
				if b.known[from] {
					edges = append(edges, Edge{From: from, To: s.ID, Label: "input", Data: true})
				}
			}
		case schema.StepKindMap:
			if b.known[s.Map.ItemsFrom] {
				edges = append(edges, Edge{From: s.Map.ItemsFrom, To: s.ID, Label: "items", Data: true})
			}
			for _, from := range templateInputFrom(&s.Map.Child) {
				if b.known[from] {
					edges = append(edges, Edge{From: from, To: s.ID + ":*", Label: "input", Data: true})
				}
			}
		case schema.StepKindParallel, schema.StepKindBranch:
		}
	}
	return edges
}

func (b *builder) overlay(stepID string) *StatusOverlay {
	ss, ok := b.steps[stepID]
	if !ok || ss == nil {
		return nil
	}
	status := string(ss.Status)
	switch {
	case ss.Status == store.StepStatusCompleted && ss.Cached:
		status = StatusCached
	case ss.Status != store.StepStatusCompleted && b.failed:
		status = StatusFailed
	}
	return &StatusOverlay{
		Status:     status,
		DurationMs: ss.DurationMs,
		Attempts:   ss.Attempts,
		Cached:     ss.Cached,
	}
}

// foldOverlays summarizes map instances: the worst status wins, durations
// take the slowest instance and attempts are summed.
func (b *builder) foldOverlays(ids []string) *StatusOverlay {
	var out *StatusOverlay
	for _, id := range ids {
		ov := b.overlay(id)
		if ov == nil {
			continue
		}
		if out == nil {
			out = &StatusOverlay{Status: ov.Status, Cached: true}
		}
		if statusRank(ov.Status) > statusRank(out.Status) {
			out.Status = ov.Status
		}
		out.DurationMs = max(out.DurationMs, ov.DurationMs)
		out.Attempts += ov.Attempts
		out.Cached = out.Cached && ov.Cached
	}
	return out
}

func statusRank(status string) int {
	switch status {
	case StatusFailed:
		return 4
	case string(store.StepStatusRetrying):
		return 3
	case string(store.StepStatusRunning):
		return 2
	case string(store.StepStatusCompleted):
		return 1
	}
	return 0
}

func stepKind(k schema.StepKind) NodeKind {
	switch k {
	case schema.StepKindModel:
		return NodeKindModel
	case schema.StepKindTool:
		return NodeKindTool
	case schema.StepKindParallel:
		return NodeKindParallel
	case schema.StepKindBranch:
		return NodeKindBranch
	case schema.StepKindMap:
		return NodeKindMap
	}
	return NodeKindTool
}

// stepLabel creates a human-readable label. The second line names the
// collaborator for leaf steps.
func stepLabel(s *schema.Step) string {
	switch s.Kind() {
	case schema.StepKindModel:
		return fmt.Sprintf("%s\n(agent %s)", s.ID, s.Model.Agent)
	case schema.StepKindTool:
		return fmt.Sprintf("%s\n(tool %s)", s.ID, s.Tool.ToolID)
	case schema.StepKindMap:
		return fmt.Sprintf("%s\n(map over %s)", s.ID, s.Map.ItemsFrom)
	case schema.StepKindParallel, schema.StepKindBranch:
	}
	return s.ID
}

func templateLabel(t *schema.StepTemplate) string {
	switch t.Kind() {
	case schema.StepKindModel:
		return "agent " + t.Model.Agent
	case schema.StepKindTool:
		return "tool " + t.Tool.ToolID
	}
	return "child"
}

func templateInputFrom(t *schema.StepTemplate) []string {
	switch t.Kind() {
	case schema.StepKindModel:
		return t.Model.InputFrom
	case schema.StepKindTool:
		return t.Tool.InputFrom
	}
	return nil
}

// ConditionLabel renders a branch condition as a short expression.
func ConditionLabel(c schema.Condition) string {
	switch c.Op {
	case schema.CondTruthy:
		return c.Ref
	case schema.CondEq:
		return exprLabel(c.Left) + " == " + exprLabel(c.Right)
	case schema.CondGt:
		return exprLabel(c.Left) + " > " + exprLabel(c.Right)
	case schema.CondLt:
		return exprLabel(c.Left) + " < " + exprLabel(c.Right)
	case schema.CondCEL, schema.CondExpr:
		return c.Source
	}
	return string(c.Op)
}

func exprLabel(e schema.Expr) string {
	switch e.Kind {
	case schema.ExprVar:
		return e.Ref
	case schema.ExprJQ:
		return "jq(" + e.Ref + ")"
	}
	switch v := e.Value.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	}
	return fmt.Sprint(e.Value)
}
