package diagram

// NodeKind classifies a diagram node by its plan step kind.
type NodeKind string

const (
	NodeKindModel    NodeKind = "model"
	NodeKindTool     NodeKind = "tool"
	NodeKindParallel NodeKind = "parallel"
	NodeKindBranch   NodeKind = "branch"
	NodeKindMap      NodeKind = "map"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents one top-level step, or a virtual start/end node.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // parallel children, branch cases, map template
}

// SubGraph holds the steps a composite node runs.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the replayed state of a step from run history.
type StatusOverlay struct {
	Status     string // from store.StepStatus
	DurationMs int64
	Attempts   int
	Cached     bool
}

// Edge connects two nodes. Data edges mark inputFrom/itemsFrom reads and
// are drawn dashed.
type Edge struct {
	From  string
	To    string
	Label string
	Data  bool
}
