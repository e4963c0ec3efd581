package diagram

// NodeKind classifies a diagram node by what its step does.
type NodeKind string

const (
	NodeKindSource    NodeKind = "source"    // clone
	NodeKindTransform NodeKind = "transform" // customization, configuration
	NodeKindOutput    NodeKind = "output"    // archive, image build
	NodeKindPublish   NodeKind = "publish"   // registry push
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string     `json:"title"`
	Nodes  []*Node    `json:"nodes"`
	Edges  []Edge     `json:"edges"`
	Levels [][]string `json:"levels"`
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string         `json:"id"`
	Label  string         `json:"label"`
	Kind   NodeKind       `json:"kind"`
	Status *StatusOverlay `json:"status,omitempty"`
}

// StatusOverlay carries the progress of a step within a run.
type StatusOverlay struct {
	Status     string `json:"status"` // completed, failed, running or skipped
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

const (
	startID = "__start__"
	endID   = "__end__"
)
