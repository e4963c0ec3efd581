package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/webforge/internal/engine"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/pkg/schema"
)

// stepEvent is the payload shape of step_* audit events.
type stepEvent struct {
	Step       string `json:"step"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

// Build lays out a run's step plan. events are the run's audit events in
// sequence order; step events overlay each step's progress. A nil run
// status overlay means the step has not been reached.
func Build(run *store.Run, events []*store.Event) (*DiagramModel, error) {
	plan, err := engine.ParsePlan(run.Steps)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse plan: %w", err)
	}

	states := overlays(events)
	nodes := make([]*Node, 0, len(plan.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, s := range plan.Steps {
		info, _ := s.Info()
		node := &Node{ID: string(s), Label: info.Name, Kind: stepKind(s), Status: states[string(s)]}
		if node.Status == nil && run.Status == schema.RunStatusFailed {
			node.Status = &StatusOverlay{Status: "skipped"}
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  fmt.Sprintf("Run %s (%s)", shortRunID(run.ID), run.Status),
		Nodes:  nodes,
		Edges:  buildEdges(plan),
		Levels: buildLevels(plan),
	}, nil
}

func stepKind(s engine.Step) NodeKind {
	switch s {
	case engine.StepClone:
		return NodeKindSource
	case engine.StepCustomize, engine.StepConfigure:
		return NodeKindTransform
	case engine.StepPushImage:
		return NodeKindPublish
	default:
		return NodeKindOutput
	}
}

// overlays folds step events into the latest state per step.
func overlays(events []*store.Event) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	for _, e := range events {
		var status string
		switch e.Type {
		case schema.EventStepStarted:
			status = "running"
		case schema.EventStepCompleted:
			status = "completed"
		case schema.EventStepFailed:
			status = "failed"
		default:
			continue
		}
		var p stepEvent
		if len(e.Payload) == 0 || json.Unmarshal(e.Payload, &p) != nil || p.Step == "" {
			continue
		}
		out[p.Step] = &StatusOverlay{Status: status, DurationMs: p.DurationMs, Error: p.Error}
	}
	return out
}

// buildEdges links start to the roots, each dependency to its dependents
// and every leaf to end.
func buildEdges(plan *engine.Plan) []Edge {
	var edges []Edge
	for _, s := range plan.Steps {
		if len(plan.Edges[s]) == 0 {
			edges = append(edges, Edge{From: startID, To: string(s)})
		}
	}
	for _, s := range plan.Steps {
		for _, dep := range plan.Edges[s] {
			edges = append(edges, Edge{From: string(dep), To: string(s)})
		}
	}
	for _, s := range plan.Steps {
		if len(plan.Reverse[s]) == 0 {
			edges = append(edges, Edge{From: string(s), To: endID})
		}
	}
	return edges
}

// buildLevels groups steps by their longest dependency chain, wrapped in
// the start and end levels.
func buildLevels(plan *engine.Plan) [][]string {
	depth := make(map[engine.Step]int, len(plan.Steps))
	var levels [][]string
	for _, s := range plan.Steps {
		d := 0
		for _, dep := range plan.Edges[s] {
			d = max(d, depth[dep]+1)
		}
		depth[s] = d
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], string(s))
	}

	out := make([][]string, 0, len(levels)+2)
	out = append(out, []string{startID})
	out = append(out, levels...)
	return append(out, []string{endID})
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
