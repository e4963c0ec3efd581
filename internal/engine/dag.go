package engine

import (
	"sort"

	"github.com/rendis/webforge/pkg/schema"
)

// Plan is a validated, ordered set of steps for one run.
// Built from the run's requested step names, used by the executor to
// determine execution order.
type Plan struct {
	Steps   []Step          // execution order
	Edges   map[Step][]Step // step → requested predecessors
	Reverse map[Step][]Step // step → dependents
}

// ParsePlan validates requested step names against the catalog and orders
// them. Unknown steps, duplicates and unmet dependencies are VALIDATION
// errors. Ordering is a topological sort (Kahn) with catalog order breaking
// ties, so the caller's input order never matters.
func ParsePlan(names []string) (*Plan, error) {
	if len(names) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "run has no steps")
	}

	plan := &Plan{
		Edges:   make(map[Step][]Step, len(names)),
		Reverse: make(map[Step][]Step, len(names)),
	}

	requested := make(map[Step]bool, len(names))
	for _, name := range names {
		s := Step(name)
		if !s.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown build step: %s", name)
		}
		if requested[s] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate build step: %s", name)
		}
		requested[s] = true
	}

	for s := range requested {
		info := catalog[s]
		deps := make([]Step, 0, len(info.Requires))
		for _, dep := range info.Requires {
			if !requested[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s requires the %s step", s, dep).
					WithDetails(map[string]any{"step": string(s), "missing": string(dep)})
			}
			deps = append(deps, dep)
			plan.Reverse[dep] = append(plan.Reverse[dep], s)
		}
		plan.Edges[s] = deps
	}

	inDegree := make(map[Step]int, len(requested))
	queue := make([]Step, 0, len(requested))
	for s := range requested {
		inDegree[s] = len(plan.Edges[s])
		if inDegree[s] == 0 {
			queue = append(queue, s)
		}
	}

	sorted := make([]Step, 0, len(requested))
	for len(queue) > 0 {
		sortByOrder(queue)
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dep := range plan.Reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(requested) {
		return nil, schema.NewError(schema.ErrCodeValidation, "step dependencies contain a cycle")
	}
	plan.Steps = sorted
	return plan, nil
}

// Has reports whether s is part of the plan.
func (p *Plan) Has(s Step) bool {
	_, ok := p.Edges[s]
	return ok
}

// Names returns the ordered step identifiers.
func (p *Plan) Names() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = string(s)
	}
	return out
}

func sortByOrder(steps []Step) {
	sort.Slice(steps, func(i, j int) bool {
		return catalog[steps[i]].Order < catalog[steps[j]].Order
	})
}
