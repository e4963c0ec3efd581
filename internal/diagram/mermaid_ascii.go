package diagram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/webforge/internal/runner"
)

const cliTimeout = 10 * time.Second

// RenderASCIIAuto renders through the mermaid-ascii binary at binPath when
// one is given, falling back to RenderASCII.
func RenderASCIIAuto(ctx context.Context, r runner.Runner, model *DiagramModel, binPath string) string {
	if binPath != "" && r != nil {
		if out, err := RenderASCIIViaCLI(ctx, r, model, binPath); err == nil {
			return out
		}
	}
	return RenderASCII(model)
}

// RenderASCIIViaCLI pipes RenderMermaidForCLI output through mermaid-ascii.
func RenderASCIIViaCLI(ctx context.Context, r runner.Runner, model *DiagramModel, binPath string) (string, error) {
	res, err := r.Run(ctx, runner.Command{
		Argv:    []string{binPath},
		Stdin:   strings.NewReader(RenderMermaidForCLI(model)),
		Timeout: cliTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("mermaid-ascii: %w", err)
	}
	if !res.OK() {
		return "", fmt.Errorf("mermaid-ascii: exit %d: %s", res.ExitCode, res.Output())
	}
	return res.Stdout, nil
}

// RenderMermaidForCLI generates the edge-only Mermaid subset mermaid-ascii
// parses. Labels and status are folded into the node identifiers.
func RenderMermaidForCLI(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	displayID := make(map[string]string, len(model.Nodes))
	for _, node := range model.Nodes {
		displayID[node.ID] = cliNodeID(node)
	}
	resolve := func(id string) string {
		if d, ok := displayID[id]; ok {
			return d
		}
		return mermaidSafeID(id)
	}

	for _, edge := range model.Edges {
		fmt.Fprintf(&b, "    %s --> %s\n", resolve(edge.From), resolve(edge.To))
	}
	return b.String()
}

// cliNodeID builds a display ID such as Clone-Git-Repository-OK-450ms.
func cliNodeID(node *Node) string {
	id := node.Label
	if id == "" {
		id = node.ID
	}
	if node.Status != nil {
		if tag := strings.Trim(statusTag(node.Status.Status), "[]"); tag != "" {
			id += "-" + tag
		}
		if node.Status.DurationMs > 0 {
			id += fmt.Sprintf("-%dms", node.Status.DurationMs)
		}
	}
	return strings.ReplaceAll(id, " ", "-")
}
