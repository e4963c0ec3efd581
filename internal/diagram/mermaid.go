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
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		fmt.Fprintf(&b, "    %s --> %s\n", mermaidSafeID(edge.From), mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status != nil && node.Status.Status != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), node.Status.Status)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition shaped by kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	switch node.Kind {
	case NodeKindSource:
		return fmt.Sprintf("%s[(%q)]", id, node.Label)
	case NodeKindOutput:
		return fmt.Sprintf("%s[[%q]]", id, node.Label)
	case NodeKindPublish:
		return fmt.Sprintf("%s{{%q}}", id, node.Label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, node.Label)
	default:
		return fmt.Sprintf("%s[%q]", id, node.Label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in identifiers.
func mermaidSafeID(id string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(id)
}
