package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/patchbay/pkg/domain"
)

// GenerateMarkdown produces a report of a snapshot: a node table, a link
// table and the Mermaid flowchart.
func GenerateMarkdown(snap *domain.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", snap.Graph)
	if snap.Instance != "" {
		fmt.Fprintf(&sb, "Instance `%s`, taken %s.\n\n", snap.Instance, snap.Taken.Format("2006-01-02 15:04:05 MST"))
	}

	sb.WriteString("## Nodes\n\n")
	sb.WriteString("| ID | Name | Plugin | State | Driver | Quantum | Xruns |\n")
	sb.WriteString("|---|---|---|---|---|---|---|\n")
	for _, n := range snap.Nodes {
		driver := "-"
		if d, ok := snap.Node(n.DriverID); ok {
			driver = d.Name
		}
		fmt.Fprintf(&sb, "| %d | %s | %s | %s | %s | %d | %d |\n",
			n.ID, cell(n.Name), cell(n.Plugin), nodeState(n), cell(driver), n.GroupQuantum, n.Xruns.Count)
	}

	sb.WriteString("\n## Links\n\n")
	if len(snap.Links) == 0 {
		sb.WriteString("No links.\n")
	} else {
		sb.WriteString("| ID | Output | Input | State | Format | Buffers |\n")
		sb.WriteString("|---|---|---|---|---|---|\n")
		for _, l := range snap.Links {
			state := l.State
			if l.Error != "" {
				state += ": " + l.Error
			}
			fmt.Fprintf(&sb, "| %d | %s | %s | %s | %s | %d |\n",
				l.ID, endpoint(snap, l.OutputNode, l.OutputPort), endpoint(snap, l.InputNode, l.InputPort),
				cell(state), cell(l.Format), l.Buffers)
		}
	}

	sb.WriteString("\n## Flowchart\n\n```mermaid\n")
	sb.WriteString(GenerateMermaid(snap))
	sb.WriteString("```\n")
	return sb.String()
}

func nodeState(n domain.NodeSnapshot) string {
	switch {
	case !n.Active:
		return "inactive"
	case n.Running:
		return "running"
	case n.NeedConfig:
		return "needs config"
	}
	return "idle"
}

func endpoint(snap *domain.Snapshot, node, port uint32) string {
	n, ok := snap.Node(node)
	if !ok {
		return fmt.Sprintf("%d:%d", node, port)
	}
	return fmt.Sprintf("%s:%d", cell(n.Name), port)
}

func cell(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, "|", "\\|")
}
