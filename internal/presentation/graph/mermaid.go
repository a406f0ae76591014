package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/patchbay/pkg/domain"
)

// GenerateMermaid produces a Mermaid flowchart of a snapshot. Nodes are
// grouped by driver, each group in its own subgraph:
// - Driver: ([Stadium])
// - Default: [Rectangle]
// Links are labelled with their state; feedback links are dotted and failed
// links are drawn in red.
func GenerateMermaid(snap *domain.Snapshot) string {
	var sb strings.Builder
	sb.WriteString("graph LR\n")

	groups := make(map[uint32][]domain.NodeSnapshot)
	var order []uint32
	for _, n := range snap.Nodes {
		if _, ok := groups[n.DriverID]; !ok {
			order = append(order, n.DriverID)
		}
		groups[n.DriverID] = append(groups[n.DriverID], n)
	}

	for _, driver := range order {
		indent := "    "
		if driver != 0 {
			d, _ := snap.Node(driver)
			fmt.Fprintf(&sb, "    subgraph group_%d[\"%s @ %d\"]\n", driver, escape(d.Name), d.GroupQuantum)
			indent = "        "
		}
		for _, n := range groups[driver] {
			opener, closer := "[", "]"
			if n.Driving && n.DriverID == n.ID {
				opener, closer = "([", "])"
			}
			label := escape(n.Name)
			if n.Plugin != "" {
				label += "<br/>" + escape(n.Plugin)
			}
			fmt.Fprintf(&sb, "%s%s%s\"%s\"%s\n", indent, nodeID(n.ID), opener, label, closer)
		}
		if driver != 0 {
			sb.WriteString("    end\n")
		}
	}

	var failed []int
	for i, l := range snap.Links {
		label := l.State
		if l.Format != "" && l.State == domain.LinkStateActive.String() {
			label = l.Format
		}
		arrow := fmt.Sprintf("-- \"%s\" -->", escape(label))
		if l.Feedback {
			arrow = fmt.Sprintf("-. \"%s\" .->", escape(label))
		}
		fmt.Fprintf(&sb, "    %s %s %s\n", nodeID(l.OutputNode), arrow, nodeID(l.InputNode))
		if l.State == domain.LinkStateError.String() {
			failed = append(failed, i)
		}
	}

	var inactive []string
	for _, n := range snap.Nodes {
		if !n.Active {
			inactive = append(inactive, nodeID(n.ID))
		}
	}
	if len(inactive) > 0 || len(failed) > 0 {
		sb.WriteString("\n    %% State Styles\n")
	}
	if len(inactive) > 0 {
		sb.WriteString("    classDef inactive fill:#eeeeee,stroke:#9e9e9e,color:#616161;\n")
		fmt.Fprintf(&sb, "    class %s inactive;\n", strings.Join(inactive, ","))
	}
	for _, i := range failed {
		fmt.Fprintf(&sb, "    linkStyle %d stroke:#d32f2f,stroke-width:2px;\n", i)
	}
	return sb.String()
}

func nodeID(id uint32) string {
	return fmt.Sprintf("n%d", id)
}

func escape(s string) string {
	return strings.ReplaceAll(s, "\"", "'")
}
