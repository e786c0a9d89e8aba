package tui

import (
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// minimapRowWidth caps how many glyphs are drawn per row before wrapping,
// keeping the overview readable at typical terminal widths.
const minimapRowWidth = 60

var (
	minimapExecuting = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))
	minimapPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	minimapCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("28"))
	minimapBlocked   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// renderMinimap draws a condensed, single-glyph-per-stage overview of the
// whole graph, one glyph per stage ID sorted for a stable layout. This is
// the rendering-only counterpart of a full laid-out dependency graph: the
// daemon's status payload is a flat bucketed snapshot rather than a
// positioned graph, so there are no edges or a viewport rectangle to draw,
// only the condensed per-node status view.
func renderMinimap(executing, pending, completed, blocked []string) string {
	type node struct {
		id    string
		glyph string
		style lipgloss.Style
	}
	var nodes []node
	for _, id := range executing {
		nodes = append(nodes, node{id, "●", minimapExecuting})
	}
	for _, id := range pending {
		nodes = append(nodes, node{id, "○", minimapPending})
	}
	for _, id := range completed {
		nodes = append(nodes, node{id, "✓", minimapCompleted})
	}
	for _, id := range blocked {
		nodes = append(nodes, node{id, "✗", minimapBlocked})
	}
	if len(nodes) == 0 {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("(no stages)")
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })

	var b strings.Builder
	for i, n := range nodes {
		if i > 0 && i%minimapRowWidth == 0 {
			b.WriteString("\n")
		}
		b.WriteString(n.style.Render(n.glyph))
	}
	return b.String()
}
