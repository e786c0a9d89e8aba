// Package tui is the interactive status client: a bubbletea program that
// subscribes to a running daemon over its Unix socket and renders the
// stage graph and tailing log as they change (SPEC_FULL.md §4.12).
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/weftio/weft/internal/daemon"
)

const maxLogLines = 500

// statusMsg carries a fresh StatusUpdate from the subscription goroutine.
type statusMsg daemon.StatusUpdate

// logLineMsg carries one appended log line from the subscription goroutine.
type logLineMsg string

// disconnectedMsg signals the daemon connection ended, with the reason.
type disconnectedMsg struct{ err error }

// Model is the bubbletea model for the status view. The log pane is a
// bubbles/viewport.Model so scrolling (arrows, page up/down, home/end,
// mouse wheel) comes from the component rather than hand-rolled offset
// arithmetic.
type Model struct {
	executing []string
	pending   []string
	completed []string
	blocked   []string
	installID string

	logs  []string
	log   viewport.Model
	ready bool

	disconnected  bool
	disconnectErr error

	headerStyle    lipgloss.Style
	executingStyle lipgloss.Style
	pendingStyle   lipgloss.Style
	completedStyle lipgloss.Style
	blockedStyle   lipgloss.Style
	dimStyle       lipgloss.Style
}

// New builds a fresh Model. Styles are constructed once here rather than
// per-render, matching the charm-stack convention of style values as
// struct fields.
func New() Model {
	return Model{
		headerStyle:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7")),
		executingStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		pendingStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		completedStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("28")),
		blockedStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dimStyle:       lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// headerHeight is how many lines the status section above the log pane
// occupies, used to size the viewport against the terminal height.
const headerHeight = 12

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "home":
			if m.ready {
				m.log.GotoTop()
			}
		case "end":
			if m.ready {
				m.log.GotoBottom()
			}
		}

	case tea.WindowSizeMsg:
		logHeight := msg.Height - headerHeight
		if logHeight < 3 {
			logHeight = 3
		}
		if !m.ready {
			m.log = viewport.New(msg.Width, logHeight)
			m.log.MouseWheelEnabled = true
			m.ready = true
			m.log.SetContent(strings.Join(m.logs, "\n"))
		} else {
			m.log.Width = msg.Width
			m.log.Height = logHeight
		}

	case statusMsg:
		m.executing = msg.Executing
		m.pending = msg.Pending
		m.completed = msg.Completed
		m.blocked = msg.Blocked
		m.installID = msg.InstallID

	case logLineMsg:
		atBottom := m.log.AtBottom()
		m.logs = append(m.logs, string(msg))
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
		if m.ready {
			m.log.SetContent(strings.Join(m.logs, "\n"))
			if atBottom {
				m.log.GotoBottom()
			}
		}

	case disconnectedMsg:
		m.disconnected = true
		m.disconnectErr = msg.err
	}

	if m.ready {
		m.log, cmd = m.log.Update(msg)
	}
	return m, cmd
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.headerStyle.Render("weft status"))
	if m.installID != "" {
		b.WriteString(m.dimStyle.Render(fmt.Sprintf("  (%s)", m.installID)))
	}
	b.WriteString("\n\n")

	b.WriteString(renderMinimap(m.executing, m.pending, m.completed, m.blocked))
	b.WriteString("\n\n")

	b.WriteString(m.renderBucket("Executing", m.executing, m.executingStyle))
	b.WriteString(m.renderBucket("Pending", m.pending, m.pendingStyle))
	b.WriteString(m.renderBucket("Completed", m.completed, m.completedStyle))
	b.WriteString(m.renderBucket("Blocked", m.blocked, m.blockedStyle))

	b.WriteString("\n")
	b.WriteString(m.headerStyle.Render("log"))
	b.WriteString("\n")
	if m.ready {
		b.WriteString(m.log.View())
	} else {
		b.WriteString(m.dimStyle.Render("(no log output yet)"))
	}

	b.WriteString("\n\n")
	if m.disconnected {
		b.WriteString(m.blockedStyle.Render(fmt.Sprintf("disconnected from daemon: %v", m.disconnectErr)))
	} else {
		b.WriteString(m.dimStyle.Render("q quit  ↑/↓ or mouse wheel scroll log  home/end jump"))
	}

	return b.String()
}

func (m Model) renderBucket(label string, ids []string, style lipgloss.Style) string {
	if len(ids) == 0 {
		return ""
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return style.Render(fmt.Sprintf("%-10s", label)) + strings.Join(sorted, ", ") + "\n"
}
