package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/underthetree/internal/queue"
)

// Palette.
var (
	ColorAccent = lipgloss.Color("#b4befe")
	ColorGreen  = lipgloss.Color("#a6e3a1")
	ColorRed    = lipgloss.Color("#f38ba8")
	ColorYellow = lipgloss.Color("#f9e2af")
	ColorDim    = lipgloss.Color("#6c7086")
)

// Styles groups the monitor's lipgloss styles.
type Styles struct {
	Title    lipgloss.Style
	Label    lipgloss.Style
	Pending  lipgloss.Style
	Failed   lipgloss.Style
	State    lipgloss.Style
	Selected lipgloss.Style
	Dim      lipgloss.Style
	Error    lipgloss.Style
	Panel    lipgloss.Style
}

// DefaultStyles returns the standard styles.
func DefaultStyles() Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
		Label:    lipgloss.NewStyle().Foreground(ColorDim),
		Pending:  lipgloss.NewStyle().Bold(true).Foreground(ColorYellow),
		Failed:   lipgloss.NewStyle().Bold(true).Foreground(ColorRed),
		State:    lipgloss.NewStyle().Bold(true).Foreground(ColorGreen),
		Selected: lipgloss.NewStyle().Bold(true).Reverse(true),
		Dim:      lipgloss.NewStyle().Foreground(ColorDim),
		Error:    lipgloss.NewStyle().Foreground(ColorRed),
		Panel:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorDim).Padding(0, 1),
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	sections := []string{
		m.renderHeader(),
		m.styles.Panel.Render(m.renderQueue()),
		m.styles.Panel.Render(m.renderEvents()),
		m.renderFooter(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	s := m.styles
	c := m.snapshot.Counts
	state := m.snapshot.State
	if state == "" {
		state = "-"
	}
	parts := []string{
		s.Title.Render("Under the Tree"),
		s.Label.Render("state ") + s.State.Render(state),
		s.Label.Render("pending ") + s.Pending.Render(fmt.Sprint(c.Pending)),
		s.Label.Render("failed ") + s.Failed.Render(fmt.Sprint(c.Failed)),
	}
	return strings.Join(parts, "   ")
}

func (m Model) renderQueue() string {
	s := m.styles
	if len(m.snapshot.Ops) == 0 {
		return s.Dim.Render("queue is empty")
	}
	now := m.now()
	lines := make([]string, 0, len(m.snapshot.Ops)+1)
	lines = append(lines, s.Label.Render(fmt.Sprintf("%-38s %-20s %8s  %s", "ID", "TYPE", "ATTEMPTS", "STATUS")))
	for i, op := range m.snapshot.Ops {
		line := fmt.Sprintf("%-38s %-20s %8d  %s", op.ID, op.OpType, op.Attempts, OpStatus(op, now))
		switch {
		case i == m.selected:
			line = s.Selected.Render(line)
		case op.Failed:
			line = s.Failed.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderEvents() string {
	s := m.styles
	if len(m.snapshot.Events) == 0 {
		return s.Dim.Render("no telemetry yet")
	}
	lines := make([]string, 0, len(m.snapshot.Events))
	for _, ev := range m.snapshot.Events {
		lines = append(lines, s.Dim.Render(ev.TS.Local().Format("15:04:05"))+" "+ev.Name)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderFooter() string {
	s := m.styles
	var parts []string
	if m.snapshot.Err != nil {
		parts = append(parts, s.Error.Render("queue: "+m.snapshot.Err.Error()))
	}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	if !m.lastUpdated.IsZero() {
		parts = append(parts, s.Dim.Render("updated "+m.lastUpdated.Format("15:04:05")))
	}
	parts = append(parts, s.Dim.Render("p process · r retry failed · d discard · q quit"))
	return strings.Join(parts, "  ")
}

// OpStatus describes an operation for display: failed with its last
// error, due now, or waiting for its next attempt.
func OpStatus(op queue.Operation, now time.Time) string {
	if op.Failed {
		if op.LastError != "" {
			return "failed: " + op.LastError
		}
		return "failed"
	}
	if op.Due(now) {
		return "due"
	}
	wait := time.UnixMilli(op.NextAttemptAt).Sub(now).Round(time.Second)
	if op.LastError != "" {
		return fmt.Sprintf("retry in %s (%s)", wait, op.LastError)
	}
	return fmt.Sprintf("retry in %s", wait)
}
