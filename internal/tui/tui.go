// Package tui renders the live fleet dashboard in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Rorqualx/votefleet-go/internal/fleet"
	"github.com/Rorqualx/votefleet-go/internal/stats"
)

// refreshInterval is how often the dashboard re-polls the fleet.
const refreshInterval = time.Second

// SnapshotSource provides the fleet view the dashboard renders. Implemented
// by the scheduler.
type SnapshotSource interface {
	Snapshot() fleet.FleetSnapshot
}

type tickMsg time.Time

// Model is the bubbletea model for the dashboard.
type Model struct {
	source  SnapshotSource
	tracker *stats.Tracker
	version string

	snap  fleet.FleetSnapshot
	width int
}

// NewModel builds the dashboard over a live fleet.
func NewModel(source SnapshotSource, tracker *stats.Tracker, version string) Model {
	return Model{
		source:  source,
		tracker: tracker,
		version: version,
		snap:    source.Snapshot(),
		width:   100,
	}
}

// Init starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles ticks, resizes, and quit keys.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.snap = m.source.Snapshot()
		return m, tick()
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("VoteFleet " + m.version))
	b.WriteString("\n\n")

	if m.snap.GlobalLimitActive {
		remaining := time.Until(m.snap.ReactivationAt).Truncate(time.Second)
		if remaining < 0 {
			remaining = 0
		}
		b.WriteString(limitBannerStyle.Render(
			fmt.Sprintf("GLOBAL HOURLY LIMIT — fleet paused, resuming in %s", remaining)))
		b.WriteString("\n\n")
	}

	b.WriteString(m.statBoxes())
	b.WriteString("\n\n")
	b.WriteString(m.instanceTable())
	b.WriteString("\n")
	b.WriteString(footerStyle.Render("q: quit"))
	b.WriteString("\n")

	return b.String()
}

func (m Model) statBoxes() string {
	var tracked stats.Snapshot
	if m.tracker != nil {
		tracked = m.tracker.Snapshot()
	}

	boxes := []string{
		statBox("Votes", fmt.Sprintf("%d", m.snap.TotalVotes)),
		statBox("Attempts", fmt.Sprintf("%d", tracked.Attempts)),
		statBox("Success", fmt.Sprintf("%.0f%%", tracked.SuccessRate*100)),
		statBox("Browsers", fmt.Sprintf("%d", len(m.snap.OpenBrowsers))),
		statBox("Active", fmt.Sprintf("%d", m.snap.AttemptingInstances)),
		statBox("Paused", fmt.Sprintf("%d", m.snap.PausedInstances)),
		statBox("Excluded", fmt.Sprintf("%d", m.snap.ExcludedInstances)),
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, boxes...)
}

func statBox(label, value string) string {
	content := lipgloss.JoinVertical(lipgloss.Center,
		boxValueStyle.Render(value),
		boxLabelStyle.Render(label),
	)
	return boxStyle.Render(content)
}

func (m Model) instanceTable() string {
	header := fmt.Sprintf("%-4s %-14s %6s %-12s %-10s %-16s %s",
		"ID", "STATE", "VOTES", "LAST VOTE", "NEXT IN", "PROXY IP", "LAST OUTCOME")

	rows := []string{tableHeaderStyle.Render(header)}
	for _, inst := range m.snap.Instances {
		row := fmt.Sprintf("%-4d %s %6d %-12s %-10s %-16s %s",
			inst.ID,
			styleForState(inst.State).Render(fmt.Sprintf("%-14s", inst.State)),
			inst.VoteCount,
			relativeTime(inst.LastSuccessAt, m.snap.TakenAt),
			nextIn(inst.NextVoteIn),
			inst.ProxyIP,
			inst.LastOutcome,
		)
		rows = append(rows, row)
	}
	return strings.Join(rows, "\n")
}

func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Truncate(time.Second)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%.1fh ago", d.Hours())
	}
}

func nextIn(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
