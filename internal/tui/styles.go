package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 2)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			MarginRight(1)

	boxLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	boxValueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	limitBannerStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("160")).
				Padding(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("252")).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(lipgloss.Color("240"))

	stateStyles = map[string]lipgloss.Style{
		"voting":        lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"launching":     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"cooldown":      lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		"retry_backoff": lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		"paused":        lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		"excluded":      lipgloss.NewStyle().Foreground(lipgloss.Color("160")).Bold(true),
	}

	defaultStateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			MarginTop(1)
)

func styleForState(state string) lipgloss.Style {
	if s, ok := stateStyles[state]; ok {
		return s
	}
	return defaultStateStyle
}
