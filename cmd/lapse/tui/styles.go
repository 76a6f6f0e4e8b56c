// Package tui renders the live tuning view: exposure and focus probes as
// the engines report them.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#7D56F4")
	accentColor  = lipgloss.Color("#00D9FF")
	successColor = lipgloss.Color("#28A745")
	warningColor = lipgloss.Color("#FFC107")
	dangerColor  = lipgloss.Color("#DC3545")
	mutedColor   = lipgloss.Color("#666666")
	borderColor  = lipgloss.Color("#333333")
)

var (
	outerBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	dividerStyle = lipgloss.NewStyle().Foreground(borderColor)

	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	sectionStyle     = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	mutedTextStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	successTextStyle = lipgloss.NewStyle().Foreground(successColor)
	warningTextStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorTextStyle   = lipgloss.NewStyle().Foreground(dangerColor)

	barInBandStyle = lipgloss.NewStyle().Foreground(successColor)
	barOffStyle    = lipgloss.NewStyle().Foreground(warningColor)
	barEmptyStyle  = lipgloss.NewStyle().Foreground(borderColor)
)
