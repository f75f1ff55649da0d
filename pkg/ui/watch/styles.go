package watch

import "github.com/charmbracelet/lipgloss"

// theme groups reusable styles for dashboard regions.
type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	label      lipgloss.Style
	value      lipgloss.Style
	good       lipgloss.Style
	bad        lipgloss.Style
	callBox    lipgloss.Style
	callTitle  lipgloss.Style
	idleBox    lipgloss.Style
	status     lipgloss.Style
	statusBusy lipgloss.Style
	statusErr  lipgloss.Style
	hint       lipgloss.Style
	viewport   lipgloss.Style
}

// defaultTheme defines the retro terminal palette used by the dashboard.
func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("88")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("223")),
		divider: lipgloss.NewStyle().
			Foreground(lipgloss.Color("130")),
		label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("180")).
			Width(12),
		value: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		good: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		bad: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		callBox: lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("214")).
			Background(lipgloss.Color("235")).
			Padding(0, 1),
		callTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("214")).
			Padding(0, 1),
		idleBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("109")).
			Foreground(lipgloss.Color("244")).
			Padding(0, 1),
		status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Bold(true),
		statusBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		statusErr: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("130")).
			Background(lipgloss.Color("233")).
			Padding(0, 1),
	}
}
