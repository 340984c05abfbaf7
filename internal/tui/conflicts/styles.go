package conflicts

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	// Base colors
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")
	successColor = lipgloss.Color("42")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	subtleStyle = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle  = lipgloss.NewStyle().Foreground(errorColor)
	statusStyle = lipgloss.NewStyle().Foreground(successColor)

	kindStyles = map[string]lipgloss.Style{
		"concurrent-edit":   lipgloss.NewStyle().Foreground(warningColor),
		"edit-after-delete": lipgloss.NewStyle().Foreground(errorColor),
	}

	confirmStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(warningColor).
			Padding(0, 2)
)

// formatKind renders a conflict kind with color
func formatKind(kind string) string {
	style, ok := kindStyles[kind]
	if !ok {
		return "[" + kind + "]"
	}
	return style.Render("[" + kind + "]")
}
