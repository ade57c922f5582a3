package dash

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/storylinehq/storyline/internal/narrative"
)

var (
	colorHot         = lipgloss.Color("196") // Red
	colorRising      = lipgloss.Color("208") // Orange
	colorEmerging    = lipgloss.Color("78")  // Green
	colorCooling     = lipgloss.Color("69")  // Blue
	colorDormant     = lipgloss.Color("240") // Gray
	colorEcho        = lipgloss.Color("141") // Violet
	colorReactivated = lipgloss.Color("212") // Pink
)

var stateColors = map[narrative.State]lipgloss.Color{
	narrative.StateHot:         colorHot,
	narrative.StateRising:      colorRising,
	narrative.StateEmerging:    colorEmerging,
	narrative.StateCooling:     colorCooling,
	narrative.StateDormant:     colorDormant,
	narrative.StateEcho:        colorEcho,
	narrative.StateReactivated: colorReactivated,
}

// StateBadge renders a colored badge for a lifecycle state.
func StateBadge(state narrative.State) string {
	color, ok := stateColors[state]
	if !ok {
		color = colorDormant
	}
	return lipgloss.NewStyle().Foreground(color).Bold(true).Render(string(state))
}

// HeaderStyle for the dashboard title bar.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("255")).
	Background(lipgloss.Color("62")).
	Padding(0, 1)

// StatusBar style for the bottom status line.
var StatusBar = lipgloss.NewStyle().
	Foreground(lipgloss.Color("255")).
	Background(lipgloss.Color("236")).
	Padding(0, 1)

// StatusBarKey style for key hints.
var StatusBarKey = lipgloss.NewStyle().
	Foreground(lipgloss.Color("212")).
	Bold(true)

// StatusBarText style for hint descriptions.
var StatusBarText = lipgloss.NewStyle().
	Foreground(lipgloss.Color("241"))

// ErrorStyle for displaying errors.
var ErrorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("196")).
	Bold(true).
	Padding(0, 1)

// DetailLabel style for field names in the detail panel.
var DetailLabel = lipgloss.NewStyle().
	Foreground(lipgloss.Color("241")).
	Width(14)

// DetailValue style for field values in the detail panel.
var DetailValue = lipgloss.NewStyle().
	Foreground(lipgloss.Color("255"))
