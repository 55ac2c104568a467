package tui

import "github.com/charmbracelet/lipgloss"

const (
	minTextareaHeight = 1
	maxTextareaHeight = 6
	minViewportHeight = 3
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	noteStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	spinnerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	messageStyle = lipgloss.NewStyle().Padding(0, 1).MarginBottom(1)

	textAreaStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62"))

	pickerStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)
