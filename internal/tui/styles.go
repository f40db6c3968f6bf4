package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/vigil/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	separatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("236"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")) // Green

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("28")).
			Bold(true)

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	escalatedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Orange
)

// severityStyles color red flags by severity.
var severityStyles = map[models.Severity]lipgloss.Style{
	models.SeverityCritical: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	models.SeverityHigh:     lipgloss.NewStyle().Foreground(lipgloss.Color("202")),
	models.SeverityMedium:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	models.SeverityLow:      lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
}

func severityStyle(s models.Severity) lipgloss.Style {
	if style, ok := severityStyles[s]; ok {
		return style
	}
	return hintStyle
}

// statusText is the plain status cell of a workflow row.
func statusText(w *models.TestWorkflow) string {
	switch {
	case w.Aborted():
		return "⚠ escalated"
	case w.Status == models.WorkflowCompleted:
		return "✓ completed"
	case w.Status == models.WorkflowFailed:
		return "✗ failed"
	default:
		return "● " + string(w.Status)
	}
}

// statusLabel renders statusText in the status color.
func statusLabel(w *models.TestWorkflow) string {
	text := statusText(w)
	switch {
	case w.Aborted():
		return escalatedStyle.Render(text)
	case w.Status == models.WorkflowCompleted:
		return completedStyle.Render(text)
	case w.Status == models.WorkflowFailed:
		return failedStyle.Render(text)
	default:
		return activeStyle.Render(text)
	}
}
