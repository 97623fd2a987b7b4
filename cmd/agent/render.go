package main

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/jettro/bedrock-agent/internal/domain"
)

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorInfo   = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	colorPass   = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}

	headingStyle      = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	collaboratorStyle = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	kindStyle         = lipgloss.NewStyle().Foreground(colorMuted)
	mutedStyle        = lipgloss.NewStyle().Faint(true)
)

const renderWidth = 100

// renderOptions control how an answer is printed.
type renderOptions struct {
	showTrace bool
	raw       bool
}

// renderAnswer renders the completion as terminal markdown. It falls back to
// the plain text when rendering is off or fails.
func renderAnswer(text string, opts renderOptions) string {
	if opts.raw || strings.TrimSpace(text) == "" {
		return text
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(renderWidth),
	)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

// renderTrace formats one trace event as "[collaborator] kind: text".
func renderTrace(ev domain.TraceEvent) string {
	who := ev.Collaborator
	if who == "" {
		who = "supervisor"
	}
	line := collaboratorStyle.Render("["+who+"]") + " " + kindStyle.Render(ev.Kind)
	if ev.Text != "" {
		line += ": " + ev.Text
	}
	return line
}

func renderHeading(s string) string { return headingStyle.Render(s) }

func renderMuted(s string) string { return mutedStyle.Render(s) }
