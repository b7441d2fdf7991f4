package ui

import (
	"strings"

	"github.com/aeolun/tessenger/pkg/client"
)

// View renders the input area. Everything else has already been printed
// above it.
func (m Model) View() string {
	if m.stage == StageDone {
		return ""
	}

	var b strings.Builder
	switch {
	case m.loggingIn:
		b.WriteString(StatusStyle.Render("Logging in as " + m.username + "..."))
	case m.stage == StageCommands:
		b.WriteString(HelpStyle.Render(client.Prompt))
		b.WriteString("\n")
		b.WriteString(m.input.View())
	default:
		if m.stage == StageUsername {
			b.WriteString(PromptStyle.Render("Please login"))
			b.WriteString("\n")
		}
		b.WriteString(m.input.View())
	}
	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("ctrl+c to quit"))
	return b.String()
}
