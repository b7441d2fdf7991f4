package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	// Color scheme
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	SuccessColor   = lipgloss.Color("42")  // Green
	ErrorColor     = lipgloss.Color("196") // Red
	MutedColor     = lipgloss.Color("243") // Gray

	BaseStyle = lipgloss.NewStyle()

	PromptStyle = BaseStyle.
			Foreground(PrimaryColor).
			Bold(true)

	HelpStyle = BaseStyle.
			Foreground(MutedColor)

	StatusStyle = BaseStyle.
			Foreground(MutedColor).
			Italic(true)

	// Lines printed above the input
	MessageStyle = BaseStyle.
			Foreground(SecondaryColor)

	NoticeStyle = BaseStyle.
			Foreground(SuccessColor)

	ErrorStyle = BaseStyle.
			Foreground(ErrorColor)

	PlainStyle = BaseStyle
)
