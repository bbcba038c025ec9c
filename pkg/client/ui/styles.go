package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	SuccessColor   = lipgloss.Color("42")  // Green
	ErrorColor     = lipgloss.Color("196") // Red
	MutedColor     = lipgloss.Color("243") // Gray
	BorderColor    = lipgloss.Color("238") // Dark gray

	BaseStyle = lipgloss.NewStyle()

	HeaderStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	StatusStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	ChatPaneStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor)

	UserPaneStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	UserTitleStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor)

	OwnUserStyle = BaseStyle.
			Foreground(SuccessColor).
			Bold(true)

	MessageAuthorStyle = BaseStyle.
				Foreground(SecondaryColor)

	MessageOwnAuthorStyle = BaseStyle.
				Foreground(SuccessColor).
				Bold(true)

	PrivateStyle = BaseStyle.
			Foreground(SecondaryColor).
			Italic(true)

	JoinStyle = BaseStyle.
			Foreground(SuccessColor)

	LeaveStyle = BaseStyle.
			Foreground(MutedColor)

	InputStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(PrimaryColor).
			Padding(0, 1)

	ErrorStyle = BaseStyle.
			Foreground(ErrorColor).
			Bold(true)
)
