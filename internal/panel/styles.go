package panel

import "github.com/charmbracelet/lipgloss"

var (
	colorGreen = lipgloss.Color("#4CAF50")
	colorRed   = lipgloss.Color("#DC3545")
	colorGray  = lipgloss.Color("#666666")
	colorDim   = lipgloss.Color("#AAAAAA")
	colorWhite = lipgloss.Color("#FFFFFF")
	colorBlue  = lipgloss.Color("#2D8CFF")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite)

	activeDotStyle   = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	errorDotStyle    = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	inactiveDotStyle = lipgloss.NewStyle().Foreground(colorGray)

	interimStyle = lipgloss.NewStyle().Foreground(colorDim)
	finalStyle   = lipgloss.NewStyle().Foreground(colorWhite)

	questionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBlue)

	answerStyle = lipgloss.NewStyle().Foreground(colorWhite)

	errorTextStyle = lipgloss.NewStyle().Foreground(colorRed)

	helpStyle = lipgloss.NewStyle().Foreground(colorGray)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray).
			Padding(0, 1)
)
