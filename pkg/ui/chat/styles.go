package chat

import "github.com/charmbracelet/lipgloss"

// Palette. Each speaker has one accent used for both its card border and title.
const (
	colorUser      = lipgloss.Color("214")
	colorCompanion = lipgloss.Color("44")
	colorDraft     = lipgloss.Color("66")
	colorButton    = lipgloss.Color("109")
	colorError     = lipgloss.Color("203")
	colorFrame     = lipgloss.Color("130")
	colorMuted     = lipgloss.Color("244")
)

// theme groups reusable styles for chat UI regions.
type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	bootLine   lipgloss.Style
	bootDone   lipgloss.Style

	userBox        lipgloss.Style
	userTitle      lipgloss.Style
	assistantBox   lipgloss.Style
	assistantTitle lipgloss.Style
	draftBox       lipgloss.Style
	draftTitle     lipgloss.Style
	buttonBox      lipgloss.Style
	buttonTitle    lipgloss.Style
	buttonKey      lipgloss.Style
	errorBox       lipgloss.Style
	errorTitle     lipgloss.Style

	status     lipgloss.Style
	statusBusy lipgloss.Style
	statusErr  lipgloss.Style
	hint       lipgloss.Style
	inputLabel lipgloss.Style
	input      lipgloss.Style
	viewport   lipgloss.Style
}

func card(border lipgloss.Border, accent lipgloss.Color, background string) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(border).
		BorderForeground(accent).
		Background(lipgloss.Color(background)).
		Padding(0, 1)
}

func cardTitle(accent lipgloss.Color, foreground string) lipgloss.Style {
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color(foreground)).
		Background(accent).
		Padding(0, 1)
}

func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("24")),
		headerMeta: lipgloss.NewStyle().Foreground(lipgloss.Color("152")),
		divider:    lipgloss.NewStyle().Foreground(colorFrame),
		bootLine:   lipgloss.NewStyle().Foreground(lipgloss.Color("180")),
		bootDone:   lipgloss.NewStyle().Foreground(lipgloss.Color("114")).Bold(true),

		userBox:        card(lipgloss.DoubleBorder(), colorUser, "235"),
		userTitle:      cardTitle(colorUser, "16"),
		assistantBox:   card(lipgloss.DoubleBorder(), colorCompanion, "234"),
		assistantTitle: cardTitle(colorCompanion, "16"),
		draftBox:       card(lipgloss.NormalBorder(), colorDraft, "234").Italic(true),
		draftTitle:     cardTitle(colorDraft, "231"),
		buttonBox:      card(lipgloss.RoundedBorder(), colorButton, "236").Foreground(lipgloss.Color("252")),
		buttonTitle:    cardTitle(colorButton, "16"),
		buttonKey:      lipgloss.NewStyle().Bold(true).Foreground(colorUser),
		errorBox:       card(lipgloss.DoubleBorder(), colorError, "52").Foreground(colorError),
		errorTitle:     cardTitle(lipgloss.Color("160"), "231"),

		status:     lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Bold(true),
		statusBusy: lipgloss.NewStyle().Foreground(lipgloss.Color("222")).Bold(true),
		statusErr:  lipgloss.NewStyle().Foreground(colorError).Bold(true),
		hint:       lipgloss.NewStyle().Foreground(colorMuted),
		inputLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")),
		input:      card(lipgloss.RoundedBorder(), lipgloss.Color("173"), "236"),
		viewport:   card(lipgloss.ThickBorder(), colorFrame, "233"),
	}
}
