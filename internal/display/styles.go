package display

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#F87171") // Red
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray

	// hostColors cycle over worker hosts so each host keeps one color.
	hostColors = []lipgloss.Color{
		lipgloss.Color("#60A5FA"), // Blue
		lipgloss.Color("#FBBF24"), // Yellow
		lipgloss.Color("#F472B6"), // Pink
		lipgloss.Color("#34D399"), // Emerald
		lipgloss.Color("#FB923C"), // Orange
		lipgloss.Color("#22D3EE"), // Cyan
	}
)

type styles struct {
	title       lipgloss.Style
	label       lipgloss.Style
	muted       lipgloss.Style
	progress    lipgloss.Style
	warning     lipgloss.Style
	err         lipgloss.Style
	coordinator lipgloss.Style
	hosts       []lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	s := styles{
		title:       r.NewStyle().Bold(true).Foreground(primaryColor),
		label:       r.NewStyle().Foreground(mutedColor),
		muted:       r.NewStyle().Foreground(mutedColor).Italic(true),
		progress:    r.NewStyle().Foreground(successColor),
		warning:     r.NewStyle().Foreground(warningColor),
		err:         r.NewStyle().Bold(true).Foreground(errorColor),
		coordinator: r.NewStyle().Bold(true).Foreground(primaryColor),
	}
	for _, c := range hostColors {
		s.hosts = append(s.hosts, r.NewStyle().Foreground(c))
	}
	return s
}
