package tui

import "github.com/charmbracelet/lipgloss"

// Color palette for the live progress view.
var (
	// ColorPrimary is the accent color used for the panel title.
	ColorPrimary = lipgloss.AdaptiveColor{Light: "#2563EB", Dark: "#60A5FA"}

	// ColorSuccess represents completed flows and steps (green).
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#16A34A", Dark: "#4ADE80"}

	// ColorWarning represents retries and pending states (amber).
	ColorWarning = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}

	// ColorError represents failures (red).
	ColorError = lipgloss.AdaptiveColor{Light: "#DC2626", Dark: "#F87171"}

	// ColorMuted is a subdued foreground for secondary text.
	ColorMuted = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}

	// ColorBorder is the standard panel border color.
	ColorBorder = lipgloss.AdaptiveColor{Light: "#E5E7EB", Dark: "#374151"}
)

// Theme holds the pre-built lipgloss styles for the progress view.
type Theme struct {
	Panel      lipgloss.Style
	Title      lipgloss.Style
	Header     lipgloss.Style
	Cell       lipgloss.Style
	StatusOK   lipgloss.Style
	StatusWarn lipgloss.Style
	StatusErr  lipgloss.Style
	Muted      lipgloss.Style
}

// DefaultTheme builds the standard theme.
func DefaultTheme() Theme {
	return Theme{
		Panel:      lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorBorder).Padding(0, 1),
		Title:      lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true),
		Header:     lipgloss.NewStyle().Foreground(ColorMuted).Bold(true),
		Cell:       lipgloss.NewStyle(),
		StatusOK:   lipgloss.NewStyle().Foreground(ColorSuccess),
		StatusWarn: lipgloss.NewStyle().Foreground(ColorWarning),
		StatusErr:  lipgloss.NewStyle().Foreground(ColorError),
		Muted:      lipgloss.NewStyle().Foreground(ColorMuted),
	}
}

// statusStyle picks the style for a flow status string.
func (t Theme) statusStyle(status string) lipgloss.Style {
	switch status {
	case "Completed":
		return t.StatusOK
	case "Failed", "Error":
		return t.StatusErr
	case "Running":
		return t.StatusWarn
	}
	return t.Muted
}
