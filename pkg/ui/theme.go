package ui

import (
	"os"

	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/lipgloss"
)

// TermProfile holds the detected terminal color profile. Computed once at
// package init so every style helper can branch without re-detecting.
var TermProfile colorprofile.Profile

func init() {
	TermProfile = colorprofile.Detect(os.Stdout, os.Environ())
}

// ThemeFg returns the given hex color for ANSI256+ terminals and a safe
// ANSI white (color 7) for 16-color or lower terminals.
func ThemeFg(hex string) lipgloss.TerminalColor {
	if TermProfile < colorprofile.ANSI256 {
		return lipgloss.ANSIColor(7)
	}
	return lipgloss.Color(hex)
}

// Theme holds the pre-computed styles of the explorer.
type Theme struct {
	Renderer *lipgloss.Renderer

	Primary   lipgloss.AdaptiveColor
	Secondary lipgloss.AdaptiveColor
	Muted     lipgloss.AdaptiveColor
	Highlight lipgloss.AdaptiveColor
	Danger    lipgloss.AdaptiveColor
	Warning   lipgloss.AdaptiveColor

	Base     lipgloss.Style
	Selected lipgloss.Style
	Branch   lipgloss.Style
	Leaf     lipgloss.Style
	Twisty   lipgloss.Style
	Detail   lipgloss.Style
	Loading  lipgloss.Style
	Header   lipgloss.Style
	Footer   lipgloss.Style
	Error    lipgloss.Style
	Prompt   lipgloss.Style
}

// DefaultTheme returns the standard Dracula-inspired theme (adaptive)
func DefaultTheme(r *lipgloss.Renderer) Theme {
	t := Theme{
		Renderer: r,

		Primary:   lipgloss.AdaptiveColor{Light: "#6B47D9", Dark: "#BD93F9"}, // Purple
		Secondary: lipgloss.AdaptiveColor{Light: "#006080", Dark: "#8BE9FD"}, // Cyan
		Muted:     lipgloss.AdaptiveColor{Light: "#555555", Dark: "#6272A4"},
		Highlight: lipgloss.AdaptiveColor{Light: "#E0E0E0", Dark: "#44475A"},
		Danger:    lipgloss.AdaptiveColor{Light: "#CC0000", Dark: "#FF5555"},
		Warning:   lipgloss.AdaptiveColor{Light: "#B06800", Dark: "#FFB86C"},
	}

	t.Base = r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#000000", Dark: "#F8F8F2"})
	t.Selected = r.NewStyle().Background(t.Highlight).Bold(true)
	t.Branch = r.NewStyle().Foreground(t.Secondary).Bold(true)
	t.Leaf = t.Base
	t.Twisty = r.NewStyle().Foreground(t.Primary)
	t.Detail = r.NewStyle().Foreground(t.Muted)
	t.Loading = r.NewStyle().Foreground(t.Warning).Italic(true)
	t.Header = r.NewStyle().Foreground(ThemeFg("#F8F8F2")).Background(t.Primary).Bold(true).Padding(0, 1)
	t.Footer = r.NewStyle().Foreground(t.Muted)
	t.Error = r.NewStyle().Foreground(t.Danger).Bold(true)
	t.Prompt = r.NewStyle().Foreground(t.Primary).Bold(true)

	return t
}
