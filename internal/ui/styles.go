// Package ui holds the terminal styles used by the CLI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Color palette
const (
	ColorAccent = lipgloss.Color("#7C3AED")
	ColorMuted  = lipgloss.Color("#6B7280")
	ColorPass   = lipgloss.Color("#10B981")
	ColorWarn   = lipgloss.Color("#F59E0B")
	ColorFail   = lipgloss.Color("#EF4444")
)

var (
	accentStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorFail)
)

// ConfigureColor turns styling off when f is not a terminal or NO_COLOR is
// set, so piped output stays plain.
func ConfigureColor(f *os.File) {
	if os.Getenv("NO_COLOR") != "" || !IsTerminal(f) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// RenderAccent styles headings and URLs.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted styles secondary details.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderPass styles success output.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles errors.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderOp styles a file event kind.
func RenderOp(op string) string {
	switch op {
	case "create":
		return RenderPass(op)
	case "delete":
		return RenderFail(op)
	default:
		return RenderWarn(op)
	}
}
